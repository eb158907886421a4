// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/controller"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/util"
)

// =============================================================================
// LAYOUT
// =============================================================================

// layout sizes the viewport and input to the window.
func (m *Model) layout() {
	if !m.ready {
		return
	}
	chrome := 1 + 1 + inputHeight // header, status bar, input box
	if m.notice != "" {
		chrome++
	}
	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-chrome, 1)
	m.input.Width = max(m.width-6, 10)
	m.refreshViewport(true)
}

// contentWidth is the transcript wrap width.
func (m *Model) contentWidth() int {
	w := m.width - 4
	if w > m.opts.WordWrap {
		w = m.opts.WordWrap
	}
	return max(w, 20)
}

// refreshViewport re-renders the transcript, following the bottom when the
// view was already there or when forced.
func (m *Model) refreshViewport(toBottom bool) {
	follow := toBottom || m.viewport.AtBottom()
	m.viewport.SetContent(m.transcript())
	if follow {
		m.viewport.GotoBottom()
	}
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

func (m *Model) transcript() string {
	if len(m.messages) == 0 {
		name := m.chatModel
		if cm, ok := model.LookupChatModel(m.chatModel); ok {
			name = cm.Name
		}
		return m.theme.Hint.Render(fmt.Sprintf("\n  Start a conversation with the %s.", strings.ToLower(name)))
	}

	var b strings.Builder
	last := len(m.messages) - 1
	for i, msg := range m.messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg, i == last && m.busy()))
	}
	return b.String()
}

// renderMessage renders one message. The message being streamed is shown as
// plain text; markdown is rendered once it is complete.
func (m *Model) renderMessage(msg model.Message, streaming bool) string {
	width := m.contentWidth()
	switch {
	case msg.IsUser():
		label := m.theme.UserLabel.Render("You")
		if msg.ID == m.editing {
			label += m.theme.Hint.Render(" (editing)")
		}
		return label + "\n" + m.theme.UserText.Width(width).Render(msg.Text())
	case controller.IsErrorMessage(msg):
		return m.theme.AssistantLabel.Render("Assistant") + "\n" +
			m.theme.ErrorText.Width(width).Render(msg.Text())
	case streaming:
		return m.theme.AssistantLabel.Render("Assistant") + "\n" +
			m.theme.UserText.Width(width).Render(msg.Text())
	default:
		return m.theme.AssistantLabel.Render("Assistant") + "\n" + m.markdown(msg)
	}
}

// markdown renders an assistant message, caching by id and text.
func (m *Model) markdown(msg model.Message) string {
	text := msg.Text()
	if cached, ok := m.rendered[msg.ID]; ok && cached.text == text {
		return cached.out
	}
	out := m.theme.UserText.Width(m.contentWidth()).Render(text)
	if m.renderer != nil {
		if r, err := m.renderer.Render(text); err == nil {
			out = strings.TrimRight(r, "\n")
		}
	}
	m.rendered[msg.ID] = renderedMessage{text: text, out: out}
	return out
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the screen.
func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}

	var body string
	switch {
	case m.showList:
		body = m.historyView()
	case m.showHelp:
		body = m.helpView()
	default:
		body = m.viewport.View()
	}

	parts := []string{m.headerView(), body}
	if m.notice != "" {
		parts = append(parts, m.theme.Notice.Render(util.TruncateWidth(m.notice, m.width)))
	}
	parts = append(parts, m.theme.InputBorder.Width(max(m.width-2, 10)).Render(m.input.View()), m.statusView())
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m Model) headerView() string {
	title := m.title
	if title == "" {
		title = "New chat"
	}
	left := m.theme.HeaderTitle.Render("openchat") + "  " + util.TruncateWidth(title, max(m.width-14, 10))
	return m.theme.Header.Width(m.width).Render(left)
}

func (m Model) statusView() string {
	var state string
	switch m.status {
	case controller.StatusReady:
		state = m.theme.StatusReady.Render("ready")
	default:
		state = m.theme.StatusBusy.Render(m.spinner.View() + " " + string(m.status))
	}
	name := m.chatModel
	if cm, ok := model.LookupChatModel(m.chatModel); ok {
		name = cm.Name
	}
	left := state + "  " + m.theme.StatusModel.Render(name)
	hint := m.theme.Hint.Render(helpLine(m.keys.ShortHelp()))

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(hint) - 2
	if gap < 1 {
		return m.theme.StatusBar.Width(m.width).Render(left)
	}
	return m.theme.StatusBar.Width(m.width).Render(left + strings.Repeat(" ", gap) + hint)
}

func (m Model) helpView() string {
	var b strings.Builder
	b.WriteString(m.theme.HeaderTitle.Render("Keys") + "\n\n")
	for _, group := range m.keys.FullHelp() {
		for _, k := range group {
			h := k.Help()
			b.WriteString("  " + util.PadWidth(h.Key, 8) + m.theme.Hint.Render(h.Desc) + "\n")
		}
		b.WriteString("\n")
	}
	return lipgloss.NewStyle().Height(m.viewport.Height).Render(b.String())
}

func (m Model) historyView() string {
	var b strings.Builder
	b.WriteString(m.theme.HeaderTitle.Render("History") + "\n")
	if len(m.chats) == 0 {
		b.WriteString(m.theme.Hint.Render("No chats yet."))
	}

	inner := max(m.width-8, 20)
	titleWidth := max(inner-18, 10)
	rows := max(m.viewport.Height-3, 1)
	start := 0
	if m.cursor >= rows {
		start = m.cursor - rows + 1
	}
	for i := start; i < len(m.chats) && i < start+rows; i++ {
		chat := m.chats[i]
		line := util.PadWidth(util.SingleLine(chat.Title), titleWidth) + " " +
			m.theme.ListMeta.Render(humanize.Time(chat.CreatedAt))
		if i == m.cursor {
			b.WriteString(m.theme.ListSelected.Render("> "+line) + "\n")
		} else {
			b.WriteString(m.theme.ListItem.Render(line) + "\n")
		}
	}
	return m.theme.ListBox.Width(max(m.width-4, 20)).Height(m.viewport.Height - 2).Render(b.String())
}

// errorNotice is the one-line text shown for an error.
func errorNotice(err error) string {
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		return chaterr.Category(err) + ": " + ce.Message
	}
	return err.Error()
}
