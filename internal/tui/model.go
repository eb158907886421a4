// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/controller"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/prefs"
	"github.com/jeranaias/openllm-chat/internal/store"
	"github.com/jeranaias/openllm-chat/internal/transport"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultWordWrap is the transcript width when none is configured.
	DefaultWordWrap = 100

	// historyPageSize is how many chats the history overlay lists.
	historyPageSize = 50

	storeTimeout = 10 * time.Second
	inputHeight  = 3
)

// Options configures the chat screen.
type Options struct {
	Store   store.Store
	UserID  string
	Senders func(chatModelID string) transport.Sender
	Titles  controller.TitleSource
	// Prefs persists the selected chat model. Optional.
	Prefs *prefs.File

	// ChatID opens an existing chat; empty starts a new one.
	ChatID    string
	ChatModel string

	Throttle time.Duration
	WordWrap int
	Theme    string
	Logger   *zap.Logger
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model of the chat screen.
type Model struct {
	ctx    context.Context
	opts   Options
	logger *zap.Logger
	theme  *Theme
	keys   KeyMap
	bus    *bus

	ctrl      *controller.Controller
	chatID    string
	chatModel string
	title     string
	status    controller.Status
	messages  []model.Message
	editing   string
	notice    string

	chats    []model.Chat
	cursor   int
	showList bool
	showHelp bool

	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model
	renderer *glamour.TermRenderer
	rendered map[string]renderedMessage

	width  int
	height int
	ready  bool
}

type renderedMessage struct {
	text string
	out  string
}

// New creates the chat screen. The conversation is loaded by Init.
func New(ctx context.Context, opts Options) Model {
	if opts.WordWrap <= 0 {
		opts.WordWrap = DefaultWordWrap
	}
	chatModel := opts.ChatModel
	if chatModel == "" && opts.Prefs != nil {
		chatModel = opts.Prefs.Model()
	}
	if _, ok := model.LookupChatModel(chatModel); !ok {
		chatModel = model.ChatModelDefault
	}
	chatID := opts.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}

	theme := NewTheme(opts.Theme)

	input := textinput.New()
	input.Placeholder = "Send a message..."
	input.Prompt = "> "
	input.CharLimit = 2000
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Spinner

	m := Model{
		ctx:       ctx,
		opts:      opts,
		logger:    logging.OrGlobal(opts.Logger).Named("tui"),
		theme:     theme,
		keys:      DefaultKeyMap(),
		bus:       newBus(),
		chatID:    chatID,
		chatModel: chatModel,
		status:    controller.StatusReady,
		viewport:  viewport.New(0, 0),
		input:     input,
		spinner:   sp,
		rendered:  make(map[string]renderedMessage),
	}
	m.renderer = newRenderer(theme.Glamour, opts.WordWrap)
	return m
}

func newRenderer(style string, wrap int) *glamour.TermRenderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithWordWrap(wrap),
	)
	if err != nil {
		return nil
	}
	return r
}

// Init loads the conversation and starts listening for controller events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.bus.listen(),
		m.openCmd(m.chatID),
	)
}

// busy reports whether a generation is in flight.
func (m Model) busy() bool {
	return m.status != controller.StatusReady
}

// controllerOptions wires a controller for chatID to the event bus.
func (m Model) controllerOptions(chatID string) controller.Options {
	push := m.bus.push
	return controller.Options{
		ChatID:   chatID,
		UserID:   m.opts.UserID,
		Store:    m.opts.Store,
		Sender:   m.opts.Senders(m.chatModel),
		Titles:   m.opts.Titles,
		Throttle: m.opts.Throttle,
		Logger:   m.logger,
		OnUpdate: func(msgs []model.Message) {
			push(updateMsg{chatID: chatID, messages: msgs})
		},
		OnStatus: func(s controller.Status) {
			push(statusMsg{chatID: chatID, status: s})
		},
		OnNotify: func(n controller.Notification) {
			push(notifyMsg{chatID: chatID, note: n})
		},
		OnRefresh: func() error {
			push(refreshMsg{chatID: chatID})
			return nil
		},
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// openCmd builds a controller for chatID and loads its stored conversation.
func (m Model) openCmd(chatID string) tea.Cmd {
	ctrl := controller.New(m.controllerOptions(chatID))
	st := m.opts.Store
	ctx := m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		exists, err := ctrl.Load(ctx)
		if err != nil || !exists {
			return loadedMsg{ctrl: ctrl, err: err}
		}
		var title string
		if chat, err := st.GetChatByID(ctx, chatID); err == nil && chat != nil {
			title = chat.Title
		}
		return loadedMsg{ctrl: ctrl, title: title}
	}
}

// sendCmd runs one send, or an edit of the message being edited. It blocks
// in its own goroutine until the reply ends.
func (m Model) sendCmd(text string) tea.Cmd {
	ctrl, editing, ctx := m.ctrl, m.editing, m.ctx
	return func() tea.Msg {
		var err error
		if editing != "" {
			err = ctrl.Edit(ctx, editing, text)
		} else {
			err = ctrl.Send(ctx, text)
		}
		return doneMsg{chatID: ctrl.ChatID(), err: err}
	}
}

func (m Model) regenerateCmd() tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	return func() tea.Msg {
		return doneMsg{chatID: ctrl.ChatID(), err: ctrl.Regenerate(ctx)}
	}
}

func (m Model) titleCmd(chatID string) tea.Cmd {
	st, ctx := m.opts.Store, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		chat, err := st.GetChatByID(ctx, chatID)
		if err != nil || chat == nil {
			return nil
		}
		return titleMsg{chatID: chatID, title: chat.Title}
	}
}

func (m Model) historyCmd() tea.Cmd {
	st, ctx, userID := m.opts.Store, m.ctx, m.opts.UserID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		page, err := st.GetChatsByUserID(ctx, store.ListChatsOptions{UserID: userID, Limit: historyPageSize})
		if err != nil {
			return historyMsg{err: err}
		}
		return historyMsg{chats: page.Chats}
	}
}

// =============================================================================
// UPDATE
// =============================================================================

// Update handles one message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true
		m.layout()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		if !m.busy() {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case loadedMsg:
		if msg.err != nil {
			m.notice = errorNotice(msg.err)
			if m.ctrl == nil && msg.ctrl.ChatID() == m.opts.ChatID {
				// The requested chat cannot be opened; start a new one.
				m.chatID = uuid.NewString()
				return m, m.openCmd(m.chatID)
			}
			return m, nil
		}
		m.ctrl = msg.ctrl
		m.chatID = msg.ctrl.ChatID()
		m.title = msg.title
		m.messages = msg.ctrl.Messages()
		m.status = msg.ctrl.Status()
		m.editing = ""
		m.refreshViewport(true)
		return m, nil

	case updateMsg:
		if msg.chatID == m.chatID {
			m.messages = msg.messages
			m.refreshViewport(false)
		}
		return m, m.bus.listen()

	case statusMsg:
		cmds := []tea.Cmd{m.bus.listen()}
		if msg.chatID == m.chatID {
			wasBusy := m.busy()
			m.status = msg.status
			if m.busy() && !wasBusy {
				cmds = append(cmds, m.spinner.Tick)
			}
			m.refreshViewport(false)
		}
		return m, tea.Batch(cmds...)

	case notifyMsg:
		if msg.chatID == m.chatID {
			m.notice = msg.note.Title + ": " + msg.note.Text
			m.layout()
		}
		return m, m.bus.listen()

	case refreshMsg:
		return m, tea.Batch(m.bus.listen(), m.titleCmd(msg.chatID))

	case titleMsg:
		if msg.chatID == m.chatID {
			m.title = msg.title
		}
		return m, nil

	case historyMsg:
		if msg.err != nil {
			m.notice = errorNotice(msg.err)
			return m, nil
		}
		m.chats = msg.chats
		m.cursor = 0
		m.showList = true
		return m, nil

	case doneMsg:
		if msg.chatID == m.chatID {
			m.editing = ""
			if m.ctrl != nil {
				m.status = m.ctrl.Status()
			}
			if controller.Unreported(msg.err) {
				m.notice = errorNotice(msg.err)
			}
			m.refreshViewport(false)
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		if m.ctrl != nil {
			m.ctrl.Stop()
		}
		m.bus.close()
		return m, tea.Quit
	}
	if m.showList {
		return m.handleListKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		return m, nil

	case key.Matches(msg, m.keys.Stop):
		switch {
		case m.showHelp:
			m.showHelp = false
		case m.busy() && m.ctrl != nil:
			m.ctrl.Stop()
		case m.editing != "":
			m.editing = ""
			m.input.Reset()
		}
		return m, nil

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.ViewUp()
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.ViewDown()
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.busy() || m.ctrl == nil {
			return m, nil
		}
		cmd := m.sendCmd(text)
		m.input.Reset()
		m.notice = ""
		m.status = controller.StatusSubmitted
		m.layout()
		return m, tea.Batch(cmd, m.spinner.Tick)

	case key.Matches(msg, m.keys.Regenerate):
		if m.busy() || m.ctrl == nil {
			return m, nil
		}
		m.notice = ""
		m.status = controller.StatusSubmitted
		return m, tea.Batch(m.regenerateCmd(), m.spinner.Tick)

	case key.Matches(msg, m.keys.EditLast):
		if m.busy() {
			return m, nil
		}
		for i := len(m.messages) - 1; i >= 0; i-- {
			if m.messages[i].IsUser() {
				m.editing = m.messages[i].ID
				m.input.SetValue(m.messages[i].Text())
				m.input.CursorEnd()
				break
			}
		}
		return m, nil

	case key.Matches(msg, m.keys.NewChat):
		if m.busy() {
			return m, nil
		}
		m.notice = ""
		return m, m.openCmd(uuid.NewString())

	case key.Matches(msg, m.keys.History):
		if m.busy() {
			return m, nil
		}
		return m, m.historyCmd()

	case key.Matches(msg, m.keys.NextModel):
		if m.busy() {
			return m, nil
		}
		m.chatModel = nextChatModel(m.chatModel)
		if m.opts.Prefs != nil {
			if err := m.opts.Prefs.SetModel(m.chatModel); err != nil {
				m.logger.Warn("model_preference_not_saved", zap.Error(err))
			}
		}
		return m, m.openCmd(m.chatID)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Stop), key.Matches(msg, m.keys.History):
		m.showList = false
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.chats)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Submit):
		m.showList = false
		if m.cursor < len(m.chats) {
			m.notice = ""
			return m, m.openCmd(m.chats[m.cursor].ID)
		}
	}
	return m, nil
}

// nextChatModel cycles through the catalogue.
func nextChatModel(current string) string {
	for i, cm := range model.ChatModels {
		if cm.ID == current {
			return model.ChatModels[(i+1)%len(model.ChatModels)].ID
		}
	}
	return model.ChatModelDefault
}
