// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/openllm-chat/internal/controller"
	"github.com/jeranaias/openllm-chat/internal/model"
)

// =============================================================================
// MESSAGES
// =============================================================================

// Controller callbacks carry the chat id they came from so that updates from
// a conversation the user has left are dropped.

type updateMsg struct {
	chatID   string
	messages []model.Message
}

type statusMsg struct {
	chatID string
	status controller.Status
}

type notifyMsg struct {
	chatID string
	note   controller.Notification
}

type refreshMsg struct {
	chatID string
}

type titleMsg struct {
	chatID string
	title  string
}

// loadedMsg delivers a controller whose conversation has been loaded.
type loadedMsg struct {
	ctrl  *controller.Controller
	title string
	err   error
}

// doneMsg ends a send, edit or regenerate.
type doneMsg struct {
	chatID string
	err    error
}

type historyMsg struct {
	chats []model.Chat
	err   error
}

// =============================================================================
// EVENT BUS
// =============================================================================

// bus forwards controller callbacks into the program. Pushes block until the
// program reads them or the bus is closed.
type bus struct {
	ch   chan tea.Msg
	done chan struct{}
	once sync.Once
}

func newBus() *bus {
	return &bus{ch: make(chan tea.Msg, 256), done: make(chan struct{})}
}

func (b *bus) push(msg tea.Msg) {
	select {
	case b.ch <- msg:
	case <-b.done:
	}
}

// listen waits for the next pushed message.
func (b *bus) listen() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.ch:
			return msg
		case <-b.done:
			return nil
		}
	}
}

func (b *bus) close() {
	b.once.Do(func() { close(b.done) })
}
