// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tui is the full-screen chat interface.
//
// It drives one conversation controller at a time and renders its snapshots
// with Bubble Tea. Controller callbacks run on the generation goroutine; they
// are forwarded to the program as messages through a buffered channel, so the
// model is only ever touched by Update.
//
// # Key Types
//
//   - Model: the Bubble Tea model (transcript viewport, input, status bar,
//     history overlay)
//   - Options: storage, transport factory and display settings
//   - Theme: lipgloss styles for dark and light terminals
//   - KeyMap: key bindings with help text
//
// # Usage
//
//	err := tui.Run(ctx, tui.Options{
//		Store:     st,
//		UserID:    user.ID,
//		Senders:   app.Sender,
//		Titles:    titles,
//		ChatModel: model.ChatModelDefault,
//	})
package tui
