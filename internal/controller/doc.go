// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller drives one conversation: it appends and persists user
// messages, streams the assistant reply from the backend, throttles UI
// updates, and turns failures into visible synthetic messages.
//
// The lifecycle is ready -> submitted -> streaming -> ready. A controller
// runs at most one generation at a time. Send, Regenerate and Edit block
// until that generation ends; Stop may be called from any goroutine.
//
// # Key Types
//
//   - Controller: the conversation state machine
//   - Options: collaborators (store, sender, titles) and UI callbacks
//   - Signal: per-stream event broadcast for streaming front ends
//   - Notification: a user-facing error report
//
// # Usage
//
//	ctrl := controller.New(controller.Options{
//	    ChatID:   chatID,
//	    UserID:   user.ID,
//	    Store:    st,
//	    Sender:   tr,
//	    Titles:   titles,
//	    OnUpdate: func(msgs []model.Message) { render(msgs) },
//	})
//	if _, err := ctrl.Load(ctx); err != nil {
//	    return err
//	}
//	err := ctrl.Send(ctx, "Hi")
package controller
