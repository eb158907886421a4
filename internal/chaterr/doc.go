// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chaterr defines the error taxonomy shared by the chat transport,
// the persistence backends and the conversation controller.
//
// Every failure that crosses a package boundary is an *Error carrying a Kind
// (what went wrong), a wire Code in "type:surface" form and, for storage
// failures, the Op that failed. Callers branch with errors.Is against the
// sentinel classes or with KindOf.
//
// # Key Types
//
//   - Error: Classified error with kind, code, operation and cause
//   - Kind: Error category (model_not_found, persistence_error, ...)
//   - Op: Persistence operation tag (save_chat, save_messages, ...)
//
// # Usage
//
//	if err := st.SaveMessages(ctx, msgs); err != nil {
//	    return chaterr.Persistence(chaterr.OpSaveMessages, err)
//	}
//
//	switch chaterr.KindOf(err) {
//	case chaterr.KindModelNotFound:
//	    // offer another model
//	}
package chaterr
