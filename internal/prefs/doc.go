// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prefs keeps the selected chat model as a cookie.
//
// The preference is a single Set-Cookie line, chat-model={id}; Path=/;
// Max-Age=31536000. The HTTP server sets and reads it on requests; the CLI
// and TUI keep the same line in a file under the data directory, so both
// surfaces agree on the format.
//
// # Key Types
//
//   - File: the cookie line persisted on disk
//
// # Usage
//
//	f := prefs.NewFile(filepath.Join(dataDir, "cookies"), logger)
//	modelID := f.Model()            // default when unset or unknown
//	err := f.SetModel(model.ChatModelReasoning)
//
//	prefs.SetCookie(w, modelID)     // HTTP handlers
//	modelID = prefs.FromRequest(r)
package prefs
