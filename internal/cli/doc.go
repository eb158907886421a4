// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the openchat command tree.
//
// Commands are built with cobra. Each command opens only what it needs: the
// config commands never touch storage, and the chat commands open the store,
// the inference transport and the title generator through App.
//
// # Key Types
//
//   - App: Loaded configuration plus the store, transport and preferences
//     shared by the chat commands
//   - UsageError, ConfigError: Failures mapped to dedicated exit codes
//   - JSONResponse: Envelope printed by commands run with --json
//
// # Usage
//
// From main:
//
//	os.Exit(cli.Execute(ctx))
//
// # Commands Overview
//
//   - chat: Line-based chat with input history and slash commands
//   - tui: Full-screen chat
//   - history, delete, reset: Stored conversation management
//   - model: Show or set the preferred chat model
//   - config: show, get, set, init and path
//   - serve: Local HTTP API
//
// Exit codes: 0 success, 1 general, 2 usage, 3 config, 5 network,
// 7 not found, 8 timeout.
package cli
