// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared by the config, prefs, title and
// terminal packages.
//
// # Key Functions
//
// String Utilities:
//   - TruncateRunes, TruncateRunesNoEllipsis: rune-safe truncation
//   - TruncateWidth, PadWidth, StringWidth: terminal cell widths (go-runewidth)
//   - SingleLine: collapse whitespace for one-line previews
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	title = util.TruncateRunesNoEllipsis(title, 80)
//	row := util.PadWidth(chat.Title, 40)
//	err := util.AtomicWriteFile(path, data, 0600)
package util
