// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package title derives a short chat title from the first user message.
//
// Concurrent requests for the same message share one backend call. A
// successful title stays cached for a short TTL after it completes; a failed
// one is never cached and resolves to the fallback title.
//
// # Key Types
//
//   - Generator: single-flight title derivation with a TTL cache
//   - Options: backend sender, TTL, fallback and logger
//
// # Usage
//
//	gen := title.New(title.Options{Sender: tr.WithModel(cfg.Backend.TitleModel)})
//	chatTitle := gen.Generate(ctx, firstMessage)
package title
