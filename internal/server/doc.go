// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the chat engine over a local HTTP API.
//
// Endpoints:
//   - POST   /api/chat                stream a reply as SSE chunks
//   - GET    /api/chat/{id}/messages  list a chat's messages
//   - PATCH  /api/chat/{id}           rename a chat
//   - DELETE /api/chat/{id}           delete a chat and its messages
//   - GET    /api/history             paginated chat list
//   - DELETE /api/user/data           delete every chat of the local user
//   - GET    /api/model, PUT /api/model  chat model preference cookie
//   - GET    /health, GET /metrics
//
// The stream body is a sequence of `data: {chunk}` frames using the
// text-start, text-delta, text-end and error chunk types, terminated by
// `data: [DONE]`. Comment frames keep idle connections open.
//
// # Key Types
//
//   - Server: routes, middleware and lifecycle
//   - Options: storage, backend factory and limits
//
// # Usage
//
//	srv := server.New(server.Options{
//	    Addr:    cfg.Server.Addr,
//	    Store:   st,
//	    Senders: func(modelID string) transport.Sender { ... },
//	    UserID:  user.ID,
//	})
//	err := srv.Run(ctx)
package server
