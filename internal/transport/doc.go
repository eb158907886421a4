// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport talks to an OpenAI-compatible chat completions backend.
//
// One SendMessages call owns one HTTP request: it converts the conversation to
// the wire format, POSTs it with stream=true, classifies error responses and,
// once headers arrive, returns a Stream whose chunks are produced by a pump
// goroutine (SSE decoder plus chunk translator). Cancelling the request
// context stops the pump and closes the stream without an error chunk.
//
// # Key Types
//
//   - Transport: Stateless, reusable client for one backend and model
//   - SendRequest: Conversation and per-call overrides for one request
//   - Stream: Ordered chunk channel for one response
//   - Chunk: Tagged union of text-start, text-delta, text-end and error
//   - Translator: Vendor JSON frame to Chunk mapping
//
// # Usage
//
//	tr := transport.New(transport.Options{
//	    BaseURL: "https://api.openllm-platform.com/",
//	    APIKey:  key,
//	    Model:   "meta-llama/Llama-3.2-1B-Instruct",
//	})
//	stream, err := tr.SendMessages(ctx, transport.SendRequest{
//	    Trigger:  transport.TriggerSubmit,
//	    ChatID:   chatID,
//	    Messages: history,
//	})
//	if err != nil {
//	    return err // *chaterr.Error
//	}
//	for chunk := range stream.Chunks() {
//	    fmt.Print(chunk.Delta)
//	}
package transport
