// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sse decodes Server-Sent Events streams into data payloads.
//
// The decoder is push based: bytes are fed in whatever chunks the network
// delivers and complete "data:" payloads come out. Incomplete lines are held
// until their newline arrives, so the split points of the input never change
// the decoded sequence.
//
// # Key Types
//
//   - Decoder: Incremental line framer with tail retention
//   - Reader: Pull-based wrapper over an io.Reader with context checks
//
// # Usage
//
//	r := sse.NewReader(resp.Body)
//	for {
//	    payload, err := r.Next(ctx)
//	    if err == io.EOF {
//	        break // [DONE] or body exhausted
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    handle(payload)
//	}
package sse
