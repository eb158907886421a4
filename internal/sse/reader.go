// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sse

import (
	"context"
	"errors"
	"io"
)

// readChunkSize is the size of each read from the underlying stream.
const readChunkSize = 4 * 1024

// Reader pulls payloads from an io.Reader. The context is checked before
// every read so a cancelled stream stops promptly.
type Reader struct {
	r       io.Reader
	dec     Decoder
	buf     []byte
	pending []string
	eof     bool
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		buf: make([]byte, readChunkSize),
	}
}

// Next returns the next payload. It returns io.EOF after [DONE] or when the
// underlying reader is exhausted; an incomplete final line is dropped. If ctx
// is done, ctx.Err() is returned.
func (r *Reader) Next(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		if len(r.pending) > 0 {
			p := r.pending[0]
			r.pending = r.pending[1:]
			return p, nil
		}
		if r.eof || r.dec.Done() {
			return "", io.EOF
		}

		n, readErr := r.r.Read(r.buf)
		if n > 0 {
			payloads, _, err := r.dec.Feed(r.buf[:n])
			if err != nil {
				return "", err
			}
			r.pending = append(r.pending, payloads...)
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				r.eof = true
				continue
			}
			// A cancelled request surfaces as a body read error.
			if err := ctx.Err(); err != nil {
				return "", err
			}
			return "", readErr
		}
	}
}
