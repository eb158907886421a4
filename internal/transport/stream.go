// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/metrics"
	"github.com/jeranaias/openllm-chat/internal/sse"
)

// streamBuffer is the chunk channel capacity.
const streamBuffer = 16

// =============================================================================
// STREAM
// =============================================================================

// Stream delivers the chunks of one response in backend order. The channel
// returned by Chunks is closed when the response ends, fails or is cancelled.
type Stream struct {
	id     string
	chunks chan Chunk
	err    error

	cancel    context.CancelFunc
	body      io.Closer
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewStream starts a pump that decodes body as an SSE completion stream. The
// stream stops when ctx is done or Close is called.
func NewStream(ctx context.Context, body io.ReadCloser) *Stream {
	return newStream(ctx, body, newStreamID(), nil)
}

func newStream(ctx context.Context, body io.ReadCloser, id string, logger *zap.Logger) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		id:     id,
		chunks: make(chan Chunk, streamBuffer),
		cancel: cancel,
		body:   body,
		logger: logging.OrGlobal(logger),
	}
	// A body blocked in Read only returns once it is closed
	context.AfterFunc(ctx, s.Close)
	go s.pump(ctx, body)
	return s
}

// ID returns the synthetic per-response stream id.
func (s *Stream) ID() string {
	return s.id
}

// Chunks returns the chunk channel.
func (s *Stream) Chunks() <-chan Chunk {
	return s.chunks
}

// Err returns the read failure that ended the stream, if any. It is only
// meaningful after Chunks has been drained.
func (s *Stream) Err() error {
	return s.err
}

// Close stops the pump and releases the response body. Safe to call more
// than once and concurrently with reads.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.body.Close()
	})
}

// pump reads payloads until [DONE], exhaustion, failure or cancellation. The
// context is checked on every iteration.
func (s *Stream) pump(ctx context.Context, body io.ReadCloser) {
	defer close(s.chunks)
	defer s.Close()

	reader := sse.NewReader(body)
	tr := NewTranslator(s.id)

	for {
		payload, err := reader.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.emitAll(ctx, tr.Finish())
			case ctx.Err() != nil:
				s.logger.Debug("stream_cancelled", zap.String("stream_id", s.id))
			default:
				s.err = chaterr.Network(err)
				s.logger.Warn("stream_read_failed",
					zap.String("stream_id", s.id),
					zap.Error(err),
				)
				s.emit(ctx, ErrorChunk(s.id, err.Error()))
			}
			return
		}

		if !s.emitAll(ctx, tr.Translate(payload)) {
			return
		}
	}
}

// emit sends one chunk unless the stream is cancelled first.
func (s *Stream) emit(ctx context.Context, c Chunk) bool {
	select {
	case s.chunks <- c:
		metrics.StreamChunks.WithLabelValues(string(c.Type)).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) emitAll(ctx context.Context, chunks []Chunk) bool {
	for _, c := range chunks {
		if !s.emit(ctx, c) {
			return false
		}
	}
	return true
}

// =============================================================================
// HELPERS
// =============================================================================

// Collect drains s and returns the concatenated text deltas. An error chunk
// ends collection with an error; cancellation returns ctx.Err().
func Collect(ctx context.Context, s *Stream) (string, error) {
	defer s.Close()

	var sb strings.Builder
	for {
		select {
		case <-ctx.Done():
			return sb.String(), ctx.Err()
		case c, ok := <-s.Chunks():
			if !ok {
				if err := ctx.Err(); err != nil {
					return sb.String(), err
				}
				return sb.String(), nil
			}
			switch c.Type {
			case ChunkTextDelta:
				sb.WriteString(c.Delta)
			case ChunkError:
				if s.Err() != nil {
					return sb.String(), s.Err()
				}
				return sb.String(), chaterr.Network(errors.New(c.ErrorText))
			}
		}
	}
}

// newStreamID returns "msg-{unixMillis}-{9 base36 chars}".
func newStreamID() string {
	u := uuid.New()
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(u[:8]), 36)
	if len(suffix) < 9 {
		suffix = strings.Repeat("0", 9-len(suffix)) + suffix
	}
	return fmt.Sprintf("msg-%d-%s", time.Now().UnixMilli(), suffix[:9])
}
