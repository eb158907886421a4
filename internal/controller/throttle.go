// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"strings"
	"time"
)

// DefaultThrottle is the minimum interval between UI publishes while a
// response streams.
const DefaultThrottle = 100 * time.Millisecond

// =============================================================================
// FLUSH BUFFER
// =============================================================================

// flushBuffer coalesces deltas between UI publishes. It never reorders or
// drops: every written delta comes out of exactly one Flush or ForceFlush,
// in write order. It is owned by the generation goroutine and not locked.
type flushBuffer struct {
	buffer    strings.Builder
	deltas    int
	lastFlush time.Time
	interval  time.Duration
	now       func() time.Time
}

func newFlushBuffer(interval time.Duration, now func() time.Time) *flushBuffer {
	if interval <= 0 {
		interval = DefaultThrottle
	}
	if now == nil {
		now = time.Now
	}
	return &flushBuffer{interval: interval, now: now, lastFlush: now()}
}

// Write appends a delta.
func (fb *flushBuffer) Write(delta string) {
	fb.buffer.WriteString(delta)
	fb.deltas++
}

// ShouldFlush reports whether content is pending and the interval elapsed.
func (fb *flushBuffer) ShouldFlush() bool {
	return fb.buffer.Len() > 0 && fb.now().Sub(fb.lastFlush) >= fb.interval
}

// Flush returns the pending content if ShouldFlush.
func (fb *flushBuffer) Flush() (string, bool) {
	if !fb.ShouldFlush() {
		return "", false
	}
	return fb.take(), true
}

// ForceFlush returns whatever is pending regardless of the interval.
func (fb *flushBuffer) ForceFlush() (string, bool) {
	if fb.buffer.Len() == 0 {
		return "", false
	}
	return fb.take(), true
}

// Pending returns the number of deltas waiting to be flushed.
func (fb *flushBuffer) Pending() int {
	return fb.deltas
}

func (fb *flushBuffer) take() string {
	content := fb.buffer.String()
	fb.buffer.Reset()
	fb.deltas = 0
	fb.lastFlush = fb.now()
	return content
}
