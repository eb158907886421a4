// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTranslator_StartOnFirstNonEmptyDelta(t *testing.T) {
	tr := NewTranslator("s1")

	assert.Empty(t, tr.Translate(`{"choices":[{"delta":{"role":"assistant"}}]}`))
	assert.Empty(t, tr.Translate(`{"choices":[{"delta":{"content":""}}]}`))
	assert.False(t, tr.Started())

	assert.Equal(t, []Chunk{TextStart("s1"), TextDelta("s1", "a")}, tr.Translate(`{"choices":[{"delta":{"content":"a"}}]}`))
	assert.Equal(t, []Chunk{TextDelta("s1", "b")}, tr.Translate(`{"choices":[{"delta":{"content":"b"}}]}`))
	assert.Equal(t, []Chunk{TextEnd("s1")}, tr.Finish())
	assert.Empty(t, tr.Finish(), "text-end is emitted once")
}

func TestTranslator_NoEndWithoutStart(t *testing.T) {
	tr := NewTranslator("s1")
	assert.Empty(t, tr.Translate(`{"choices":[]}`))
	assert.Empty(t, tr.Finish())
}

func TestTranslator_SkipsMalformed(t *testing.T) {
	tr := NewTranslator("s1")
	assert.Empty(t, tr.Translate(`{"choices":[{"delta":`))
	assert.Empty(t, tr.Translate(`keep-alive`))
	assert.Len(t, tr.Translate(`{"choices":[{"delta":{"content":"ok"}}]}`), 2)
}

func TestChunk_Valid(t *testing.T) {
	assert.True(t, TextStart("x").Valid())
	assert.True(t, TextDelta("x", "d").Valid())
	assert.True(t, ErrorChunk("x", "boom").Valid())
	assert.False(t, ErrorChunk("x", "").Valid())
	assert.False(t, Chunk{Type: "reasoning"}.Valid())
}
