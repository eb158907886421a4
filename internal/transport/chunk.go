// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

// =============================================================================
// CHUNK TYPES
// =============================================================================

// ChunkType tags a Chunk.
type ChunkType string

const (
	ChunkTextStart ChunkType = "text-start"
	ChunkTextDelta ChunkType = "text-delta"
	ChunkTextEnd   ChunkType = "text-end"
	ChunkError     ChunkType = "error"
)

// Chunk is one normalized unit of streamed output. Delta is set only for
// text-delta and ErrorText only for error; ID is the per-response stream id.
type Chunk struct {
	Type      ChunkType `json:"type"`
	ID        string    `json:"id"`
	Delta     string    `json:"delta,omitempty"`
	ErrorText string    `json:"errorText,omitempty"`
}

// TextStart builds a text-start chunk.
func TextStart(id string) Chunk {
	return Chunk{Type: ChunkTextStart, ID: id}
}

// TextDelta builds a text-delta chunk.
func TextDelta(id, delta string) Chunk {
	return Chunk{Type: ChunkTextDelta, ID: id, Delta: delta}
}

// TextEnd builds a text-end chunk.
func TextEnd(id string) Chunk {
	return Chunk{Type: ChunkTextEnd, ID: id}
}

// ErrorChunk builds an error chunk.
func ErrorChunk(id, text string) Chunk {
	return Chunk{Type: ChunkError, ID: id, ErrorText: text}
}

// Valid reports whether the chunk is a well-formed member of the union.
func (c Chunk) Valid() bool {
	switch c.Type {
	case ChunkTextStart, ChunkTextEnd:
		return c.Delta == "" && c.ErrorText == ""
	case ChunkTextDelta:
		return c.ErrorText == ""
	case ChunkError:
		return c.Delta == "" && c.ErrorText != ""
	}
	return false
}
