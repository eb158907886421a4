// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"encoding/json"
)

// completionFrame is the subset of a streaming completion frame we read.
type completionFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// content returns choices[0].delta.content, or "".
func (f *completionFrame) content() string {
	if len(f.Choices) > 0 {
		return f.Choices[0].Delta.Content
	}
	return ""
}

// Translator maps decoded frames of one response to chunks. It is not safe
// for concurrent use.
type Translator struct {
	id       string
	started  bool
	finished bool
}

// NewTranslator creates a translator whose chunks carry id.
func NewTranslator(id string) *Translator {
	return &Translator{id: id}
}

// Translate converts one payload. Malformed JSON and empty deltas yield no
// chunks. The first non-empty delta is preceded by text-start.
func (t *Translator) Translate(payload string) []Chunk {
	if t.finished {
		return nil
	}
	var frame completionFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		return nil
	}
	delta := frame.content()
	if delta == "" {
		return nil
	}
	if !t.started {
		t.started = true
		return []Chunk{TextStart(t.id), TextDelta(t.id, delta)}
	}
	return []Chunk{TextDelta(t.id, delta)}
}

// Finish ends the response. text-end is produced only if text-start was, and
// only once.
func (t *Translator) Finish() []Chunk {
	if t.finished {
		return nil
	}
	t.finished = true
	if !t.started {
		return nil
	}
	return []Chunk{TextEnd(t.id)}
}

// Started reports whether any text has been emitted.
func (t *Translator) Started() bool {
	return t.started
}
