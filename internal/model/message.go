// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// PART TYPE
// =============================================================================

// PartTypeText is the only part type currently produced or consumed.
const PartTypeText = "text"

// Part is one ordered piece of message content.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a chat.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage creates a message with a fresh id and a single text part.
// CreatedAt is left for the caller (the controller assigns ordered stamps).
func NewMessage(chatID string, role Role, text string) Message {
	return Message{
		ID:     uuid.NewString(),
		ChatID: chatID,
		Role:   role,
		Parts:  []Part{TextPart(text)},
	}
}

// NewUserMessage creates a user message.
func NewUserMessage(chatID, text string) Message {
	return NewMessage(chatID, RoleUser, text)
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(chatID, text string) Message {
	return NewMessage(chatID, RoleAssistant, text)
}

// Text concatenates every text part. Non-text parts are ignored.
func (m Message) Text() string {
	if len(m.Parts) == 1 && m.Parts[0].Type == PartTypeText {
		return m.Parts[0].Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// SetText replaces all parts with a single text part.
func (m *Message) SetText(text string) {
	m.Parts = []Part{TextPart(text)}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	c := m
	c.Parts = append([]Part(nil), m.Parts...)
	return c
}

// IsUser returns true if this is a user message.
func (m Message) IsUser() bool {
	return m.Role == RoleUser
}

// IsAssistant returns true if this is an assistant message.
func (m Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
