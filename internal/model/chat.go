// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CHAT
// =============================================================================

// Chat is a conversation record. Only Title is ever mutated after creation.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UserID    string    `json:"userId"`
}

// ChatPage is one page of a user's chat history, newest first.
type ChatPage struct {
	Chats   []Chat `json:"chats"`
	HasMore bool   `json:"hasMore"`
}

// =============================================================================
// USER
// =============================================================================

// User is the single local user that owns every chat.
type User struct {
	ID string `json:"id"`
}

// NewUser creates a user with a fresh id.
func NewUser() User {
	return User{ID: uuid.NewString()}
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
