// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/metrics"
	"github.com/jeranaias/openllm-chat/internal/model"
)

// Driver names a storage backend.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverPebble Driver = "pebble"
)

// DefaultChatLimit is the page size used when a listing asks for none.
const DefaultChatLimit = 20

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store is the persistence surface. Implementations are safe for concurrent
// use. Lookups of a missing record return (nil, nil).
type Store interface {
	// GetOrCreateUser returns the single local user, creating it on first use.
	GetOrCreateUser(ctx context.Context) (*model.User, error)

	// CreateChat inserts a chat. Creating an existing id succeeds and keeps
	// the stored title.
	CreateChat(ctx context.Context, chat model.Chat) error
	GetChatByID(ctx context.Context, id string) (*model.Chat, error)
	GetChatsByUserID(ctx context.Context, opts ListChatsOptions) (*model.ChatPage, error)
	UpdateChatTitle(ctx context.Context, id, title string) error
	// DeleteChatByID removes a chat and all of its messages.
	DeleteChatByID(ctx context.Context, id string) error

	SaveMessages(ctx context.Context, msgs []model.Message) error
	GetMessageByID(ctx context.Context, id string) (*model.Message, error)
	// UpdateMessage replaces the parts of an existing message.
	UpdateMessage(ctx context.Context, msg model.Message) error
	// GetMessagesByChatID returns a chat's messages ordered by CreatedAt.
	GetMessagesByChatID(ctx context.Context, chatID string) ([]model.Message, error)
	// DeleteMessagesAfterTimestamp removes messages created at or after ts.
	DeleteMessagesAfterTimestamp(ctx context.Context, chatID string, ts time.Time) error
	// DeleteTrailingMessages removes the given message and everything after it.
	DeleteTrailingMessages(ctx context.Context, messageID string) error
	// DeleteMessageByID removes one message. A missing id is not an error.
	DeleteMessageByID(ctx context.Context, id string) error
	// GetMessageCountByUserID counts user-role messages sent in the last hours.
	GetMessageCountByUserID(ctx context.Context, userID string, hours int) (int, error)

	// DeleteAllUserData removes every chat owned by userID and returns how
	// many were deleted.
	DeleteAllUserData(ctx context.Context, userID string) (int, error)

	Close() error
}

// ListChatsOptions selects one page of chat history. At most one of
// StartingAfter and EndingBefore may be set; both are chat ids.
type ListChatsOptions struct {
	UserID        string
	Limit         int
	StartingAfter string // page of chats newer than this one
	EndingBefore  string // page of chats older than this one
}

func (o ListChatsOptions) limit() int {
	if o.Limit <= 0 {
		return DefaultChatLimit
	}
	return o.Limit
}

// =============================================================================
// OPEN
// =============================================================================

// Open opens the backend named by driver at path.
func Open(driver Driver, path string, logger *zap.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(path, logger)
	case DriverPebble:
		return OpenPebble(path, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// failure wraps a storage cause, counts it and logs it.
func failure(logger *zap.Logger, op chaterr.Op, err error) error {
	metrics.PersistenceErrors.WithLabelValues(string(op)).Inc()
	logging.OrGlobal(logger).Warn("persistence_failed",
		zap.String("op", string(op)),
		zap.Error(err),
	)
	return chaterr.Persistence(op, err)
}

// errMessageNotFound is returned when a trailing delete names no message.
func errMessageNotFound() error {
	metrics.PersistenceErrors.WithLabelValues(string(chaterr.OpDeleteMessages)).Inc()
	return chaterr.PersistenceMsg(chaterr.OpDeleteMessages, "Message not found")
}

func errCursorNotFound(id string) error {
	return chaterr.NotFound("database", fmt.Sprintf("Chat with id %s not found", id))
}

// normalizeChat fills the id and creation time of a chat saved without them.
func normalizeChat(chat model.Chat) model.Chat {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now()
	}
	return chat
}

func normalizeMessage(m model.Message) model.Message {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return m
}

// paginate applies the limit+1 rule to chats already sorted newest first.
func paginate(chats []model.Chat, limit int) *model.ChatPage {
	page := &model.ChatPage{Chats: chats}
	if len(chats) > limit {
		page.Chats = chats[:limit]
		page.HasMore = true
	}
	if page.Chats == nil {
		page.Chats = []model.Chat{}
	}
	return page
}
