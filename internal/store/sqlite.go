// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/model"
)

// =============================================================================
// SQLITE STORE
// =============================================================================

// SQLite is the default Store backend.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db, logger: logging.OrGlobal(logger)}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// =============================================================================
// USERS
// =============================================================================

// GetOrCreateUser returns the oldest user row, inserting one if none exist.
func (s *SQLite) GetOrCreateUser(ctx context.Context) (*model.User, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM users ORDER BY created_at LIMIT 1").Scan(&id)
	switch {
	case err == nil:
		return &model.User{ID: id}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, failure(s.logger, chaterr.OpGetUser, err)
	}

	user := model.NewUser()
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, created_at) VALUES (?, ?)",
		user.ID, time.Now().UnixNano(),
	); err != nil {
		return nil, failure(s.logger, chaterr.OpCreateUser, err)
	}
	s.logger.Info("user_created", zap.String("user_id", user.ID))
	return &user, nil
}

// =============================================================================
// CHATS
// =============================================================================

func (s *SQLite) CreateChat(ctx context.Context, chat model.Chat) error {
	chat = normalizeChat(chat)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, title, created_at, user_id) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		chat.ID, chat.Title, chat.CreatedAt.UnixNano(), chat.UserID,
	)
	if err != nil {
		return failure(s.logger, chaterr.OpSaveChat, err)
	}
	return nil
}

func (s *SQLite) GetChatByID(ctx context.Context, id string) (*model.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, user_id FROM chats WHERE id = ?", id)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, failure(s.logger, chaterr.OpGetChat, err)
	}
	return chat, nil
}

// GetChatsByUserID returns one page of the user's chats, newest first.
func (s *SQLite) GetChatsByUserID(ctx context.Context, opts ListChatsOptions) (*model.ChatPage, error) {
	limit := opts.limit()

	query := "SELECT id, title, created_at, user_id FROM chats WHERE user_id = ?"
	args := []any{opts.UserID}

	cursor := opts.StartingAfter
	op := ">"
	if cursor == "" && opts.EndingBefore != "" {
		cursor = opts.EndingBefore
		op = "<"
	}
	if cursor != "" {
		var createdAt int64
		err := s.db.QueryRowContext(ctx, "SELECT created_at FROM chats WHERE id = ?", cursor).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errCursorNotFound(cursor)
		}
		if err != nil {
			return nil, failure(s.logger, chaterr.OpGetChats, err)
		}
		query += " AND created_at " + op + " ?"
		args = append(args, createdAt)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, failure(s.logger, chaterr.OpGetChats, err)
	}
	defer rows.Close()

	var chats []model.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, failure(s.logger, chaterr.OpGetChats, err)
		}
		chats = append(chats, *chat)
	}
	if err := rows.Err(); err != nil {
		return nil, failure(s.logger, chaterr.OpGetChats, err)
	}
	return paginate(chats, limit), nil
}

func (s *SQLite) UpdateChatTitle(ctx context.Context, id, title string) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE chats SET title = ? WHERE id = ?", title, id); err != nil {
		return failure(s.logger, chaterr.OpUpdateChat, err)
	}
	return nil
}

func (s *SQLite) DeleteChatByID(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure(s.logger, chaterr.OpDeleteChat, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", id); err != nil {
		return failure(s.logger, chaterr.OpDeleteChat, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id); err != nil {
		return failure(s.logger, chaterr.OpDeleteChat, err)
	}
	if err := tx.Commit(); err != nil {
		return failure(s.logger, chaterr.OpDeleteChat, err)
	}
	return nil
}

// DeleteAllUserData removes every chat the user owns and their messages.
func (s *SQLite) DeleteAllUserData(ctx context.Context, userID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, failure(s.logger, chaterr.OpDeleteUserData, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE chat_id IN (SELECT id FROM chats WHERE user_id = ?)", userID,
	); err != nil {
		return 0, failure(s.logger, chaterr.OpDeleteUserData, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE user_id = ?", userID)
	if err != nil {
		return 0, failure(s.logger, chaterr.OpDeleteUserData, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, failure(s.logger, chaterr.OpDeleteUserData, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// =============================================================================
// MESSAGES
// =============================================================================

func (s *SQLite) SaveMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return failure(s.logger, chaterr.OpSaveMessages, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (id, chat_id, role, parts, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return failure(s.logger, chaterr.OpSaveMessages, err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		parts, err := json.Marshal(m.Parts)
		if err != nil {
			return failure(s.logger, chaterr.OpSaveMessages, err)
		}
		m = normalizeMessage(m)
		if _, err := stmt.ExecContext(ctx, m.ID, m.ChatID, string(m.Role), string(parts), m.CreatedAt.UnixNano()); err != nil {
			return failure(s.logger, chaterr.OpSaveMessages, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return failure(s.logger, chaterr.OpSaveMessages, err)
	}
	return nil
}

func (s *SQLite) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, chat_id, role, parts, created_at FROM messages WHERE id = ?", id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, failure(s.logger, chaterr.OpGetMessage, err)
	}
	return msg, nil
}

func (s *SQLite) UpdateMessage(ctx context.Context, msg model.Message) error {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return failure(s.logger, chaterr.OpUpdateMessage, err)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE messages SET parts = ? WHERE id = ?", string(parts), msg.ID)
	if err != nil {
		return failure(s.logger, chaterr.OpUpdateMessage, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chaterr.PersistenceMsg(chaterr.OpUpdateMessage, "Message not found")
	}
	return nil
}

func (s *SQLite) GetMessagesByChatID(ctx context.Context, chatID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, role, parts, created_at FROM messages WHERE chat_id = ? ORDER BY created_at ASC",
		chatID)
	if err != nil {
		return nil, failure(s.logger, chaterr.OpGetMessages, err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, failure(s.logger, chaterr.OpGetMessages, err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, failure(s.logger, chaterr.OpGetMessages, err)
	}
	return msgs, nil
}

func (s *SQLite) DeleteMessagesAfterTimestamp(ctx context.Context, chatID string, ts time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE chat_id = ? AND created_at >= ?", chatID, ts.UnixNano(),
	); err != nil {
		return failure(s.logger, chaterr.OpDeleteMessages, err)
	}
	return nil
}

func (s *SQLite) DeleteTrailingMessages(ctx context.Context, messageID string) error {
	msg, err := s.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return errMessageNotFound()
	}
	return s.DeleteMessagesAfterTimestamp(ctx, msg.ChatID, msg.CreatedAt)
}

func (s *SQLite) DeleteMessageByID(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id); err != nil {
		return failure(s.logger, chaterr.OpDeleteMessages, err)
	}
	return nil
}

func (s *SQLite) GetMessageCountByUserID(ctx context.Context, userID string, hours int) (int, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixNano()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages m JOIN chats c ON c.id = m.chat_id
		 WHERE c.user_id = ? AND m.role = ? AND m.created_at >= ?`,
		userID, string(model.RoleUser), since,
	).Scan(&n)
	if err != nil {
		return 0, failure(s.logger, chaterr.OpCountMessages, err)
	}
	return n, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (*model.Chat, error) {
	var chat model.Chat
	var createdAt int64
	if err := row.Scan(&chat.ID, &chat.Title, &createdAt, &chat.UserID); err != nil {
		return nil, err
	}
	chat.CreatedAt = time.Unix(0, createdAt)
	return &chat, nil
}

func scanMessage(row scanner) (*model.Message, error) {
	var msg model.Message
	var role, parts string
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.ChatID, &role, &parts, &createdAt); err != nil {
		return nil, err
	}
	msg.Role = model.Role(role)
	msg.CreatedAt = time.Unix(0, createdAt)
	if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
		return nil, fmt.Errorf("decode parts of message %s: %w", msg.ID, err)
	}
	return &msg, nil
}
