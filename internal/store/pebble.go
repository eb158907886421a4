// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	pebble "github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/model"
)

// Key layout. Index keys embed a zero-padded nanosecond timestamp so that
// lexical order is creation order.
//
//	user:{id}                        -> userRecord
//	chat:{id}                        -> model.Chat
//	msg:{id}                         -> model.Message
//	idx:user:{userID}:{ts}:{chatID}  -> ""
//	idx:chat:{chatID}:{ts}:{msgID}   -> ""
const (
	userPrefix     = "user:"
	chatPrefix     = "chat:"
	msgPrefix      = "msg:"
	userChatPrefix = "idx:user:"
	chatMsgPrefix  = "idx:chat:"
)

type userRecord struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
}

// =============================================================================
// PEBBLE STORE
// =============================================================================

// Pebble is the key-value Store backend.
type Pebble struct {
	db     *pebble.DB
	logger *zap.Logger

	// writeMu serializes read-modify-write sequences.
	writeMu sync.Mutex
}

var _ Store = (*Pebble)(nil)

// OpenPebble opens or creates the database directory at path.
func OpenPebble(path string, logger *zap.Logger) (*Pebble, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &Pebble{db: db, logger: logging.OrGlobal(logger)}, nil
}

// Close closes the database.
func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// =============================================================================
// KEYS
// =============================================================================

func tsKey(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

func userChatKey(userID string, createdAt time.Time, chatID string) []byte {
	return []byte(userChatPrefix + userID + ":" + tsKey(createdAt) + ":" + chatID)
}

func chatMsgKey(chatID string, createdAt time.Time, msgID string) []byte {
	return []byte(chatMsgPrefix + chatID + ":" + tsKey(createdAt) + ":" + msgID)
}

// splitIndexKey returns the timestamp and trailing id of an index key.
func splitIndexKey(key, prefix string) (int64, string, bool) {
	rest := strings.TrimPrefix(key, prefix)
	ts, id, ok := strings.Cut(rest, ":")
	if !ok {
		return 0, "", false
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, id, true
}

// prefixOptions bounds an iterator to keys that start with prefix. Every
// prefix ends in ':' and ';' sorts immediately after it.
func prefixOptions(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix[:len(prefix)-1] + ";"),
	}
}

// =============================================================================
// RECORD ACCESS
// =============================================================================

// getJSON decodes the value at key into v. It reports false when the key is
// absent.
func (p *Pebble) getJSON(key string, v any) (bool, error) {
	data, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set([]byte(key), data, nil)
}

// scanIndex calls fn for every key under prefix, in order or reversed.
// Returning false from fn stops the scan.
func (p *Pebble) scanIndex(prefix string, reverse bool, fn func(ts int64, id string) bool) error {
	iter, err := p.db.NewIter(prefixOptions(prefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	valid := iter.First()
	step := iter.Next
	if reverse {
		valid = iter.Last()
		step = iter.Prev
	}
	for ; valid; valid = step() {
		ts, id, ok := splitIndexKey(string(iter.Key()), prefix)
		if !ok {
			continue
		}
		if !fn(ts, id) {
			break
		}
	}
	return iter.Error()
}

// =============================================================================
// USERS
// =============================================================================

func (p *Pebble) GetOrCreateUser(ctx context.Context) (*model.User, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	iter, err := p.db.NewIter(prefixOptions(userPrefix))
	if err != nil {
		return nil, failure(p.logger, chaterr.OpGetUser, err)
	}
	var oldest *userRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec userRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			iter.Close()
			return nil, failure(p.logger, chaterr.OpGetUser, err)
		}
		if oldest == nil || rec.CreatedAt < oldest.CreatedAt {
			oldest = &rec
		}
	}
	if err := iter.Close(); err != nil {
		return nil, failure(p.logger, chaterr.OpGetUser, err)
	}
	if oldest != nil {
		return &model.User{ID: oldest.ID}, nil
	}

	user := model.NewUser()
	b := p.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, userPrefix+user.ID, userRecord{ID: user.ID, CreatedAt: time.Now().UnixNano()}); err != nil {
		return nil, failure(p.logger, chaterr.OpCreateUser, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return nil, failure(p.logger, chaterr.OpCreateUser, err)
	}
	p.logger.Info("user_created", zap.String("user_id", user.ID))
	return &user, nil
}

// =============================================================================
// CHATS
// =============================================================================

func (p *Pebble) CreateChat(ctx context.Context, chat model.Chat) error {
	chat = normalizeChat(chat)

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var existing model.Chat
	found, err := p.getJSON(chatPrefix+chat.ID, &existing)
	if err != nil {
		return failure(p.logger, chaterr.OpSaveChat, err)
	}
	if found {
		return nil
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, chatPrefix+chat.ID, chat); err != nil {
		return failure(p.logger, chaterr.OpSaveChat, err)
	}
	if err := b.Set(userChatKey(chat.UserID, chat.CreatedAt, chat.ID), nil, nil); err != nil {
		return failure(p.logger, chaterr.OpSaveChat, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return failure(p.logger, chaterr.OpSaveChat, err)
	}
	return nil
}

func (p *Pebble) GetChatByID(ctx context.Context, id string) (*model.Chat, error) {
	var chat model.Chat
	found, err := p.getJSON(chatPrefix+id, &chat)
	if err != nil {
		return nil, failure(p.logger, chaterr.OpGetChat, err)
	}
	if !found {
		return nil, nil
	}
	return &chat, nil
}

func (p *Pebble) GetChatsByUserID(ctx context.Context, opts ListChatsOptions) (*model.ChatPage, error) {
	limit := opts.limit()

	// keep reports whether a chat created at ts belongs on the page.
	keep := func(int64) bool { return true }
	cursorID, newer := opts.StartingAfter, true
	if cursorID == "" {
		cursorID, newer = opts.EndingBefore, false
	}
	if cursorID != "" {
		cursor, err := p.GetChatByID(ctx, cursorID)
		if err != nil {
			return nil, err
		}
		if cursor == nil {
			return nil, errCursorNotFound(cursorID)
		}
		at := cursor.CreatedAt.UnixNano()
		if newer {
			keep = func(ts int64) bool { return ts > at }
		} else {
			keep = func(ts int64) bool { return ts < at }
		}
	}

	var ids []string
	err := p.scanIndex(userChatPrefix+opts.UserID+":", true, func(ts int64, id string) bool {
		if keep(ts) {
			ids = append(ids, id)
		}
		return len(ids) <= limit
	})
	if err != nil {
		return nil, failure(p.logger, chaterr.OpGetChats, err)
	}

	chats := make([]model.Chat, 0, len(ids))
	for _, id := range ids {
		var chat model.Chat
		found, err := p.getJSON(chatPrefix+id, &chat)
		if err != nil {
			return nil, failure(p.logger, chaterr.OpGetChats, err)
		}
		if found {
			chats = append(chats, chat)
		}
	}
	return paginate(chats, limit), nil
}

func (p *Pebble) UpdateChatTitle(ctx context.Context, id, title string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var chat model.Chat
	found, err := p.getJSON(chatPrefix+id, &chat)
	if err != nil {
		return failure(p.logger, chaterr.OpUpdateChat, err)
	}
	if !found {
		return nil
	}
	chat.Title = title

	b := p.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, chatPrefix+id, chat); err != nil {
		return failure(p.logger, chaterr.OpUpdateChat, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return failure(p.logger, chaterr.OpUpdateChat, err)
	}
	return nil
}

func (p *Pebble) DeleteChatByID(ctx context.Context, id string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()
	if err := p.deleteChat(b, id); err != nil {
		return failure(p.logger, chaterr.OpDeleteChat, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return failure(p.logger, chaterr.OpDeleteChat, err)
	}
	return nil
}

// deleteChat stages the removal of a chat, its index entry and its messages.
func (p *Pebble) deleteChat(b *pebble.Batch, id string) error {
	var chat model.Chat
	found, err := p.getJSON(chatPrefix+id, &chat)
	if err != nil {
		return err
	}
	if found {
		if err := b.Delete([]byte(chatPrefix+id), nil); err != nil {
			return err
		}
		if err := b.Delete(userChatKey(chat.UserID, chat.CreatedAt, id), nil); err != nil {
			return err
		}
	}
	return p.deleteMessagesFrom(b, id, 0)
}

func (p *Pebble) DeleteAllUserData(ctx context.Context, userID string) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var ids []string
	err := p.scanIndex(userChatPrefix+userID+":", false, func(_ int64, id string) bool {
		ids = append(ids, id)
		return true
	})
	if err != nil {
		return 0, failure(p.logger, chaterr.OpDeleteUserData, err)
	}

	b := p.db.NewBatch()
	defer b.Close()
	for _, id := range ids {
		if err := p.deleteChat(b, id); err != nil {
			return 0, failure(p.logger, chaterr.OpDeleteUserData, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return 0, failure(p.logger, chaterr.OpDeleteUserData, err)
	}
	return len(ids), nil
}

// =============================================================================
// MESSAGES
// =============================================================================

func (p *Pebble) SaveMessages(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()
	for _, m := range msgs {
		m = normalizeMessage(m)
		var existing model.Message
		found, err := p.getJSON(msgPrefix+m.ID, &existing)
		if err != nil {
			return failure(p.logger, chaterr.OpSaveMessages, err)
		}
		if found {
			return failure(p.logger, chaterr.OpSaveMessages, fmt.Errorf("message %s already exists", m.ID))
		}
		if err := setJSON(b, msgPrefix+m.ID, m); err != nil {
			return failure(p.logger, chaterr.OpSaveMessages, err)
		}
		if err := b.Set(chatMsgKey(m.ChatID, m.CreatedAt, m.ID), nil, nil); err != nil {
			return failure(p.logger, chaterr.OpSaveMessages, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return failure(p.logger, chaterr.OpSaveMessages, err)
	}
	return nil
}

func (p *Pebble) GetMessageByID(ctx context.Context, id string) (*model.Message, error) {
	var msg model.Message
	found, err := p.getJSON(msgPrefix+id, &msg)
	if err != nil {
		return nil, failure(p.logger, chaterr.OpGetMessage, err)
	}
	if !found {
		return nil, nil
	}
	return &msg, nil
}

func (p *Pebble) UpdateMessage(ctx context.Context, msg model.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var stored model.Message
	found, err := p.getJSON(msgPrefix+msg.ID, &stored)
	if err != nil {
		return failure(p.logger, chaterr.OpUpdateMessage, err)
	}
	if !found {
		return chaterr.PersistenceMsg(chaterr.OpUpdateMessage, "Message not found")
	}
	stored.Parts = msg.Parts

	b := p.db.NewBatch()
	defer b.Close()
	if err := setJSON(b, msgPrefix+msg.ID, stored); err != nil {
		return failure(p.logger, chaterr.OpUpdateMessage, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return failure(p.logger, chaterr.OpUpdateMessage, err)
	}
	return nil
}

func (p *Pebble) GetMessagesByChatID(ctx context.Context, chatID string) ([]model.Message, error) {
	var ids []string
	err := p.scanIndex(chatMsgPrefix+chatID+":", false, func(_ int64, id string) bool {
		ids = append(ids, id)
		return true
	})
	if err != nil {
		return nil, failure(p.logger, chaterr.OpGetMessages, err)
	}

	msgs := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		var msg model.Message
		found, err := p.getJSON(msgPrefix+id, &msg)
		if err != nil {
			return nil, failure(p.logger, chaterr.OpGetMessages, err)
		}
		if found {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (p *Pebble) DeleteMessagesAfterTimestamp(ctx context.Context, chatID string, ts time.Time) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()
	if err := p.deleteMessagesFrom(b, chatID, ts.UnixNano()); err != nil {
		return failure(p.logger, chaterr.OpDeleteMessages, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return failure(p.logger, chaterr.OpDeleteMessages, err)
	}
	return nil
}

// deleteMessagesFrom stages the removal of a chat's messages created at or
// after the given nanosecond timestamp.
func (p *Pebble) deleteMessagesFrom(b *pebble.Batch, chatID string, from int64) error {
	prefix := chatMsgPrefix + chatID + ":"
	var firstErr error
	err := p.scanIndex(prefix, false, func(ts int64, id string) bool {
		if ts < from {
			return true
		}
		if err := b.Delete([]byte(msgPrefix+id), nil); err != nil {
			firstErr = err
			return false
		}
		if err := b.Delete(chatMsgKey(chatID, time.Unix(0, ts), id), nil); err != nil {
			firstErr = err
			return false
		}
		return true
	})
	if firstErr != nil {
		return firstErr
	}
	return err
}

func (p *Pebble) DeleteTrailingMessages(ctx context.Context, messageID string) error {
	msg, err := p.GetMessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return errMessageNotFound()
	}
	return p.DeleteMessagesAfterTimestamp(ctx, msg.ChatID, msg.CreatedAt)
}

func (p *Pebble) DeleteMessageByID(ctx context.Context, id string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var msg model.Message
	found, err := p.getJSON(msgPrefix+id, &msg)
	if err != nil {
		return failure(p.logger, chaterr.OpDeleteMessages, err)
	}
	if !found {
		return nil
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Delete([]byte(msgPrefix+id), nil); err != nil {
		return failure(p.logger, chaterr.OpDeleteMessages, err)
	}
	if err := b.Delete(chatMsgKey(msg.ChatID, msg.CreatedAt, id), nil); err != nil {
		return failure(p.logger, chaterr.OpDeleteMessages, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return failure(p.logger, chaterr.OpDeleteMessages, err)
	}
	return nil
}

func (p *Pebble) GetMessageCountByUserID(ctx context.Context, userID string, hours int) (int, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UnixNano()

	var chatIDs []string
	err := p.scanIndex(userChatPrefix+userID+":", false, func(_ int64, id string) bool {
		chatIDs = append(chatIDs, id)
		return true
	})
	if err != nil {
		return 0, failure(p.logger, chaterr.OpCountMessages, err)
	}

	count := 0
	for _, chatID := range chatIDs {
		var msgIDs []string
		err := p.scanIndex(chatMsgPrefix+chatID+":", false, func(ts int64, id string) bool {
			if ts >= since {
				msgIDs = append(msgIDs, id)
			}
			return true
		})
		if err != nil {
			return 0, failure(p.logger, chaterr.OpCountMessages, err)
		}
		for _, id := range msgIDs {
			var msg model.Message
			found, err := p.getJSON(msgPrefix+id, &msg)
			if err != nil {
				return 0, failure(p.logger, chaterr.OpCountMessages, err)
			}
			if found && msg.Role == model.RoleUser {
				count++
			}
		}
	}
	return count, nil
}
