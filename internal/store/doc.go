// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists chats, messages and the local user.
//
// Two backends implement the same Store interface: SQLite (the default,
// through the pure Go modernc.org/sqlite driver) and Pebble (an embedded
// key-value store). Both return *chaterr.Error values of kind
// persistence_error, tagged with the failing operation.
//
// # Key Types
//
//   - Store: the persistence surface used by the controller and the server
//   - SQLite: relational backend with cascading deletes
//   - Pebble: key-value backend with prefix-ordered keys
//   - ListChatsOptions: cursor pagination for chat history
//
// # Usage
//
//	st, err := store.Open(store.DriverSQLite, "/home/me/.openchat/chat.db", logger)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	user, _ := st.GetOrCreateUser(ctx)
//	page, _ := st.GetChatsByUserID(ctx, store.ListChatsOptions{UserID: user.ID, Limit: 20})
package store
