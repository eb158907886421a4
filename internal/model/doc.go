// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chats, messages and users.
//
// These types are shared by the transport, the conversation controller and
// the persistence backends. They carry no behaviour beyond small helpers for
// building and reading messages.
//
// # Key Types
//
//   - Chat: A conversation record owned by a user
//   - Message: A single message with an ordered list of parts
//   - Part: One content part of a message (text only)
//   - User: The local user that owns every chat
//   - Role: Message role enumeration (user, assistant, system)
//   - ChatModel: Selectable chat model presented to the user
//
// # Usage
//
// Build a user message for a chat:
//
//	msg := model.NewUserMessage(chatID, "Hello!")
//	fmt.Println(msg.Text())
//
// Look up a selectable chat model:
//
//	cm, ok := model.LookupChatModel(model.ChatModelReasoning)
package model
