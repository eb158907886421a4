// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// CHAT MODEL CATALOGUE
// =============================================================================

// Selectable chat model ids. The backend model each maps to is configured.
const (
	ChatModelDefault   = "chat-model"
	ChatModelReasoning = "chat-model-reasoning"
)

// ChatModel is a user-selectable model entry.
type ChatModel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ChatModels lists the selectable models in display order.
var ChatModels = []ChatModel{
	{
		ID:          ChatModelDefault,
		Name:        "Chat model",
		Description: "Primary model for all-purpose chat",
	},
	{
		ID:          ChatModelReasoning,
		Name:        "Reasoning model",
		Description: "Uses advanced reasoning",
	},
}

// LookupChatModel finds a catalogue entry by id.
func LookupChatModel(id string) (ChatModel, bool) {
	for _, cm := range ChatModels {
		if cm.ID == id {
			return cm, true
		}
	}
	return ChatModel{}, false
}

// ChatModelIDs returns the catalogue ids, used by request validation.
func ChatModelIDs() []interface{} {
	ids := make([]interface{}, len(ChatModels))
	for i, cm := range ChatModels {
		ids[i] = cm.ID
	}
	return ids
}
