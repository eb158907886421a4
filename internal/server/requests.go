// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/title"
)

// MaxMessageRunes bounds user message content and each text part.
const MaxMessageRunes = 2000

// ============================================================================
// CHAT REQUEST
// ============================================================================

type chatRequest struct {
	ID                string             `json:"id"`
	Message           chatRequestMessage `json:"message"`
	SelectedChatModel string             `json:"selectedChatModel"`
}

type chatRequestMessage struct {
	ID      string       `json:"id"`
	Role    string       `json:"role"`
	Content string       `json:"content"`
	Parts   []model.Part `json:"parts"`
}

func (r chatRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ID, validation.Required, is.UUID),
		validation.Field(&r.Message),
		validation.Field(&r.SelectedChatModel, validation.Required, validation.In(model.ChatModelIDs()...)),
	)
}

func (m chatRequestMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required, is.UUID),
		validation.Field(&m.Role, validation.Required, validation.In(string(model.RoleUser))),
		validation.Field(&m.Content, validation.Required, validation.RuneLength(1, MaxMessageRunes)),
		validation.Field(&m.Parts, validation.Each(validation.By(validatePart))),
	)
}

func validatePart(value interface{}) error {
	p, ok := value.(model.Part)
	if !ok {
		return errors.New("must be a message part")
	}
	return validation.ValidateStruct(&p,
		validation.Field(&p.Type, validation.Required, validation.In(model.PartTypeText)),
		validation.Field(&p.Text, validation.Required, validation.RuneLength(1, MaxMessageRunes)),
	)
}

// userMessage converts the request into the message sent to the
// controller. Parts win over content when both are present.
func (m chatRequestMessage) userMessage() model.Message {
	msg := model.Message{ID: m.ID, Role: model.RoleUser}
	if len(m.Parts) > 0 {
		msg.Parts = append([]model.Part(nil), m.Parts...)
	} else {
		msg.SetText(m.Content)
	}
	return msg
}

// ============================================================================
// OTHER REQUESTS
// ============================================================================

type renameRequest struct {
	Title string `json:"title"`
}

func (r renameRequest) Validate() error {
	r.Title = strings.TrimSpace(r.Title)
	return validation.ValidateStruct(&r,
		validation.Field(&r.Title, validation.Required, validation.RuneLength(1, title.MaxRunes)),
	)
}

type modelRequest struct {
	Model string `json:"model"`
}

func (r modelRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Model, validation.Required, validation.In(model.ChatModelIDs()...)),
	)
}

// validate runs v.Validate and wraps failures as validation errors.
func validate(v validation.Validatable) error {
	if err := v.Validate(); err != nil {
		return chaterr.Validation("Invalid request", err)
	}
	return nil
}
