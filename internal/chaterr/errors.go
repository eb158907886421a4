// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chaterr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// KINDS
// =============================================================================

// Kind classifies an error.
type Kind string

const (
	KindModelNotFound    Kind = "model_not_found"
	KindResourceNotFound Kind = "resource_not_found"
	KindGenericAPI       Kind = "generic_api_error"
	KindNetwork          Kind = "network_error"
	KindPersistence      Kind = "persistence_error"
	KindValidation       Kind = "validation_error"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not_found"
	KindRateLimited      Kind = "rate_limited"
	KindUnknown          Kind = "unknown"
)

// Sentinel classes for errors.Is. An *Error matches every class its Kind
// belongs to.
var (
	ErrTransport   = errors.New("transport error")
	ErrPersistence = errors.New("persistence error")
	ErrValidation  = errors.New("validation failed")
	ErrForbidden   = errors.New("forbidden")
	ErrNotFound    = errors.New("not found")
	ErrRateLimited = errors.New("rate limited")
)

// =============================================================================
// PERSISTENCE OPERATIONS
// =============================================================================

// Op tags the storage operation a persistence error came from.
type Op string

const (
	OpCreateUser     Op = "create_user"
	OpGetUser        Op = "get_user"
	OpSaveChat       Op = "save_chat"
	OpGetChat        Op = "get_chat"
	OpGetChats       Op = "get_chats"
	OpUpdateChat     Op = "update_chat"
	OpDeleteChat     Op = "delete_chat"
	OpSaveMessages   Op = "save_messages"
	OpGetMessage     Op = "get_message"
	OpUpdateMessage  Op = "update_message"
	OpGetMessages    Op = "get_messages"
	OpDeleteMessages Op = "delete_messages"
	OpCountMessages  Op = "count_messages"
	OpDeleteUserData Op = "delete_user_data"
)

var opMessages = map[Op]string{
	OpCreateUser:     "Failed to create user",
	OpGetUser:        "Failed to get user by id",
	OpSaveChat:       "Failed to save chat",
	OpGetChat:        "Failed to get chat by id",
	OpGetChats:       "Failed to get chats by user id",
	OpUpdateChat:     "Failed to update chat by id",
	OpDeleteChat:     "Failed to delete chat by id",
	OpSaveMessages:   "Failed to save messages",
	OpGetMessage:     "Failed to get message by id",
	OpUpdateMessage:  "Failed to update message",
	OpGetMessages:    "Failed to get messages by chat id",
	OpDeleteMessages: "Failed to delete messages by chat id after timestamp",
	OpCountMessages:  "Failed to get message count by user id",
	OpDeleteUserData: "Failed to delete all user data",
}

// Message returns the human-readable description of the operation.
func (o Op) Message() string {
	if msg, ok := opMessages[o]; ok {
		return msg
	}
	return "Storage operation failed"
}

// =============================================================================
// ERROR TYPE
// =============================================================================

// Error is a classified chat error.
type Error struct {
	Kind    Kind
	Code    string // "type:surface", e.g. "not_found:model"
	Op      Op     // set for persistence errors
	Model   string // set for model_not_found
	Status  int    // HTTP status, when one applies
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel classes.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		switch e.Kind {
		case KindModelNotFound, KindResourceNotFound, KindGenericAPI, KindNetwork:
			return true
		}
	case ErrPersistence:
		return e.Kind == KindPersistence
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrForbidden:
		return e.Kind == KindForbidden
	case ErrNotFound:
		switch e.Kind {
		case KindNotFound, KindResourceNotFound, KindModelNotFound:
			return true
		}
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	}
	return false
}

// =============================================================================
// CONSTRUCTORS
// =============================================================================

// ModelNotFound reports that the backend does not serve the named model.
func ModelNotFound(model string) *Error {
	return &Error{
		Kind:    KindModelNotFound,
		Code:    "not_found:model",
		Model:   model,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("Model %q does not exist", model),
	}
}

// ResourceNotFound reports a 404 that is not about the model.
func ResourceNotFound(message string) *Error {
	if message == "" {
		message = "Resource not found"
	}
	return &Error{
		Kind:    KindResourceNotFound,
		Code:    "not_found:api",
		Status:  http.StatusNotFound,
		Message: message,
	}
}

// APIError reports any other non-2xx backend response.
func APIError(status int, body string) *Error {
	return &Error{
		Kind:    KindGenericAPI,
		Code:    "bad_request:api",
		Status:  status,
		Message: fmt.Sprintf("HTTP %d: %s - %s", status, http.StatusText(status), body),
	}
}

// Network wraps a failure to reach the backend or to read its body.
func Network(err error) *Error {
	return &Error{
		Kind:    KindNetwork,
		Code:    "offline:chat",
		Message: "Network request failed",
		Err:     err,
	}
}

// Persistence wraps a storage failure under its operation.
func Persistence(op Op, err error) *Error {
	return &Error{
		Kind:    KindPersistence,
		Code:    "bad_request:database",
		Op:      op,
		Message: op.Message(),
		Err:     err,
	}
}

// PersistenceMsg is a storage failure without an underlying cause.
func PersistenceMsg(op Op, message string) *Error {
	return &Error{
		Kind:    KindPersistence,
		Code:    "bad_request:database",
		Op:      op,
		Message: message,
	}
}

// NotFound reports a missing record on the given surface (chat, database).
func NotFound(surface, message string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    "not_found:" + surface,
		Status:  http.StatusNotFound,
		Message: message,
	}
}

// Forbidden reports access to a chat owned by another user.
func Forbidden(message string) *Error {
	if message == "" {
		message = "You do not have access to this chat"
	}
	return &Error{
		Kind:    KindForbidden,
		Code:    "forbidden:chat",
		Status:  http.StatusForbidden,
		Message: message,
	}
}

// Validation reports a malformed request.
func Validation(message string, err error) *Error {
	return &Error{
		Kind:    KindValidation,
		Code:    "bad_request:api",
		Status:  http.StatusBadRequest,
		Message: message,
		Err:     err,
	}
}

// RateLimited reports a client over its request budget.
func RateLimited() *Error {
	return &Error{
		Kind:    KindRateLimited,
		Code:    "rate_limit:chat",
		Status:  http.StatusTooManyRequests,
		Message: "Too many requests",
	}
}

// =============================================================================
// INSPECTION
// =============================================================================

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsAbort reports whether err is a cancellation rather than a failure.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled)
}

// StatusCode maps err to an HTTP status for API responses.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
