// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prefs

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/util"
)

const (
	// CookieName names the model preference cookie.
	CookieName = "chat-model"

	// MaxAge keeps the preference for one year.
	MaxAge = 365 * 24 * time.Hour
)

// Cookie builds the preference cookie for modelID.
func Cookie(modelID string) *http.Cookie {
	return &http.Cookie{
		Name:   CookieName,
		Value:  modelID,
		Path:   "/",
		MaxAge: int(MaxAge / time.Second),
	}
}

// Validate rejects ids outside the chat model catalogue.
func Validate(modelID string) error {
	if _, ok := model.LookupChatModel(modelID); !ok {
		return chaterr.Validation(fmt.Sprintf("Unknown chat model %q", modelID), nil)
	}
	return nil
}

// orDefault maps unset or unknown ids to the default model.
func orDefault(modelID string) string {
	if Validate(modelID) != nil {
		return model.ChatModelDefault
	}
	return modelID
}

// =============================================================================
// HTTP
// =============================================================================

// SetCookie writes the preference cookie on w.
func SetCookie(w http.ResponseWriter, modelID string) error {
	if err := Validate(modelID); err != nil {
		return err
	}
	http.SetCookie(w, Cookie(modelID))
	return nil
}

// FromRequest returns the model preference carried by r, or the default.
func FromRequest(r *http.Request) string {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return model.ChatModelDefault
	}
	return orDefault(c.Value)
}

// =============================================================================
// FILE
// =============================================================================

// File persists the preference cookie line at a path.
type File struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFile returns a File at path. Nothing is read until Model is called.
func NewFile(path string, logger *zap.Logger) *File {
	return &File{path: path, logger: logging.OrGlobal(logger)}
}

// Path returns the file location.
func (f *File) Path() string {
	return f.path
}

// Model returns the stored preference. A missing, expired, corrupt or
// unknown entry yields the default model.
func (f *File) Model() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.logger.Warn("model_pref_read_failed", zap.String("path", f.path), zap.Error(err))
		}
		return model.ChatModelDefault
	}

	c, err := http.ParseSetCookie(strings.TrimSpace(string(data)))
	if err != nil || c.Name != CookieName {
		f.logger.Warn("model_pref_corrupt", zap.String("path", f.path), zap.Error(err))
		return model.ChatModelDefault
	}

	info, err := os.Stat(f.path)
	if err == nil && c.MaxAge > 0 && time.Since(info.ModTime()) > time.Duration(c.MaxAge)*time.Second {
		return model.ChatModelDefault
	}
	return orDefault(c.Value)
}

// SetModel stores modelID, replacing any earlier preference.
func (f *File) SetModel(modelID string) error {
	if err := Validate(modelID); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := util.AtomicWriteFile(f.path, []byte(Cookie(modelID).String()+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to save model preference: %w", err)
	}
	f.logger.Debug("model_pref_saved", zap.String("model", modelID))
	return nil
}
