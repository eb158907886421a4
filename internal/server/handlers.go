// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/controller"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/prefs"
	"github.com/jeranaias/openllm-chat/internal/store"
	"github.com/jeranaias/openllm-chat/internal/transport"
)

// ============================================================================
// CHAT STREAM
// ============================================================================

// handleChat appends the user message to the chat (creating it on first use)
// and streams the reply. A client disconnect aborts the generation.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate(req); err != nil {
		writeError(w, err)
		return
	}

	ctx := r.Context()
	subs := make(chan (<-chan controller.Event), 1)
	ctrl := controller.New(controller.Options{
		ChatID:   req.ID,
		UserID:   s.opts.UserID,
		Store:    s.opts.Store,
		Sender:   s.opts.Senders(req.SelectedChatModel),
		Titles:   s.opts.Titles,
		Throttle: s.opts.Throttle,
		Logger:   s.logger,
		OnStream: func(sig *controller.Signal) {
			subs <- sig.Subscribe()
		},
	})

	if _, err := ctrl.Load(ctx); err != nil {
		writeError(w, err)
		return
	}
	if !s.track(req.ID, ctrl) {
		writeError(w, controller.ErrBusy)
		return
	}
	defer s.untrack(req.ID, ctrl)

	done := make(chan error, 1)
	go func() { done <- ctrl.SendMessage(ctx, req.Message.userMessage()) }()

	var err error
	select {
	case events := <-subs:
		s.writeStream(ctx, w, events)
		err = <-done
	case err = <-done:
		select {
		case events := <-subs:
			s.writeStream(ctx, w, events)
		default:
			if err != nil {
				writeError(w, err)
			} else {
				w.WriteHeader(http.StatusNoContent)
			}
			return
		}
	}
	if err != nil {
		s.logger.Warn("chat_stream_failed", zap.String("chat_id", req.ID), zap.Error(err))
	}
}

// writeStream relays signal events as SSE chunk frames until the signal
// closes, writing comment frames while idle.
func (s *Server) writeStream(ctx context.Context, w http.ResponseWriter, events <-chan controller.Event) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	send := func(frame string) {
		if _, err := fmt.Fprint(w, frame); err != nil {
			return
		}
		_ = rc.Flush()
	}
	sendChunk := func(c transport.Chunk) {
		data, err := json.Marshal(c)
		if err != nil {
			return
		}
		send("data: " + string(data) + "\n\n")
	}
	send(": connected\n\n")

	keepalive := time.NewTicker(s.opts.Keepalive)
	defer keepalive.Stop()
	cancelled := ctx.Done()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case controller.EventStart:
				sendChunk(transport.TextStart(ev.StreamID))
			case controller.EventDelta:
				sendChunk(transport.TextDelta(ev.StreamID, ev.Delta))
			case controller.EventFinish:
				sendChunk(transport.TextEnd(ev.StreamID))
				send("data: [DONE]\n\n")
			case controller.EventError:
				sendChunk(transport.ErrorChunk(ev.StreamID, errorText(ev.Err)))
				send("data: [DONE]\n\n")
			}
		case <-keepalive.C:
			send(": keep-alive\n\n")
		case <-cancelled:
			// The controller sees the same cancellation and closes the signal.
			cancelled = nil
			keepalive.Stop()
		}
	}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return err.Error()
}

// ============================================================================
// CHAT RECORDS
// ============================================================================

// ownedChat loads a chat and checks it belongs to the local user.
func (s *Server) ownedChat(ctx context.Context, id string) (*model.Chat, error) {
	chat, err := s.opts.Store.GetChatByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, chaterr.NotFound("chat", "Chat not found")
	}
	if chat.UserID != s.opts.UserID {
		return nil, chaterr.Forbidden("")
	}
	return chat, nil
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.ownedChat(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.opts.Store.GetMessagesByChatID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req renameRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate(req); err != nil {
		writeError(w, err)
		return
	}
	chat, err := s.ownedChat(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	chat.Title = strings.TrimSpace(req.Title)
	if err := s.opts.Store.UpdateChatTitle(r.Context(), id, chat.Title); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	chat, err := s.ownedChat(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.stop(id)
	if err := s.opts.Store.DeleteChatByID(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// handleHistory serves one page of the user's chats. Only one of the two
// cursors may be given.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := store.ListChatsOptions{
		UserID:        s.opts.UserID,
		Limit:         store.DefaultChatLimit,
		StartingAfter: q.Get("starting_after"),
		EndingBefore:  q.Get("ending_before"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, chaterr.Validation("limit must be between 1 and 100", err))
			return
		}
		opts.Limit = n
	}
	if opts.StartingAfter != "" && opts.EndingBefore != "" {
		writeError(w, chaterr.Validation("Only one of starting_after or ending_before can be provided", nil))
		return
	}

	page, err := s.opts.Store.GetChatsByUserID(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDeleteUserData(w http.ResponseWriter, r *http.Request) {
	s.stopAll()
	n, err := s.opts.Store.DeleteAllUserData(r.Context(), s.opts.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deletedChats": n})
}

// ============================================================================
// MODEL PREFERENCE
// ============================================================================

type modelResponse struct {
	Model  string            `json:"model"`
	Models []model.ChatModel `json:"models"`
}

func (s *Server) handleGetModel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelResponse{Model: prefs.FromRequest(r), Models: model.ChatModels})
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := validate(req); err != nil {
		writeError(w, err)
		return
	}
	if err := prefs.SetCookie(w, req.Model); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modelResponse{Model: req.Model, Models: model.ChatModels})
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	active := len(s.active)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"active_streams": active,
	})
}
