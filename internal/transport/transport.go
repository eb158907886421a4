// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/metrics"
	"github.com/jeranaias/openllm-chat/internal/model"
)

// Configuration constants for the inference backend.
const (
	// DefaultBaseURL is the hosted OpenAI-compatible endpoint.
	DefaultBaseURL = "https://api.openllm-platform.com/"

	// DefaultModel is used for both chat and title generation when nothing
	// else is configured.
	DefaultModel = "meta-llama/Llama-3.2-1B-Instruct"

	// CompletionsPath is appended to the base URL.
	CompletionsPath = "/v1/chat/completions"

	// MaxErrorBodySize bounds how much of an error response is read.
	MaxErrorBodySize = 64 * 1024
)

// sharedStreamingClient has no timeout; streams are bounded by their context.
var sharedStreamingClient = NewHTTPClient(0)

// NewHTTPClient returns a client suited to streaming. It has no overall
// timeout; headerTimeout, when positive, bounds the wait for the response
// headers so an unresponsive backend fails before any text is expected.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: headerTimeout,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// =============================================================================
// TYPES
// =============================================================================

// Trigger says why a request is being sent.
type Trigger string

const (
	TriggerSubmit     Trigger = "submit-message"
	TriggerRegenerate Trigger = "regenerate-message"
)

// Options configures a Transport.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Headers    map[string]string // default headers for every request
	Body       map[string]any    // extra body fields for every request
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// SendRequest is one call's conversation plus per-call overrides.
type SendRequest struct {
	Trigger   Trigger
	ChatID    string
	MessageID string
	Messages  []model.Message
	Headers   map[string]string // merged over the default headers
	Body      map[string]any    // merged over the default body fields
}

// WireMessage is the backend's message shape.
type WireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sender is what the controller and title generator need from a transport.
type Sender interface {
	SendMessages(ctx context.Context, req SendRequest) (*Stream, error)
}

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport issues streaming chat completion requests. It holds no
// conversation state and is safe for concurrent use.
type Transport struct {
	baseURL    string
	apiKey     string
	model      string
	headers    map[string]string
	body       map[string]any
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates a Transport. Empty fields fall back to the package defaults.
func New(opts Options) *Transport {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	modelID := opts.Model
	if modelID == "" {
		modelID = DefaultModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = sharedStreamingClient
	}
	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		model:      modelID,
		headers:    opts.Headers,
		body:       opts.Body,
		httpClient: client,
		logger:     logging.OrGlobal(opts.Logger),
	}
}

// WithModel returns a copy of t that targets another model.
func (t *Transport) WithModel(modelID string) *Transport {
	c := *t
	c.model = modelID
	return &c
}

// Model returns the backend model id.
func (t *Transport) Model() string {
	return t.model
}

// BaseURL returns the normalized base URL.
func (t *Transport) BaseURL() string {
	return t.baseURL
}

// ToWire converts messages to the backend format, concatenating text parts.
func ToWire(messages []model.Message) []WireMessage {
	out := make([]WireMessage, len(messages))
	for i, m := range messages {
		out[i] = WireMessage{Role: string(m.Role), Content: m.Text()}
	}
	return out
}

// buildBody merges default and per-call extras after the required fields.
func (t *Transport) buildBody(req SendRequest) ([]byte, error) {
	body := map[string]any{
		"model":    t.model,
		"messages": ToWire(req.Messages),
		"stream":   true,
	}
	for k, v := range t.body {
		body[k] = v
	}
	for k, v := range req.Body {
		body[k] = v
	}
	return json.Marshal(body)
}

// setHeaders applies content type, defaults, per-call headers, then auth.
func (t *Transport) setHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
}

// SendMessages posts the conversation and returns once response headers have
// arrived. Error statuses are classified into *chaterr.Error values; a
// cancelled ctx returns ctx.Err().
func (t *Transport) SendMessages(ctx context.Context, req SendRequest) (*Stream, error) {
	payload, err := t.buildBody(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+CompletionsPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	t.setHeaders(httpReq, req.Headers)

	t.logger.Debug("backend_request",
		zap.String("chat_id", req.ChatID),
		zap.String("trigger", string(req.Trigger)),
		zap.String("model", t.model),
		zap.Int("messages", len(req.Messages)),
		zap.String("key", logging.Fingerprint(t.apiKey)),
	)

	start := time.Now()
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.BackendRequests.WithLabelValues(string(chaterr.KindNetwork)).Inc()
		t.logger.Warn("backend_unreachable", zap.String("chat_id", req.ChatID), zap.Error(err))
		return nil, chaterr.Network(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxErrorBodySize))
		cerr := classifyResponse(resp.StatusCode, body, t.model)
		metrics.BackendRequests.WithLabelValues(string(cerr.Kind)).Inc()
		t.logger.Warn("backend_error",
			zap.String("chat_id", req.ChatID),
			zap.Int("status", resp.StatusCode),
			zap.String("kind", string(cerr.Kind)),
			zap.Duration("elapsed", time.Since(start)),
		)
		return nil, cerr
	}

	metrics.BackendRequests.WithLabelValues("accepted").Inc()
	stream := newStream(ctx, resp.Body, newStreamID(), t.logger)
	t.logger.Debug("backend_accepted",
		zap.String("chat_id", req.ChatID),
		zap.String("stream_id", stream.ID()),
		zap.Duration("ttfb", time.Since(start)),
	)
	return stream, nil
}

// ReconnectToStream always reports that there is no stream to resume; the
// backend does not support resumable streams.
func (t *Transport) ReconnectToStream(ctx context.Context, chatID string) (*Stream, error) {
	return nil, nil
}
