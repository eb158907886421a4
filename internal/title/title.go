// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package title

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/metrics"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/transport"
	"github.com/jeranaias/openllm-chat/internal/util"
)

const (
	// DefaultTTL is how long a finished title stays cached.
	DefaultTTL = 5 * time.Second

	// Fallback is returned whenever a title cannot be produced.
	Fallback = "Untitled"

	// MaxRunes bounds the stored title length.
	MaxRunes = 80

	// ChatID tags title requests in backend logs.
	ChatID = "title-generation"

	systemPrompt = "You are a title generator. Read the user's message and create a short title " +
		"(2-8 words) that summarizes their question or topic. Respond with ONLY the title text " +
		"- no JSON, no formatting, no explanations, no quotes."
)

// Options configures a Generator.
type Options struct {
	Sender   transport.Sender
	TTL      time.Duration
	Fallback string
	Logger   *zap.Logger
}

// =============================================================================
// GENERATOR
// =============================================================================

// Generator produces chat titles. It is safe for concurrent use.
type Generator struct {
	sender   transport.Sender
	ttl      time.Duration
	fallback string
	logger   *zap.Logger

	group singleflight.Group

	mu     sync.Mutex
	cache  map[string]string
	timers map[string]*time.Timer
}

// New creates a Generator.
func New(opts Options) *Generator {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	fallback := opts.Fallback
	if fallback == "" {
		fallback = Fallback
	}
	return &Generator{
		sender:   opts.Sender,
		ttl:      ttl,
		fallback: fallback,
		logger:   logging.OrGlobal(opts.Logger),
		cache:    make(map[string]string),
		timers:   make(map[string]*time.Timer),
	}
}

// Generate returns a title for msg. Calls for the same message id made while
// one is in flight, or within the TTL after it succeeded, share its result.
// It never fails; errors resolve to the fallback title.
func (g *Generator) Generate(ctx context.Context, msg model.Message) string {
	if t, ok := g.cached(msg.ID); ok {
		metrics.TitleRequests.WithLabelValues("cached").Inc()
		return t
	}

	v, _, shared := g.group.Do(msg.ID, func() (interface{}, error) {
		raw, err := g.request(ctx, msg)
		if err != nil {
			g.evict(msg.ID)
			return g.fallbackOnError(msg.ID, err), nil
		}
		t := Clean(raw, g.fallback)
		g.remember(msg.ID, t)
		metrics.TitleRequests.WithLabelValues("generated").Inc()
		return t, nil
	})
	if shared {
		metrics.TitleRequests.WithLabelValues("shared").Inc()
	}
	return v.(string)
}

// fallbackOnError is the swallow policy for title failures.
func (g *Generator) fallbackOnError(id string, err error) string {
	metrics.TitleRequests.WithLabelValues("fallback").Inc()
	g.logger.Warn("title_generation_failed",
		zap.String("message_id", id),
		zap.Error(err),
	)
	return g.fallback
}

func (g *Generator) request(ctx context.Context, msg model.Message) (string, error) {
	quoted, _ := json.Marshal(msg.Text())
	prompt := []model.Message{
		model.NewMessage(ChatID, model.RoleSystem, systemPrompt),
		model.NewMessage(ChatID, model.RoleUser, "Generate a title for this message: "+string(quoted)),
	}

	stream, err := g.sender.SendMessages(ctx, transport.SendRequest{
		Trigger:  transport.TriggerSubmit,
		ChatID:   ChatID,
		Messages: prompt,
	})
	if err != nil {
		return "", err
	}
	return transport.Collect(ctx, stream)
}

// =============================================================================
// CACHE
// =============================================================================

func (g *Generator) cached(id string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.cache[id]
	return t, ok
}

func (g *Generator) remember(id, t string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if timer, ok := g.timers[id]; ok {
		timer.Stop()
	}
	g.cache[id] = t
	g.timers[id] = time.AfterFunc(g.ttl, func() { g.evict(id) })
}

func (g *Generator) evict(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if timer, ok := g.timers[id]; ok {
		timer.Stop()
		delete(g.timers, id)
	}
	delete(g.cache, id)
}

// Len reports how many titles are currently cached.
func (g *Generator) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

// Close stops every eviction timer and empties the cache.
func (g *Generator) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, timer := range g.timers {
		timer.Stop()
		delete(g.timers, id)
	}
	g.cache = make(map[string]string)
}

// =============================================================================
// CLEANUP
// =============================================================================

// Clean normalizes raw model output into a title: NFC form, first line only,
// surrounding whitespace and quotes removed, at most MaxRunes runes. Empty
// output yields fallback.
func Clean(raw, fallback string) string {
	t := norm.NFC.String(raw)
	t = strings.TrimSpace(t)
	if line, _, ok := strings.Cut(t, "\n"); ok {
		t = strings.TrimSpace(line)
	}
	t = strings.Trim(t, "\"'`“”‘’")
	t = strings.TrimSpace(t)
	if t == "" {
		return fallback
	}
	return util.TruncateRunesNoEllipsis(t, MaxRunes)
}
