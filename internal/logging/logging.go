// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables read by Init when Options leave a field empty.
const (
	EnvLevel = "OPENCHAT_LOG_LEVEL"
	EnvSink  = "OPENCHAT_LOG_SINK" // "stderr", "stdout" or "file:/path/to/log"
)

// Options selects level and destination.
type Options struct {
	Level string
	Sink  string
}

var (
	globalMu sync.RWMutex
	global   = zap.NewNop()
)

// Init builds the global logger and returns it.
func Init(opts Options) (*zap.Logger, error) {
	level := opts.Level
	if level == "" {
		level = os.Getenv(EnvLevel)
	}
	sink := opts.Sink
	if sink == "" {
		sink = os.Getenv(EnvSink)
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.ErrorOutputPaths = []string{"stderr"}

	switch {
	case strings.HasPrefix(sink, "file:"):
		path := strings.TrimPrefix(sink, "file:")
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		cfg.OutputPaths = []string{path}
	case sink == "stdout":
		cfg.Encoding = "console"
		cfg.OutputPaths = []string{"stdout"}
	default:
		cfg.Encoding = "console"
		cfg.OutputPaths = []string{"stderr"}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	Set(logger)
	return logger, nil
}

// ParseLevel accepts debug, info, warn/warning and error. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	}
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// L returns the global logger.
func L() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// Set replaces the global logger. A nil logger installs a no-op logger.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	globalMu.Lock()
	defer globalMu.Unlock()
	global = l
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrGlobal returns l, or the global logger when l is nil.
func OrGlobal(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return L()
}

// =============================================================================
// REDACTION
// =============================================================================

// Fingerprint identifies a secret in logs without exposing any of it.
func Fingerprint(secret string) string {
	if secret == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:4])
}

var sensitiveHeaders = map[string]struct{}{
	"authorization": {},
	"x-api-key":     {},
	"cookie":        {},
	"set-cookie":    {},
}

// SafeHeaders renders headers for logging with sensitive values redacted.
func SafeHeaders(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := h.Get(k)
		if v == "" {
			continue
		}
		if _, ok := sensitiveHeaders[strings.ToLower(k)]; ok {
			v = "<redacted>"
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "; ")
}
