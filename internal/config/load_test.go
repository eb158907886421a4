// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/openllm-chat/internal/logging"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100*time.Millisecond, cfg.Throttle())
	assert.Equal(t, 5*time.Second, cfg.TitleTTL())
	assert.Equal(t, "Untitled", cfg.Title.Fallback)
}

func TestLoad_DefaultsWithoutFiles(t *testing.T) {
	dir := isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)

	path, err := cfg.StoragePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chat.db"), path)

	cfg.Storage.Driver = DriverPebble
	path, err = cfg.StoragePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chat.pebble"), path)
}

func TestLoad_TOMLBeforeYAML(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[backend]
base_url = "http://localhost:8000/"
chat_model = "toml-model"

[stream]
throttle_ms = 50
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
backend:
  chat_model: yaml-model
`), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "toml-model", cfg.Backend.ChatModel)
	assert.Equal(t, "toml-model", cfg.Backend.ReasoningModel, "unset models follow the chat model")
	assert.Equal(t, 50*time.Millisecond, cfg.Throttle())

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "permissions tightened on load")
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
storage:
  driver: pebble
server:
  addr: ":9000"
  cors_origins: ["https://chat.example.com"]
`), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverPebble, cfg.Storage.Driver)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.Server.CORSOrigins)
}

func TestLoad_BrokenFileFallsBackWithError(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[backend\n"), 0600))

	cfg, err := Load()
	require.Error(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, Default().Backend.ChatModel, cfg.Backend.ChatModel)
}

func TestLoad_InvalidValues(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(`
[storage]
driver = "postgres"
`), 0600))

	_, err := Load()
	require.Error(t, err)
	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	assert.Equal(t, "storage.driver", verrs[0].Field)
}

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("OPENCHAT_BASE_URL", "http://gpu-box:8000")
	t.Setenv("VITE_VLLM_API_KEY", "vite-key")
	t.Setenv("OPENCHAT_THROTTLE_MS", "250")
	t.Setenv("OPENCHAT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:8000", cfg.Backend.BaseURL)
	assert.Equal(t, "vite-key", cfg.Backend.APIKey)
	assert.Equal(t, 250*time.Millisecond, cfg.Throttle())
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Setenv("OPENCHAT_API_KEY", "primary-key")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "primary-key", cfg.Backend.APIKey)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	t.Setenv("OPENCHAT_CHAT_MODEL", "")
	os.Unsetenv("OPENCHAT_CHAT_MODEL")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OPENCHAT_CHAT_MODEL=from-dotenv\n"), 0600))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Backend.ChatModel)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"base url scheme", func(c *Config) { c.Backend.BaseURL = "ftp://x" }, "backend.base_url"},
		{"timeout", func(c *Config) { c.Backend.Timeout = 0 }, "backend.timeout"},
		{"throttle", func(c *Config) { c.Stream.ThrottleMS = -1 }, "stream.throttle_ms"},
		{"ttl", func(c *Config) { c.Title.CacheTTLMS = -5 }, "title.cache_ttl_ms"},
		{"addr", func(c *Config) { c.Server.Addr = "localhost" }, "server.addr"},
		{"burst", func(c *Config) { c.Server.RateLimitBurst = 0 }, "server.rate_limit_burst"},
		{"origin", func(c *Config) { c.Server.CORSOrigins = []string{"not a url"} }, "server.cors_origins"},
		{"theme", func(c *Config) { c.UI.Theme = "neon" }, "ui.theme"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verrs ValidateErrors
			require.True(t, errors.As(err, &verrs))
			require.Len(t, verrs, 1)
			assert.Equal(t, tt.field, verrs[0].Field)
		})
	}
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "sub", "config.toml")

	cfg := Default()
	cfg.Backend.APIKey = "secret"
	cfg.Server.CORSOrigins = []string{"*"}
	require.NoError(t, SaveTOML(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", loaded.Backend.APIKey)
	assert.Equal(t, []string{"*"}, loaded.Server.CORSOrigins)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# openchat configuration file")
}

func TestSaveYAML_RoundTrip(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yml")

	cfg := Default()
	cfg.UI.Theme = "light"
	require.NoError(t, SaveYAML(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "light", loaded.UI.Theme)
}

func TestReadFile_IgnoresEnvironment(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Backend.BaseURL, cfg.Backend.BaseURL)

	cfg.Backend.ChatModel = "from-file"
	require.NoError(t, SaveFile(cfg, path))
	t.Setenv("OPENCHAT_CHAT_MODEL", "from-env")

	read, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", read.Backend.ChatModel)

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", loaded.Backend.ChatModel)
}

func TestReloadGlobal_FromPath(t *testing.T) {
	isolate(t)
	ResetGlobalForTesting()
	defer ResetGlobalForTesting()
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Log.Level = "debug"
	require.NoError(t, SaveFile(cfg, path))
	require.NoError(t, ReloadGlobal(path))
	assert.Equal(t, "debug", Global().Log.Level)

	require.NoError(t, os.WriteFile(path, []byte("log: [unclosed"), 0600))
	assert.Error(t, ReloadGlobal(path))
	assert.Equal(t, "debug", Global().Log.Level)
}

func TestGetSet(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Set("backend.base_url", "http://localhost:1234"))
	v, err := cfg.Get("backend.base_url")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:1234", v)

	require.NoError(t, cfg.Set("stream.throttle_ms", "42"))
	assert.Equal(t, 42, cfg.Stream.ThrottleMS)

	require.NoError(t, cfg.Set("server.rate_limit_rps", "2.5"))
	assert.Equal(t, 2.5, cfg.Server.RateLimitRPS)

	require.NoError(t, cfg.Set("server.cors_origins", "http://a.test, http://b.test"))
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.CORSOrigins)

	_, err = cfg.Get("backend.nope")
	assert.Error(t, err)
	assert.Error(t, cfg.Set("backend.timeout", "soon"))
	_, err = cfg.Get("backend.base_url.host")
	assert.Error(t, err)
}

func TestGetAllKeys_Resolve(t *testing.T) {
	cfg := Default()
	keys := GetAllKeys()
	assert.Contains(t, keys, "backend.api_key")
	assert.Contains(t, keys, "log.level")
	for _, key := range keys {
		_, err := cfg.Get(key)
		assert.NoError(t, err, key)
	}
}

func TestCloneAndString(t *testing.T) {
	cfg := Default()
	cfg.Backend.APIKey = "sk-live"

	clone := cfg.Clone()
	clone.Server.CORSOrigins[0] = "http://changed.test"
	assert.NotEqual(t, cfg.Server.CORSOrigins[0], clone.Server.CORSOrigins[0])

	s := cfg.String()
	assert.NotContains(t, s, "sk-live")
	assert.Contains(t, s, "[REDACTED]")
}

func TestBackendModel(t *testing.T) {
	cfg := Default()
	cfg.Backend.ChatModel = "small"
	cfg.Backend.ReasoningModel = "large"
	assert.Equal(t, "small", cfg.BackendModel("chat-model"))
	assert.Equal(t, "large", cfg.BackendModel("chat-model-reasoning"))
	assert.Equal(t, "small", cfg.BackendModel("unknown"))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, SaveTOML(Default(), path))

	var got atomic.Value
	w, err := NewWatcher(path, 20*time.Millisecond, func(cfg *Config) { got.Store(cfg) }, logging.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte("[storage]\ndriver = \"postgres\"\n"), 0600))
	time.Sleep(100 * time.Millisecond)
	assert.Nil(t, got.Load())

	updated := Default()
	updated.Backend.ChatModel = "hot-reloaded"
	require.NoError(t, SaveTOML(updated, path))

	require.Eventually(t, func() bool {
		cfg, ok := got.Load().(*Config)
		return ok && cfg.Backend.ChatModel == "hot-reloaded"
	}, 2*time.Second, 10*time.Millisecond)
}
