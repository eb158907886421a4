// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/transport"
	"github.com/jeranaias/openllm-chat/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete openchat configuration.
type Config struct {
	Version string `toml:"version" yaml:"version" json:"version"`

	Backend BackendConfig `toml:"backend" yaml:"backend" json:"backend"`
	Storage StorageConfig `toml:"storage" yaml:"storage" json:"storage"`
	Stream  StreamConfig  `toml:"stream" yaml:"stream" json:"stream"`
	Title   TitleConfig   `toml:"title" yaml:"title" json:"title"`
	Server  ServerConfig  `toml:"server" yaml:"server" json:"server"`
	UI      UIConfig      `toml:"ui" yaml:"ui" json:"ui"`
	Log     LogConfig     `toml:"log" yaml:"log" json:"log"`
}

// BackendConfig points at the OpenAI-compatible inference server.
type BackendConfig struct {
	BaseURL string `toml:"base_url" yaml:"base_url" json:"base_url"`
	APIKey  string `toml:"api_key" yaml:"api_key" json:"api_key"`

	// Backend model ids behind the selectable chat models.
	ChatModel      string `toml:"chat_model" yaml:"chat_model" json:"chat_model"`
	ReasoningModel string `toml:"reasoning_model" yaml:"reasoning_model" json:"reasoning_model"`
	TitleModel     string `toml:"title_model" yaml:"title_model" json:"title_model"`

	// Timeout bounds connecting and waiting for response headers, in
	// seconds. Streams themselves are unbounded.
	Timeout int `toml:"timeout" yaml:"timeout" json:"timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `toml:"driver" yaml:"driver" json:"driver"` // sqlite or pebble
	Path   string `toml:"path" yaml:"path" json:"path"`       // empty: under the data dir
}

// StreamConfig tunes streaming display.
type StreamConfig struct {
	ThrottleMS int `toml:"throttle_ms" yaml:"throttle_ms" json:"throttle_ms"`
}

// TitleConfig tunes title generation.
type TitleConfig struct {
	CacheTTLMS int    `toml:"cache_ttl_ms" yaml:"cache_ttl_ms" json:"cache_ttl_ms"`
	Fallback   string `toml:"fallback" yaml:"fallback" json:"fallback"`
}

// ServerConfig configures `openchat serve`.
type ServerConfig struct {
	Addr           string   `toml:"addr" yaml:"addr" json:"addr"`
	CORSOrigins    []string `toml:"cors_origins" yaml:"cors_origins" json:"cors_origins"`
	RateLimitRPS   float64  `toml:"rate_limit_rps" yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int      `toml:"rate_limit_burst" yaml:"rate_limit_burst" json:"rate_limit_burst"`
	KeepaliveS     int      `toml:"keepalive_s" yaml:"keepalive_s" json:"keepalive_s"`
}

// UIConfig holds terminal display preferences.
type UIConfig struct {
	Theme    string `toml:"theme" yaml:"theme" json:"theme"` // dark, light or auto
	WordWrap int    `toml:"word_wrap" yaml:"word_wrap" json:"word_wrap"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level string `toml:"level" yaml:"level" json:"level"`
	Sink  string `toml:"sink" yaml:"sink" json:"sink"`
}

// CurrentVersion is written into new config files.
const CurrentVersion = "1"

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverPebble = "pebble"
)

// Default returns a configuration with every field set.
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Backend: BackendConfig{
			BaseURL:        transport.DefaultBaseURL,
			ChatModel:      transport.DefaultModel,
			ReasoningModel: transport.DefaultModel,
			TitleModel:     transport.DefaultModel,
			Timeout:        30,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
		},
		Stream: StreamConfig{
			ThrottleMS: 100,
		},
		Title: TitleConfig{
			CacheTTLMS: 5000,
			Fallback:   "Untitled",
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8787",
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimitRPS:   5,
			RateLimitBurst: 10,
			KeepaliveS:     15,
		},
		UI: UIConfig{
			Theme:    "auto",
			WordWrap: 100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Throttle returns the stream publish interval.
func (c *Config) Throttle() time.Duration {
	return time.Duration(c.Stream.ThrottleMS) * time.Millisecond
}

// TitleTTL returns how long generated titles stay cached.
func (c *Config) TitleTTL() time.Duration {
	return time.Duration(c.Title.CacheTTLMS) * time.Millisecond
}

// BackendTimeout returns the connect and header timeout.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.Timeout) * time.Second
}

// Keepalive returns the SSE comment interval of the HTTP server.
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.Server.KeepaliveS) * time.Second
}

// BackendModel maps a selectable chat model id to the configured backend
// model. Unknown ids use the chat model.
func (c *Config) BackendModel(chatModelID string) string {
	if chatModelID == "chat-model-reasoning" && c.Backend.ReasoningModel != "" {
		return c.Backend.ReasoningModel
	}
	return c.Backend.ChatModel
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// EnvHome relocates the data directory, mainly for tests and containers.
const EnvHome = "OPENCHAT_HOME"

// ConfigDir returns the openchat data directory.
func ConfigDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".openchat"), nil
}

func inConfigDir(name string) (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) { return inConfigDir("config.toml") }

// ConfigPathYAML returns the path to the YAML config file.
func ConfigPathYAML() (string, error) { return inConfigDir("config.yaml") }

// PrefsPath returns the path of the model preference cookie file.
func PrefsPath() (string, error) { return inConfigDir("cookies") }

// HistoryPath returns the path of the REPL input history.
func HistoryPath() (string, error) { return inConfigDir("history") }

// EnsureConfigDir creates the data directory if needed.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, util.PrivateDirPerm)
}

// StoragePath returns the database location, defaulting under the data dir.
func (c *Config) StoragePath() (string, error) {
	if c.Storage.Path != "" {
		return c.Storage.Path, nil
	}
	if c.Storage.Driver == DriverPebble {
		return inConfigDir("chat.pebble")
	}
	return inConfigDir("chat.db")
}

// ensureSecurePermissions tightens config files holding an API key to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// loadDotEnv reads .env from the working directory and the data directory.
// Variables already set in the environment win.
func loadDotEnv() {
	paths := []string{".env"}
	if p, err := inConfigDir(".env"); err == nil {
		paths = append(paths, p)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			if err := godotenv.Load(p); err != nil {
				logging.L().Sugar().Warnw("dotenv_load_failed", "path", p, "error", err)
			}
		}
	}
}

// Load reads config.toml, then config.yaml, then falls back to defaults.
// .env files and environment overrides are applied last.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := Default()
	var loadErr error

	for _, candidate := range []struct {
		path func() (string, error)
		load func(*Config, string) error
		kind string
	}{
		{ConfigPathTOML, LoadTOML, "TOML"},
		{ConfigPathYAML, LoadYAML, "YAML"},
	} {
		path, err := candidate.path()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			continue
		}
		if err := candidate.load(cfg, path); err != nil {
			loadErr = fmt.Errorf("failed to load %s config: %w", candidate.kind, err)
			cfg = Default()
			continue
		}
		if err := cfg.finish(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadFromPath loads one file, choosing the format by extension.
func LoadFromPath(path string) (*Config, error) {
	loadDotEnv()

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := LoadYAML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load YAML config from %s: %w", path, err)
		}
	default:
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile decodes path over the defaults without environment overrides or
// validation, for editing the file itself. A missing file yields the
// defaults.
func ReadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	load := LoadTOML
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		load = LoadYAML
	}
	if err := load(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveFile writes cfg to path, choosing the format by extension.
func SaveFile(cfg *Config, path string) error {
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		return SaveYAML(cfg, path)
	}
	return SaveTOML(cfg, path)
}

func (c *Config) finish() error {
	c.ApplyEnvOverrides()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadTOML decodes a TOML file over cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		logging.L().Sugar().Warnw("config_permissions", "path", path, "error", err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadYAML decodes a YAML file over cfg.
func LoadYAML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		logging.L().Sugar().Warnw("config_permissions", "path", path, "error", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read YAML file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode YAML file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save writes cfg to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML writes cfg atomically with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# openchat configuration file\n")
	buf.WriteString("# Environment variables OPENCHAT_* override these values.\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveYAML writes cfg as YAML, atomically with 0600 permissions.
func SaveYAML(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid field.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Backend
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("backend.base_url", "invalid URL '%s', must be http(s)://host", c.Backend.BaseURL)
	}
	if strings.TrimSpace(c.Backend.ChatModel) == "" {
		add("backend.chat_model", "must not be empty")
	}
	if c.Backend.Timeout < 1 || c.Backend.Timeout > 600 {
		add("backend.timeout", "must be between 1 and 600 seconds, got %d", c.Backend.Timeout)
	}

	// Storage
	switch c.Storage.Driver {
	case DriverSQLite, DriverPebble:
	default:
		add("storage.driver", "invalid driver '%s', must be one of: sqlite, pebble", c.Storage.Driver)
	}

	// Stream and title
	if c.Stream.ThrottleMS < 0 || c.Stream.ThrottleMS > 10000 {
		add("stream.throttle_ms", "must be between 0 and 10000, got %d", c.Stream.ThrottleMS)
	}
	if c.Title.CacheTTLMS < 0 {
		add("title.cache_ttl_ms", "must not be negative, got %d", c.Title.CacheTTLMS)
	}

	// Server
	if _, port, err := splitAddr(c.Server.Addr); err != nil {
		add("server.addr", "invalid address '%s': %v", c.Server.Addr, err)
	} else if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
		add("server.addr", "invalid port '%s'", port)
	}
	if c.Server.RateLimitRPS < 0 {
		add("server.rate_limit_rps", "must not be negative")
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst < 1 {
		add("server.rate_limit_burst", "must be at least 1 when rate limiting is enabled")
	}
	if c.Server.KeepaliveS < 1 || c.Server.KeepaliveS > 300 {
		add("server.keepalive_s", "must be between 1 and 300, got %d", c.Server.KeepaliveS)
	}
	for _, origin := range c.Server.CORSOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			add("server.cors_origins", "invalid origin '%s'", origin)
		}
	}

	// UI
	switch strings.ToLower(c.UI.Theme) {
	case "dark", "light", "auto":
	default:
		add("ui.theme", "invalid theme '%s', must be one of: dark, light, auto", c.UI.Theme)
	}
	if c.UI.WordWrap < 0 {
		add("ui.word_wrap", "must not be negative")
	}

	// Log
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func splitAddr(addr string) (host, port string, err error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", "", errors.New("missing port")
	}
	return addr[:i], addr[i+1:], nil
}

// SetDefaults fills zero values that have no meaningful zero.
func (c *Config) SetDefaults() {
	d := Default()
	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = d.Backend.BaseURL
	}
	if c.Backend.ChatModel == "" {
		c.Backend.ChatModel = d.Backend.ChatModel
	}
	if c.Backend.ReasoningModel == "" {
		c.Backend.ReasoningModel = c.Backend.ChatModel
	}
	if c.Backend.TitleModel == "" {
		c.Backend.TitleModel = c.Backend.ChatModel
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = d.Backend.Timeout
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = d.Storage.Driver
	}
	c.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if c.Title.Fallback == "" {
		c.Title.Fallback = d.Title.Fallback
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.KeepaliveS == 0 {
		c.Server.KeepaliveS = d.Server.KeepaliveS
	}
	if c.UI.Theme == "" {
		c.UI.Theme = d.UI.Theme
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported environment variables:
//   - OPENCHAT_BASE_URL (alias VITE_OLLAMA_SERVER_URL): backend.base_url
//   - OPENCHAT_API_KEY (alias VITE_VLLM_API_KEY): backend.api_key
//   - OPENCHAT_CHAT_MODEL, OPENCHAT_REASONING_MODEL, OPENCHAT_TITLE_MODEL
//   - OPENCHAT_STORAGE_DRIVER, OPENCHAT_STORAGE_PATH
//   - OPENCHAT_THROTTLE_MS
//   - OPENCHAT_SERVER_ADDR
//   - OPENCHAT_LOG_LEVEL, OPENCHAT_LOG_SINK
func (c *Config) ApplyEnvOverrides() {
	str := func(dst *string, names ...string) {
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				*dst = v
				return
			}
		}
	}

	str(&c.Backend.BaseURL, "OPENCHAT_BASE_URL", "VITE_OLLAMA_SERVER_URL")
	str(&c.Backend.APIKey, "OPENCHAT_API_KEY", "VITE_VLLM_API_KEY")
	str(&c.Backend.ChatModel, "OPENCHAT_CHAT_MODEL")
	str(&c.Backend.ReasoningModel, "OPENCHAT_REASONING_MODEL")
	str(&c.Backend.TitleModel, "OPENCHAT_TITLE_MODEL")
	str(&c.Storage.Driver, "OPENCHAT_STORAGE_DRIVER")
	str(&c.Storage.Path, "OPENCHAT_STORAGE_PATH")
	str(&c.Server.Addr, "OPENCHAT_SERVER_ADDR")
	str(&c.Log.Level, logging.EnvLevel)
	str(&c.Log.Sink, logging.EnvSink)

	if v := os.Getenv("OPENCHAT_THROTTLE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.Stream.ThrottleMS = ms
		}
	}
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a value by dotted key, e.g. "backend.base_url". Keys are the
// toml names listed by GetAllKeys.
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set assigns a value by dotted key. Strings are converted to the field type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if strings.TrimSpace(key) == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")
	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field := fieldByTag(v, part)
		if !field.IsValid() {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// fieldByTag matches a key segment against the toml tag of each field.
func fieldByTag(v reflect.Value, name string) reflect.Value {
	name = strings.ReplaceAll(strings.ToLower(name), "-", "_")
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ","); tag == name {
			return v.Field(i)
		}
	}
	return reflect.Value{}
}

func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return errors.New("cannot assign nil")
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// GetAllKeys returns every settable key in dot notation.
func GetAllKeys() []string {
	var keys []string
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
			if t.Field(i).Type.Kind() == reflect.Struct {
				walk(t.Field(i).Type, prefix+tag+".")
				continue
			}
			keys = append(keys, prefix+tag)
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys
}

// =============================================================================
// COPY AND DISPLAY
// =============================================================================

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	if c.Server.CORSOrigins != nil {
		clone.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	}
	return &clone
}

// String renders the config as JSON with the API key redacted.
func (c *Config) String() string {
	safe := c.Clone()
	if safe.Backend.APIKey != "" {
		safe.Backend.APIKey = "[REDACTED]"
	}
	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}

// =============================================================================
// SINGLETON PATTERN (THREAD-SAFE)
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the process configuration, loading it on first access.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			logging.L().Sugar().Warnw("config_load_failed", "error", err)
			if cfg == nil {
				cfg = Default()
			}
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// ReloadGlobal reloads the process configuration from path, or from the
// default locations when path is empty. On error the current configuration
// stays in place.
func ReloadGlobal(path string) error {
	var cfg *Config
	var err error
	if path != "" {
		cfg, err = LoadFromPath(path)
	} else {
		cfg, err = Load()
	}
	if err != nil {
		return err
	}
	SetGlobal(cfg)
	return nil
}

// SetGlobal replaces the process configuration.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting clears the singleton so the next Global reloads.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
