// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/config"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/prefs"
	"github.com/jeranaias/openllm-chat/internal/store"
	"github.com/jeranaias/openllm-chat/internal/title"
	"github.com/jeranaias/openllm-chat/internal/transport"
)

// LogFileName is the log written by interactive commands, inside the data dir.
const LogFileName = "openchat.log"

// =============================================================================
// CONFIG LOADING
// =============================================================================

// loadConfig reads --config when given, otherwise the default locations.
// The result becomes the global configuration.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFromPath(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, &ConfigError{Path: opts.configPath, Err: err}
	}
	if opts.logLevel != "" {
		if _, err := logging.ParseLevel(opts.logLevel); err != nil {
			return nil, &UsageError{Err: err}
		}
		cfg.Log.Level = opts.logLevel
	}
	config.SetGlobal(cfg)
	return cfg, nil
}

// configFilePath returns the file the configuration was read from, or ""
// when only defaults applied.
func configFilePath(opts *rootOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	for _, candidate := range []func() (string, error){config.ConfigPathTOML, config.ConfigPathYAML} {
		path, err := candidate()
		if err != nil {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// initLogging builds the global logger. Interactive commands pass a file
// sink so log lines do not interleave with the conversation; an explicit
// sink in the config or environment wins.
func initLogging(cfg *config.Config, defaultSink string) (*zap.Logger, error) {
	sink := cfg.Log.Sink
	if sink == "" {
		sink = defaultSink
	}
	logger, err := logging.Init(logging.Options{Level: cfg.Log.Level, Sink: sink})
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	return logger, nil
}

// fileSink returns the log file sink inside the data directory.
func fileSink() string {
	dir, err := config.ConfigDir()
	if err != nil {
		return ""
	}
	return "file:" + filepath.Join(dir, LogFileName)
}

// =============================================================================
// APP
// =============================================================================

// App is everything a chat command needs once configuration is loaded.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Store  store.Store
	User   *model.User
	Prefs  *prefs.File

	transport *transport.Transport
	titles    *title.Generator
}

// openApp loads configuration, then opens the store and the local user.
func openApp(ctx context.Context, opts *rootOptions, defaultSink string) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	logger, err := initLogging(cfg, defaultSink)
	if err != nil {
		return nil, err
	}

	path, err := cfg.StoragePath()
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	st, err := store.Open(store.Driver(cfg.Storage.Driver), path, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat storage at %s: %w", path, err)
	}
	user, err := st.GetOrCreateUser(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}

	prefsPath, err := config.PrefsPath()
	if err != nil {
		st.Close()
		return nil, &ConfigError{Err: err}
	}

	t := transport.New(transport.Options{
		BaseURL:    cfg.Backend.BaseURL,
		APIKey:     cfg.Backend.APIKey,
		Model:      cfg.Backend.ChatModel,
		HTTPClient: transport.NewHTTPClient(cfg.BackendTimeout()),
		Logger:     logger,
	})

	logger.Debug("app_opened",
		zap.String("driver", cfg.Storage.Driver),
		zap.String("base_url", cfg.Backend.BaseURL),
		zap.String("api_key", logging.Fingerprint(cfg.Backend.APIKey)),
	)

	return &App{
		Config: cfg,
		Logger: logger,
		Store:  st,
		User:   user,
		Prefs:  prefs.NewFile(prefsPath, logger),

		transport: t,
		titles: title.New(title.Options{
			Sender:   t.WithModel(cfg.Backend.TitleModel),
			TTL:      cfg.TitleTTL(),
			Fallback: cfg.Title.Fallback,
			Logger:   logger,
		}),
	}, nil
}

// Sender returns the transport for a chat model id from the catalogue.
func (a *App) Sender(chatModelID string) transport.Sender {
	return a.transport.WithModel(a.Config.BackendModel(chatModelID))
}

// Titles returns the shared title generator.
func (a *App) Titles() *title.Generator {
	return a.titles
}

// chatModel resolves the model for a session: the flag, then the stored
// preference.
func (a *App) chatModel(flag string) (string, error) {
	if flag == "" {
		return a.Prefs.Model(), nil
	}
	if err := prefs.Validate(flag); err != nil {
		return "", err
	}
	return flag, nil
}

// Close releases the store and the title cache.
func (a *App) Close() error {
	a.titles.Close()
	err := a.Store.Close()
	_ = a.Logger.Sync()
	return err
}

// ownedChat loads a chat of the local user. A missing chat is not found and
// another user's chat is forbidden.
func (a *App) ownedChat(ctx context.Context, id string) (*model.Chat, error) {
	chat, err := a.Store.GetChatByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if chat == nil {
		return nil, chaterr.NotFound("chat", fmt.Sprintf("Chat %s not found", id))
	}
	if chat.UserID != a.User.ID {
		return nil, chaterr.Forbidden("")
	}
	return chat, nil
}
