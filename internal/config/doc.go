// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for openchat.
//
// Supports TOML and YAML configuration files, .env files, environment
// variable overrides and validation.
//
// # Key Types
//
//   - Config: every setting, grouped by section
//   - BackendConfig: inference server URL, key and model ids
//   - StorageConfig: sqlite or pebble, and where
//   - ServerConfig: listen address, CORS and rate limits for `openchat serve`
//   - Watcher: reloads a config file when it changes
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (OPENCHAT_*, VITE_VLLM_API_KEY), including
//     values from .env in the working or data directory
//   - ~/.openchat/config.toml
//   - ~/.openchat/config.yaml
//   - Built-in defaults
//
// OPENCHAT_HOME moves the data directory.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	throttle := cfg.Throttle()
//
//	go config.Watch(ctx, path, func(cfg *config.Config) { ... }, logger)
package config
