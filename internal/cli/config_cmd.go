// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/openllm-chat/internal/config"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, edit, create or locate the configuration",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newConfigShowCommand(root),
		newConfigGetCommand(root),
		newConfigSetCommand(root),
		newConfigInitCommand(root),
		newConfigPathCommand(root),
	)
	return cmd
}

func newConfigShowCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if root.jsonOut {
				// String redacts the API key; decode it back for the envelope.
				var data map[string]any
				if err := json.Unmarshal([]byte(cfg.String()), &data); err != nil {
					return err
				}
				return NewJSONResponse("config show", data).Write(out)
			}
			fmt.Fprintln(out, cfg.String())
			return nil
		},
	}
}

// redactedKey is never printed in clear by config get.
const redactedKey = "backend.api_key"

func newConfigGetCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get [KEY]",
		Short: "Print one setting, or every setting, in dot notation",
		Example: `  openchat config get backend.base_url
  openchat config get`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			keys := config.GetAllKeys()
			if len(args) == 1 {
				keys = []string{args[0]}
			}

			values := make(map[string]string, len(keys))
			for _, key := range keys {
				v, err := cfg.Get(key)
				if err != nil {
					return usageErrorf("%v (see 'openchat config get' for the keys)", err)
				}
				values[key] = formatSetting(key, v)
			}

			out := cmd.OutOrStdout()
			if root.jsonOut {
				return NewJSONResponse("config get", values).Write(out)
			}
			if len(args) == 1 {
				fmt.Fprintln(out, values[args[0]])
				return nil
			}
			for _, key := range keys {
				fmt.Fprintf(out, "%s = %s\n", key, values[key])
			}
			return nil
		},
	}
}

func newConfigSetCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting in the config file",
		Long: `Change one setting in the config file and validate the result.

The file named by --config is edited, otherwise the existing config file in
the data directory, otherwise a new config.toml there. Environment overrides
are not written to the file. Lists take comma-separated values.`,
		Example: `  openchat config set backend.base_url http://localhost:8000/v1
  openchat config set server.cors_origins "http://a.test,http://b.test"`,
		Args: usageArgs(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			path := configFilePath(root)
			if path == "" {
				if err := config.EnsureConfigDir(); err != nil {
					return &ConfigError{Err: err}
				}
				p, err := config.ConfigPathTOML()
				if err != nil {
					return &ConfigError{Err: err}
				}
				path = p
			}

			cfg, err := config.ReadFile(path)
			if err != nil {
				return &ConfigError{Path: path, Err: err}
			}
			if err := cfg.Set(key, value); err != nil {
				return usageErrorf("%s: %v", key, err)
			}
			check := cfg.Clone()
			check.SetDefaults()
			if err := check.Validate(); err != nil {
				return usageErrorf("%v", err)
			}
			if err := config.SaveFile(cfg, path); err != nil {
				return &ConfigError{Path: path, Err: err}
			}

			v, _ := cfg.Get(key)
			out := cmd.OutOrStdout()
			if root.jsonOut {
				return NewJSONResponse("config set", map[string]string{
					"path":  path,
					"key":   key,
					"value": formatSetting(key, v),
				}).Write(out)
			}
			if !root.quiet {
				fmt.Fprintf(out, "%s %s = %s in %s\n", successStyle.Render("Set"), key, formatSetting(key, v), path)
			}
			return nil
		},
	}
}

// formatSetting renders a config value the way config set accepts it.
func formatSetting(key string, v any) string {
	switch val := v.(type) {
	case string:
		if key == redactedKey && val != "" {
			return "[REDACTED]"
		}
		return val
	case []string:
		return strings.Join(val, ",")
	default:
		return fmt.Sprint(val)
	}
}

func newConfigInitCommand(root *rootOptions) *cobra.Command {
	var force, yaml bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the defaults",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := root.configPath
			var err error
			if path == "" {
				if yaml {
					path, err = config.ConfigPathYAML()
				} else {
					path, err = config.ConfigPathTOML()
				}
				if err != nil {
					return &ConfigError{Err: err}
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return &ConfigError{Path: path, Err: fmt.Errorf("file exists, use --force to overwrite")}
			}

			cfg := config.Default()
			if yaml || isYAMLPath(path) {
				err = config.SaveYAML(cfg, path)
			} else {
				err = config.SaveTOML(cfg, path)
			}
			if err != nil {
				return &ConfigError{Path: path, Err: err}
			}

			out := cmd.OutOrStdout()
			if root.jsonOut {
				return NewJSONResponse("config init", map[string]string{"path": path}).Write(out)
			}
			if !root.quiet {
				fmt.Fprintf(out, "%s %s\n", successStyle.Render("Wrote"), path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().BoolVar(&yaml, "yaml", false, "write config.yaml instead of config.toml")
	return cmd
}

// pathsResult is the --json shape of config path.
type pathsResult struct {
	DataDir string `json:"dataDir"`
	Config  string `json:"config"`
	Active  string `json:"active,omitempty"`
	Storage string `json:"storage"`
	Prefs   string `json:"prefs"`
	History string `json:"history"`
	Log     string `json:"log"`
}

func newConfigPathCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the data directory and file locations",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			var res pathsResult
			for _, p := range []struct {
				dst *string
				get func() (string, error)
			}{
				{&res.DataDir, config.ConfigDir},
				{&res.Config, config.ConfigPathTOML},
				{&res.Storage, cfg.StoragePath},
				{&res.Prefs, config.PrefsPath},
				{&res.History, config.HistoryPath},
			} {
				v, err := p.get()
				if err != nil {
					return &ConfigError{Err: err}
				}
				*p.dst = v
			}
			res.Active = configFilePath(root)
			res.Log = filepath.Join(res.DataDir, LogFileName)

			out := cmd.OutOrStdout()
			if root.jsonOut {
				return NewJSONResponse("config path", res).Write(out)
			}
			rows := [][2]string{
				{"data dir", res.DataDir},
				{"config", res.Config},
				{"active", orNone(res.Active)},
				{"storage", res.Storage},
				{"prefs", res.Prefs},
				{"history", res.History},
				{"log", res.Log},
			}
			for _, row := range rows {
				fmt.Fprintf(out, "%-9s %s\n", row[0]+":", row[1])
			}
			return nil
		},
	}
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func orNone(s string) string {
	if s == "" {
		return "(defaults only)"
	}
	return s
}
