// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jeranaias/openllm-chat/internal/config"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/prefs"
)

// modelResult is the --json shape of the model command.
type modelResult struct {
	Model  string            `json:"model"`
	Models []model.ChatModel `json:"models"`
}

func newModelCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "model [MODEL_ID]",
		Short: "Show or set the preferred chat model",
		Long: `Without an argument, list the chat models and mark the preferred one.
With a model id, store it as the preference for new sessions.`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(root); err != nil {
				return err
			}
			path, err := config.PrefsPath()
			if err != nil {
				return &ConfigError{Err: err}
			}
			pf := prefs.NewFile(path, logging.L())

			current := pf.Model()
			if len(args) == 1 {
				if err := pf.SetModel(args[0]); err != nil {
					return err
				}
				current = args[0]
			}

			out := cmd.OutOrStdout()
			if root.jsonOut {
				return NewJSONResponse("model", modelResult{Model: current, Models: model.ChatModels}).Write(out)
			}
			if len(args) == 1 {
				cm, _ := model.LookupChatModel(current)
				fmt.Fprintf(out, "%s %s\n", successStyle.Render("Preferred model set to"), cm.Name)
				return nil
			}
			writeModelList(out, current)
			return nil
		},
	}
}

// writeModelList prints the catalogue with the current model marked.
func writeModelList(w io.Writer, current string) {
	for _, cm := range model.ChatModels {
		marker := " "
		name := cm.Name
		if cm.ID == current {
			marker = "*"
			name = headerStyle.Render(name)
		}
		fmt.Fprintf(w, "%s %-22s %s  %s\n", marker, cm.ID, name, dimStyle.Render(cm.Description))
	}
}
