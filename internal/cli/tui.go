// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"github.com/spf13/cobra"

	"github.com/jeranaias/openllm-chat/internal/tui"
)

func newTUICommand(root *rootOptions) *cobra.Command {
	var chatID, chatModel, theme string
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Start the full-screen chat",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isTerminal(cmd.InOrStdin()) || !isTerminal(cmd.OutOrStdout()) {
				return usageErrorf("the tui needs an interactive terminal, use 'openchat chat' instead")
			}

			ctx := cmd.Context()
			app, err := openApp(ctx, root, fileSink())
			if err != nil {
				return err
			}
			defer app.Close()

			model, err := app.chatModel(chatModel)
			if err != nil {
				return err
			}
			if theme == "" {
				theme = app.Config.UI.Theme
			}
			return tui.Run(ctx, tui.Options{
				Store:     app.Store,
				UserID:    app.User.ID,
				Senders:   app.Sender,
				Titles:    app.Titles(),
				Prefs:     app.Prefs,
				ChatID:    chatID,
				ChatModel: model,
				Throttle:  app.Config.Throttle(),
				WordWrap:  app.Config.UI.WordWrap,
				Theme:     theme,
				Logger:    app.Logger,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&chatID, "chat", "", "open a stored chat by id")
	f.StringVarP(&chatModel, "model", "m", "", "chat model: chat-model or chat-model-reasoning")
	f.StringVar(&theme, "theme", "", "dark, light or auto (default from config)")
	return cmd
}
