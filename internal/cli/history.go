// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/store"
	"github.com/jeranaias/openllm-chat/internal/util"
)

// =============================================================================
// HISTORY
// =============================================================================

type historyOptions struct {
	limit  int
	after  string
	before string
}

func newHistoryCommand(root *rootOptions) *cobra.Command {
	opts := &historyOptions{}
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List stored chats, newest first",
		Example: `  openchat history
  openchat history --limit 5 --before 3f2b...`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.after != "" && opts.before != "" {
				return usageErrorf("only one of --after or --before may be given")
			}
			if opts.limit < 1 || opts.limit > 100 {
				return usageErrorf("--limit must be between 1 and 100")
			}

			ctx := cmd.Context()
			app, err := openApp(ctx, root, fileSink())
			if err != nil {
				return err
			}
			defer app.Close()

			page, err := app.Store.GetChatsByUserID(ctx, store.ListChatsOptions{
				UserID:        app.User.ID,
				Limit:         opts.limit,
				StartingAfter: opts.after,
				EndingBefore:  opts.before,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.jsonOut {
				return NewJSONResponse("history", page).Write(out)
			}
			if len(page.Chats) == 0 {
				fmt.Fprintln(out, dimStyle.Render("No chats yet. Start one with 'openchat chat'."))
				return nil
			}
			writeChatTable(out, page.Chats, "", terminalWidth(out))
			if page.HasMore && !root.quiet {
				last := page.Chats[len(page.Chats)-1].ID
				fmt.Fprintln(out, dimStyle.Render("More chats: openchat history --before "+last))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&opts.limit, "limit", "n", store.DefaultChatLimit, "number of chats to list (1-100)")
	f.StringVar(&opts.after, "after", "", "list chats newer than this chat id")
	f.StringVar(&opts.before, "before", "", "list chats older than this chat id")
	return cmd
}

// writeChatTable prints one row per chat: id, title and age. The current
// chat, if any, is marked.
func writeChatTable(w io.Writer, chats []model.Chat, current string, width int) {
	const idWidth, ageWidth = 36, 16
	titleWidth := width - idWidth - ageWidth - 6
	if titleWidth < 16 {
		titleWidth = 16
	}

	fmt.Fprintf(w, "  %s  %s  %s\n",
		headerStyle.Render(util.PadWidth("ID", idWidth)),
		headerStyle.Render(util.PadWidth("TITLE", titleWidth)),
		headerStyle.Render("CREATED"))
	for _, c := range chats {
		marker := " "
		if c.ID == current {
			marker = "*"
		}
		title := util.PadWidth(util.TruncateWidth(util.SingleLine(c.Title), titleWidth), titleWidth)
		fmt.Fprintf(w, "%s %s  %s  %s\n",
			marker,
			util.PadWidth(c.ID, idWidth),
			title,
			dimStyle.Render(humanize.Time(c.CreatedAt)))
	}
}

// =============================================================================
// DELETE
// =============================================================================

func newDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete CHAT_ID",
		Short: "Delete a chat and its messages",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := openApp(ctx, root, fileSink())
			if err != nil {
				return err
			}
			defer app.Close()

			chat, err := app.ownedChat(ctx, args[0])
			if err != nil {
				return err
			}
			if err := app.Store.DeleteChatByID(ctx, chat.ID); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if root.jsonOut {
				return NewJSONResponse("delete", chat).Write(out)
			}
			if !root.quiet {
				fmt.Fprintf(out, "%s %s\n", successStyle.Render("Deleted"), chat.Title)
			}
			return nil
		},
	}
}

// =============================================================================
// RESET
// =============================================================================

func newResetCommand(root *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every stored chat and message",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, out := cmd.InOrStdin(), cmd.OutOrStdout()
			if !yes {
				if !isTerminal(in) {
					return usageErrorf("refusing to delete all chats without --yes")
				}
				if !promptYesNo(in, out, "Delete all chats and messages?") {
					fmt.Fprintln(out, dimStyle.Render("Nothing deleted."))
					return nil
				}
			}

			ctx := cmd.Context()
			app, err := openApp(ctx, root, fileSink())
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Store.DeleteAllUserData(ctx, app.User.ID)
			if err != nil {
				return err
			}
			if root.jsonOut {
				return NewJSONResponse("reset", map[string]int{"deletedChats": n}).Write(out)
			}
			if !root.quiet {
				fmt.Fprintf(out, "%s %d %s\n", successStyle.Render("Deleted"), n, pluralize(n, "chat", "chats"))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// promptYesNo asks a yes/no question and defaults to no.
func promptYesNo(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
