// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/config"
	"github.com/jeranaias/openllm-chat/internal/controller"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/prefs"
	"github.com/jeranaias/openllm-chat/internal/store"
)

// recentChats is how many chats /chats lists.
const recentChats = 10

var slashCommands = []string{"/help", "/new", "/open", "/model", "/retry", "/edit", "/chats", "/quit", "/exit"}

// =============================================================================
// COMMAND
// =============================================================================

type chatOptions struct {
	chatID    string
	chatModel string
	markdown  bool
	plain     bool
}

func newChatCommand(root *rootOptions) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start a line-based chat session",
		Long: `Start a line-based chat session. Replies stream as they arrive.

Slash commands: /help, /new, /open ID, /model [ID], /retry, /edit [TEXT],
/chats and /quit. Ctrl+C stops a reply in progress; at the prompt it exits.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.chatID, "chat", "", "resume a stored chat by id")
	f.StringVarP(&opts.chatModel, "model", "m", "", "chat model: chat-model or chat-model-reasoning")
	f.BoolVar(&opts.markdown, "markdown", false, "render each reply as markdown once it completes")
	f.BoolVar(&opts.plain, "plain", false, "print stored transcripts without markdown rendering")
	return cmd
}

func runChat(cmd *cobra.Command, root *rootOptions, opts *chatOptions) error {
	ctx := cmd.Context()
	app, err := openApp(ctx, root, fileSink())
	if err != nil {
		return err
	}
	defer app.Close()

	chatModel, err := app.chatModel(opts.chatModel)
	if err != nil {
		return err
	}

	in, out := cmd.InOrStdin(), cmd.OutOrStdout()
	var input lineReader
	if isTerminal(in) && isTerminal(out) {
		historyPath, _ := config.HistoryPath()
		input = newLinerReader(historyPath, app.Logger)
	} else {
		input = newScanReader(in, out)
	}
	defer input.Close()

	r := &repl{
		app:       app,
		input:     input,
		out:       out,
		errOut:    cmd.ErrOrStderr(),
		chatModel: chatModel,
		quiet:     root.quiet,
		markdown:  opts.markdown,
		render:    isTerminal(out) && !opts.plain,
		width:     terminalWidth(out),
	}
	if err := r.open(ctx, opts.chatID); err != nil {
		return err
	}
	return r.loop(ctx)
}

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader reads one line of user input per prompt.
type lineReader interface {
	Prompt(prompt string) (string, error)
	PromptWithSuggestion(prompt, text string) (string, error)
	AppendHistory(line string)
	Close() error
}

// linerReader edits lines in the terminal and keeps history on disk.
type linerReader struct {
	state       *liner.State
	historyPath string
	logger      *zap.Logger
}

func newLinerReader(historyPath string, logger *zap.Logger) *linerReader {
	state := liner.NewLiner()
	state.SetCtrlCAborts(true)
	state.SetCompleter(func(line string) []string {
		if !strings.HasPrefix(line, "/") {
			return nil
		}
		var matches []string
		for _, c := range slashCommands {
			if strings.HasPrefix(c, line) {
				matches = append(matches, c)
			}
		}
		return matches
	})

	if historyPath != "" {
		if f, err := os.Open(historyPath); err == nil {
			if _, err := state.ReadHistory(f); err != nil {
				logger.Debug("history_read_failed", zap.Error(err))
			}
			f.Close()
		}
	}
	return &linerReader{state: state, historyPath: historyPath, logger: logger}
}

func (l *linerReader) Prompt(prompt string) (string, error) {
	return l.state.Prompt(prompt)
}

func (l *linerReader) PromptWithSuggestion(prompt, text string) (string, error) {
	return l.state.PromptWithSuggestion(prompt, text, -1)
}

func (l *linerReader) AppendHistory(line string) {
	l.state.AppendHistory(line)
}

// Close saves history with owner-only permissions and restores the terminal.
func (l *linerReader) Close() error {
	if l.historyPath != "" {
		if err := config.EnsureConfigDir(); err == nil {
			f, err := os.OpenFile(l.historyPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
			if err == nil {
				if _, err := l.state.WriteHistory(f); err != nil {
					l.logger.Debug("history_write_failed", zap.Error(err))
				}
				f.Close()
			}
		}
	}
	return l.state.Close()
}

// scanReader reads piped input line by line. Prompts are still written so
// transcripts of scripted sessions read naturally.
type scanReader struct {
	sc  *bufio.Scanner
	out io.Writer
}

func newScanReader(in io.Reader, out io.Writer) *scanReader {
	return &scanReader{sc: bufio.NewScanner(in), out: out}
}

func (s *scanReader) Prompt(prompt string) (string, error) {
	fmt.Fprint(s.out, prompt)
	if !s.sc.Scan() {
		if err := s.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	line := s.sc.Text()
	fmt.Fprintln(s.out)
	return line, nil
}

func (s *scanReader) PromptWithSuggestion(prompt, _ string) (string, error) {
	return s.Prompt(prompt)
}

func (s *scanReader) AppendHistory(string) {}

func (s *scanReader) Close() error { return nil }

// =============================================================================
// REPL
// =============================================================================

// repl drives one controller at a time from line input. Operations run
// synchronously; only the stream printer runs beside them.
type repl struct {
	app       *App
	input     lineReader
	out       io.Writer
	errOut    io.Writer
	chatModel string
	quiet     bool
	markdown  bool // buffer replies and render them once complete
	render    bool // render stored transcripts as markdown
	width     int

	ctrl     *controller.Controller
	renderer *glamour.TermRenderer

	streams  sync.WaitGroup
	mu       sync.Mutex
	streamed string // assistant message id of the last stream
	notes    []controller.Notification
}

// open switches to chatID, or to a new chat when chatID is empty, and prints
// the stored transcript.
func (r *repl) open(ctx context.Context, chatID string) error {
	fresh := chatID == ""
	if fresh {
		chatID = uuid.NewString()
	}
	ctrl := controller.New(r.controllerOptions(chatID))
	exists, err := ctrl.Load(ctx)
	if err != nil {
		return err
	}
	if !fresh && !exists {
		return chaterr.NotFound("chat", fmt.Sprintf("Chat %s not found", chatID))
	}
	r.ctrl = ctrl

	if exists {
		if chat, err := r.app.Store.GetChatByID(ctx, chatID); err == nil && chat != nil {
			fmt.Fprintf(r.out, "%s\n\n", headerStyle.Render(chat.Title))
		}
		r.printTranscript(ctrl.Messages())
	}
	return nil
}

func (r *repl) controllerOptions(chatID string) controller.Options {
	return controller.Options{
		ChatID:   chatID,
		UserID:   r.app.User.ID,
		Store:    r.app.Store,
		Sender:   r.app.Sender(r.chatModel),
		Titles:   r.app.Titles(),
		Throttle: r.app.Config.Throttle(),
		Logger:   r.app.Logger,
		OnNotify: func(n controller.Notification) {
			r.mu.Lock()
			r.notes = append(r.notes, n)
			r.mu.Unlock()
		},
		OnStream: r.follow,
	}
}

// follow prints the deltas of one stream as they arrive.
func (r *repl) follow(sig *controller.Signal) {
	events := sig.Subscribe()
	r.streams.Add(1)
	go func() {
		defer r.streams.Done()
		for ev := range events {
			switch ev.Type {
			case controller.EventStart:
				r.mu.Lock()
				r.streamed = ev.MessageID
				r.mu.Unlock()
				if !r.markdown {
					fmt.Fprintf(r.out, "%s ", assistantStyle.Render("assistant>"))
				}
			case controller.EventDelta:
				if !r.markdown {
					fmt.Fprint(r.out, ev.Delta)
				}
			}
		}
	}()
}

// loop reads input until EOF, Ctrl+C at the prompt or /quit.
func (r *repl) loop(ctx context.Context) error {
	r.printWelcome()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.input.Prompt(promptStyle.Render("you> "))
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.input.AppendHistory(line)

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				r.printError(err)
			}
			if quit {
				return nil
			}
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			return nil
		}

		r.run(ctx, func(ctx context.Context) error {
			return r.ctrl.Send(ctx, line)
		})
	}
}

// run executes one controller operation with Ctrl+C bound to abort, then
// finishes the streamed reply and prints what went wrong, if anything.
func (r *repl) run(ctx context.Context, op func(context.Context) error) {
	r.mu.Lock()
	r.streamed = ""
	r.notes = nil
	r.mu.Unlock()

	opCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	err := op(opCtx)
	interrupted := opCtx.Err() != nil && ctx.Err() == nil
	stop()
	r.streams.Wait()

	r.mu.Lock()
	streamed, notes := r.streamed, r.notes
	r.notes = nil
	r.mu.Unlock()

	if streamed != "" {
		if r.markdown {
			if msg, ok := r.message(streamed); ok && msg.Text() != "" {
				fmt.Fprintf(r.out, "%s\n", assistantStyle.Render("assistant>"))
				fmt.Fprint(r.out, r.renderMarkdown(msg.Text()))
			}
		} else {
			fmt.Fprintln(r.out)
		}
	}
	if interrupted {
		fmt.Fprintln(r.errOut, warningStyle.Render("[Cancelled]"))
	}
	for _, n := range notes {
		r.printNotification(n)
	}
	if err != nil && controller.Unreported(err) {
		r.printError(err)
	}
}

func (r *repl) message(id string) (model.Message, bool) {
	for _, m := range r.ctrl.Messages() {
		if m.ID == id {
			return m, true
		}
	}
	return model.Message{}, false
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// command runs a slash command and reports whether the session should end.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]
	rest := strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

	switch name {
	case "/quit", "/exit", "/q":
		return true, nil

	case "/help", "/h", "/?":
		r.printHelp()

	case "/new":
		if err := r.open(ctx, ""); err != nil {
			return false, err
		}
		r.info("Started a new chat.")

	case "/open":
		if len(args) != 1 {
			return false, usageErrorf("usage: /open CHAT_ID")
		}
		return false, r.open(ctx, args[0])

	case "/model":
		return false, r.switchModel(ctx, args)

	case "/retry":
		r.run(ctx, r.ctrl.Regenerate)

	case "/edit":
		return false, r.edit(ctx, rest)

	case "/chats":
		page, err := r.app.Store.GetChatsByUserID(ctx, store.ListChatsOptions{
			UserID: r.app.User.ID,
			Limit:  recentChats,
		})
		if err != nil {
			return false, err
		}
		writeChatTable(r.out, page.Chats, r.ctrl.ChatID(), r.width)

	default:
		return false, usageErrorf("unknown command %s, type /help for a list", fields[0])
	}
	return false, nil
}

// switchModel shows the model, or stores a new preference and reopens the
// current chat under it.
func (r *repl) switchModel(ctx context.Context, args []string) error {
	if len(args) == 0 {
		writeModelList(r.out, r.chatModel)
		return nil
	}
	id := args[0]
	if err := prefs.Validate(id); err != nil {
		return err
	}
	if err := r.app.Prefs.SetModel(id); err != nil {
		return err
	}
	r.chatModel = id

	chatID := r.ctrl.ChatID()
	ctrl := controller.New(r.controllerOptions(chatID))
	if _, err := ctrl.Load(ctx); err != nil {
		return err
	}
	r.ctrl = ctrl
	cm, _ := model.LookupChatModel(id)
	r.info("Now using " + cm.Name + ".")
	return nil
}

// edit rewrites the last user message. Without text the old text is offered
// for editing.
func (r *repl) edit(ctx context.Context, text string) error {
	msgs := r.ctrl.Messages()
	var last *model.Message
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].IsUser() {
			last = &msgs[i]
			break
		}
	}
	if last == nil {
		return controller.ErrNothingToRegenerate
	}

	if text == "" {
		edited, err := r.input.PromptWithSuggestion(promptStyle.Render("edit> "), last.Text())
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		text = strings.TrimSpace(edited)
	}

	id := last.ID
	r.run(ctx, func(ctx context.Context) error {
		return r.ctrl.Edit(ctx, id, text)
	})
	return nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func (r *repl) printWelcome() {
	if r.quiet {
		return
	}
	cm, _ := model.LookupChatModel(r.chatModel)
	fmt.Fprintf(r.out, "%s %s\n", headerStyle.Render("openchat"), dimStyle.Render("("+cm.Name+")"))
	fmt.Fprintln(r.out, dimStyle.Render("Type /help for commands, /quit to exit."))
	fmt.Fprintln(r.out)
}

func (r *repl) printHelp() {
	rows := [][2]string{
		{"/new", "start a new chat"},
		{"/open ID", "open a stored chat"},
		{"/chats", "list recent chats"},
		{"/model [ID]", "show or switch the chat model"},
		{"/retry", "regenerate the last reply"},
		{"/edit [TEXT]", "rewrite the last message and answer again"},
		{"/quit", "leave"},
	}
	fmt.Fprintln(r.out, headerStyle.Render("Commands"))
	for _, row := range rows {
		fmt.Fprintf(r.out, "  %-14s %s\n", row[0], dimStyle.Render(row[1]))
	}
	fmt.Fprintln(r.out, dimStyle.Render("Ctrl+C stops a reply in progress."))
}

func (r *repl) printTranscript(msgs []model.Message) {
	for _, m := range msgs {
		switch {
		case m.IsUser():
			fmt.Fprintf(r.out, "%s%s\n", promptStyle.Render("you> "), m.Text())
		case controller.IsErrorMessage(m):
			fmt.Fprintln(r.out, errorStyle.Render(m.Text()))
		case r.render:
			fmt.Fprintln(r.out, assistantStyle.Render("assistant>"))
			fmt.Fprint(r.out, r.renderMarkdown(m.Text()))
		default:
			fmt.Fprintf(r.out, "%s %s\n", assistantStyle.Render("assistant>"), m.Text())
		}
	}
	if len(msgs) > 0 {
		fmt.Fprintln(r.out)
	}
}

// renderMarkdown falls back to the raw text when rendering fails.
func (r *repl) renderMarkdown(text string) string {
	if r.renderer == nil {
		wrap := r.width - 4
		if wrap < 40 {
			wrap = 40
		}
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			return text + "\n"
		}
		r.renderer = renderer
	}
	out, err := r.renderer.Render(text)
	if err != nil {
		return text + "\n"
	}
	return out
}

func (r *repl) printNotification(n controller.Notification) {
	fmt.Fprintf(r.errOut, "%s %s: %v\n", errorStyle.Render("[ERROR]"), n.Title, n.Err)
	if n.Text != "" {
		fmt.Fprintln(r.errOut, dimStyle.Render(n.Text))
	}
}

func (r *repl) printError(err error) {
	fmt.Fprintf(r.errOut, "%s %v\n", warningStyle.Render("[!]"), err)
}

func (r *repl) info(msg string) {
	if !r.quiet {
		fmt.Fprintln(r.out, successStyle.Render(msg))
	}
}
