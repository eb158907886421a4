// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/metrics"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/store"
	"github.com/jeranaias/openllm-chat/internal/title"
	"github.com/jeranaias/openllm-chat/internal/transport"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusReady     Status = "ready"
	StatusSubmitted Status = "submitted"
	StatusStreaming Status = "streaming"
)

// ErrorMarker prefixes the text of synthetic error messages.
const ErrorMarker = "[error]"

var (
	// ErrBusy is returned when a generation is already in flight.
	ErrBusy = errors.New("a response is already being generated")

	// ErrNothingToRegenerate is returned when the conversation has no user
	// message to answer again.
	ErrNothingToRegenerate = errors.New("no user message to regenerate from")
)

// TitleSource derives a chat title from the first message.
type TitleSource interface {
	Generate(ctx context.Context, msg model.Message) string
}

// Notification is a user-facing report of a failure.
type Notification struct {
	Kind  chaterr.Kind
	Title string
	Text  string
	Err   error
}

// Options configures a Controller.
type Options struct {
	ChatID   string
	UserID   string
	Store    store.Store
	Sender   transport.Sender
	Titles   TitleSource
	Throttle time.Duration
	// Body holds extra request fields sent with every generation.
	Body   map[string]any
	Logger *zap.Logger

	// OnUpdate receives a snapshot of the messages after every visible change.
	OnUpdate func([]model.Message)
	// OnStatus receives every status transition.
	OnStatus func(Status)
	// OnNotify receives failures that should be shown to the user.
	OnNotify func(Notification)
	// OnRefresh is called once after each completed generation so history
	// views can reload. Its error is logged and dropped.
	OnRefresh func() error
	// OnStream is called with the Signal of each new stream before any event
	// is published on it.
	OnStream func(*Signal)

	now func() time.Time
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller is the state machine of one conversation.
type Controller struct {
	opts   Options
	logger *zap.Logger
	cancel *cancelManager

	mu         sync.Mutex
	status     Status
	messages   []model.Message
	chatExists bool
	titling    bool
	lastStamp  time.Time
	signal     *Signal
}

// New creates a Controller in the ready state with no messages.
func New(opts Options) *Controller {
	if opts.now == nil {
		opts.now = time.Now
	}
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	return &Controller{
		opts: opts,
		logger: logging.OrGlobal(opts.Logger).With(
			zap.String("chat_id", opts.ChatID),
		),
		cancel: newCancelManager(),
		status: StatusReady,
	}
}

// ChatID returns the conversation id.
func (c *Controller) ChatID() string {
	return c.opts.ChatID
}

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Messages returns a copy of the in-memory conversation.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CloneMessages(c.messages)
}

// ChatExists reports whether the chat record is known to be stored.
func (c *Controller) ChatExists() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatExists
}

// Signal returns the event broadcast of the stream in flight, or nil.
func (c *Controller) Signal() *Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signal
}

// =============================================================================
// LOAD
// =============================================================================

// Load replaces the in-memory conversation with the stored one. A chat that
// does not exist yet loads as empty with chatExists false; a chat owned by
// another user is forbidden.
func (c *Controller) Load(ctx context.Context) (bool, error) {
	chat, err := c.opts.Store.GetChatByID(ctx, c.opts.ChatID)
	if err != nil {
		return false, err
	}
	if chat == nil {
		c.mu.Lock()
		c.chatExists = false
		c.messages = nil
		c.mu.Unlock()
		c.publishUpdate()
		return false, nil
	}
	if chat.UserID != c.opts.UserID {
		return false, chaterr.Forbidden("")
	}

	msgs, err := c.opts.Store.GetMessagesByChatID(ctx, c.opts.ChatID)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.chatExists = true
	c.messages = msgs
	if n := len(msgs); n > 0 && msgs[n-1].CreatedAt.After(c.lastStamp) {
		c.lastStamp = msgs[n-1].CreatedAt
	}
	c.mu.Unlock()
	c.publishUpdate()
	return true, nil
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Send appends a user message, persists it, creates the chat on the first
// message and streams the reply. It returns after the reply ends. An abort
// is not an error.
func (c *Controller) Send(ctx context.Context, text string) error {
	return c.SendMessage(ctx, model.NewUserMessage(c.opts.ChatID, text))
}

// SendMessage is Send for a message built by the caller, keeping its id and
// parts. The chat id and creation time are assigned here.
func (c *Controller) SendMessage(ctx context.Context, msg model.Message) error {
	if !msg.IsUser() {
		return chaterr.Validation("Only user messages can be sent", nil)
	}
	if strings.TrimSpace(msg.Text()) == "" {
		return chaterr.Validation("Message must not be empty", nil)
	}
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.ChatID = c.opts.ChatID

	ctx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer c.cancel.clear()
	persistCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	msg.CreatedAt = c.stampLocked()
	c.messages = append(c.messages, msg)
	firstMessage := !c.chatExists && !c.titling
	if firstMessage {
		c.titling = true
	}
	c.mu.Unlock()
	c.publishUpdate()

	if err := c.opts.Store.SaveMessages(persistCtx, []model.Message{msg}); err != nil {
		c.mu.Lock()
		c.removeLocked(msg.ID)
		if firstMessage {
			c.titling = false
		}
		c.mu.Unlock()
		c.publishUpdate()
		c.notify(err)
		c.setStatus(StatusReady)
		return err
	}

	if firstMessage {
		if err := c.ensureChat(ctx, persistCtx, msg); err != nil {
			c.dropUnowned(persistCtx, msg.ID)
			c.notify(err)
			c.setStatus(StatusReady)
			return err
		}
	}

	return c.generate(ctx, transport.TriggerSubmit, msg.ID, time.Time{})
}

// dropUnowned removes a saved message whose chat record could not be
// created, so no message outlives a missing chat.
func (c *Controller) dropUnowned(persistCtx context.Context, id string) {
	c.mu.Lock()
	c.removeLocked(id)
	c.mu.Unlock()
	c.publishUpdate()
	if err := c.opts.Store.DeleteMessageByID(persistCtx, id); err != nil {
		c.logger.Warn("orphaned_message", zap.String("message_id", id), zap.Error(err))
	}
}

// Regenerate answers the last user message again. Every assistant message
// after it is dropped from memory and storage first: the previous reply, or
// a partial reply together with the error message that followed it.
func (c *Controller) Regenerate(ctx context.Context) error {
	ctx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer c.cancel.clear()
	persistCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	idx := len(c.messages) - 1
	for idx >= 0 && c.messages[idx].IsAssistant() {
		idx--
	}
	if idx < 0 || !c.messages[idx].IsUser() {
		c.mu.Unlock()
		c.setStatus(StatusReady)
		return ErrNothingToRegenerate
	}
	target := c.messages[idx]
	var cutoff time.Time
	dropped := len(c.messages) > idx+1
	if dropped {
		cutoff = c.messages[idx+1].CreatedAt
		c.messages = c.messages[:idx+1]
	}
	c.mu.Unlock()

	if dropped {
		c.publishUpdate()
		// Partial replies are never stored, so this deletes by timestamp
		// rather than by id.
		if err := c.opts.Store.DeleteMessagesAfterTimestamp(persistCtx, c.opts.ChatID, cutoff); err != nil {
			c.notify(err)
			c.setStatus(StatusReady)
			return err
		}
	}

	return c.generate(ctx, transport.TriggerRegenerate, target.ID, time.Time{})
}

// Edit replaces the text of a user message, deletes the assistant reply
// directly after it and streams a new reply into that place. Later turns are
// kept but are not sent with the request. The edited message is updated in
// place, not saved again, and no title is generated.
func (c *Controller) Edit(ctx context.Context, messageID, text string) error {
	if strings.TrimSpace(text) == "" {
		return chaterr.Validation("Message must not be empty", nil)
	}

	ctx, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer c.cancel.clear()
	persistCtx := context.WithoutCancel(ctx)

	c.mu.Lock()
	idx := c.indexLocked(messageID)
	if idx < 0 || !c.messages[idx].IsUser() {
		c.mu.Unlock()
		c.setStatus(StatusReady)
		return chaterr.Validation("Only user messages can be edited", nil)
	}
	edited := c.messages[idx].Clone()
	edited.SetText(text)
	c.messages[idx] = edited

	// The new reply takes the old one's timestamp so it sorts into the same
	// place on reload.
	var slot time.Time
	replyID := ""
	if idx+1 < len(c.messages) && c.messages[idx+1].IsAssistant() {
		replyID = c.messages[idx+1].ID
		slot = c.messages[idx+1].CreatedAt
		c.messages = append(c.messages[:idx+1], c.messages[idx+2:]...)
	}
	c.mu.Unlock()
	c.publishUpdate()

	if err := c.opts.Store.UpdateMessage(persistCtx, edited); err != nil {
		c.notify(err)
		c.setStatus(StatusReady)
		return err
	}
	if replyID != "" {
		if err := c.opts.Store.DeleteMessageByID(persistCtx, replyID); err != nil {
			c.notify(err)
			c.setStatus(StatusReady)
			return err
		}
	}

	return c.generate(ctx, transport.TriggerRegenerate, edited.ID, slot)
}

// Stop aborts the generation in flight. It reports false when there was
// nothing to abort or the generation had already committed to completing.
func (c *Controller) Stop() bool {
	return c.cancel.abort()
}

// =============================================================================
// GENERATION
// =============================================================================

// begin moves ready to submitted and arms cancellation.
func (c *Controller) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	if c.status != StatusReady {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.status = StatusSubmitted
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel.arm(cancel)
	c.emitStatus(StatusSubmitted)
	return ctx, nil
}

// ensureChat creates the chat record for the first message, titling it from
// that message. A chat created concurrently elsewhere counts as success.
func (c *Controller) ensureChat(ctx, persistCtx context.Context, first model.Message) error {
	defer func() {
		c.mu.Lock()
		c.titling = false
		c.mu.Unlock()
	}()

	existing, err := c.opts.Store.GetChatByID(persistCtx, c.opts.ChatID)
	if err != nil {
		return err
	}
	if existing == nil {
		chatTitle := title.Fallback
		if c.opts.Titles != nil {
			chatTitle = c.opts.Titles.Generate(ctx, first)
		}
		err := c.opts.Store.CreateChat(persistCtx, model.Chat{
			ID:        c.opts.ChatID,
			Title:     chatTitle,
			UserID:    c.opts.UserID,
			CreatedAt: first.CreatedAt,
		})
		if err != nil {
			return err
		}
		c.logger.Info("chat_created", zap.String("title", chatTitle))
	}

	c.mu.Lock()
	c.chatExists = true
	c.mu.Unlock()
	return nil
}

// generate streams one assistant reply to the user message messageID. The
// request carries the history up to and including that message, and the
// reply is placed directly after it, stamped with slot when slot is set. The
// status is submitted on entry and ready on return.
func (c *Controller) generate(ctx context.Context, trigger transport.Trigger, messageID string, slot time.Time) error {
	persistCtx := context.WithoutCancel(ctx)
	start := time.Now()

	if ctx.Err() != nil {
		c.aborted("")
		return nil
	}

	stream, err := c.opts.Sender.SendMessages(ctx, transport.SendRequest{
		Trigger:   trigger,
		ChatID:    c.opts.ChatID,
		MessageID: messageID,
		Messages:  conversationHistory(c.historyThrough(messageID)),
		Body:      c.opts.Body,
	})
	if err != nil {
		if ctx.Err() != nil || chaterr.IsAbort(err) {
			c.aborted("")
			return nil
		}
		c.fail(persistCtx, err, messageID, slot)
		return err
	}
	defer stream.Close()

	assistant := model.NewAssistantMessage(c.opts.ChatID, "")
	sig := newSignal()
	c.mu.Lock()
	assistant.CreatedAt = c.insertAfterLocked(messageID, assistant, slot)
	c.status = StatusStreaming
	c.signal = sig
	c.mu.Unlock()

	if c.opts.OnStream != nil {
		c.opts.OnStream(sig)
	}
	c.emitStatus(StatusStreaming)
	c.publishUpdate()
	sig.Publish(ctx, Event{Type: EventStart, StreamID: stream.ID(), MessageID: assistant.ID})

	buf := newFlushBuffer(c.opts.Throttle, c.opts.now)
	ticker := time.NewTicker(c.opts.Throttle)
	defer ticker.Stop()

	flush := func(content string) {
		c.appendText(assistant.ID, content)
		sig.Publish(ctx, Event{Type: EventDelta, StreamID: stream.ID(), MessageID: assistant.ID, Delta: content})
	}

	var streamErr error
loop:
	for {
		select {
		case chunk, ok := <-stream.Chunks():
			if !ok {
				break loop
			}
			switch chunk.Type {
			case transport.ChunkTextDelta:
				buf.Write(chunk.Delta)
				if content, ok := buf.Flush(); ok {
					flush(content)
				}
			case transport.ChunkError:
				streamErr = stream.Err()
				if streamErr == nil {
					streamErr = chaterr.Network(errors.New(chunk.ErrorText))
				}
				break loop
			}
		case <-ticker.C:
			if content, ok := buf.Flush(); ok {
				flush(content)
			}
		case <-ctx.Done():
			break loop
		}
	}

	// The tail is always applied, whatever ended the stream.
	if content, ok := buf.ForceFlush(); ok {
		c.appendText(assistant.ID, content)
		sig.PublishFinal(Event{Type: EventDelta, StreamID: stream.ID(), MessageID: assistant.ID, Delta: content})
	}
	metrics.GenerationSeconds.Observe(time.Since(start).Seconds())

	switch {
	case streamErr != nil:
		c.closeSignal(sig, Event{Type: EventError, StreamID: stream.ID(), MessageID: assistant.ID, Err: streamErr})
		c.fail(persistCtx, streamErr, assistant.ID, time.Time{})
		return streamErr

	case !c.cancel.seal(ctx):
		c.closeSignal(sig, Event{Type: EventAbort, StreamID: stream.ID(), MessageID: assistant.ID})
		c.aborted(assistant.ID)
		return nil
	}

	final, _ := c.message(assistant.ID)
	if err := c.opts.Store.SaveMessages(persistCtx, []model.Message{final}); err != nil {
		c.notify(err)
	}
	metrics.Generations.WithLabelValues("completed").Inc()
	c.logger.Info("stream_finished",
		zap.String("message_id", final.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("chars", len(final.Text())),
		zap.Duration("elapsed", time.Since(start)),
	)

	c.setStatus(StatusReady)
	c.closeSignal(sig, Event{Type: EventFinish, StreamID: stream.ID(), MessageID: final.ID, Message: final})
	c.refreshQuietly()
	return nil
}

// aborted returns to ready, keeping any partial text in memory only.
func (c *Controller) aborted(messageID string) {
	metrics.Generations.WithLabelValues("aborted").Inc()
	c.logger.Info("stream_aborted", zap.String("message_id", messageID))
	c.setStatus(StatusReady)
}

// fail places a synthetic error message after afterID, replacing afterID
// when it is an empty assistant placeholder. It stores that message
// best-effort, notifies and returns to ready.
func (c *Controller) fail(persistCtx context.Context, err error, afterID string, slot time.Time) {
	metrics.Generations.WithLabelValues("failed").Inc()

	c.mu.Lock()
	if idx := c.indexLocked(afterID); idx > 0 && c.messages[idx].IsAssistant() && c.messages[idx].Text() == "" {
		slot = c.messages[idx].CreatedAt
		afterID = c.messages[idx-1].ID
		c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	}
	synthetic := model.NewAssistantMessage(c.opts.ChatID, ErrorText(err))
	synthetic.CreatedAt = c.insertAfterLocked(afterID, synthetic, slot)
	c.mu.Unlock()
	c.publishUpdate()

	if serr := c.opts.Store.SaveMessages(persistCtx, []model.Message{synthetic}); serr != nil {
		c.logger.Warn("error_message_not_saved", zap.Error(serr))
	}
	c.notify(err)
	c.setStatus(StatusReady)
}

// =============================================================================
// NOTIFICATION POLICIES
// =============================================================================

// notify reports err to the user. Aborts are silent.
func (c *Controller) notify(err error) {
	if err == nil || chaterr.IsAbort(err) {
		return
	}
	c.logger.Warn("chat_error",
		zap.String("kind", string(chaterr.KindOf(err))),
		zap.Error(err),
	)
	if c.opts.OnNotify != nil {
		c.opts.OnNotify(Notification{
			Kind:  chaterr.KindOf(err),
			Title: chaterr.Category(err),
			Text:  chaterr.Guidance(err),
			Err:   err,
		})
	}
}

// refreshQuietly is the swallow policy for history refresh failures.
func (c *Controller) refreshQuietly() {
	if c.opts.OnRefresh == nil {
		return
	}
	if err := c.opts.OnRefresh(); err != nil {
		c.logger.Debug("history_refresh_failed", zap.Error(err))
	}
}

// ErrorText renders the body of a synthetic error message.
func ErrorText(err error) string {
	msg := err.Error()
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	return fmt.Sprintf("%s %s: %s\n\n%s", ErrorMarker, chaterr.Category(err), msg, chaterr.Guidance(err))
}

// IsErrorMessage reports whether m is a synthetic error message.
func IsErrorMessage(m model.Message) bool {
	return m.IsAssistant() && strings.HasPrefix(m.Text(), ErrorMarker)
}

// Unreported reports whether err was returned without reaching OnNotify.
// Front ends show these themselves.
func Unreported(err error) bool {
	return errors.Is(err, ErrBusy) ||
		errors.Is(err, ErrNothingToRegenerate) ||
		errors.Is(err, chaterr.ErrValidation)
}

// conversationHistory drops synthetic error messages, which are shown to the
// user but never sent to the model.
func conversationHistory(msgs []model.Message) []model.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if !IsErrorMessage(m) {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// STATE HELPERS
// =============================================================================

// stampLocked returns a creation time strictly after every earlier one.
func (c *Controller) stampLocked() time.Time {
	now := c.opts.now()
	if !now.After(c.lastStamp) {
		now = c.lastStamp.Add(time.Microsecond)
	}
	c.lastStamp = now
	return now
}

func (c *Controller) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// historyThrough returns a copy of the conversation up to and including id,
// or all of it when id is unknown.
func (c *Controller) historyThrough(id string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.messages
	if idx := c.indexLocked(id); idx >= 0 {
		msgs = msgs[:idx+1]
	}
	return model.CloneMessages(msgs)
}

// insertAfterLocked places m directly after the message afterID, or at the
// end when afterID is unknown, and returns the creation time it was given.
// A set slot is used as is; otherwise the time sorts between the neighbours.
func (c *Controller) insertAfterLocked(afterID string, m model.Message, slot time.Time) time.Time {
	idx := c.indexLocked(afterID)
	if idx < 0 {
		idx = len(c.messages) - 1
	}
	switch {
	case !slot.IsZero():
		m.CreatedAt = slot
	case idx == len(c.messages)-1:
		m.CreatedAt = c.stampLocked()
	default:
		prev, next := c.messages[idx].CreatedAt, c.messages[idx+1].CreatedAt
		m.CreatedAt = prev.Add(next.Sub(prev) / 2)
	}
	c.messages = append(c.messages, model.Message{})
	copy(c.messages[idx+2:], c.messages[idx+1:])
	c.messages[idx+1] = m
	return m.CreatedAt
}

func (c *Controller) removeLocked(id string) {
	if idx := c.indexLocked(id); idx >= 0 {
		c.messages = append(c.messages[:idx], c.messages[idx+1:]...)
	}
}

func (c *Controller) message(id string) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.indexLocked(id); idx >= 0 {
		return c.messages[idx].Clone(), true
	}
	return model.Message{}, false
}

func (c *Controller) appendText(id, delta string) {
	c.mu.Lock()
	if idx := c.indexLocked(id); idx >= 0 {
		c.messages[idx].SetText(c.messages[idx].Text() + delta)
	}
	c.mu.Unlock()
	c.publishUpdate()
}

func (c *Controller) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
	c.emitStatus(s)
}

func (c *Controller) closeSignal(sig *Signal, final Event) {
	c.mu.Lock()
	if c.signal == sig {
		c.signal = nil
	}
	c.mu.Unlock()
	sig.PublishFinal(final)
	sig.Close()
}

func (c *Controller) emitStatus(s Status) {
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Controller) publishUpdate() {
	if c.opts.OnUpdate != nil {
		c.opts.OnUpdate(c.Messages())
	}
}
