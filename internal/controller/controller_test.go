// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/logging"
	"github.com/jeranaias/openllm-chat/internal/model"
	"github.com/jeranaias/openllm-chat/internal/store"
	"github.com/jeranaias/openllm-chat/internal/transport"
)

// =============================================================================
// FAKES
// =============================================================================

func frame(content string) string {
	data, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"delta": map[string]any{"content": content}}},
	})
	return "data: " + string(data) + "\n\n"
}

func reply(deltas ...string) string {
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(frame(d))
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

// fakeSender answers each call with the next scripted reply. A reply that is
// nil hands out a pipe instead, delivered on pipes.
type fakeSender struct {
	mu       sync.Mutex
	replies  []*string
	requests []transport.SendRequest
	err      error
	pipes    chan *io.PipeWriter
}

func newFakeSender(replies ...string) *fakeSender {
	f := &fakeSender{pipes: make(chan *io.PipeWriter, 4)}
	for i := range replies {
		f.replies = append(f.replies, &replies[i])
	}
	return f
}

func (f *fakeSender) withPipe() *fakeSender {
	f.mu.Lock()
	f.replies = append(f.replies, nil)
	f.mu.Unlock()
	return f
}

func (f *fakeSender) SendMessages(ctx context.Context, req transport.SendRequest) (*transport.Stream, error) {
	f.mu.Lock()
	req.Messages = model.CloneMessages(req.Messages)
	f.requests = append(f.requests, req)
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	var next *string
	if len(f.replies) > 0 {
		next = f.replies[0]
		f.replies = f.replies[1:]
	}
	f.mu.Unlock()

	if next == nil {
		pr, pw := io.Pipe()
		f.pipes <- pw
		return transport.NewStream(ctx, pr), nil
	}
	return transport.NewStream(ctx, io.NopCloser(strings.NewReader(*next))), nil
}

func (f *fakeSender) calls() []transport.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.SendRequest(nil), f.requests...)
}

type fakeTitles struct {
	calls atomic.Int32
	title string
}

func (f *fakeTitles) Generate(ctx context.Context, msg model.Message) string {
	f.calls.Add(1)
	return f.title
}

// flakyStore fails message saves and chat creation on demand.
type flakyStore struct {
	store.Store
	failSaves  atomic.Bool
	failCreate atomic.Bool
}

func (f *flakyStore) CreateChat(ctx context.Context, chat model.Chat) error {
	if f.failCreate.Load() {
		return chaterr.Persistence(chaterr.OpSaveChat, errors.New("disk full"))
	}
	return f.Store.CreateChat(ctx, chat)
}

func (f *flakyStore) SaveMessages(ctx context.Context, msgs []model.Message) error {
	if f.failSaves.Load() {
		return chaterr.Persistence(chaterr.OpSaveMessages, errors.New("disk full"))
	}
	return f.Store.SaveMessages(ctx, msgs)
}

// recorder captures every callback.
type recorder struct {
	mu       sync.Mutex
	updates  [][]model.Message
	statuses []Status
	notes    []Notification
	refresh  atomic.Int32
}

func (r *recorder) options(o Options) Options {
	o.OnUpdate = func(m []model.Message) {
		r.mu.Lock()
		r.updates = append(r.updates, m)
		r.mu.Unlock()
	}
	o.OnStatus = func(s Status) {
		r.mu.Lock()
		r.statuses = append(r.statuses, s)
		r.mu.Unlock()
	}
	o.OnNotify = func(n Notification) {
		r.mu.Lock()
		r.notes = append(r.notes, n)
		r.mu.Unlock()
	}
	o.OnRefresh = func() error {
		r.refresh.Add(1)
		return errors.New("history view closed")
	}
	return o
}

func (r *recorder) notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.notes...)
}

type harness struct {
	ctrl   *Controller
	store  *flakyStore
	sender *fakeSender
	titles *fakeTitles
	rec    *recorder
}

const (
	chatID = "c1"
	userID = "u1"
)

func newHarness(t *testing.T, sender *fakeSender, mutate ...func(*Options)) *harness {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "chat.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:  &flakyStore{Store: st},
		sender: sender,
		titles: &fakeTitles{title: "Friendly greeting"},
		rec:    &recorder{},
	}
	opts := h.rec.options(Options{
		ChatID:   chatID,
		UserID:   userID,
		Store:    h.store,
		Sender:   sender,
		Titles:   h.titles,
		Throttle: 5 * time.Millisecond,
		Logger:   logging.Nop(),
	})
	for _, m := range mutate {
		m(&opts)
	}
	h.ctrl = New(opts)
	return h
}

func (h *harness) stored(t *testing.T) []model.Message {
	t.Helper()
	msgs, err := h.store.GetMessagesByChatID(context.Background(), chatID)
	require.NoError(t, err)
	return msgs
}

// sendAsync runs Send in the background and returns its result channel.
func sendAsync(h *harness, text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Send(context.Background(), text) }()
	return done
}

func lastText(msgs []model.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Text()
}

// =============================================================================
// SEND
// =============================================================================

func TestSend_NewChatEndToEnd(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("Hel", "lo")))

	exists, err := h.ctrl.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))

	assert.Equal(t, StatusReady, h.ctrl.Status())
	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, model.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hi", msgs[0].Text())
	assert.Equal(t, model.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello", msgs[1].Text())

	chat, err := h.store.GetChatByID(context.Background(), chatID)
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.NotEmpty(t, chat.Title)
	assert.NotEqual(t, "Hi", chat.Title)
	assert.Equal(t, userID, chat.UserID)
	assert.True(t, h.ctrl.ChatExists())

	stored := h.stored(t)
	require.Len(t, stored, 2)
	assert.Equal(t, msgs[0].ID, stored[0].ID)
	assert.Equal(t, "Hello", stored[1].Text())

	assert.Equal(t, int32(1), h.rec.refresh.Load())
	assert.Equal(t, int32(1), h.titles.calls.Load())
	assert.Empty(t, h.rec.notifications())

	calls := h.sender.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, transport.TriggerSubmit, calls[0].Trigger)
	assert.Equal(t, chatID, calls[0].ChatID)
	assert.Equal(t, msgs[0].ID, calls[0].MessageID)
	require.Len(t, calls[0].Messages, 1)
}

func TestSend_StatusSequence(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("ok")))
	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	assert.Equal(t, []Status{StatusSubmitted, StatusStreaming, StatusReady}, h.rec.statuses)
}

func TestSend_FollowUpSkipsTitle(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("one"), reply("two")))

	require.NoError(t, h.ctrl.Send(context.Background(), "first"))
	require.NoError(t, h.ctrl.Send(context.Background(), "second"))

	assert.Equal(t, int32(1), h.titles.calls.Load())
	assert.Len(t, h.stored(t), 4)
	assert.Equal(t, int32(2), h.rec.refresh.Load())

	calls := h.sender.calls()
	require.Len(t, calls, 2)
	assert.Len(t, calls[1].Messages, 3)
}

func TestSend_TimestampsStrictlyIncrease(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHarness(t, newFakeSender(reply("a"), reply("b")), func(o *Options) {
		o.now = func() time.Time { return fixed }
	})

	require.NoError(t, h.ctrl.Send(context.Background(), "one"))
	require.NoError(t, h.ctrl.Send(context.Background(), "two"))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 4)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "message %d", i)
	}

	stored := h.stored(t)
	for i := range stored {
		assert.Equal(t, msgs[i].ID, stored[i].ID)
	}
}

func TestSend_ChatCreateFailureRemovesMessage(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("never")))
	h.store.failCreate.Store(true)

	err := h.ctrl.Send(context.Background(), "Hi")
	assert.Equal(t, chaterr.KindPersistence, chaterr.KindOf(err))
	assert.Empty(t, h.ctrl.Messages())
	assert.Empty(t, h.stored(t))
	assert.Empty(t, h.sender.calls())
	assert.False(t, h.ctrl.ChatExists())
	assert.Equal(t, StatusReady, h.ctrl.Status())

	h.store.failCreate.Store(false)
	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))
	assert.True(t, h.ctrl.ChatExists())
	assert.Len(t, h.stored(t), 2)
}

func TestSend_ConcurrentFirstMessagesOnSameChat(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("one"), reply("two")))
	other := New(Options{
		ChatID:   chatID,
		UserID:   userID,
		Store:    h.store,
		Sender:   h.sender,
		Titles:   h.titles,
		Throttle: 5 * time.Millisecond,
		Logger:   logging.Nop(),
	})

	errs := make(chan error, 2)
	start := make(chan struct{})
	for _, ctrl := range []*Controller{h.ctrl, other} {
		go func(ctrl *Controller) {
			<-start
			errs <- ctrl.Send(context.Background(), "Hi")
		}(ctrl)
	}
	close(start)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	assert.True(t, h.ctrl.ChatExists())
	assert.True(t, other.ChatExists())
	page, err := h.store.GetChatsByUserID(context.Background(), store.ListChatsOptions{UserID: userID})
	require.NoError(t, err)
	assert.Len(t, page.Chats, 1)
	assert.Len(t, h.stored(t), 4)
	assert.Empty(t, h.rec.notifications())
}

func TestSend_RejectsEmpty(t *testing.T) {
	h := newHarness(t, newFakeSender())
	err := h.ctrl.Send(context.Background(), "   ")
	assert.True(t, errors.Is(err, chaterr.ErrValidation))
	assert.Empty(t, h.sender.calls())
}

func TestSend_PersistenceFailureSkipsTransport(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("never")))
	h.store.failSaves.Store(true)

	err := h.ctrl.Send(context.Background(), "Hi")
	require.Error(t, err)
	assert.Equal(t, chaterr.KindPersistence, chaterr.KindOf(err))

	assert.Empty(t, h.sender.calls())
	assert.Equal(t, StatusReady, h.ctrl.Status())
	assert.Empty(t, h.ctrl.Messages())
	assert.Zero(t, h.titles.calls.Load())

	notes := h.rec.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, chaterr.KindPersistence, notes[0].Kind)
}

func TestSend_BusyWhileStreaming(t *testing.T) {
	h := newHarness(t, newFakeSender().withPipe())
	done := sendAsync(h, "Hi")

	pw := <-h.sender.pipes
	require.Eventually(t, func() bool { return h.ctrl.Status() == StatusStreaming }, time.Second, time.Millisecond)

	assert.ErrorIs(t, h.ctrl.Send(context.Background(), "again"), ErrBusy)
	assert.ErrorIs(t, h.ctrl.Regenerate(context.Background()), ErrBusy)

	io.WriteString(pw, reply("done"))
	pw.Close()
	require.NoError(t, <-done)
}

// =============================================================================
// STREAMING
// =============================================================================

func TestStream_NoDroppedTail(t *testing.T) {
	for _, throttle := range []time.Duration{time.Nanosecond, 5 * time.Millisecond, time.Hour} {
		t.Run(throttle.String(), func(t *testing.T) {
			deltas := strings.Split("the quick brown fox jumps over the lazy dog", "")
			h := newHarness(t, newFakeSender(reply(deltas...)), func(o *Options) {
				o.Throttle = throttle
			})

			require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))
			assert.Equal(t, strings.Join(deltas, ""), lastText(h.ctrl.Messages()))
			assert.Equal(t, strings.Join(deltas, ""), lastText(h.stored(t)))
		})
	}
}

func TestStream_IdleSubscriberStillGetsTailAndFinish(t *testing.T) {
	deltas := strings.Split(strings.Repeat("abcd", subscriberBuffer/4)[:subscriberBuffer-1], "")
	var events <-chan Event
	h := newHarness(t, newFakeSender(reply(deltas...)), func(o *Options) {
		o.Throttle = time.Nanosecond
		o.OnStream = func(sig *Signal) { events = sig.Subscribe() }
	})

	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))
	require.NotNil(t, events)

	var got []Event
	var text strings.Builder
	for ev := range events {
		got = append(got, ev)
		text.WriteString(ev.Delta)
	}
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, EventFinish, last.Type)
	assert.Equal(t, strings.Join(deltas, ""), last.Message.Text())
	assert.Equal(t, strings.Join(deltas, ""), text.String())
}

func TestStream_ThrottleCoalescesUpdates(t *testing.T) {
	deltas := strings.Split(strings.Repeat("x", 200), "")
	h := newHarness(t, newFakeSender(reply(deltas...)), func(o *Options) {
		o.Throttle = time.Hour
	})

	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))

	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	partial := 0
	for _, u := range h.rec.updates {
		if txt := lastText(u); len(u) == 2 && txt != "" && txt != strings.Repeat("x", 200) {
			partial++
		}
	}
	assert.Zero(t, partial, "no intermediate publish within one throttle interval")
}

func TestStream_SignalEvents(t *testing.T) {
	var events []Event
	var wg sync.WaitGroup
	h := newHarness(t, newFakeSender(reply("Hel", "lo")), func(o *Options) {
		o.Throttle = time.Hour
		o.OnStream = func(sig *Signal) {
			ch := sig.Subscribe()
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ev := range ch {
					events = append(events, ev)
				}
			}()
		}
	})

	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))
	wg.Wait()

	require.Len(t, events, 3)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, EventDelta, events[1].Type)
	assert.Equal(t, "Hello", events[1].Delta)
	assert.Equal(t, EventFinish, events[2].Type)
	assert.Equal(t, "Hello", events[2].Message.Text())
	assert.Nil(t, h.ctrl.Signal())
}

// =============================================================================
// ABORT
// =============================================================================

func TestStop_KeepsPartialWithoutPersisting(t *testing.T) {
	h := newHarness(t, newFakeSender().withPipe())
	done := sendAsync(h, "Tell me a story")

	pw := <-h.sender.pipes
	io.WriteString(pw, frame("Once upon"))
	require.Eventually(t, func() bool {
		return lastText(h.ctrl.Messages()) == "Once upon"
	}, time.Second, time.Millisecond)

	assert.True(t, h.ctrl.Stop())
	require.NoError(t, <-done)

	assert.Equal(t, StatusReady, h.ctrl.Status())
	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Once upon", msgs[1].Text())

	stored := h.stored(t)
	require.Len(t, stored, 1)
	assert.Equal(t, model.RoleUser, stored[0].Role)

	assert.Zero(t, h.rec.refresh.Load())
	assert.Empty(t, h.rec.notifications())
	assert.False(t, h.ctrl.Stop(), "nothing left to stop")
}

func TestStop_AfterCompletionIsNoOp(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("done")))
	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))

	assert.False(t, h.ctrl.Stop())
	assert.Len(t, h.stored(t), 2)
}

func TestStop_RacingCompletionFinalizesOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, newFakeSender().withPipe())
		done := sendAsync(h, "Hi")

		pw := <-h.sender.pipes
		go func() {
			io.WriteString(pw, reply("Hello"))
			pw.Close()
		}()
		go h.ctrl.Stop()
		require.NoError(t, <-done)

		assert.Equal(t, StatusReady, h.ctrl.Status())
		stored := h.stored(t)
		refreshes := h.rec.refresh.Load()
		switch len(stored) {
		case 2:
			assert.Equal(t, int32(1), refreshes, "completed run refreshes once")
		case 1:
			assert.Zero(t, refreshes, "aborted run never refreshes")
		default:
			t.Fatalf("unexpected stored count %d", len(stored))
		}
	}
}

func TestSend_CancelledContextIsAbort(t *testing.T) {
	h := newHarness(t, newFakeSender().withPipe())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ctrl.Send(ctx, "Hi") }()

	pw := <-h.sender.pipes
	io.WriteString(pw, frame("part"))
	require.Eventually(t, func() bool { return lastText(h.ctrl.Messages()) == "part" }, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Len(t, h.stored(t), 1)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestSend_TransportErrorAddsSyntheticMessage(t *testing.T) {
	sender := newFakeSender()
	sender.err = chaterr.ModelNotFound("X")
	h := newHarness(t, sender)

	err := h.ctrl.Send(context.Background(), "Hi")
	require.Error(t, err)
	assert.Equal(t, chaterr.KindModelNotFound, chaterr.KindOf(err))
	assert.Equal(t, StatusReady, h.ctrl.Status())

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, IsErrorMessage(msgs[1]))
	assert.Contains(t, msgs[1].Text(), "Model not found")
	assert.Contains(t, msgs[1].Text(), `"X"`)

	stored := h.stored(t)
	require.Len(t, stored, 2)
	assert.True(t, IsErrorMessage(stored[1]))

	notes := h.rec.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, chaterr.KindModelNotFound, notes[0].Kind)
	assert.Zero(t, h.rec.refresh.Load())

	// The synthetic message is never sent back to the model.
	sender.err = nil
	sender.replies = []*string{ptr(reply("ok"))}
	require.NoError(t, h.ctrl.Send(context.Background(), "again"))
	calls := sender.calls()
	last := calls[len(calls)-1]
	for _, m := range last.Messages {
		assert.False(t, IsErrorMessage(m))
	}
}

func TestSend_ReadFailureMidStream(t *testing.T) {
	h := newHarness(t, newFakeSender().withPipe())
	done := sendAsync(h, "Hi")

	pw := <-h.sender.pipes
	io.WriteString(pw, frame("Hel"))
	require.Eventually(t, func() bool { return lastText(h.ctrl.Messages()) == "Hel" }, time.Second, time.Millisecond)
	pw.CloseWithError(errors.New("connection reset"))

	err := <-done
	require.Error(t, err)
	assert.Equal(t, chaterr.KindNetwork, chaterr.KindOf(err))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Hel", msgs[1].Text())
	assert.True(t, IsErrorMessage(msgs[2]))
	assert.Equal(t, StatusReady, h.ctrl.Status())
}

func TestSend_SyntheticSaveFailureIsLogged(t *testing.T) {
	sender := newFakeSender()
	sender.err = chaterr.APIError(500, "boom")
	h := newHarness(t, sender)

	// The user message saves; the synthetic one does not.
	h.ctrl.opts.Store = &failAfterFirstSave{flakyStore: h.store}

	err := h.ctrl.Send(context.Background(), "Hi")
	assert.Equal(t, chaterr.KindGenericAPI, chaterr.KindOf(err))
	assert.True(t, IsErrorMessage(h.ctrl.Messages()[1]))
	assert.Len(t, h.stored(t), 1)
}

// failAfterFirstSave lets exactly one SaveMessages call through.
type failAfterFirstSave struct {
	*flakyStore
	saves atomic.Int32
}

func (f *failAfterFirstSave) SaveMessages(ctx context.Context, msgs []model.Message) error {
	if f.saves.Add(1) > 1 {
		return chaterr.Persistence(chaterr.OpSaveMessages, errors.New("disk full"))
	}
	return f.flakyStore.Store.SaveMessages(ctx, msgs)
}

func ptr(s string) *string { return &s }

// =============================================================================
// REGENERATE AND EDIT
// =============================================================================

func TestRegenerate_ReplacesLastReply(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("first answer"), reply("second answer")))
	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))

	require.NoError(t, h.ctrl.Regenerate(context.Background()))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "second answer", msgs[1].Text())

	stored := h.stored(t)
	require.Len(t, stored, 2)
	assert.Equal(t, "second answer", stored[1].Text())

	calls := h.sender.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, transport.TriggerRegenerate, calls[1].Trigger)
	require.Len(t, calls[1].Messages, 1)
	assert.Equal(t, "Hi", calls[1].Messages[0].Text())
	assert.Equal(t, int32(1), h.titles.calls.Load())
}

func TestRegenerate_AfterAbortDropsUnsavedPartial(t *testing.T) {
	h := newHarness(t, newFakeSender().withPipe())
	done := sendAsync(h, "Hi")
	pw := <-h.sender.pipes
	io.WriteString(pw, frame("partial"))
	require.Eventually(t, func() bool { return lastText(h.ctrl.Messages()) == "partial" }, time.Second, time.Millisecond)
	h.ctrl.Stop()
	require.NoError(t, <-done)

	h.sender.replies = []*string{ptr(reply("complete"))}
	require.NoError(t, h.ctrl.Regenerate(context.Background()))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "complete", msgs[1].Text())
	assert.Len(t, h.stored(t), 2)
}

func TestRegenerate_AfterMidStreamFailure(t *testing.T) {
	h := newHarness(t, newFakeSender().withPipe())
	done := sendAsync(h, "Hi")
	pw := <-h.sender.pipes
	io.WriteString(pw, frame("Hel"))
	require.Eventually(t, func() bool { return lastText(h.ctrl.Messages()) == "Hel" }, time.Second, time.Millisecond)
	pw.CloseWithError(errors.New("connection reset"))
	require.Error(t, <-done)
	require.Len(t, h.ctrl.Messages(), 3)

	h.sender.mu.Lock()
	h.sender.replies = []*string{ptr(reply("Hello"))}
	h.sender.mu.Unlock()
	require.NoError(t, h.ctrl.Regenerate(context.Background()))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].Text())
	assert.Equal(t, "Hello", msgs[1].Text())

	stored := h.stored(t)
	require.Len(t, stored, 2)
	assert.Equal(t, "Hello", stored[1].Text())

	calls := h.sender.calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[1].Messages, 1)
	assert.Equal(t, "Hi", calls[1].Messages[0].Text())
}

func TestRegenerate_NothingToRegenerate(t *testing.T) {
	h := newHarness(t, newFakeSender())
	assert.ErrorIs(t, h.ctrl.Regenerate(context.Background()), ErrNothingToRegenerate)
	assert.Equal(t, StatusReady, h.ctrl.Status())
}

func TestEdit_ReplacesTextAndFollowingReply(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("about cats"), reply("about dogs")))
	require.NoError(t, h.ctrl.Send(context.Background(), "Tell me about cats"))
	editedID := h.ctrl.Messages()[0].ID

	require.NoError(t, h.ctrl.Edit(context.Background(), editedID, "Tell me about dogs"))

	msgs := h.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, editedID, msgs[0].ID)
	assert.Equal(t, "Tell me about dogs", msgs[0].Text())
	assert.Equal(t, "about dogs", msgs[1].Text())

	stored := h.stored(t)
	require.Len(t, stored, 2)
	assert.Equal(t, "Tell me about dogs", stored[0].Text())
	assert.Equal(t, "about dogs", stored[1].Text())

	assert.Equal(t, int32(1), h.titles.calls.Load())
	calls := h.sender.calls()
	require.Len(t, calls[1].Messages, 1)
	assert.Equal(t, "Tell me about dogs", calls[1].Messages[0].Text())
}

func TestEdit_KeepsLaterTurns(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("a1"), reply("a2"), reply("a1b")))
	require.NoError(t, h.ctrl.Send(context.Background(), "u1"))
	require.NoError(t, h.ctrl.Send(context.Background(), "u2"))
	editedID := h.ctrl.Messages()[0].ID

	require.NoError(t, h.ctrl.Edit(context.Background(), editedID, "u1 edited"))

	texts := func(msgs []model.Message) []string {
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = m.Text()
		}
		return out
	}
	want := []string{"u1 edited", "a1b", "u2", "a2"}
	assert.Equal(t, want, texts(h.ctrl.Messages()))
	assert.Equal(t, want, texts(h.stored(t)))

	calls := h.sender.calls()
	require.Len(t, calls, 3)
	require.Len(t, calls[2].Messages, 1)
	assert.Equal(t, "u1 edited", calls[2].Messages[0].Text())
	assert.Equal(t, editedID, calls[2].MessageID)
}

func TestEdit_RejectsAssistantMessage(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("answer")))
	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))

	err := h.ctrl.Edit(context.Background(), h.ctrl.Messages()[1].ID, "changed")
	assert.True(t, errors.Is(err, chaterr.ErrValidation))
	assert.Equal(t, StatusReady, h.ctrl.Status())
}

// =============================================================================
// LOAD
// =============================================================================

func TestLoad_ExistingChat(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("Hello")))
	require.NoError(t, h.ctrl.Send(context.Background(), "Hi"))

	fresh := New(Options{ChatID: chatID, UserID: userID, Store: h.store, Sender: h.sender, Titles: h.titles, Logger: logging.Nop()})
	exists, err := fresh.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)
	require.Len(t, fresh.Messages(), 2)
	assert.Equal(t, "Hello", fresh.Messages()[1].Text())
}

func TestLoad_ForeignChatForbidden(t *testing.T) {
	h := newHarness(t, newFakeSender())
	require.NoError(t, h.store.CreateChat(context.Background(), model.Chat{ID: chatID, Title: "theirs", UserID: "someone-else"}))

	_, err := h.ctrl.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, chaterr.ErrForbidden))
	assert.Equal(t, "You do not have access to this chat", err.Error())
}

func TestSendMessage_KeepsCallerID(t *testing.T) {
	h := newHarness(t, newFakeSender(reply("ok")))
	msg := model.NewUserMessage("ignored", "Hi")
	msg.ID = "7f3c1f0e-2a6b-4a43-9d0c-5b8f0f7c1a11"

	require.NoError(t, h.ctrl.SendMessage(context.Background(), msg))

	got, err := h.store.GetMessageByID(context.Background(), msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, chatID, got.ChatID)
}

func TestSendMessage_RejectsAssistantRole(t *testing.T) {
	h := newHarness(t, newFakeSender())
	err := h.ctrl.SendMessage(context.Background(), model.NewAssistantMessage(chatID, "hello"))
	assert.True(t, errors.Is(err, chaterr.ErrValidation))
	assert.Empty(t, h.sender.calls())
}
