// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/openllm-chat/internal/chaterr"
	"github.com/jeranaias/openllm-chat/internal/model"
)

// =============================================================================
// CANCEL MANAGER
// =============================================================================

func TestCancelManager_AbortBeforeSeal(t *testing.T) {
	cm := newCancelManager()
	ctx, cancel := context.WithCancel(context.Background())
	cm.arm(cancel)

	assert.True(t, cm.abort())
	assert.Error(t, ctx.Err())
	assert.False(t, cm.seal(ctx))
	assert.False(t, cm.abort(), "second abort is a no-op")
}

func TestCancelManager_SealBlocksAbort(t *testing.T) {
	cm := newCancelManager()
	ctx, cancel := context.WithCancel(context.Background())
	cm.arm(cancel)

	assert.True(t, cm.seal(ctx))
	assert.False(t, cm.abort())
	assert.NoError(t, ctx.Err())

	cm.clear()
	assert.Error(t, ctx.Err())
	cm.clear()
}

func TestCancelManager_SealFailsOnCancelledParent(t *testing.T) {
	cm := newCancelManager()
	parent, cancelParent := context.WithCancel(context.Background())
	ctx, cancel := context.WithCancel(parent)
	cm.arm(cancel)
	cancelParent()

	assert.False(t, cm.seal(ctx))
}

func TestCancelManager_ArmResets(t *testing.T) {
	cm := newCancelManager()
	_, first := context.WithCancel(context.Background())
	cm.arm(first)
	require.True(t, cm.abort())

	ctx, second := context.WithCancel(context.Background())
	cm.arm(second)
	assert.True(t, cm.seal(ctx))
}

func TestCancelManager_AbortWithoutArm(t *testing.T) {
	assert.False(t, newCancelManager().abort())
}

// =============================================================================
// FLUSH BUFFER
// =============================================================================

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestFlushBuffer_WaitsForInterval(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	fb := newFlushBuffer(100*time.Millisecond, clock.now)

	fb.Write("Hel")
	fb.Write("lo")
	_, ok := fb.Flush()
	assert.False(t, ok)
	assert.Equal(t, 2, fb.Pending())

	clock.advance(100 * time.Millisecond)
	content, ok := fb.Flush()
	require.True(t, ok)
	assert.Equal(t, "Hello", content)
	assert.Zero(t, fb.Pending())

	fb.Write(" world")
	clock.advance(50 * time.Millisecond)
	_, ok = fb.Flush()
	assert.False(t, ok, "interval restarts at the last flush")
}

func TestFlushBuffer_ForceFlushDrainsTail(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	fb := newFlushBuffer(time.Hour, clock.now)

	_, ok := fb.ForceFlush()
	assert.False(t, ok, "nothing pending")

	for _, d := range []string{"a", "b", "c"} {
		fb.Write(d)
	}
	content, ok := fb.ForceFlush()
	require.True(t, ok)
	assert.Equal(t, "abc", content)

	_, ok = fb.ForceFlush()
	assert.False(t, ok)
}

func TestFlushBuffer_EmptyNeverFlushes(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	fb := newFlushBuffer(time.Millisecond, clock.now)
	clock.advance(time.Second)
	assert.False(t, fb.ShouldFlush())
}

// =============================================================================
// SIGNAL
// =============================================================================

func TestSignal_FanOut(t *testing.T) {
	sig := newSignal()
	a := sig.Subscribe()
	b := sig.Subscribe()

	sig.Publish(context.Background(), Event{Type: EventDelta, Delta: "x"})
	sig.Close()

	for _, ch := range []<-chan Event{a, b} {
		ev, ok := <-ch
		require.True(t, ok)
		assert.Equal(t, "x", ev.Delta)
		_, ok = <-ch
		assert.False(t, ok)
	}
}

func TestSignal_SubscribeAfterClose(t *testing.T) {
	sig := newSignal()
	sig.Close()
	sig.Close()

	_, ok := <-sig.Subscribe()
	assert.False(t, ok)
	sig.Publish(context.Background(), Event{Type: EventDelta})
	sig.PublishFinal(Event{Type: EventFinish})
}

func TestSignal_ClosingEventsReachIdleSubscriber(t *testing.T) {
	sig := newSignal()
	ch := sig.Subscribe()

	ctx := context.Background()
	sig.Publish(ctx, Event{Type: EventStart})
	for i := 1; i < subscriberBuffer; i++ {
		sig.Publish(ctx, Event{Type: EventDelta, Delta: "x"})
	}

	done := make(chan struct{})
	go func() {
		sig.PublishFinal(Event{Type: EventDelta, Delta: "tail"})
		sig.PublishFinal(Event{Type: EventFinish})
		sig.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("closing events blocked on an idle subscriber")
	}

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, subscriberBuffer+finalSlots)
	assert.Equal(t, "tail", got[len(got)-2].Delta)
	assert.Equal(t, EventFinish, got[len(got)-1].Type)
}

func TestSignal_PublishWaitsForDrain(t *testing.T) {
	sig := newSignal()
	ch := sig.Subscribe()
	ctx := context.Background()
	for i := 0; i < subscriberBuffer; i++ {
		sig.Publish(ctx, Event{Type: EventDelta})
	}

	done := make(chan struct{})
	go func() {
		sig.Publish(ctx, Event{Type: EventDelta, Delta: "late"})
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Publish used a final slot")
	case <-time.After(20 * time.Millisecond):
	}

	<-ch
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish did not resume after the subscriber drained")
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestSignal_PublishGivesUpOnContext(t *testing.T) {
	sig := newSignal()
	ch := sig.Subscribe()
	for i := 0; i < subscriberBuffer; i++ {
		sig.Publish(context.Background(), Event{Type: EventDelta})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	sig.Publish(ctx, Event{Type: EventDelta})
	assert.Error(t, ctx.Err())
	assert.Len(t, ch, subscriberBuffer)
}

// =============================================================================
// HISTORY
// =============================================================================

func TestConversationHistory_DropsSyntheticErrors(t *testing.T) {
	msgs := []model.Message{
		model.NewUserMessage("c", "hi"),
		model.NewAssistantMessage("c", ErrorMarker+" Connection problem: down"),
		model.NewUserMessage("c", ErrorMarker+" typed by the user"),
		model.NewAssistantMessage("c", "hello"),
	}
	got := conversationHistory(model.CloneMessages(msgs))
	require.Len(t, got, 3)
	assert.Equal(t, "hi", got[0].Text())
	assert.Equal(t, model.RoleUser, got[1].Role)
	assert.Equal(t, "hello", got[2].Text())
}

func TestStampLocked_StrictlyIncreasing(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	c := New(Options{now: func() time.Time { return fixed }})

	c.mu.Lock()
	a := c.stampLocked()
	b := c.stampLocked()
	c.mu.Unlock()

	assert.Equal(t, fixed, a)
	assert.Equal(t, time.Microsecond, b.Sub(a))
}

func TestUnreported(t *testing.T) {
	assert.True(t, Unreported(ErrBusy))
	assert.True(t, Unreported(fmt.Errorf("regenerate: %w", ErrNothingToRegenerate)))
	assert.True(t, Unreported(chaterr.Validation("Message must not be empty", nil)))
	assert.False(t, Unreported(chaterr.Network(errors.New("refused"))))
	assert.False(t, Unreported(chaterr.Persistence(chaterr.OpSaveMessages, errors.New("disk"))))
	assert.False(t, Unreported(nil))
}
