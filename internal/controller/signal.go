// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"sync"
	"time"

	"github.com/jeranaias/openllm-chat/internal/model"
)

// EventType tags a stream event.
type EventType string

const (
	// EventStart fires once the backend accepted the request.
	EventStart EventType = "start"
	// EventDelta carries newly flushed text.
	EventDelta EventType = "delta"
	// EventFinish carries the completed assistant message.
	EventFinish EventType = "finish"
	// EventError carries a transport failure.
	EventError EventType = "error"
	// EventAbort fires when the generation was stopped.
	EventAbort EventType = "abort"
)

const (
	// subscriberBuffer is the room a subscriber has for regular events.
	subscriberBuffer = 64
	// finalSlots are kept free for the tail delta and the terminal event.
	finalSlots = 2
	// drainPoll is how often a blocked Publish checks for room.
	drainPoll = 2 * time.Millisecond
)

// Event is one notification on a Signal.
type Event struct {
	Type      EventType
	StreamID  string
	MessageID string
	Delta     string
	Message   model.Message
	Err       error
}

// =============================================================================
// SIGNAL
// =============================================================================

// Signal broadcasts the events of one generation. The controller creates it
// when a stream starts and closes it when the stream ends or is aborted;
// closing ends every subscription channel. Publish, PublishFinal and Close
// are only called from the generation goroutine, so each subscription has a
// single sender.
type Signal struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
}

func newSignal() *Signal {
	return &Signal{}
}

// Subscribe returns a channel receiving every event published from now on.
// On a closed Signal the returned channel is already closed.
func (s *Signal) Subscribe() <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Event, subscriberBuffer+finalSlots)
	if s.closed {
		close(ch)
		return ch
	}
	s.subs = append(s.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber. It never uses a subscriber's
// final slots: a subscriber without other room blocks the publisher until it
// drains or ctx is done.
func (s *Signal) Publish(ctx context.Context, ev Event) {
	s.mu.Lock()
	subs := append([]chan Event(nil), s.subs...)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	var poll *time.Ticker
	defer func() {
		if poll != nil {
			poll.Stop()
		}
	}()
	for _, ch := range subs {
		for len(ch) >= cap(ch)-finalSlots {
			if poll == nil {
				poll = time.NewTicker(drainPoll)
			}
			select {
			case <-poll.C:
			case <-ctx.Done():
				return
			}
		}
		ch <- ev
	}
}

// PublishFinal delivers one of the closing events of a stream: the tail
// delta and the terminal event. Both fit in the slots Publish leaves free,
// so it never blocks and reaches every subscriber, even one that has not
// read anything yet.
func (s *Signal) PublishFinal(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends every subscription. Safe to call more than once.
func (s *Signal) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
}
