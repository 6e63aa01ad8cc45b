// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stream delivers a request's progress events to a single consumer
// in emission order. Emitters never block: events are queued and a pump
// goroutine hands them to the consumer and to any configured sinks. The
// final event is always the last one delivered.
package stream

import (
	"iter"
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	TypeClassified   Type = "classified"
	TypePlanned      Type = "planned"
	TypeNodeStarted  Type = "node_started"
	TypeNodeFinished Type = "node_finished"
	TypeFinal        Type = "final"
)

// Event is one progress notification. Seq increases by one per event of a
// request, starting at 1.
type Event struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id"`
	Type      Type      `json:"type"`
	NodeID    string    `json:"node_id,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Status    string    `json:"status,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// Sink receives a copy of every event, in order, from the pump goroutine.
type Sink interface {
	Publish(e Event) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSinks adds sinks.
func WithSinks(sinks ...Sink) Option {
	return func(c *Coordinator) { c.sinks = append(c.sinks, sinks...) }
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator is the per-request event channel.
type Coordinator struct {
	requestID string
	sinks     []Sink
	now       func() time.Time

	mu     sync.Mutex
	queue  []Event
	seq    uint64
	closed bool

	wake     chan struct{}
	out      chan Event
	detached chan struct{}
	detach   sync.Once
	done     chan struct{}
}

// New creates a coordinator and starts its pump.
func New(requestID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		requestID: requestID,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		out:       make(chan Event),
		detached:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.pump()
	return c
}

// RequestID returns the request the events belong to.
func (c *Coordinator) RequestID() string { return c.requestID }

// Emit queues e. It returns false once the coordinator is closed.
func (c *Coordinator) Emit(e Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.stamp(&e)
	c.queue = append(c.queue, e)
	c.mu.Unlock()

	c.signal()
	return true
}

// Close queues the final event and closes the stream behind it. Later
// calls to Emit and Close are ignored.
func (c *Coordinator) Close(final Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	final.Type = TypeFinal
	c.stamp(&final)
	c.queue = append(c.queue, final)
	c.mu.Unlock()

	c.signal()
}

// Events returns the consumer channel. It is closed after the final event.
func (c *Coordinator) Events() <-chan Event {
	return c.out
}

// All iterates over the events until the final one.
func (c *Coordinator) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for e := range c.out {
			if !yield(e) {
				c.Detach()
				return
			}
		}
	}
}

// Detach stops delivery to the consumer channel. Sinks keep receiving
// events. Use it when nobody reads Events.
func (c *Coordinator) Detach() {
	c.detach.Do(func() { close(c.detached) })
}

// Done is closed once the final event has been handed off.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

func (c *Coordinator) stamp(e *Event) {
	c.seq++
	e.Seq = c.seq
	e.Time = c.now()
	e.RequestID = c.requestID
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) pump() {
	defer close(c.done)
	defer close(c.out)

	for range c.wake {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		for _, e := range batch {
			c.publish(e)
			select {
			case c.out <- e:
			case <-c.detached:
			}
			if e.Type == TypeFinal {
				return
			}
		}
	}
}

func (c *Coordinator) publish(e Event) {
	for _, s := range c.sinks {
		if err := s.Publish(e); err != nil {
			slog.Warn("Event sink publish failed", "request_id", e.RequestID, "seq", e.Seq, "error", err)
		}
	}
}
