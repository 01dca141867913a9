// Package events carries lifecycle notifications out of the core: outbox status changes,
// payment request resolutions and swap execution transitions.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Kind names a lifecycle notification. The prefix before the dot is the component.
type Kind string

const (
	OutboxCreated    Kind = "outbox.created"
	OutboxSubmitting Kind = "outbox.submitting"
	OutboxConfirmed  Kind = "outbox.confirmed"
	OutboxRetrying   Kind = "outbox.failed_retryable"
	OutboxFailed     Kind = "outbox.failed_terminal"
	OutboxRemoved    Kind = "outbox.removed"

	RequestCreated  Kind = "request.created"
	RequestAccepted Kind = "request.accepted"
	RequestDeclined Kind = "request.declined"

	SwapProcessing Kind = "swap.processing"
	SwapSucceeded  Kind = "swap.success"
	SwapFailed     Kind = "swap.error"
)

// Event is one lifecycle notification.
type Event struct {
	Kind    Kind      `json:"kind"`
	ID      string    `json:"id"`
	Subject string    `json:"subject,omitempty"` // destination or counterparty address
	Status  string    `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	TxHash  string    `json:"tx_hash,omitempty"`
	At      time.Time `json:"at"`
}

// Sink receives events. Publish must not block for long; failures are logged by callers and
// never change the outcome of the operation that produced the event.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

type multi []Sink

// Multi fans an event out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bus is an in-process fan-out. Subscribers with a full buffer miss events rather than
// blocking the publisher.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber. Call the returned function to unsubscribe; it closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers event to every current subscriber without blocking.
func (b *Bus) Publish(_ context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
