// Package eventbus decouples the request hot path from bookkeeping.
//
// The dispatcher publishes delivery lifecycle events; subscribers (stats
// recording, diagnostics) consume them without adding I/O to request
// handling.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Delivery event types.
const (
	TypeDeliverySent     = "delivery.sent"
	TypeDeliveryFailed   = "delivery.failed"
	TypeDeliveryRejected = "delivery.rejected"
)

// DeliveryEvent is the payload attached to delivery events.
type DeliveryEvent struct {
	Path      string    `json:"path"`
	ChatID    string    `json:"chat_id,omitempty"`
	MessageID int64     `json:"message_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Event is a lightweight in-memory signal.
//
// Contract: Publish never blocks; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently closed channel must not
		// take down the publisher.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
