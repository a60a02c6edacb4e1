package source

import (
	"sync"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

// Broker fans appended events out to every live subscription. A subscriber
// whose buffer is full is dropped with ErrSlowSubscriber rather than
// blocking the writer.
type Broker struct {
	mu     sync.Mutex
	subs   map[*brokerSub]struct{}
	buffer int
	closed bool
}

type brokerSub struct {
	events chan activity.Event
	errs   chan error
	once   sync.Once
}

func (s *brokerSub) end(err error) {
	s.once.Do(func() {
		if err != nil {
			s.errs <- err
		}
		close(s.events)
		close(s.errs)
	})
}

// NewBroker returns a broker with a per-subscriber buffer.
func NewBroker(buffer int) *Broker {
	if buffer < 1 {
		buffer = 64
	}
	return &Broker{subs: make(map[*brokerSub]struct{}), buffer: buffer}
}

// Subscribe registers a new subscription.
func (b *Broker) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &brokerSub{
		events: make(chan activity.Event, b.buffer),
		errs:   make(chan error, 1),
	}
	b.subs[sub] = struct{}{}
	cancel := func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
		sub.end(nil)
	}
	return NewSubscription(sub.events, sub.errs, cancel), nil
}

// Publish delivers ev to every subscriber without blocking.
func (b *Broker) Publish(ev activity.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.events <- ev:
		default:
			delete(b.subs, sub)
			sub.end(ErrSlowSubscriber)
		}
	}
}

// Len returns the number of live subscriptions.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription with ErrClosed.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.end(ErrClosed)
	}
	clear(b.subs)
}
