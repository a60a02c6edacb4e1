// Package store holds one viewer's recent events: ordered newest-first,
// deduplicated by id and capped in size.
package store

import (
	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

// State is the store lifecycle.
type State int

const (
	// Uninitialized stores ignore live events until the first backfill.
	Uninitialized State = iota
	Ready
)

func (s State) String() string {
	if s == Ready {
		return "ready"
	}
	return "uninitialized"
}

// MergeResult reports what MergeLive did with an event.
type MergeResult int

const (
	NotReady MergeResult = iota
	OutOfScope
	Inserted
	Replaced
)

func (r MergeResult) String() string {
	switch r {
	case OutOfScope:
		return "out_of_scope"
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	default:
		return "not_ready"
	}
}

// Matcher decides whether a live event is visible. *scope.Scope satisfies it.
type Matcher interface {
	Matches(ev *activity.Event) bool
}

// Store is not safe for concurrent use; callers serialize access.
type Store struct {
	capacity int
	state    State
	events   []activity.Event
	index    map[string]int // id → position in events
	version  uint64
}

// New returns an empty store holding at most capacity events.
func New(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{capacity: capacity, index: make(map[string]int)}
}

// Backfill replaces the contents. The first occurrence of an id wins.
func (s *Store) Backfill(events []activity.Event) {
	s.events = make([]activity.Event, 0, min(len(events), s.capacity))
	s.index = make(map[string]int, cap(s.events))
	for _, ev := range events {
		if len(s.events) == s.capacity {
			break
		}
		if _, dup := s.index[ev.ID]; dup {
			continue
		}
		s.index[ev.ID] = len(s.events)
		s.events = append(s.events, ev)
	}
	s.state = Ready
	s.version++
}

// MergeLive applies one event from the live feed. Before the first backfill
// it is discarded, as are events outside m. A known id is updated in place
// without moving; a new id goes to the front and the tail is trimmed.
func (s *Store) MergeLive(ev activity.Event, m Matcher) MergeResult {
	if s.state != Ready {
		return NotReady
	}
	if !m.Matches(&ev) {
		return OutOfScope
	}
	if i, ok := s.index[ev.ID]; ok {
		s.events[i] = ev
		s.version++
		return Replaced
	}

	s.events = append(s.events, activity.Event{})
	copy(s.events[1:], s.events)
	s.events[0] = ev
	if len(s.events) > s.capacity {
		s.events = s.events[:s.capacity]
	}
	s.reindex()
	s.version++
	return Inserted
}

func (s *Store) reindex() {
	clear(s.index)
	for i, ev := range s.events {
		s.index[ev.ID] = i
	}
}

// Events returns a copy of the contents, newest first.
func (s *Store) Events() []activity.Event {
	return append([]activity.Event(nil), s.events...)
}

// State returns the lifecycle state.
func (s *Store) State() State { return s.state }

// Ready reports whether a backfill has completed.
func (s *Store) Ready() bool { return s.state == Ready }

// Len returns the number of stored events.
func (s *Store) Len() int { return len(s.events) }

// Cap returns the capacity.
func (s *Store) Cap() int { return s.capacity }

// Version increases on every change to the contents.
func (s *Store) Version() uint64 { return s.version }
