// Package source defines the event log collaborator the feed reads from,
// plus an in-process broker for live inserts.
package source

import (
	"context"
	"errors"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/attrs"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
)

var (
	// ErrClosed is returned by operations on a closed source.
	ErrClosed = errors.New("source closed")
	// ErrSlowSubscriber is delivered when a subscriber falls behind and is dropped.
	ErrSlowSubscriber = errors.New("subscriber too slow")
)

// Query returns events matching a scope, newest first, at most limit.
type Query interface {
	QueryEvents(ctx context.Context, s *scope.Scope, limit int) ([]activity.Event, error)
}

// Subscriber opens a system-wide, unfiltered stream of appended events.
type Subscriber interface {
	SubscribeInserts(ctx context.Context) (*Subscription, error)
}

// Appender writes to the event log.
type Appender interface {
	Append(ctx context.Context, ev activity.Event) error
}

// Source is everything a feed needs from the event log.
type Source interface {
	Query
	scope.TeamResolver
	attrs.Fetcher
	Subscriber
	Close() error
}

// Subscription is a live insert stream. Events is closed when the
// subscription ends; Err receives at most one error explaining why it
// ended abnormally.
type Subscription struct {
	Events <-chan activity.Event
	Err    <-chan error
	cancel func()
}

// NewSubscription wires channels produced by a Source implementation.
func NewSubscription(events <-chan activity.Event, errs <-chan error, cancel func()) *Subscription {
	return &Subscription{Events: events, Err: errs, cancel: cancel}
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel()
	}
}
