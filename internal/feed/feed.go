// Package feed runs one viewer's activity feed: scope, backfill, live merge
// and the derived session pages, all behind a single mutation lock.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/attrs"
	"github.com/gyaneshwarpardhi/activityfeed/internal/category"
	"github.com/gyaneshwarpardhi/activityfeed/internal/config"
	"github.com/gyaneshwarpardhi/activityfeed/internal/metrics"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
	"github.com/gyaneshwarpardhi/activityfeed/internal/session"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source"
	"github.com/gyaneshwarpardhi/activityfeed/internal/store"
)

var (
	ErrNotFound        = errors.New("feed not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrClosed          = errors.New("feed closed")
	ErrUnknownCategory = errors.New("unknown category")
)

var tracer = otel.Tracer("github.com/gyaneshwarpardhi/activityfeed/internal/feed")

// State is the consumer-visible lifecycle of a feed.
type State string

const (
	StateLoading          State = "loading"
	StateReady            State = "ready"
	StateScopeUnavailable State = "scope_unavailable"
	StateBackfillFailed   State = "backfill_failed"
	StateClosed           State = "closed"
)

// Status describes a feed for consumers.
type Status struct {
	State     State           `json:"state"`
	Viewer    scope.Viewer    `json:"viewer"`
	Degraded  bool            `json:"degraded"`
	LastError string          `json:"last_error,omitempty"`
	Stored    int             `json:"stored"`
	Capacity  int             `json:"capacity"`
	Filter    category.Filter `json:"filter"`
	Page      int             `json:"page"`
}

// Deps are the collaborators a feed reads from.
type Deps struct {
	Source source.Source
	// Attributes overrides Source as the attribute fetcher, e.g. with a
	// shared cache tier.
	Attributes attrs.Fetcher
	Categories func() *category.Set
	Conf       config.FeedConf

	// enqueue hands an async attribute fetch to a shared pool. When nil the
	// fetch runs on its own goroutine.
	enqueue func(f *Feed, ids []string) bool
}

// Feed is one viewer's session. It is safe for concurrent use.
type Feed struct {
	deps   Deps
	viewer scope.Viewer
	cache  *attrs.Cache

	backfillMu sync.Mutex

	mu            sync.Mutex
	scope         *scope.Scope
	sub           *source.Subscription
	store         *store.Store
	pending       map[string]struct{}
	state         State
	degraded      bool
	lastErr       error
	filter        category.Filter
	filterVersion uint64
	page          int
	view          view
	listeners     map[chan struct{}]struct{}

	// replay collects live merges while a refresh query is in flight so
	// they survive the wholesale replace. Nil when no refresh is running.
	replay []activity.Event

	lastActive atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// Open resolves the viewer's scope, subscribes to live inserts and runs
// the first backfill. The feed is returned even when err is non-nil so the
// caller can surface its state; a scope failure leaves it empty and in
// StateScopeUnavailable.
func Open(ctx context.Context, deps Deps, v scope.Viewer) (*Feed, error) {
	f := newFeed(deps, v)
	if err := f.Backfill(ctx); err != nil {
		return f, err
	}
	return f, nil
}

func newFeed(deps Deps, v scope.Viewer) *Feed {
	deps.Conf.ApplyDefaults()
	if deps.Attributes == nil {
		deps.Attributes = deps.Source
	}
	if deps.Categories == nil {
		fallback, _ := category.Build(config.Default())
		deps.Categories = func() *category.Set { return fallback }
	}
	f := &Feed{
		deps:      deps,
		viewer:    v,
		cache:     attrs.NewCache(),
		pending:   make(map[string]struct{}),
		state:     StateLoading,
		page:      1,
		listeners: make(map[chan struct{}]struct{}),
		done:      make(chan struct{}),
	}
	f.touch(time.Now())
	return f
}

// Viewer returns the principal the feed was opened for.
func (f *Feed) Viewer() scope.Viewer { return f.viewer }

// Backfill replaces the stored events with a fresh historical query. On
// failure the previous contents are kept and, on first load, live events
// keep being discarded. It may be called again to retry, including after a
// scope failure.
func (f *Feed) Backfill(ctx context.Context) error {
	f.backfillMu.Lock()
	defer f.backfillMu.Unlock()

	if f.isClosed() {
		return ErrClosed
	}
	sc, err := f.connect(ctx)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "feed.backfill")
	defer span.End()
	span.SetAttributes(
		attribute.String("viewer.role", string(f.viewer.Role)),
		attribute.Int("feed.limit", sc.Limit()),
	)

	start := time.Now()
	qctx, cancel := context.WithTimeout(ctx, f.deps.Conf.QueryTimeout())
	defer cancel()

	f.mu.Lock()
	if f.store.Ready() {
		f.replay = []activity.Event{}
	}
	f.mu.Unlock()

	events, err := f.deps.Source.QueryEvents(qctx, sc, sc.Limit())
	if err != nil {
		err = fmt.Errorf("backfill: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Backfills.WithLabelValues("error").Inc()
		slog.Warn("backfill failed", "viewer", f.viewer.ID, "err", err)

		f.mu.Lock()
		f.replay = nil
		f.lastErr = err
		if !f.store.Ready() && !f.isClosed() {
			f.state = StateBackfillFailed
		}
		f.mu.Unlock()
		f.notify()
		return err
	}

	visible := events[:0]
	for i := range events {
		if sc.Matches(&events[i]) {
			visible = append(visible, events[i])
		}
	}
	if dropped := len(events) - len(visible); dropped > 0 {
		slog.Warn("source returned events outside scope", "viewer", f.viewer.ID, "dropped", dropped)
	}

	// Attributes land before the events are visible so roles render once.
	if err := f.cache.Prime(qctx, f.deps.Attributes, actorIDs(visible)); err != nil {
		metrics.AttributeFetches.WithLabelValues("sync", "error").Inc()
		slog.Warn("attribute prefetch failed, using raw roles", "viewer", f.viewer.ID, "err", err)
	} else {
		metrics.AttributeFetches.WithLabelValues("sync", "ok").Inc()
	}

	f.mu.Lock()
	f.store.Backfill(visible)
	for _, ev := range f.replay {
		f.store.MergeLive(ev, sc)
	}
	f.replay = nil
	if !f.isClosed() {
		f.state = StateReady
	}
	f.lastErr = nil
	stored := f.store.Len()
	f.mu.Unlock()

	elapsed := time.Since(start)
	metrics.Backfills.WithLabelValues("ok").Inc()
	metrics.BackfillDuration.Observe(float64(elapsed.Milliseconds()))
	span.SetAttributes(attribute.Int("feed.stored", stored))
	slog.Info("backfill complete", "viewer", f.viewer.ID, "role", f.viewer.Role, "stored", stored, "duration", elapsed)
	f.notify()
	return nil
}

// connect resolves scope and subscribes once. A subscription failure is not
// fatal: the feed backfills and reports itself degraded.
func (f *Feed) connect(ctx context.Context) (*scope.Scope, error) {
	f.mu.Lock()
	sc := f.scope
	f.mu.Unlock()
	if sc != nil {
		return sc, nil
	}

	ctx, span := tracer.Start(ctx, "feed.resolve_scope")
	defer span.End()
	rctx, cancel := context.WithTimeout(ctx, f.deps.Conf.QueryTimeout())
	defer cancel()

	limits := scope.Limits{
		Contributor: f.deps.Conf.ContributorLimit,
		Lead:        f.deps.Conf.LeadLimit,
		Admin:       f.deps.Conf.AdminLimit,
	}
	sc, err := scope.Resolve(rctx, f.viewer, f.deps.Source, limits)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ScopeResolutions.WithLabelValues(string(f.viewer.Role), "unavailable").Inc()
		slog.Warn("scope unavailable", "viewer", f.viewer.ID, "role", f.viewer.Role, "err", err)
		f.mu.Lock()
		f.state = StateScopeUnavailable
		f.lastErr = err
		f.mu.Unlock()
		f.notify()
		return nil, err
	}
	metrics.ScopeResolutions.WithLabelValues(string(f.viewer.Role), "ok").Inc()
	span.SetAttributes(attribute.Int("scope.managed_agents", len(sc.ManagedAgents())))

	sub, subErr := f.deps.Source.SubscribeInserts(ctx)

	f.mu.Lock()
	if f.isClosed() {
		f.mu.Unlock()
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil, ErrClosed
	}
	f.scope = sc
	f.store = store.New(sc.Limit())
	f.state = StateLoading
	if subErr != nil {
		f.degraded = true
		f.lastErr = fmt.Errorf("subscribe: %w", subErr)
	} else {
		f.sub = sub
	}
	f.mu.Unlock()

	if subErr != nil {
		metrics.DegradedFeeds.Inc()
		slog.Warn("live feed unavailable", "viewer", f.viewer.ID, "err", subErr)
		return sc, nil
	}
	go f.live(sub)
	return sc, nil
}

func (f *Feed) live(sub *source.Subscription) {
	for {
		select {
		case <-f.done:
			return
		case ev, ok := <-sub.Events:
			if !ok {
				f.endLive(sub)
				return
			}
			f.mergeLive(ev)
		}
	}
}

// endLive marks the feed degraded. Reconnecting is left to the source.
func (f *Feed) endLive(sub *source.Subscription) {
	var err error
	select {
	case err = <-sub.Err:
	case <-f.done:
		return
	}
	if f.isClosed() {
		return
	}
	if err == nil {
		err = source.ErrClosed
	}
	err = fmt.Errorf("live feed: %w", err)

	f.mu.Lock()
	f.degraded = true
	f.lastErr = err
	f.mu.Unlock()

	metrics.DegradedFeeds.Inc()
	slog.Warn("live feed ended", "viewer", f.viewer.ID, "err", err)
	f.notify()
}

func (f *Feed) mergeLive(ev activity.Event) {
	f.mu.Lock()
	res := f.store.MergeLive(ev, f.scope)
	var missing []string
	if res == store.Inserted || res == store.Replaced {
		missing = f.claimMissing(ev.ActorID)
		if f.replay != nil {
			f.replay = append(f.replay, ev)
		}
	}
	f.mu.Unlock()

	metrics.LiveEvents.WithLabelValues(res.String()).Inc()
	if res == store.Inserted || res == store.Replaced {
		f.notify()
	}
	if len(missing) > 0 {
		f.enqueueFetch(missing)
	}
}

// claimMissing returns the actor id if it needs fetching and marks it
// in flight. Callers hold f.mu.
func (f *Feed) claimMissing(actorID string) []string {
	if actorID == "" {
		return nil
	}
	if _, inflight := f.pending[actorID]; inflight {
		return nil
	}
	if len(f.cache.Missing([]string{actorID})) == 0 {
		return nil
	}
	f.pending[actorID] = struct{}{}
	return []string{actorID}
}

func (f *Feed) enqueueFetch(ids []string) {
	if f.deps.enqueue == nil {
		go func() {
			found, err := f.fetchAttributes(context.Background(), ids)
			f.applyAttributes(ids, found, err)
		}()
		return
	}
	if f.deps.enqueue(f, ids) {
		return
	}
	metrics.AttributeFetches.WithLabelValues("async", "dropped").Inc()
	f.mu.Lock()
	for _, id := range ids {
		delete(f.pending, id)
	}
	f.mu.Unlock()
}

func (f *Feed) fetchAttributes(ctx context.Context, ids []string) (map[string]attrs.Attribute, error) {
	ctx, cancel := context.WithTimeout(ctx, f.deps.Conf.QueryTimeout())
	defer cancel()
	return f.deps.Attributes.FetchAttributes(ctx, ids)
}

// applyAttributes records a finished async fetch. Partial results are kept
// on failure; ids without a result are remembered as "no attribute" so the
// actor keeps its raw-role display. The change shows
// on the next read; consumers are not notified.
func (f *Feed) applyAttributes(ids []string, found map[string]attrs.Attribute, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.Debug("async attribute fetch failed", "viewer", f.viewer.ID, "ids", ids, "err", err)
	}
	metrics.AttributeFetches.WithLabelValues("async", outcome).Inc()

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		delete(f.pending, id)
	}
	f.cache.StoreBatch(ids, found)
}

func actorIDs(events []activity.Event) []string {
	ids := make([]string, 0, len(events))
	for i := range events {
		ids = append(ids, events[i].ActorID)
	}
	return ids
}

// SetCategory selects a category tab. The page resets to 1.
func (f *Feed) SetCategory(tag string) error {
	if !f.knownCategory(tag) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, tag)
	}
	f.updateFilter(func(flt *category.Filter) { flt.Category = tag })
	return nil
}

// SetSearch sets the free-text search. The page resets to 1.
func (f *Feed) SetSearch(text string) {
	f.updateFilter(func(flt *category.Filter) { flt.Search = text })
}

// SetActionFilter restricts the feed to one action, or clears the
// restriction when action is nil. The page resets to 1.
func (f *Feed) SetActionFilter(action *string) {
	if action != nil {
		a := *action
		action = &a
	}
	f.updateFilter(func(flt *category.Filter) { flt.Action = action })
}

// SetFilter replaces every filter at once. The page resets to 1.
func (f *Feed) SetFilter(flt category.Filter) error {
	if !f.knownCategory(flt.Category) {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, flt.Category)
	}
	if flt.Action != nil {
		a := *flt.Action
		flt.Action = &a
	}
	f.updateFilter(func(cur *category.Filter) { *cur = flt })
	return nil
}

func (f *Feed) knownCategory(tag string) bool {
	if tag == "" {
		return true
	}
	for _, id := range f.deps.Categories().IDs() {
		if id == tag {
			return true
		}
	}
	return false
}

func (f *Feed) updateFilter(apply func(*category.Filter)) {
	f.mu.Lock()
	apply(&f.filter)
	f.filterVersion++
	f.page = 1
	f.mu.Unlock()
	f.notify()
}

// Status reports the feed's lifecycle state.
func (f *Feed) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := Status{
		State:    f.state,
		Viewer:   f.viewer,
		Degraded: f.degraded,
		Filter:   f.filter,
		Page:     f.page,
	}
	if f.lastErr != nil {
		st.LastError = f.lastErr.Error()
	}
	if f.store != nil {
		st.Stored = f.store.Len()
		st.Capacity = f.store.Cap()
	}
	return st
}

// Changes returns a channel that receives a value whenever the feed's
// content or status changes. Notifications coalesce. The channel is closed
// when the feed closes or cancel is called.
func (f *Feed) Changes() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	f.mu.Lock()
	if f.isClosed() {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.listeners[ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if _, ok := f.listeners[ch]; ok {
				delete(f.listeners, ch)
				close(ch)
			}
			f.mu.Unlock()
			f.touch(time.Now())
		})
	}
}

func (f *Feed) notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (f *Feed) touch(now time.Time) {
	f.lastActive.Store(now.UnixNano())
}

// idle reports whether the feed has no stream attached and has not been
// used for at least ttl.
func (f *Feed) idle(now time.Time, ttl time.Duration) bool {
	f.mu.Lock()
	streaming := len(f.listeners) > 0
	f.mu.Unlock()
	if streaming {
		return false
	}
	return now.Sub(time.Unix(0, f.lastActive.Load())) >= ttl
}

func (f *Feed) isClosed() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Close unsubscribes from live inserts and stops the feed. Safe to call
// more than once.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		close(f.done)
		sub := f.sub
		f.sub = nil
		f.state = StateClosed
		for ch := range f.listeners {
			close(ch)
		}
		clear(f.listeners)
		f.mu.Unlock()

		if sub != nil {
			sub.Unsubscribe()
		}
		slog.Info("feed closed", "viewer", f.viewer.ID)
	})
}

// sessionsFor groups already-filtered events with the configured window.
func (f *Feed) sessionsFor(events []activity.Event) []session.Session {
	return session.Group(events, f.deps.Conf.Window)
}
