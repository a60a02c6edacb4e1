package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/activityfeed/internal/attrs"
	"github.com/gyaneshwarpardhi/activityfeed/internal/category"
	"github.com/gyaneshwarpardhi/activityfeed/internal/config"
	"github.com/gyaneshwarpardhi/activityfeed/internal/metrics"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source"
)

type attrWork struct {
	feed *Feed
	ids  []string
}

// Manager owns the open feeds of a process, the shared attribute fetch
// pool and the current category set.
type Manager struct {
	src        source.Source
	attributes attrs.Fetcher
	conf       config.FeedConf
	categories atomic.Pointer[category.Set]
	pool       *workerPool[*attrWork, map[string]attrs.Attribute]

	mu    sync.RWMutex
	feeds map[string]*Feed

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager starts the attribute pool. attributes may be nil to fetch
// straight from src.
func NewManager(ctx context.Context, src source.Source, attributes attrs.Fetcher, set *category.Set, conf config.FeedConf) *Manager {
	conf.ApplyDefaults()
	if attributes == nil {
		attributes = src
	}
	m := &Manager{
		src:        src,
		attributes: attributes,
		conf:       conf,
		feeds:      make(map[string]*Feed),
		stop:       make(chan struct{}),
	}
	m.categories.Store(set)
	m.pool = newWorkerPool(ctx, conf.AttributeWorkers, conf.AttributeQueue,
		func(ctx context.Context, w *attrWork) (map[string]attrs.Attribute, error) {
			return w.feed.fetchAttributes(ctx, w.ids)
		},
		func(w *attrWork, found map[string]attrs.Attribute, err error) {
			w.feed.applyAttributes(w.ids, found, err)
		},
	)
	go m.expireIdle(ctx, conf.IdleTimeout)
	return m
}

// expireIdle closes feeds left idle past ttl until ctx ends or the
// manager shuts down.
func (m *Manager) expireIdle(ctx context.Context, ttl time.Duration) {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.reap(now)
		}
	}
}

// reap closes every feed idle at now and returns how many it closed.
func (m *Manager) reap(now time.Time) int {
	m.mu.Lock()
	var expired []string
	for id, f := range m.feeds {
		if f.idle(now, m.conf.IdleTimeout) {
			expired = append(expired, id)
		}
	}
	closing := make([]*Feed, 0, len(expired))
	for _, id := range expired {
		closing = append(closing, m.feeds[id])
		delete(m.feeds, id)
	}
	n := len(m.feeds)
	m.mu.Unlock()

	for i, f := range closing {
		f.Close()
		metrics.FeedsExpired.Inc()
		slog.Info("idle feed expired", "feed_id", expired[i], "viewer", f.Viewer().ID)
	}
	if len(closing) > 0 {
		metrics.FeedsOpen.Set(float64(n))
	}
	return len(closing)
}

// SwapCategories atomically replaces the category set (used on hot-reload).
// Open feeds pick it up on their next read.
func (m *Manager) SwapCategories(set *category.Set) {
	m.categories.Store(set)
}

// Categories returns the current category set.
func (m *Manager) Categories() *category.Set {
	return m.categories.Load()
}

// Open creates a feed for v and registers it under a new id. The feed is
// registered even when scope resolution or the first backfill fails; the
// error is returned alongside so the caller can report it.
func (m *Manager) Open(ctx context.Context, v scope.Viewer) (string, *Feed, error) {
	deps := Deps{
		Source:     m.src,
		Attributes: m.attributes,
		Categories: m.Categories,
		Conf:       m.conf,
		enqueue:    m.enqueue,
	}
	f, err := Open(ctx, deps, v)

	id := uuid.New().String()
	m.mu.Lock()
	m.feeds[id] = f
	n := len(m.feeds)
	m.mu.Unlock()

	metrics.FeedsOpen.Set(float64(n))
	slog.Info("feed opened", "feed_id", id, "viewer", v.ID, "role", v.Role, "state", f.Status().State)
	return id, f, err
}

func (m *Manager) enqueue(f *Feed, ids []string) bool {
	ok := m.pool.Submit(&attrWork{feed: f, ids: ids})
	metrics.AttributeQueueUtilization.Set(m.pool.Utilization())
	return ok
}

// Get returns an open feed and marks it active.
func (m *Manager) Get(id string) (*Feed, error) {
	m.mu.RLock()
	f, ok := m.feeds[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	f.touch(time.Now())
	return f, nil
}

// Len returns the number of open feeds.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.feeds)
}

// Close closes and forgets a feed.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	f, ok := m.feeds[id]
	delete(m.feeds, id)
	n := len(m.feeds)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	f.Close()
	metrics.FeedsOpen.Set(float64(n))
	return nil
}

// Shutdown closes every feed and drains the attribute pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	feeds := m.feeds
	m.feeds = make(map[string]*Feed)
	m.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
	metrics.FeedsOpen.Set(0)
	m.stopOnce.Do(func() { close(m.stop) })
	m.pool.Drain()
}
