// Package attrs memoizes secondary actor attributes and derives the role
// label shown to viewers.
package attrs

import (
	"context"
	"strings"
	"sync"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

// Attribute is the auxiliary data fetched per actor.
type Attribute struct {
	Position string `json:"position,omitempty"`
}

// Fetcher batch-loads attributes. Ids absent from the result have no
// attribute on record.
type Fetcher interface {
	FetchAttributes(ctx context.Context, ids []string) (map[string]Attribute, error)
}

// Cache is keyed by actor id. An id present in the cache is never fetched
// again, including ids whose fetch failed.
type Cache struct {
	mu    sync.RWMutex
	known map[string]Attribute
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{known: make(map[string]Attribute)}
}

// Missing returns the distinct non-empty ids not yet cached, in first-seen order.
func (c *Cache) Missing(ids []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{}, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := c.known[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Prime fetches every unseen id in one batch and stores the results. On a
// fetch error the ids are remembered without a position so display roles
// fall back to the raw mapping; the error is returned for logging.
func (c *Cache) Prime(ctx context.Context, f Fetcher, ids []string) error {
	missing := c.Missing(ids)
	if len(missing) == 0 {
		return nil
	}
	found, err := f.FetchAttributes(ctx, missing)
	c.StoreBatch(missing, found)
	return err
}

// StoreBatch records results for ids; ids without a result are stored empty.
func (c *Cache) StoreBatch(ids []string, found map[string]Attribute) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		c.known[id] = found[id]
	}
}

// Get returns the cached attribute for id.
func (c *Cache) Get(id string) (Attribute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.known[id]
	return a, ok
}

// Len returns the number of cached ids.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.known)
}

// DisplayRole derives the role label for an event from its raw role and
// the cached position of its actor.
func (c *Cache) DisplayRole(ev *activity.Event) activity.Role {
	switch ev.ActorRole {
	case activity.RoleAdmin:
		return activity.RoleAdmin
	case activity.RoleLeader:
		return activity.RoleLeader
	case activity.RoleSalesAgent:
		if a, ok := c.Get(ev.ActorID); ok && isLeaderPosition(a.Position) {
			return activity.RoleLeader
		}
		return activity.RoleSalesAgent
	case "":
		return activity.RoleSystem
	}
	return ev.ActorRole
}

func isLeaderPosition(p string) bool {
	p = strings.TrimSpace(p)
	return strings.EqualFold(p, "leader") || strings.EqualFold(p, "sales agent/leader")
}
