// Package scope decides which events a viewer may see.
package scope

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

// ErrScopeUnavailable marks a viewer whose visibility could not be
// established. Callers must show nothing rather than everything.
var ErrScopeUnavailable = errors.New("scope unavailable")

// Viewer is the principal browsing the feed.
type Viewer struct {
	ID   string        `json:"viewer_id"`
	Role activity.Role `json:"role"`
}

// TeamResolver looks up the agents managed by a lead.
type TeamResolver interface {
	ResolveTeam(ctx context.Context, leadID string) ([]string, error)
}

// Limits caps the historical query per viewer role.
type Limits struct {
	Contributor int
	Lead        int
	Admin       int
}

// DefaultLimits matches the built-in rules.
var DefaultLimits = Limits{Contributor: 200, Lead: 500, Admin: 500}

// Scope is the resolved visibility predicate for one viewer. It is
// immutable once resolved and safe to share.
type Scope struct {
	viewer       Viewer
	unrestricted bool
	actors       map[string]struct{}
	agentRefs    map[string]struct{}
	leaderRef    string
	managed      []string
	limit        int
}

// Resolve computes the scope for v. A team lookup failure fails closed.
func Resolve(ctx context.Context, v Viewer, teams TeamResolver, limits Limits) (*Scope, error) {
	if v.ID == "" {
		return nil, fmt.Errorf("%w: empty viewer id", ErrScopeUnavailable)
	}
	switch v.Role {
	case activity.RoleSalesAgent:
		return &Scope{
			viewer:    v,
			actors:    setOf(v.ID),
			agentRefs: setOf(v.ID),
			limit:     limits.Contributor,
		}, nil
	case activity.RoleLeader:
		agents, err := teams.ResolveTeam(ctx, v.ID)
		if err != nil {
			return nil, fmt.Errorf("%w: team of %s: %v", ErrScopeUnavailable, v.ID, err)
		}
		managed := dedupe(agents, v.ID)
		s := &Scope{
			viewer:    v,
			actors:    setOf(v.ID),
			agentRefs: make(map[string]struct{}, len(managed)),
			leaderRef: v.ID,
			managed:   managed,
			limit:     limits.Lead,
		}
		for _, id := range managed {
			s.actors[id] = struct{}{}
			s.agentRefs[id] = struct{}{}
		}
		return s, nil
	case activity.RoleAdmin:
		return &Scope{viewer: v, unrestricted: true, limit: limits.Admin}, nil
	}
	return nil, fmt.Errorf("%w: unsupported role %q", ErrScopeUnavailable, v.Role)
}

func setOf(ids ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func dedupe(ids []string, exclude string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Matches re-tests an event against the scope: actor match, or the payload
// names the lead as leader_id, or the payload names a scoped agent as agent_id.
func (s *Scope) Matches(ev *activity.Event) bool {
	if s.unrestricted {
		return true
	}
	if _, ok := s.actors[ev.ActorID]; ok && ev.ActorID != "" {
		return true
	}
	if s.leaderRef != "" && ev.LeaderRef() == s.leaderRef {
		return true
	}
	if ref := ev.AgentRef(); ref != "" {
		if _, ok := s.agentRefs[ref]; ok {
			return true
		}
	}
	return false
}

// Viewer returns the principal the scope was resolved for.
func (s *Scope) Viewer() Viewer { return s.viewer }

// Unrestricted reports whether every event is visible.
func (s *Scope) Unrestricted() bool { return s.unrestricted }

// Limit is the historical query cap, which is also the store capacity.
func (s *Scope) Limit() int { return s.limit }

// LeaderRef is the id matched against details.leader_id, or empty.
func (s *Scope) LeaderRef() string { return s.leaderRef }

// ManagedAgents returns the resolved team, sorted.
func (s *Scope) ManagedAgents() []string {
	return append([]string(nil), s.managed...)
}

// Actors returns the actor ids in scope, sorted.
func (s *Scope) Actors() []string { return sortedKeys(s.actors) }

// AgentRefs returns the ids matched against details.agent_id, sorted.
func (s *Scope) AgentRefs() []string { return sortedKeys(s.agentRefs) }

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
