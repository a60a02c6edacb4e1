package feed

import (
	"fmt"
	"slices"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/category"
	"github.com/gyaneshwarpardhi/activityfeed/internal/metrics"
	"github.com/gyaneshwarpardhi/activityfeed/internal/page"
	"github.com/gyaneshwarpardhi/activityfeed/internal/session"
)

// view caches the derived sessions and counts until the store, the filter
// or the category set changes.
type view struct {
	valid         bool
	storeVersion  uint64
	filterVersion uint64
	set           *category.Set
	sessions      []session.Session
	counts        map[string]int
}

// PageResult is one page of sessions.
type PageResult struct {
	Sessions      []session.Session `json:"sessions"`
	TotalSessions int               `json:"total_sessions"`
	TotalPages    int               `json:"total_pages"`
	Page          int               `json:"page"`
	Window        []page.Link       `json:"window"`
	State         State             `json:"state"`
}

// EventView is a member event with its resolved display role.
type EventView struct {
	activity.Event
	DisplayRole activity.Role `json:"display_role"`
	Categories  []string      `json:"categories"`
}

// SessionDetail is a full session as shown when expanded.
type SessionDetail struct {
	GroupID           string        `json:"group_id"`
	Summary           string        `json:"summary"`
	ActorID           string        `json:"actor_id,omitempty"`
	PerformedBy       string        `json:"performed_by,omitempty"`
	DisplayRole       activity.Role `json:"display_role"`
	PrimaryAction     string        `json:"primary_action"`
	PrimaryTargetType string        `json:"primary_target_type"`
	Events            []EventView   `json:"events"`
}

// refresh rebuilds the view if anything it depends on moved. Callers hold f.mu.
func (f *Feed) refresh() *view {
	set := f.deps.Categories()
	var version uint64
	if f.store != nil {
		version = f.store.Version()
	}
	v := &f.view
	if v.valid && v.set == set && v.storeVersion == version && v.filterVersion == f.filterVersion {
		return v
	}

	var events []activity.Event
	if f.store != nil {
		events = f.store.Events()
	}
	v.counts = set.Counts(events)
	visible := slices.Clone(category.Apply(set, events, f.filter))
	// The store keeps arrival order; grouping needs newest occurrence first.
	slices.SortStableFunc(visible, func(a, b activity.Event) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})
	v.sessions = f.sessionsFor(visible)
	v.set = set
	v.storeVersion = version
	v.filterVersion = f.filterVersion
	v.valid = true
	metrics.SessionsBuilt.Observe(float64(len(v.sessions)))
	return v
}

// Page returns 1-based page n and makes it the current page. n below 1
// selects the current page. Pages past the end are empty.
func (f *Feed) Page(n int) PageResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n < 1 {
		n = f.page
	}
	f.page = n

	v := f.refresh()
	size := f.deps.Conf.PageSize
	total := page.TotalPages(len(v.sessions), size)
	return PageResult{
		Sessions:      page.Slice(v.sessions, n, size),
		TotalSessions: len(v.sessions),
		TotalPages:    total,
		Page:          n,
		Window:        page.Window(page.Clamp(n, total), total),
		State:         f.state,
	}
}

// Counts returns noise-filtered event counts per category, independent of
// the active filters.
func (f *Feed) Counts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := f.refresh().counts
	out := make(map[string]int, len(counts))
	for k, n := range counts {
		out[k] = n
	}
	return out
}

// Session returns the session anchored at groupID under the current
// filters, with display roles resolved from the attribute cache.
func (f *Feed) Session(groupID string) (SessionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.refresh()
	s, ok := session.Find(v.sessions, groupID)
	if !ok {
		return SessionDetail{}, fmt.Errorf("%w: %s", ErrSessionNotFound, groupID)
	}
	detail := SessionDetail{
		GroupID:           s.GroupID,
		Summary:           s.Summary,
		ActorID:           s.ActorID,
		PerformedBy:       s.PerformedBy,
		DisplayRole:       f.cache.DisplayRole(&s.Events[0]),
		PrimaryAction:     s.PrimaryAction,
		PrimaryTargetType: s.PrimaryTargetType,
		Events:            make([]EventView, len(s.Events)),
	}
	for i := range s.Events {
		ev := &s.Events[i]
		detail.Events[i] = EventView{
			Event:       *ev,
			DisplayRole: f.cache.DisplayRole(ev),
			Categories:  v.set.Tags(ev),
		}
	}
	return detail, nil
}
