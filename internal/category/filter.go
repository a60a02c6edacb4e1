package category

import (
	"strings"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

// Renderable drops events with no displayable payload.
func Renderable(events []activity.Event) []activity.Event {
	out := make([]activity.Event, 0, len(events))
	for _, ev := range events {
		if ev.Details.Renderable() {
			out = append(out, ev)
		}
	}
	return out
}

// Filter is the viewer's active narrowing of the feed.
type Filter struct {
	Category string  `json:"category"`
	Search   string  `json:"search"`
	Action   *string `json:"action,omitempty"`
}

// Apply runs the noise filter, then category, search and action filters.
// Input order is preserved.
func Apply(set *Set, events []activity.Event, f Filter) []activity.Event {
	needle := strings.ToLower(strings.TrimSpace(f.Search))
	out := make([]activity.Event, 0, len(events))
	for i := range events {
		ev := &events[i]
		if !ev.Details.Renderable() {
			continue
		}
		if !set.Match(f.Category, ev) {
			continue
		}
		if needle != "" && !searchMatch(ev, needle) {
			continue
		}
		if f.Action != nil && ev.Action != *f.Action {
			continue
		}
		out = append(out, *ev)
	}
	return out
}

func searchMatch(ev *activity.Event, needle string) bool {
	for _, field := range []string{ev.TargetLabel, ev.ActorLabel, ev.Action, ev.TargetType} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}
