// Package category tags events into navigation buckets and applies the
// noise, search and action filters ahead of session grouping.
package category

import (
	"fmt"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/config"
	"github.com/gyaneshwarpardhi/activityfeed/internal/match"
)

// All is the implicit category matching every event.
const All = config.AllCategory

// Category is one compiled rule.
type Category struct {
	ID          string
	Label       string
	targetTypes map[string]struct{} // empty = any
	actions     map[string]struct{} // empty = any
	expr        match.Expr          // nil = any
}

// Match reports whether ev satisfies every constraint of the category.
func (c *Category) Match(ev *activity.Event) bool {
	if len(c.targetTypes) > 0 {
		if _, ok := c.targetTypes[ev.TargetType]; !ok {
			return false
		}
	}
	if len(c.actions) > 0 {
		if _, ok := c.actions[ev.Action]; !ok {
			return false
		}
	}
	if c.expr != nil && !c.expr.Eval(match.EventFields{Event: ev}) {
		return false
	}
	return true
}

// Set is an ordered, immutable collection of categories. Hot reload builds
// a new Set and swaps it atomically.
type Set struct {
	ordered []*Category
	byID    map[string]*Category
}

// Build compiles the categories of a validated RulesConfig.
func Build(cfg *config.RulesConfig) (*Set, error) {
	s := &Set{byID: make(map[string]*Category, len(cfg.Categories))}
	for _, def := range cfg.Categories {
		c := &Category{
			ID:          def.ID,
			Label:       def.Label,
			targetTypes: toSet(def.TargetTypes),
			actions:     toSet(def.Actions),
		}
		if c.Label == "" {
			c.Label = activity.Humanize(def.ID)
		}
		if def.Match != "" {
			expr, err := match.Compile(def.Match)
			if err != nil {
				return nil, fmt.Errorf("category %s: compile %q: %w", def.ID, def.Match, err)
			}
			c.expr = expr
		}
		s.ordered = append(s.ordered, c)
		s.byID[c.ID] = c
	}
	return s, nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}

// IDs returns "all" followed by the configured ids in declaration order.
func (s *Set) IDs() []string {
	ids := make([]string, 0, len(s.ordered)+1)
	ids = append(ids, All)
	for _, c := range s.ordered {
		ids = append(ids, c.ID)
	}
	return ids
}

// Categories returns the configured categories in declaration order.
func (s *Set) Categories() []*Category {
	return s.ordered
}

// Match reports whether ev belongs to tag. "all" and the empty tag match
// everything; unknown tags match nothing.
func (s *Set) Match(tag string, ev *activity.Event) bool {
	if tag == "" || tag == All {
		return true
	}
	c, ok := s.byID[tag]
	if !ok {
		return false
	}
	return c.Match(ev)
}

// Tags returns every category ev belongs to, "all" first.
func (s *Set) Tags(ev *activity.Event) []string {
	tags := []string{All}
	for _, c := range s.ordered {
		if c.Match(ev) {
			tags = append(tags, c.ID)
		}
	}
	return tags
}

// Counts tallies noise-filtered events per category, including zero counts.
func (s *Set) Counts(events []activity.Event) map[string]int {
	counts := make(map[string]int, len(s.ordered)+1)
	for _, id := range s.IDs() {
		counts[id] = 0
	}
	for i := range events {
		if !events[i].Details.Renderable() {
			continue
		}
		for _, tag := range s.Tags(&events[i]) {
			counts[tag]++
		}
	}
	return counts
}
