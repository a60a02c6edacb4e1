// Package session clusters a time-descending event list into per-actor
// sessions and labels them.
package session

import (
	"time"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

// DefaultWindow is the maximum distance from a session's anchor.
const DefaultWindow = 5 * time.Minute

// Session is a derived cluster of same-actor events. It is rebuilt on every
// aggregation pass and never persisted.
type Session struct {
	GroupID           string           `json:"group_id"`
	AnchorTime        time.Time        `json:"anchor_time"`
	ActorID           string           `json:"actor_id,omitempty"`
	ActorRole         activity.Role    `json:"actor_role,omitempty"`
	PerformedBy       string           `json:"performed_by,omitempty"`
	PrimaryAction     string           `json:"primary_action"`
	PrimaryTargetType string           `json:"primary_target_type"`
	Events            []activity.Event `json:"events"`
	Summary           string           `json:"summary"`
}

// EventCount returns the number of member events.
func (s *Session) EventCount() int { return len(s.Events) }

// Group assigns each event to the first session, in creation order, with
// the same actor whose anchor is within window; otherwise it opens a new
// session anchored at the event. Anchors never move, so a session spans at
// most window from its anchor. events must be sorted newest first.
func Group(events []activity.Event, window time.Duration) []Session {
	var groups []Session
	byActor := make(map[string][]int) // actor → group indexes, creation order
	for _, ev := range events {
		joined := false
		for _, gi := range byActor[ev.ActorID] {
			g := &groups[gi]
			if absDuration(g.AnchorTime.Sub(ev.OccurredAt)) <= window {
				g.Events = append(g.Events, ev)
				joined = true
				break
			}
		}
		if joined {
			continue
		}
		byActor[ev.ActorID] = append(byActor[ev.ActorID], len(groups))
		groups = append(groups, Session{
			GroupID:           ev.ID,
			AnchorTime:        ev.OccurredAt,
			ActorID:           ev.ActorID,
			ActorRole:         ev.ActorRole,
			PerformedBy:       ev.PerformedBy,
			PrimaryAction:     ev.Action,
			PrimaryTargetType: ev.TargetType,
			Events:            []activity.Event{ev},
		})
	}
	for i := range groups {
		groups[i].Summary = Summary(groups[i].Events)
	}
	return groups
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// Find returns the session anchored at groupID.
func Find(sessions []Session, groupID string) (*Session, bool) {
	for i := range sessions {
		if sessions[i].GroupID == groupID {
			return &sessions[i], true
		}
	}
	return nil, false
}
