package session

import (
	"strconv"
	"strings"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

// Summary renders a one-line label. A single event shows its message, or
// "<action> on <target>" when it has none. Several events are tallied per
// action in first-seen order, e.g. "3 updates, 1 insert".
func Summary(events []activity.Event) string {
	switch len(events) {
	case 0:
		return ""
	case 1:
		ev := events[0]
		if ev.Details.Kind == activity.KindMessage {
			return ev.Details.Message
		}
		return activity.Humanize(ev.Action) + " on " + activity.Humanize(ev.TargetType)
	}

	var order []string
	counts := make(map[string]int)
	for _, ev := range events {
		if _, ok := counts[ev.Action]; !ok {
			order = append(order, ev.Action)
		}
		counts[ev.Action]++
	}
	parts := make([]string, len(order))
	for i, action := range order {
		n := counts[action]
		part := strconv.Itoa(n) + " " + activity.Humanize(action)
		if n > 1 {
			part += "s"
		}
		parts[i] = part
	}
	return strings.Join(parts, ", ")
}
