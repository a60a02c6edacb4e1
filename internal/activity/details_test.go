package activity_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
)

func TestParseDetails(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
		want activity.DetailsKind
	}{
		{name: "nil", raw: nil, want: activity.KindUnrenderable},
		{name: "empty", raw: map[string]any{}, want: activity.KindUnrenderable},
		{name: "message", raw: map[string]any{"message": "Visited client"}, want: activity.KindMessage},
		{name: "empty message", raw: map[string]any{"message": ""}, want: activity.KindUnrenderable},
		{
			name: "diff",
			raw:  map[string]any{"before": map[string]any{"status": "open"}, "after": map[string]any{"status": "done"}},
			want: activity.KindDiff,
		},
		{name: "half diff", raw: map[string]any{"after": map[string]any{"status": "done"}}, want: activity.KindUnrenderable},
		{
			name: "narrative",
			raw:  map[string]any{"actor": "Ana", "action_performed": "approved", "target_name": "Order 7"},
			want: activity.KindNarrative,
		},
		{name: "narrative missing verb", raw: map[string]any{"actor": "Ana"}, want: activity.KindUnrenderable},
		{
			name: "message wins over diff",
			raw:  map[string]any{"message": "m", "before": map[string]any{}, "after": map[string]any{}},
			want: activity.KindMessage,
		},
		{name: "only refs", raw: map[string]any{"agent_id": "a1"}, want: activity.KindUnrenderable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := activity.ParseDetails(tc.raw)
			assert.Equal(t, tc.want, d.Kind)
			assert.Equal(t, tc.want != activity.KindUnrenderable, d.Renderable())
		})
	}
}

func TestEventRefs(t *testing.T) {
	ev := activity.Event{Details: activity.ParseDetails(map[string]any{
		"agent_id":  float64(42),
		"leader_id": "lead-1",
	})}
	assert.Equal(t, "42", ev.AgentRef())
	assert.Equal(t, "lead-1", ev.LeaderRef())

	assert.Empty(t, activity.Event{}.AgentRef())
}

func TestEventJSONClassifiesDetails(t *testing.T) {
	data := []byte(`{
		"id": "e1",
		"occurred_at": "2026-01-02T10:00:00Z",
		"actor_id": "u1",
		"actor_role": "sales_agent",
		"action": "update",
		"target_type": "client",
		"details": {"before": {"name": "A"}, "after": {"name": "B"}, "agent_id": "u2"}
	}`)
	var ev activity.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, activity.KindDiff, ev.Details.Kind)
	assert.Equal(t, "B", ev.Details.Diff.After["name"])
	assert.Equal(t, "u2", ev.AgentRef())

	out, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"agent_id":"u2"`)

	var missing activity.Event
	require.NoError(t, json.Unmarshal([]byte(`{"id":"e2"}`), &missing))
	assert.False(t, missing.Details.Renderable())
}

func TestDetailsLookup(t *testing.T) {
	d := activity.ParseDetails(map[string]any{"after": map[string]any{"status": "done"}})
	v, ok := d.Lookup("after", "status")
	require.True(t, ok)
	assert.Equal(t, "done", v)

	_, ok = d.Lookup("after", "missing")
	assert.False(t, ok)
	_, ok = d.Lookup()
	assert.False(t, ok)
}

func TestHumanize(t *testing.T) {
	assert.Equal(t, "allocate stock", activity.Humanize("allocate_stock"))
}
