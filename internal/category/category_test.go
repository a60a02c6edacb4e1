package category_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/category"
	"github.com/gyaneshwarpardhi/activityfeed/internal/config"
)

func makeEvent(id, action, target string, details map[string]any) activity.Event {
	return activity.Event{
		ID:          id,
		OccurredAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		ActorID:     "agent-1",
		ActorRole:   activity.RoleSalesAgent,
		Action:      action,
		TargetType:  target,
		TargetLabel: "Target " + id,
		ActorLabel:  "Maria Lopez",
		Details:     activity.ParseDetails(details),
	}
}

func msg(text string) map[string]any { return map[string]any{"message": text} }

func buildTestSet(t *testing.T) *category.Set {
	t.Helper()
	cfg := &config.RulesConfig{
		Version: "v1",
		Categories: []config.CategoryDef{
			{ID: "clients", TargetTypes: []string{"client"}},
			{ID: "approvals", Actions: []string{"approve", "reject"}},
			{ID: "stock", Match: `action contains "stock"`},
			{ID: "order_approvals", TargetTypes: []string{"client_order"}, Actions: []string{"approve"}},
		},
	}
	set, err := category.Build(cfg)
	require.NoError(t, err)
	return set
}

func TestTags(t *testing.T) {
	set := buildTestSet(t)

	ev := makeEvent("1", "approve", "client_order", msg("ok"))
	assert.Equal(t, []string{"all", "approvals", "order_approvals"}, set.Tags(&ev))

	ev = makeEvent("2", "allocate_stock", "inventory", msg("ok"))
	assert.Equal(t, []string{"all", "stock"}, set.Tags(&ev))

	ev = makeEvent("3", "update", "task", msg("ok"))
	assert.Equal(t, []string{"all"}, set.Tags(&ev))
}

func TestMatchUnknownTag(t *testing.T) {
	set := buildTestSet(t)
	ev := makeEvent("1", "update", "client", msg("ok"))
	assert.True(t, set.Match("", &ev))
	assert.True(t, set.Match("all", &ev))
	assert.True(t, set.Match("clients", &ev))
	assert.False(t, set.Match("nope", &ev))
}

func TestIDsAndLabels(t *testing.T) {
	set := buildTestSet(t)
	assert.Equal(t, []string{"all", "clients", "approvals", "stock", "order_approvals"}, set.IDs())
	assert.Equal(t, "order approvals", set.Categories()[3].Label)
}

func TestCountsExcludeNoise(t *testing.T) {
	set := buildTestSet(t)
	events := []activity.Event{
		makeEvent("1", "update", "client", msg("renamed")),
		makeEvent("2", "update", "client", map[string]any{}),
		makeEvent("3", "approve", "client_order", map[string]any{"actor": "Ana", "action_performed": "approved"}),
		makeEvent("4", "approve", "client", nil),
	}
	counts := set.Counts(events)
	assert.Equal(t, map[string]int{
		"all":             2,
		"clients":         1,
		"approvals":       1,
		"stock":           0,
		"order_approvals": 1,
	}, counts)
}

func TestRenderableIdempotent(t *testing.T) {
	events := []activity.Event{
		makeEvent("1", "update", "client", msg("a")),
		makeEvent("2", "update", "client", nil),
		makeEvent("3", "update", "client", map[string]any{
			"before": map[string]any{"x": 1.0}, "after": map[string]any{"x": 2.0},
		}),
	}
	once := category.Renderable(events)
	twice := category.Renderable(once)
	assert.Equal(t, once, twice)
	require.Len(t, once, 2)
	assert.Equal(t, "1", once[0].ID)
	assert.Equal(t, "3", once[1].ID)
}

func TestApply(t *testing.T) {
	set := buildTestSet(t)
	events := []activity.Event{
		makeEvent("1", "update", "client", msg("a")),
		makeEvent("2", "approve", "client_order", msg("b")),
		makeEvent("3", "insert", "client", msg("c")),
		makeEvent("4", "insert", "client", nil),
	}
	ids := func(evs []activity.Event) []string {
		out := []string{}
		for _, e := range evs {
			out = append(out, e.ID)
		}
		return out
	}

	assert.Equal(t, []string{"1", "2", "3"}, ids(category.Apply(set, events, category.Filter{})))
	assert.Equal(t, []string{"1", "3"}, ids(category.Apply(set, events, category.Filter{Category: "clients"})))

	insert := "insert"
	assert.Equal(t, []string{"3"}, ids(category.Apply(set, events, category.Filter{Action: &insert})))

	assert.Equal(t, []string{"2"}, ids(category.Apply(set, events, category.Filter{Search: "CLIENT_ORD"})))
	assert.Equal(t, []string{"1", "2", "3"}, ids(category.Apply(set, events, category.Filter{Search: "maria"})))
	assert.Equal(t, []string{"3"}, ids(category.Apply(set, events, category.Filter{Search: "target 3"})))
	assert.Empty(t, category.Apply(set, events, category.Filter{Category: "missing"}))
}

func TestBuildRejectsBadExpression(t *testing.T) {
	_, err := category.Build(&config.RulesConfig{
		Version:    "v1",
		Categories: []config.CategoryDef{{ID: "x", Match: "action =="}},
	})
	assert.Error(t, err)
}
