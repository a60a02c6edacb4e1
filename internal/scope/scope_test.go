package scope_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
)

type teamFunc func(ctx context.Context, leadID string) ([]string, error)

func (f teamFunc) ResolveTeam(ctx context.Context, leadID string) ([]string, error) {
	return f(ctx, leadID)
}

func staticTeam(agents ...string) teamFunc {
	return func(context.Context, string) ([]string, error) { return agents, nil }
}

func ev(actor string, details map[string]any) *activity.Event {
	return &activity.Event{ActorID: actor, Details: activity.ParseDetails(details)}
}

func TestContributorScope(t *testing.T) {
	s, err := scope.Resolve(context.Background(), scope.Viewer{ID: "v", Role: activity.RoleSalesAgent}, nil, scope.DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, 200, s.Limit())
	assert.False(t, s.Unrestricted())

	assert.True(t, s.Matches(ev("v", nil)))
	assert.True(t, s.Matches(ev("lead", map[string]any{"agent_id": "v"})))
	assert.False(t, s.Matches(ev("other", nil)))
	assert.False(t, s.Matches(ev("other", map[string]any{"agent_id": "someone"})))
	assert.False(t, s.Matches(ev("other", map[string]any{"leader_id": "v"})), "contributors are not matched as leader")
	assert.False(t, s.Matches(ev("", nil)))
}

func TestLeadScope(t *testing.T) {
	s, err := scope.Resolve(context.Background(), scope.Viewer{ID: "L", Role: activity.RoleLeader},
		staticTeam("a2", "a1", "a1", "L", ""), scope.DefaultLimits)
	require.NoError(t, err)
	assert.Equal(t, 500, s.Limit())
	assert.Equal(t, []string{"a1", "a2"}, s.ManagedAgents())
	assert.Equal(t, []string{"L", "a1", "a2"}, s.Actors())
	assert.Equal(t, []string{"a1", "a2"}, s.AgentRefs())
	assert.Equal(t, "L", s.LeaderRef())

	assert.True(t, s.Matches(ev("L", nil)))
	assert.True(t, s.Matches(ev("a1", nil)))
	assert.True(t, s.Matches(ev("admin", map[string]any{"leader_id": "L"})))
	assert.True(t, s.Matches(ev("admin", map[string]any{"agent_id": "a2"})))
	assert.False(t, s.Matches(ev("a9", map[string]any{"agent_id": "a9", "leader_id": "L2"})))
}

func TestLeadScopeFailsClosed(t *testing.T) {
	boom := errors.New("directory down")
	s, err := scope.Resolve(context.Background(), scope.Viewer{ID: "L", Role: activity.RoleLeader},
		teamFunc(func(context.Context, string) ([]string, error) { return nil, boom }), scope.DefaultLimits)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, scope.ErrScopeUnavailable)
}

func TestAdminScope(t *testing.T) {
	s, err := scope.Resolve(context.Background(), scope.Viewer{ID: "root", Role: activity.RoleAdmin}, nil, scope.DefaultLimits)
	require.NoError(t, err)
	assert.True(t, s.Unrestricted())
	assert.True(t, s.Matches(ev("anyone", nil)))
}

func TestUnsupportedViewer(t *testing.T) {
	_, err := scope.Resolve(context.Background(), scope.Viewer{ID: "x", Role: activity.RoleSystem}, nil, scope.DefaultLimits)
	assert.ErrorIs(t, err, scope.ErrScopeUnavailable)

	_, err = scope.Resolve(context.Background(), scope.Viewer{Role: activity.RoleSalesAgent}, nil, scope.DefaultLimits)
	assert.ErrorIs(t, err, scope.ErrScopeUnavailable)
}
