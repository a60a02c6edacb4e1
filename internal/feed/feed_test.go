package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/attrs"
	"github.com/gyaneshwarpardhi/activityfeed/internal/category"
	"github.com/gyaneshwarpardhi/activityfeed/internal/config"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source"
)

type fakeSource struct {
	mu        sync.Mutex
	events    []activity.Event
	teams     map[string][]string
	teamErr   error
	queryErr  error
	subErr    error
	lax       bool // ignore scope, like a misbehaving backend
	positions map[string]string
	attrCalls [][]string
	broker    *source.Broker
	onQuery   func() // runs at the start of each query, outside the lock
}

func newFakeSource(events ...activity.Event) *fakeSource {
	return &fakeSource{
		events:    events,
		teams:     map[string][]string{},
		positions: map[string]string{},
		broker:    source.NewBroker(16),
	}
}

func (s *fakeSource) QueryEvents(_ context.Context, sc *scope.Scope, limit int) ([]activity.Event, error) {
	s.mu.Lock()
	hook := s.onQuery
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []activity.Event
	for _, ev := range s.events {
		if len(out) == limit {
			break
		}
		if s.lax || sc.Matches(&ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeSource) ResolveTeam(_ context.Context, lead string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.teamErr != nil {
		return nil, s.teamErr
	}
	return s.teams[lead], nil
}

func (s *fakeSource) FetchAttributes(_ context.Context, ids []string) (map[string]attrs.Attribute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrCalls = append(s.attrCalls, append([]string(nil), ids...))
	out := map[string]attrs.Attribute{}
	for _, id := range ids {
		if p, ok := s.positions[id]; ok {
			out[id] = attrs.Attribute{Position: p}
		}
	}
	return out, nil
}

func (s *fakeSource) SubscribeInserts(context.Context) (*source.Subscription, error) {
	if s.subErr != nil {
		return nil, s.subErr
	}
	return s.broker.Subscribe()
}

func (s *fakeSource) Close() error {
	s.broker.Close()
	return nil
}

func (s *fakeSource) set(fn func(*fakeSource)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

var base = time.Date(2026, 4, 7, 10, 0, 0, 0, time.UTC)

func event(id, actor string, minute int, action string) activity.Event {
	return activity.Event{
		ID:         id,
		OccurredAt: base.Add(time.Duration(minute) * time.Minute),
		ActorID:    actor,
		ActorRole:  activity.RoleSalesAgent,
		Action:     action,
		TargetType: "client",
		Details:    activity.MessageDetails(action + " " + id),
	}
}

func deps(src *fakeSource) Deps {
	return Deps{Source: src, Conf: config.FeedConf{PageSize: 10}}
}

func sessionIDs(r PageResult) []string {
	out := make([]string, len(r.Sessions))
	for i, s := range r.Sessions {
		out[i] = s.GroupID
	}
	return out
}

func eventIDs(events []activity.Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func agent(id string) scope.Viewer { return scope.Viewer{ID: id, Role: activity.RoleSalesAgent} }

func TestOpenContributorFeed(t *testing.T) {
	src := newFakeSource(
		event("e3", "a1", 9, "insert"),
		event("e2", "a1", 3, "update"),
		event("x", "other", 2, "update"),
		event("e1", "a1", 0, "update"),
	)
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	st := f.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Equal(t, 3, st.Stored)
	assert.Equal(t, 200, st.Capacity)

	res := f.Page(1)
	assert.Equal(t, []string{"e3", "e2"}, sessionIDs(res))
	assert.Equal(t, 2, res.TotalSessions)
	assert.Equal(t, 1, res.TotalPages)
	assert.Equal(t, "2 updates", res.Sessions[1].Summary)
}

func TestScopeSoundnessAgainstLaxSource(t *testing.T) {
	payloadRef := event("ref", "admin", 5, "assign")
	payloadRef.Details = activity.ParseDetails(map[string]any{"message": "assigned", "agent_id": "a1"})
	src := newFakeSource(
		event("own", "a1", 6, "update"),
		payloadRef,
		event("leak", "stranger", 4, "update"),
	)
	src.lax = true

	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	for _, s := range f.Page(1).Sessions {
		for _, ev := range s.Events {
			ok := ev.ActorID == "a1" || ev.AgentRef() == "a1"
			assert.True(t, ok, "event %s is outside the viewer's scope", ev.ID)
		}
	}
	assert.Equal(t, 2, f.Status().Stored)
}

func TestScopeUnavailableFailsClosed(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	src.teamErr = errors.New("directory down")
	lead := scope.Viewer{ID: "lead", Role: activity.RoleLeader}

	f, err := Open(context.Background(), deps(src), lead)
	require.ErrorIs(t, err, scope.ErrScopeUnavailable)
	require.NotNil(t, f)
	defer f.Close()

	assert.Equal(t, StateScopeUnavailable, f.Status().State)
	assert.Empty(t, f.Page(1).Sessions)
	assert.Equal(t, 0, f.Counts()[category.All])
	assert.Equal(t, 0, src.broker.Len(), "no live subscription without a scope")

	src.set(func(s *fakeSource) {
		s.teamErr = nil
		s.teams["lead"] = []string{"a1"}
	})
	require.NoError(t, f.Backfill(context.Background()))
	assert.Equal(t, StateReady, f.Status().State)
	assert.Equal(t, []string{"e1"}, sessionIDs(f.Page(1)))
}

func TestNoiseExcludedFromCountsAndGroups(t *testing.T) {
	noise := event("noise", "a1", 2, "update")
	noise.Details = activity.ParseDetails(map[string]any{})
	src := newFakeSource(noise, event("ok", "a1", 1, "update"))

	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	for tag, n := range f.Counts() {
		assert.LessOrEqual(t, n, 1, "category %s counts noise", tag)
	}
	assert.Equal(t, 1, f.Counts()[category.All])
	res := f.Page(1)
	require.Len(t, res.Sessions, 1)
	assert.Equal(t, 1, res.Sessions[0].EventCount())
	assert.Equal(t, "ok", res.Sessions[0].Events[0].ID)
}

func TestLiveOutOfScopeIgnored(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	f.mergeLive(event("stranger", "zz", 9, "update"))
	assert.Equal(t, 1, f.Status().Stored)
	assert.Equal(t, []string{"e1"}, sessionIDs(f.Page(1)))
}

func TestLiveBeforeBackfillDiscarded(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	f := newFeed(deps(src), agent("a1"))
	defer f.Close()

	_, err := f.connect(context.Background())
	require.NoError(t, err)
	f.mergeLive(event("early", "a1", 20, "update"))
	assert.Equal(t, StateLoading, f.Status().State)

	require.NoError(t, f.Backfill(context.Background()))
	assert.Equal(t, []string{"e1"}, sessionIDs(f.Page(1)), "early event is not replayed")
}

func TestLiveInsertReachesConsumer(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	changes, cancel := f.Changes()
	defer cancel()

	src.broker.Publish(event("e2", "a1", 30, "insert"))
	select {
	case <-changes:
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
	assert.Equal(t, []string{"e2", "e1"}, sessionIDs(f.Page(1)))

	// Redelivery of a known id updates in place.
	edited := event("e1", "a1", 0, "update")
	edited.Details = activity.MessageDetails("edited")
	src.broker.Publish(edited)
	require.Eventually(t, func() bool {
		res := f.Page(1)
		return len(res.Sessions) == 2 && res.Sessions[1].Summary == "edited"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, f.Status().Stored)
}

func TestLateLiveEventGroupsByOccurrence(t *testing.T) {
	src := newFakeSource(event("e9", "a1", 9, "update"), event("e5", "a1", 5, "update"))
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	// Arrives last but happened first.
	f.mergeLive(event("e2", "a1", 2, "update"))

	res := f.Page(1)
	require.Len(t, res.Sessions, 2)
	assert.Equal(t, "e9", res.Sessions[0].GroupID)
	assert.Equal(t, []string{"e9", "e5"}, eventIDs(res.Sessions[0].Events))
	assert.Equal(t, "e2", res.Sessions[1].GroupID)
	assert.Equal(t, []string{"e2"}, eventIDs(res.Sessions[1].Events))
}

func TestRefreshKeepsLiveEventsMergedDuringQuery(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	src.set(func(s *fakeSource) {
		s.onQuery = func() { f.mergeLive(event("live", "a1", 20, "insert")) }
	})
	require.NoError(t, f.Backfill(context.Background()))

	assert.Equal(t, 2, f.Status().Stored)
	assert.Equal(t, []string{"live", "e1"}, sessionIDs(f.Page(1)))
}

func TestFailedAsyncFetchKeepsPartialResults(t *testing.T) {
	f := newFeed(deps(newFakeSource()), agent("a1"))
	f.pending["a1"] = struct{}{}
	f.pending["a2"] = struct{}{}

	f.applyAttributes([]string{"a1", "a2"},
		map[string]attrs.Attribute{"a1": {Position: "leader"}},
		errors.New("inner fetch failed"))

	a1, ok := f.cache.Get("a1")
	require.True(t, ok)
	assert.Equal(t, "leader", a1.Position)
	a2, ok := f.cache.Get("a2")
	require.True(t, ok, "failed ids are remembered")
	assert.Empty(t, a2.Position)
	assert.Empty(t, f.pending)
}

func TestBackfillFailureKeepsStoreUninitialized(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	src.queryErr = errors.New("timeout")

	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.Error(t, err)
	defer f.Close()

	st := f.Status()
	assert.Equal(t, StateBackfillFailed, st.State)
	assert.Contains(t, st.LastError, "timeout")

	f.mergeLive(event("live", "a1", 5, "update"))
	assert.Equal(t, 0, f.Status().Stored, "live events are discarded until a backfill succeeds")

	src.set(func(s *fakeSource) { s.queryErr = nil })
	require.NoError(t, f.Backfill(context.Background()))
	st = f.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Empty(t, st.LastError)
	assert.Equal(t, []string{"e1"}, sessionIDs(f.Page(1)))
}

func TestFailedRefreshKeepsPreviousContents(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	src.set(func(s *fakeSource) { s.queryErr = errors.New("boom") })
	require.Error(t, f.Backfill(context.Background()))
	assert.Equal(t, StateReady, f.Status().State)
	assert.Equal(t, 1, f.Status().Stored)
}

func TestLiveFailureMarksDegraded(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	src.broker.Close()
	require.Eventually(t, func() bool { return f.Status().Degraded }, time.Second, 5*time.Millisecond)
	st := f.Status()
	assert.Equal(t, StateReady, st.State)
	assert.Contains(t, st.LastError, source.ErrClosed.Error())
	assert.Equal(t, []string{"e1"}, sessionIDs(f.Page(1)), "content stays visible")
}

func TestSubscribeFailureStillBackfills(t *testing.T) {
	src := newFakeSource(event("e1", "a1", 0, "update"))
	src.subErr = errors.New("no change streams")
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	st := f.Status()
	assert.True(t, st.Degraded)
	assert.Equal(t, StateReady, st.State)
}

func TestPagination(t *testing.T) {
	// 23 actors → 23 sessions.
	var events []activity.Event
	for i := 0; i < 23; i++ {
		events = append(events, event(fmt.Sprintf("e%02d", i), "a1", -i*10, "update"))
	}
	src := newFakeSource(events...)
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	var all []string
	for n, want := range []int{10, 10, 3} {
		res := f.Page(n + 1)
		assert.Len(t, res.Sessions, want)
		assert.Equal(t, 3, res.TotalPages)
		assert.Equal(t, 23, res.TotalSessions)
		all = append(all, sessionIDs(res)...)
	}
	assert.Len(t, all, 23)
	assert.Empty(t, f.Page(4).Sessions)
}

func TestFiltersResetPage(t *testing.T) {
	order := event("o1", "a1", 2, "approve")
	order.TargetType = "client_order"
	src := newFakeSource(order, event("c1", "a1", -10, "update"))
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	f.Page(3)
	assert.Equal(t, 3, f.Status().Page)

	require.NoError(t, f.SetCategory("orders"))
	assert.Equal(t, 1, f.Status().Page)
	assert.Equal(t, []string{"o1"}, sessionIDs(f.Page(0)))

	require.ErrorIs(t, f.SetCategory("nope"), ErrUnknownCategory)

	require.NoError(t, f.SetCategory(category.All))
	f.SetSearch("CLIENT_ORDER")
	assert.Equal(t, []string{"o1"}, sessionIDs(f.Page(1)))

	f.SetSearch("")
	action := "update"
	f.SetActionFilter(&action)
	action = "mutated after the call"
	assert.Equal(t, []string{"c1"}, sessionIDs(f.Page(1)))

	f.SetActionFilter(nil)
	assert.Len(t, f.Page(1).Sessions, 2)

	assert.Equal(t, 2, f.Counts()[category.All], "counts ignore the active filter")
}

func TestSessionDetailRoles(t *testing.T) {
	src := newFakeSource(
		event("e2", "a1", 1, "update"),
		event("e1", "a1", 0, "update"),
	)
	src.positions["a1"] = "Sales Agent/Leader"
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)
	defer f.Close()

	d, err := f.Session("e2")
	require.NoError(t, err)
	assert.Equal(t, activity.RoleLeader, d.DisplayRole)
	require.Len(t, d.Events, 2)
	for _, ev := range d.Events {
		assert.Equal(t, activity.RoleLeader, ev.DisplayRole)
		assert.Contains(t, ev.Categories, category.All)
	}

	_, err = f.Session("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestCloseIsIdempotent(t *testing.T) {
	src := newFakeSource()
	f, err := Open(context.Background(), deps(src), agent("a1"))
	require.NoError(t, err)

	changes, cancel := f.Changes()
	f.Close()
	f.Close()
	cancel()

	_, open := <-changes
	assert.False(t, open)
	assert.Equal(t, StateClosed, f.Status().State)
	require.Eventually(t, func() bool { return src.broker.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, f.Backfill(context.Background()), ErrClosed)
}
