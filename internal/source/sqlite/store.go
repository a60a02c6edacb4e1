// Package sqlite is an event log backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/attrs"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source"
)

// Store implements source.Source and source.Appender. Inserts made through
// Append are published to live subscribers in-process.
type Store struct {
	db     *sql.DB
	broker *source.Broker
}

var (
	_ source.Source   = (*Store)(nil)
	_ source.Appender = (*Store)(nil)
)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLite lock contention out of the request path.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	s := &Store{db: db, broker: source.NewBroker(256)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			occurred_at INTEGER NOT NULL,
			actor_id TEXT NOT NULL DEFAULT '',
			actor_role TEXT NOT NULL DEFAULT '',
			performed_by TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL DEFAULT '',
			target_label TEXT NOT NULL DEFAULT '',
			actor_label TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS team_members (
			lead_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			PRIMARY KEY (lead_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS actors (
			id TEXT PRIMARY KEY,
			position TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_occurred ON events(occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_events_actor ON events(actor_id, occurred_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Append writes ev and publishes it to subscribers. Re-appending an id
// overwrites the stored payload.
func (s *Store) Append(ctx context.Context, ev activity.Event) error {
	details, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events
		(id, occurred_at, actor_id, actor_role, performed_by, action, target_type, target_id, target_label, actor_label, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			occurred_at = excluded.occurred_at,
			actor_id = excluded.actor_id,
			actor_role = excluded.actor_role,
			performed_by = excluded.performed_by,
			action = excluded.action,
			target_type = excluded.target_type,
			target_id = excluded.target_id,
			target_label = excluded.target_label,
			actor_label = excluded.actor_label,
			details = excluded.details`,
		ev.ID, ev.OccurredAt.UnixNano(), ev.ActorID, string(ev.ActorRole), ev.PerformedBy,
		ev.Action, ev.TargetType, ev.TargetID, ev.TargetLabel, ev.ActorLabel, string(details))
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	s.broker.Publish(ev)
	return nil
}

// QueryEvents implements source.Query.
func (s *Store) QueryEvents(ctx context.Context, sc *scope.Scope, limit int) ([]activity.Event, error) {
	where, args := scopeClause(sc)
	query := `SELECT id, occurred_at, actor_id, actor_role, performed_by, action, target_type,
		target_id, target_label, actor_label, details FROM events` + where +
		` ORDER BY occurred_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []activity.Event
	for rows.Next() {
		var (
			ev      activity.Event
			at      int64
			role    string
			details string
		)
		if err := rows.Scan(&ev.ID, &at, &ev.ActorID, &role, &ev.PerformedBy, &ev.Action, &ev.TargetType,
			&ev.TargetID, &ev.TargetLabel, &ev.ActorLabel, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.OccurredAt = time.Unix(0, at).UTC()
		ev.ActorRole = activity.Role(role)
		var raw map[string]any
		if err := json.Unmarshal([]byte(details), &raw); err != nil {
			raw = nil // unparsable payloads are dropped later as noise
		}
		ev.Details = activity.ParseDetails(raw)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// scopeClause translates a scope into a WHERE clause. Payload references
// are compared as text so numeric ids match their string form. Rows with
// malformed details never match a payload reference.
func scopeClause(sc *scope.Scope) (string, []any) {
	if sc.Unrestricted() {
		return "", nil
	}
	var (
		parts []string
		args  []any
	)
	if actors := sc.Actors(); len(actors) > 0 {
		parts = append(parts, "actor_id IN ("+placeholders(len(actors))+")")
		for _, a := range actors {
			args = append(args, a)
		}
	}
	if refs := sc.AgentRefs(); len(refs) > 0 {
		parts = append(parts, "CAST(CASE WHEN json_valid(details) THEN json_extract(details, '$.agent_id') END AS TEXT) IN ("+placeholders(len(refs))+")")
		for _, r := range refs {
			args = append(args, r)
		}
	}
	if lead := sc.LeaderRef(); lead != "" {
		parts = append(parts, "CAST(CASE WHEN json_valid(details) THEN json_extract(details, '$.leader_id') END AS TEXT) = ?")
		args = append(args, lead)
	}
	if len(parts) == 0 {
		return " WHERE 0", nil
	}
	return " WHERE " + strings.Join(parts, " OR "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// ResolveTeam implements scope.TeamResolver.
func (s *Store) ResolveTeam(ctx context.Context, leadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM team_members WHERE lead_id = ? ORDER BY agent_id`, leadID)
	if err != nil {
		return nil, fmt.Errorf("query team %s: %w", leadID, err)
	}
	defer rows.Close()
	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

// FetchAttributes implements attrs.Fetcher.
func (s *Store) FetchAttributes(ctx context.Context, ids []string) (map[string]attrs.Attribute, error) {
	out := make(map[string]attrs.Attribute, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, position FROM actors WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query actors: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id       string
			position sql.NullString
		)
		if err := rows.Scan(&id, &position); err != nil {
			return nil, fmt.Errorf("scan actor: %w", err)
		}
		out[id] = attrs.Attribute{Position: position.String}
	}
	return out, rows.Err()
}

// SubscribeInserts implements source.Subscriber.
func (s *Store) SubscribeInserts(context.Context) (*source.Subscription, error) {
	return s.broker.Subscribe()
}

// PutTeamMember records that agentID reports to leadID.
func (s *Store) PutTeamMember(ctx context.Context, leadID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO team_members (lead_id, agent_id) VALUES (?, ?)`, leadID, agentID)
	if err != nil {
		return fmt.Errorf("insert team member: %w", err)
	}
	return nil
}

// PutActor records an actor's position.
func (s *Store) PutActor(ctx context.Context, id, position string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO actors (id, position) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET position = excluded.position`, id, position)
	if err != nil {
		return fmt.Errorf("upsert actor: %w", err)
	}
	return nil
}

// Close ends live subscriptions and closes the database.
func (s *Store) Close() error {
	s.broker.Close()
	return s.db.Close()
}
