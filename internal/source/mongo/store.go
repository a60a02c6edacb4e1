// Package mongo is an event log backed by MongoDB. Live inserts come from a
// change stream, so the deployment must be a replica set.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/gyaneshwarpardhi/activityfeed/internal/activity"
	"github.com/gyaneshwarpardhi/activityfeed/internal/attrs"
	"github.com/gyaneshwarpardhi/activityfeed/internal/scope"
	"github.com/gyaneshwarpardhi/activityfeed/internal/source"
)

const (
	eventsCollection = "events"
	teamsCollection  = "teams"
	actorsCollection = "actors"
)

type eventDoc struct {
	ID          string    `bson:"_id"`
	OccurredAt  time.Time `bson:"occurred_at"`
	ActorID     string    `bson:"actor_id,omitempty"`
	ActorRole   string    `bson:"actor_role,omitempty"`
	PerformedBy string    `bson:"performed_by,omitempty"`
	Action      string    `bson:"action"`
	TargetType  string    `bson:"target_type"`
	TargetID    string    `bson:"target_id,omitempty"`
	TargetLabel string    `bson:"target_label,omitempty"`
	ActorLabel  string    `bson:"actor_label,omitempty"`
	// Details stays raw so a non-document payload decodes as noise
	// instead of failing the whole query.
	Details bson.RawValue `bson:"details"`
}

type teamDoc struct {
	LeadID   string   `bson:"_id"`
	AgentIDs []string `bson:"agent_ids"`
}

type actorDoc struct {
	ID       string `bson:"_id"`
	Position string `bson:"position,omitempty"`
}

type changeDoc struct {
	FullDocument eventDoc `bson:"fullDocument"`
}

// Store implements source.Source and source.Appender.
type Store struct {
	client *mongo.Client
	events *mongo.Collection
	teams  *mongo.Collection
	actors *mongo.Collection
}

var (
	_ source.Source   = (*Store)(nil)
	_ source.Appender = (*Store)(nil)
)

// Open connects to uri and uses database db.
func Open(ctx context.Context, uri, db string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{
		client: client,
		events: client.Database(db).Collection(eventsCollection),
		teams:  client.Database(db).Collection(teamsCollection),
		actors: client.Database(db).Collection(actorsCollection),
	}
	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "occurred_at", Value: -1}}},
		{Keys: bson.D{{Key: "actor_id", Value: 1}, {Key: "occurred_at", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create indexes: %w", err)
	}
	return s, nil
}

// Append upserts ev by id.
func (s *Store) Append(ctx context.Context, ev activity.Event) error {
	details, err := detailsValue(ev.Details.Raw())
	if err != nil {
		return fmt.Errorf("marshal details %s: %w", ev.ID, err)
	}
	doc := eventDoc{
		ID:          ev.ID,
		OccurredAt:  ev.OccurredAt.UTC(),
		ActorID:     ev.ActorID,
		ActorRole:   string(ev.ActorRole),
		PerformedBy: ev.PerformedBy,
		Action:      ev.Action,
		TargetType:  ev.TargetType,
		TargetID:    ev.TargetID,
		TargetLabel: ev.TargetLabel,
		ActorLabel:  ev.ActorLabel,
		Details:     details,
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.events.ReplaceOne(ctx, bson.M{"_id": ev.ID}, doc, opts); err != nil {
		return fmt.Errorf("upsert event %s: %w", ev.ID, err)
	}
	return nil
}

// QueryEvents implements source.Query.
func (s *Store) QueryEvents(ctx context.Context, sc *scope.Scope, limit int) ([]activity.Event, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := s.events.Find(ctx, scopeFilter(sc), opts)
	if err != nil {
		return nil, fmt.Errorf("find events: %w", err)
	}
	defer cursor.Close(ctx)

	var out []activity.Event
	for cursor.Next(ctx) {
		var doc eventDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, doc.toEvent())
	}
	return out, cursor.Err()
}

// scopeFilter mirrors scope.Matches. Payload refs may have been written as
// numbers, so numeric ids are matched in both forms.
func scopeFilter(sc *scope.Scope) bson.M {
	if sc.Unrestricted() {
		return bson.M{}
	}
	var or bson.A
	if actors := sc.Actors(); len(actors) > 0 {
		or = append(or, bson.M{"actor_id": bson.M{"$in": actors}})
	}
	if refs := sc.AgentRefs(); len(refs) > 0 {
		or = append(or, bson.M{"details.agent_id": bson.M{"$in": withNumeric(refs)}})
	}
	if lead := sc.LeaderRef(); lead != "" {
		or = append(or, bson.M{"details.leader_id": bson.M{"$in": withNumeric([]string{lead})}})
	}
	if len(or) == 0 {
		return bson.M{"_id": bson.M{"$exists": false}}
	}
	return bson.M{"$or": or}
}

func withNumeric(ids []string) bson.A {
	out := make(bson.A, 0, len(ids)*2)
	for _, id := range ids {
		out = append(out, id)
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func (d eventDoc) toEvent() activity.Event {
	return activity.Event{
		ID:          d.ID,
		OccurredAt:  d.OccurredAt.UTC(),
		ActorID:     d.ActorID,
		ActorRole:   activity.Role(d.ActorRole),
		PerformedBy: d.PerformedBy,
		Action:      d.Action,
		TargetType:  d.TargetType,
		TargetID:    d.TargetID,
		TargetLabel: d.TargetLabel,
		ActorLabel:  d.ActorLabel,
		Details:     activity.ParseDetails(decodeDetails(d.Details)),
	}
}

func detailsValue(raw map[string]any) (bson.RawValue, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	t, data, err := bson.MarshalValue(bson.M(raw))
	if err != nil {
		return bson.RawValue{}, err
	}
	return bson.RawValue{Type: t, Value: data}, nil
}

// decodeDetails returns nil for anything but an embedded document.
func decodeDetails(v bson.RawValue) map[string]any {
	if v.Type != bson.TypeEmbeddedDocument {
		return nil
	}
	var m bson.M
	if err := v.Unmarshal(&m); err != nil {
		return nil
	}
	raw, _ := normalize(m).(map[string]any)
	return raw
}

// normalize converts decoded BSON into the plain shapes JSON decoding yields,
// so payload classification behaves the same for every backend.
func normalize(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(t))
		for _, e := range t {
			out[e.Key] = normalize(e.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case primitive.DateTime:
		return t.Time().UTC().Format(time.RFC3339Nano)
	case primitive.ObjectID:
		return t.Hex()
	}
	return v
}

// ResolveTeam implements scope.TeamResolver. An unknown lead has no team.
func (s *Store) ResolveTeam(ctx context.Context, leadID string) ([]string, error) {
	var doc teamDoc
	err := s.teams.FindOne(ctx, bson.M{"_id": leadID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find team %s: %w", leadID, err)
	}
	return doc.AgentIDs, nil
}

// FetchAttributes implements attrs.Fetcher.
func (s *Store) FetchAttributes(ctx context.Context, ids []string) (map[string]attrs.Attribute, error) {
	out := make(map[string]attrs.Attribute, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cursor, err := s.actors.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("find actors: %w", err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var doc actorDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode actor: %w", err)
		}
		out[doc.ID] = attrs.Attribute{Position: doc.Position}
	}
	return out, cursor.Err()
}

// PutTeamMember adds agentID to leadID's team.
func (s *Store) PutTeamMember(ctx context.Context, leadID, agentID string) error {
	_, err := s.teams.UpdateOne(ctx,
		bson.M{"_id": leadID},
		bson.M{"$addToSet": bson.M{"agent_ids": agentID}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("update team %s: %w", leadID, err)
	}
	return nil
}

// PutActor records an actor's position.
func (s *Store) PutActor(ctx context.Context, id, position string) error {
	_, err := s.actors.ReplaceOne(ctx, bson.M{"_id": id}, actorDoc{ID: id, Position: position},
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert actor %s: %w", id, err)
	}
	return nil
}

// SubscribeInserts opens a change stream over the events collection.
// Replacements are delivered too so edited payloads reach live feeds.
func (s *Store) SubscribeInserts(ctx context.Context) (*source.Subscription, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "replace"}}}}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	stream, err := s.events.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("watch events: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	events := make(chan activity.Event, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)
		defer stream.Close(context.Background())

		for stream.Next(streamCtx) {
			var change changeDoc
			if err := stream.Decode(&change); err != nil {
				slog.Warn("skipping undecodable change", "err", err)
				continue
			}
			select {
			case events <- change.FullDocument.toEvent():
			case <-streamCtx.Done():
				return
			}
		}
		if streamCtx.Err() != nil {
			return
		}
		err := stream.Err()
		if err == nil {
			err = source.ErrClosed
		}
		errs <- fmt.Errorf("change stream: %w", err)
	}()

	return source.NewSubscription(events, errs, cancel), nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
