package attrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisFetcher fronts another Fetcher with a shared redis tier so feeds on
// different instances do not refetch the same actors. Redis errors fall
// through to the inner fetcher.
type RedisFetcher struct {
	client *redis.Client
	inner  Fetcher
	prefix string
	ttl    time.Duration
}

// RedisOptions configures RedisFetcher.
type RedisOptions struct {
	// URL is the redis connection URL (e.g. redis://localhost:6379/0).
	URL    string
	Prefix string
	TTL    time.Duration
	// ConnectTimeout bounds the startup ping.
	ConnectTimeout time.Duration
}

// NewRedisFetcher connects to redis and wraps inner.
func NewRedisFetcher(opts RedisOptions, inner Fetcher) (*RedisFetcher, error) {
	if opts.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	ropts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	client := redis.NewClient(ropts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisFetcherWithClient(client, opts.Prefix, opts.TTL, inner), nil
}

// NewRedisFetcherWithClient wraps an existing client.
func NewRedisFetcherWithClient(client *redis.Client, prefix string, ttl time.Duration, inner Fetcher) *RedisFetcher {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisFetcher{client: client, inner: inner, prefix: prefix, ttl: ttl}
}

func (r *RedisFetcher) key(id string) string {
	return r.prefix + id
}

// FetchAttributes implements Fetcher.
func (r *RedisFetcher) FetchAttributes(ctx context.Context, ids []string) (map[string]Attribute, error) {
	out := make(map[string]Attribute, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	misses := ids
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("attribute cache read failed", "err", err)
	} else {
		misses = nil
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				misses = append(misses, ids[i])
				continue
			}
			var a cachedAttribute
			if err := json.Unmarshal([]byte(s), &a); err != nil {
				misses = append(misses, ids[i])
				continue
			}
			if a.Found {
				out[ids[i]] = a.Attribute
			}
		}
	}
	if len(misses) == 0 {
		return out, nil
	}

	found, err := r.inner.FetchAttributes(ctx, misses)
	if err != nil {
		return out, err
	}
	pipe := r.client.Pipeline()
	for _, id := range misses {
		a, ok := found[id]
		if ok {
			out[id] = a
		}
		data, _ := json.Marshal(cachedAttribute{Attribute: a, Found: ok})
		pipe.Set(ctx, r.key(id), data, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("attribute cache write failed", "err", err)
	}
	return out, nil
}

// cachedAttribute also records negative lookups.
type cachedAttribute struct {
	Attribute
	Found bool `json:"found"`
}

// Close releases the redis client.
func (r *RedisFetcher) Close() error {
	return r.client.Close()
}
