package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// watchPollInterval bounds how stale a watcher's view can be. Redis has no
// native lease-watch, so the watcher diffs prefix scans; with the 10 s lease
// TTL a 2 s poll keeps node departure visible well inside 2xTTL.
const watchPollInterval = 2 * time.Second

// RedisRegistry implements Registry on a Redis cluster using TTL'd keys as
// leases and a polling scanner as the watch primitive.
type RedisRegistry struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRegistry connects to Redis and returns a registry client.
// url should be in the format: redis://host:port or redis://:password@host:port
func NewRedisRegistry(url string) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRegistry{
		client: client,
		logger: slog.Default().With("component", "registry", "backend", "redis"),
	}, nil
}

type redisLease struct {
	reg *RedisRegistry
	key string
}

func (l *redisLease) Renew(ctx context.Context, rec NodeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal node record: %w", err)
	}
	if err := l.reg.client.Set(ctx, l.key, data, LeaseTTL).Err(); err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	return nil
}

func (l *redisLease) Revoke(ctx context.Context) error {
	if err := l.reg.client.Del(ctx, l.key).Err(); err != nil {
		return fmt.Errorf("revoke lease: %w", err)
	}
	return nil
}

// Register stores the record under a TTL'd key and returns the lease handle.
func (r *RedisRegistry) Register(ctx context.Context, rec NodeRecord) (Lease, error) {
	lease := &redisLease{reg: r, key: NodePrefix + rec.NodeID}
	if err := lease.Renew(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.Info("registered node", "node_id", rec.NodeID, "addr", rec.Addr)
	return lease, nil
}

// Snapshot returns all live node records under the prefix.
func (r *RedisRegistry) Snapshot(ctx context.Context) ([]NodeRecord, error) {
	keys, err := r.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget node records: %w", err)
	}

	records := make([]NodeRecord, 0, len(keys))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // expired between scan and mget
		}
		var rec NodeRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.logger.Warn("skipping malformed node record", "key", keys[i], "error", err)
			continue
		}
		rec.NodeID = strings.TrimPrefix(keys[i], NodePrefix)
		records = append(records, rec)
	}
	return records, nil
}

// Watch polls the prefix and emits the diff between consecutive snapshots.
func (r *RedisRegistry) Watch(ctx context.Context) (<-chan Event, error) {
	events := make(chan Event, 64)

	go func() {
		defer close(events)

		known := make(map[string]NodeRecord)
		ticker := time.NewTicker(watchPollInterval)
		defer ticker.Stop()

		for {
			snapshot, err := r.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("registry snapshot failed", "error", err)
			} else {
				r.diff(ctx, known, snapshot, events)
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return events, nil
}

func (r *RedisRegistry) diff(ctx context.Context, known map[string]NodeRecord, snapshot []NodeRecord, events chan<- Event) {
	seen := make(map[string]bool, len(snapshot))
	for _, rec := range snapshot {
		seen[rec.NodeID] = true
		if prev, ok := known[rec.NodeID]; !ok || prev != rec {
			known[rec.NodeID] = rec
			select {
			case events <- Event{Kind: EventPut, NodeID: rec.NodeID, Record: rec}:
			case <-ctx.Done():
				return
			}
		}
	}

	for id := range known {
		if !seen[id] {
			delete(known, id)
			select {
			case events <- Event{Kind: EventDelete, NodeID: id}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (r *RedisRegistry) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, NodePrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan node prefix: %w", err)
	}
	return keys, nil
}

// Close closes the underlying Redis client.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
