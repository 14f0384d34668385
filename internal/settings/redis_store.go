package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one JSON document per scope under settings:<scope>:<id>.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "settings:",
	}
}

func (s *RedisStore) key(scope Scope, id string) string {
	return s.prefix + string(scope) + ":" + id
}

// GetSnapshot merges the workspace document and then the loop document.
func (s *RedisStore) GetSnapshot(ctx context.Context, q SnapshotQuery) (map[string]any, error) {
	snapshot := map[string]any{}
	layers := []struct {
		scope Scope
		id    string
	}{
		{ScopeWorkspace, q.WorkspaceID},
		{ScopeLoop, q.LoopID},
	}
	for _, layer := range layers {
		if layer.id == "" {
			continue
		}
		doc, err := s.read(ctx, s.client, s.key(layer.scope, layer.id))
		if err != nil {
			return nil, err
		}
		snapshot = Merge(snapshot, doc)
	}
	return snapshot, nil
}

// Upsert deep-merges the update into the stored document. The read-merge-write
// runs under WATCH so a concurrent writer causes a retry instead of a lost
// update.
func (s *RedisStore) Upsert(ctx context.Context, u Update) error {
	u, err := u.Normalize()
	if err != nil {
		return err
	}
	key := s.key(u.Scope, u.ScopeID)

	txf := func(tx *redis.Tx) error {
		current, err := s.read(ctx, tx, key)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(Merge(current, u.Settings))
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("upsert settings %s: %w", key, err)
	}
	return nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, key string) (map[string]any, error) {
	raw, err := c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings %s: %w", key, err)
	}
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode settings %s: %w", key, err)
	}
	return doc, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
