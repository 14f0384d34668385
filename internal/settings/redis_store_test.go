package settings

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestRedisStoreSnapshotMergesLoopOverWorkspace(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Update{
		Scope:       ScopeWorkspace,
		WorkspaceID: "ws-1",
		Settings:    Nest("require-approval", "reviewQueue", "trustMode"),
	}))
	require.NoError(t, store.Upsert(ctx, Update{
		Scope:    ScopeLoop,
		LoopID:   "loop-1",
		Settings: Nest("auto-approve-all", "reviewQueue", "trustMode"),
	}))

	snapshot, err := store.GetSnapshot(ctx, SnapshotQuery{WorkspaceID: "ws-1", LoopID: "loop-1"})
	require.NoError(t, err)
	mode, _ := Lookup(snapshot, "reviewQueue", "trustMode")
	assert.Equal(t, "auto-approve-all", mode)

	snapshot, err = store.GetSnapshot(ctx, SnapshotQuery{WorkspaceID: "ws-1", LoopID: "loop-2"})
	require.NoError(t, err)
	mode, _ = Lookup(snapshot, "reviewQueue", "trustMode")
	assert.Equal(t, "require-approval", mode)
}

func TestRedisStoreUpsertDeepMerges(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, Update{Scope: ScopeLoop, LoopID: "loop-1", Settings: Nest("auto-approve-all", "reviewQueue", "trustMode")}))
	require.NoError(t, store.Upsert(ctx, Update{Scope: ScopeLoop, LoopID: "loop-1", Settings: Nest("2026-01-01T00:00:00.000Z", "reviewQueue", "lastAutoApplyAt")}))

	raw, err := s.Get("settings:loop:loop-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"reviewQueue":{"trustMode":"auto-approve-all","lastAutoApplyAt":"2026-01-01T00:00:00.000Z"}}`, raw)
}

func TestRedisStoreEmptySnapshot(t *testing.T) {
	store, _ := setupTestRedis(t)
	snapshot, err := store.GetSnapshot(context.Background(), SnapshotQuery{LoopID: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, snapshot)
}

func TestRedisStoreCorruptDocument(t *testing.T) {
	store, s := setupTestRedis(t)
	require.NoError(t, s.Set("settings:loop:bad", "{not json"))

	_, err := store.GetSnapshot(context.Background(), SnapshotQuery{LoopID: "bad"})
	assert.Error(t, err)
}

func TestRedisStoreUnreachable(t *testing.T) {
	store, s := setupTestRedis(t)
	s.Close()

	_, err := store.GetSnapshot(context.Background(), SnapshotQuery{LoopID: "loop-1"})
	assert.Error(t, err)
}
