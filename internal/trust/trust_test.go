package trust

import (
	"context"
	"errors"
	"testing"
	"time"

	"forge/api/internal/settings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettings struct {
	snapshot  map[string]any
	getErr    error
	upsertErr error
	updates   []settings.Update
}

func (f *fakeSettings) GetSnapshot(ctx context.Context, q settings.SnapshotQuery) (map[string]any, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.snapshot, nil
}

func (f *fakeSettings) Upsert(ctx context.Context, u settings.Update) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.updates = append(f.updates, u)
	return nil
}

func TestResolveAutoApprove(t *testing.T) {
	store := &fakeSettings{snapshot: map[string]any{
		"reviewQueue": map[string]any{"trustMode": "auto-approve-all", "lastAutoApplyAt": "2026-01-01T00:00:00.000Z"},
	}}
	policy := NewResolver(store, "ws").Resolve(context.Background(), "loop-1")

	assert.Equal(t, Policy{
		TrustMode:        ModeAutoApproveAll,
		AutoApplyEnabled: true,
		LastAutoApplyAt:  "2026-01-01T00:00:00.000Z",
	}, policy)
}

func TestResolveFailsClosed(t *testing.T) {
	cases := map[string]*fakeSettings{
		"read error":   {getErr: errors.New("boom")},
		"missing":      {snapshot: map[string]any{}},
		"unknown mode": {snapshot: settings.Nest("yolo", "reviewQueue", "trustMode")},
		"wrong type":   {snapshot: settings.Nest(true, "reviewQueue", "trustMode")},
		"flat section": {snapshot: map[string]any{"reviewQueue": "auto-approve-all"}},
	}
	for name, store := range cases {
		t.Run(name, func(t *testing.T) {
			policy := NewResolver(store, "").Resolve(context.Background(), "loop-1")
			assert.Equal(t, ModeRequireApproval, policy.TrustMode)
			assert.False(t, policy.AutoApplyEnabled)
		})
	}

	var nilResolver *Resolver
	assert.Equal(t, ModeRequireApproval, nilResolver.Resolve(context.Background(), "x").TrustMode)
}

func TestRecordWritesTimestamp(t *testing.T) {
	store := &fakeSettings{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewResolver(store, "ws").WithClock(func() time.Time { return at })

	require.NoError(t, r.Record(context.Background(), "loop-1"))
	require.Len(t, store.updates, 1)
	assert.Equal(t, settings.ScopeLoop, store.updates[0].Scope)
	assert.Equal(t, "loop-1", store.updates[0].LoopID)
	assert.Equal(t, settings.Nest("2026-03-01T12:00:00.000Z", "reviewQueue", "lastAutoApplyAt"), store.updates[0].Settings)
}

func TestRecordReportsFailure(t *testing.T) {
	store := &fakeSettings{upsertErr: errors.New("down")}
	assert.Error(t, NewResolver(store, "ws").Record(context.Background(), "loop-1"))
}

func TestSetMode(t *testing.T) {
	store := &fakeSettings{}
	r := NewResolver(store, "ws")

	require.NoError(t, r.SetMode(context.Background(), "loop-1", ModeAutoApproveAll))
	require.NoError(t, r.SetMode(context.Background(), "", ModeRequireApproval))
	assert.Error(t, r.SetMode(context.Background(), "loop-1", "sometimes"))

	require.Len(t, store.updates, 2)
	assert.Equal(t, settings.ScopeLoop, store.updates[0].Scope)
	assert.Equal(t, settings.ScopeWorkspace, store.updates[1].Scope)
}

func TestParseMode(t *testing.T) {
	mode, ok := ParseMode(" Auto-Approve-All ")
	assert.True(t, ok)
	assert.Equal(t, ModeAutoApproveAll, mode)
	_, ok = ParseMode("")
	assert.False(t, ok)
}
