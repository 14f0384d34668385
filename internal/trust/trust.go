// Package trust resolves whether queued proposals for a loop may be applied
// without a human approval.
package trust

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forge/api/internal/proposal"
	"forge/api/internal/settings"

	"github.com/rs/zerolog/log"
)

type Mode string

const (
	ModeRequireApproval Mode = "require-approval"
	ModeAutoApproveAll  Mode = "auto-approve-all"
)

const (
	settingsSection    = "reviewQueue"
	keyTrustMode       = "trustMode"
	keyLastAutoApplyAt = "lastAutoApplyAt"
)

// ParseMode accepts the two known modes, case-insensitively.
func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeRequireApproval:
		return ModeRequireApproval, true
	case ModeAutoApproveAll:
		return ModeAutoApproveAll, true
	default:
		return "", false
	}
}

type Policy struct {
	TrustMode        Mode   `json:"trustMode"`
	AutoApplyEnabled bool   `json:"autoApplyEnabled"`
	LastAutoApplyAt  string `json:"lastAutoApplyAt,omitempty"`
}

// Resolver reads trust state from the settings store on every call.
type Resolver struct {
	store       settings.Store
	workspaceID string
	now         func() time.Time
}

func NewResolver(store settings.Store, workspaceID string) *Resolver {
	return &Resolver{store: store, workspaceID: workspaceID, now: time.Now}
}

// WithClock overrides the time source used by Record.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve never fails: a missing store, read error or unknown mode all yield
// require-approval.
func (r *Resolver) Resolve(ctx context.Context, loopID string) Policy {
	closed := Policy{TrustMode: ModeRequireApproval}
	if r == nil || r.store == nil {
		return closed
	}

	snapshot, err := r.store.GetSnapshot(ctx, settings.SnapshotQuery{
		WorkspaceID: r.workspaceID,
		LoopID:      strings.ToLower(strings.TrimSpace(loopID)),
	})
	if err != nil {
		log.Warn().Err(err).Str("loop_id", loopID).Msg("trust settings unreadable, requiring approval")
		return closed
	}

	policy := closed
	if last, ok := settings.Lookup(snapshot, settingsSection, keyLastAutoApplyAt); ok {
		policy.LastAutoApplyAt, _ = last.(string)
	}

	raw, _ := settings.Lookup(snapshot, settingsSection, keyTrustMode)
	value, _ := raw.(string)
	if mode, ok := ParseMode(value); ok {
		policy.TrustMode = mode
	} else if raw != nil {
		log.Warn().Str("loop_id", loopID).Interface("trust_mode", raw).Msg("malformed trust mode, requiring approval")
	}
	policy.AutoApplyEnabled = policy.TrustMode == ModeAutoApproveAll
	return policy
}

// Record stamps reviewQueue.lastAutoApplyAt for the loop. Callers treat a
// failure as non-fatal.
func (r *Resolver) Record(ctx context.Context, loopID string) error {
	if r == nil || r.store == nil {
		return nil
	}
	stamp := proposal.FormatTime(r.now())
	err := r.store.Upsert(ctx, settings.Update{
		Scope:       settings.ScopeLoop,
		WorkspaceID: r.workspaceID,
		LoopID:      loopID,
		Settings:    settings.Nest(stamp, settingsSection, keyLastAutoApplyAt),
	})
	if err != nil {
		return fmt.Errorf("record auto-apply for %s: %w", loopID, err)
	}
	return nil
}

// SetMode stores the trust mode for a loop, or for the workspace when loopID
// is empty.
func (r *Resolver) SetMode(ctx context.Context, loopID string, mode Mode) error {
	if _, ok := ParseMode(string(mode)); !ok {
		return fmt.Errorf("unknown trust mode %q", mode)
	}
	if r == nil || r.store == nil {
		return fmt.Errorf("settings store not configured")
	}
	update := settings.Update{
		Scope:       settings.ScopeLoop,
		WorkspaceID: r.workspaceID,
		LoopID:      loopID,
		Settings:    settings.Nest(string(mode), settingsSection, keyTrustMode),
	}
	if strings.TrimSpace(loopID) == "" {
		update.Scope = settings.ScopeWorkspace
	}
	return r.store.Upsert(ctx, update)
}
