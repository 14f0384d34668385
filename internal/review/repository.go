// Package review persists proposals and drives their status transitions.
package review

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"forge/api/internal/proposal"
	"forge/api/internal/store"

	"github.com/rs/zerolog/log"
)

// Backend is the persistence client behind the repository. Lookups return
// store.ErrNotFound for missing rows and inserts return store.ErrConflict for
// a taken id or approval token.
type Backend interface {
	Ping(ctx context.Context) error
	ListProposals(ctx context.Context, filter proposal.Filter) ([]proposal.Input, error)
	GetProposal(ctx context.Context, id string) (proposal.Input, error)
	GetProposalByApprovalToken(ctx context.Context, token string) (proposal.Input, error)
	InsertProposal(ctx context.Context, p proposal.Proposal) error
	UpdateProposal(ctx context.Context, p proposal.Proposal) error
}

// Indexer is told about every write. It must not block.
type Indexer interface {
	IndexProposal(ctx context.Context, p proposal.Proposal)
}

// DefaultReprobeInterval bounds how long a failed probe is trusted before the
// store is tried again.
const DefaultReprobeInterval = 30 * time.Second

type availability struct {
	probed    bool
	available bool
	reason    string
	checkedAt time.Time
}

type Repository struct {
	backend Backend
	indexer Indexer
	now     func() time.Time
	reprobe time.Duration

	mu    sync.Mutex
	state availability
}

func NewRepository(backend Backend) *Repository {
	return &Repository{backend: backend, now: time.Now, reprobe: DefaultReprobeInterval}
}

func (r *Repository) WithIndexer(indexer Indexer) *Repository {
	r.indexer = indexer
	return r
}

func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// WithReprobeInterval sets how long an unavailable verdict is cached. Zero
// keeps it until Reset.
func (r *Repository) WithReprobeInterval(d time.Duration) *Repository {
	r.reprobe = d
	return r
}

// Available probes the store if needed and reports the cached verdict.
func (r *Repository) Available(ctx context.Context) (bool, string) {
	if err := r.ensure(ctx); err != nil {
		var unavailable *UnavailableError
		if errors.As(err, &unavailable) {
			return false, unavailable.Reason
		}
		return false, err.Error()
	}
	return true, ""
}

// Reset forgets the cached probe result.
func (r *Repository) Reset() {
	r.mu.Lock()
	r.state = availability{}
	r.mu.Unlock()
}

func (r *Repository) ensure(ctx context.Context) error {
	if r.backend == nil {
		return &UnavailableError{Reason: "proposal store not configured"}
	}

	r.mu.Lock()
	state := r.state
	r.mu.Unlock()

	if state.probed {
		if state.available {
			return nil
		}
		if r.reprobe <= 0 || r.now().Sub(state.checkedAt) < r.reprobe {
			return &UnavailableError{Reason: state.reason}
		}
	}

	err := r.backend.Ping(ctx)
	r.mu.Lock()
	r.state = availability{probed: true, available: err == nil, checkedAt: r.now()}
	if err != nil {
		r.state.reason = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Msg("proposal store unavailable")
		return &UnavailableError{Reason: err.Error(), Err: err}
	}
	if state.probed && !state.available {
		log.Info().Msg("proposal store available again")
	}
	return nil
}

// fail flips the repository to unavailable and converts err. A unique-key
// conflict belongs to the record, not the store, so it is returned wrapped
// and availability is left alone.
func (r *Repository) fail(op string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	reason := fmt.Sprintf("%s: %v", op, err)
	r.mu.Lock()
	r.state = availability{probed: true, available: false, reason: reason, checkedAt: r.now()}
	r.mu.Unlock()
	log.Warn().Err(err).Str("op", op).Msg("proposal store marked unavailable")
	return &UnavailableError{Reason: reason, Err: err}
}

func (r *Repository) hydrate(in proposal.Input) proposal.Proposal {
	return proposal.Sanitize(in, r.now())
}

func (r *Repository) index(ctx context.Context, p proposal.Proposal) {
	if r.indexer != nil {
		r.indexer.IndexProposal(ctx, p)
	}
}

// List returns proposals newest first.
func (r *Repository) List(ctx context.Context, filter proposal.Filter) ([]proposal.Proposal, error) {
	if err := r.ensure(ctx); err != nil {
		return nil, err
	}
	rows, err := r.backend.ListProposals(ctx, filter)
	if err != nil {
		return nil, r.fail("list", err)
	}
	out := make([]proposal.Proposal, 0, len(rows))
	for _, row := range rows {
		p := r.hydrate(row)
		if filter.Matches(p) {
			out = append(out, p)
		}
	}
	slices.SortStableFunc(out, proposal.CompareByDateDesc)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *Repository) FindByID(ctx context.Context, id string) (proposal.Proposal, bool, error) {
	if err := r.ensure(ctx); err != nil {
		return proposal.Proposal{}, false, err
	}
	return r.lookup(ctx, "find by id", strings.TrimSpace(id), r.backend.GetProposal)
}

func (r *Repository) FindByApprovalToken(ctx context.Context, token string) (proposal.Proposal, bool, error) {
	if err := r.ensure(ctx); err != nil {
		return proposal.Proposal{}, false, err
	}
	return r.lookup(ctx, "find by approval token", strings.TrimSpace(token), r.backend.GetProposalByApprovalToken)
}

func (r *Repository) lookup(ctx context.Context, op, key string, get func(context.Context, string) (proposal.Input, error)) (proposal.Proposal, bool, error) {
	if key == "" {
		return proposal.Proposal{}, false, nil
	}
	row, err := get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return proposal.Proposal{}, false, nil
	}
	if err != nil {
		return proposal.Proposal{}, false, r.fail(op, err)
	}
	return r.hydrate(row), true, nil
}

// findExisting looks up by approval token first, then by id.
func (r *Repository) findExisting(ctx context.Context, in proposal.Input) (proposal.Proposal, bool, error) {
	if p, ok, err := r.lookup(ctx, "find by approval token", strings.TrimSpace(in.ApprovalToken), r.backend.GetProposalByApprovalToken); err != nil || ok {
		return p, ok, err
	}
	return r.lookup(ctx, "find by id", strings.TrimSpace(in.ID), r.backend.GetProposal)
}

// UpsertPending enqueues a proposal or refreshes the existing one with the
// same approval token or id. A refresh keeps the id, createdAt and the
// current status, so a resolved proposal is never reopened.
func (r *Repository) UpsertPending(ctx context.Context, in proposal.Input) (proposal.Proposal, error) {
	if err := r.ensure(ctx); err != nil {
		return proposal.Proposal{}, err
	}

	for attempt := 0; ; attempt++ {
		existing, found, err := r.findExisting(ctx, in)
		if err != nil {
			return proposal.Proposal{}, err
		}

		if found {
			next := in
			next.ID = existing.ID
			next.CreatedAt = existing.CreatedAt
			next.Status = string(existing.Status)
			next.ResolvedAt = existing.ResolvedAt
			p := r.hydrate(next)
			if err := r.backend.UpdateProposal(ctx, p); err != nil {
				return proposal.Proposal{}, r.fail("update", err)
			}
			r.index(ctx, p)
			log.Debug().Str("proposal_id", p.ID).Msg("proposal refreshed")
			return p, nil
		}

		fresh := in
		fresh.Status = string(proposal.StatusPending)
		fresh.ResolvedAt = ""
		p := r.hydrate(fresh)
		err = r.backend.InsertProposal(ctx, p)
		if errors.Is(err, store.ErrConflict) && attempt == 0 {
			// Lost a race with a concurrent enqueue; refresh instead.
			in.ID = p.ID
			continue
		}
		if err != nil {
			return proposal.Proposal{}, r.fail("insert", err)
		}
		r.index(ctx, p)
		log.Info().Str("proposal_id", p.ID).Str("loop_id", p.LoopID).Str("kind", p.Kind).Msg("proposal queued")
		return p, nil
	}
}

// TransitionResult is returned for every transition attempt. Only store
// trouble is reported as an error.
type TransitionResult struct {
	OK       bool               `json:"ok"`
	Noop     bool               `json:"noop"`
	Message  string             `json:"message"`
	Status   proposal.Status    `json:"status,omitempty"`
	Proposal *proposal.Proposal `json:"proposal,omitempty"`
}

// Transition moves a pending proposal to a terminal status. Terminal states
// are sticky: a second transition reports success with Noop set.
func (r *Repository) Transition(ctx context.Context, id string, status proposal.Status, reason string) (TransitionResult, error) {
	if !status.Terminal() {
		return TransitionResult{Message: fmt.Sprintf("Cannot transition a proposal to %q.", status)}, nil
	}

	current, found, err := r.FindByID(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if !found {
		return TransitionResult{Message: "Proposal not found."}, nil
	}
	if current.Status.Terminal() {
		return TransitionResult{
			OK:       true,
			Noop:     true,
			Message:  proposal.TransitionMessage(current.Status),
			Status:   current.Status,
			Proposal: &current,
		}, nil
	}

	next := current
	next.Status = status
	next.ResolvedAt = proposal.FormatTime(r.now())
	if reason = strings.TrimSpace(reason); status == proposal.StatusFailed && reason != "" {
		next.Summary = fmt.Sprintf("%s (apply failed: %s)", next.Summary, reason)
	}
	if err := r.backend.UpdateProposal(ctx, next); err != nil {
		return TransitionResult{}, r.fail("transition", err)
	}
	r.index(ctx, next)
	log.Info().Str("proposal_id", next.ID).Str("status", string(status)).Msg("proposal transitioned")

	return TransitionResult{
		OK:       true,
		Message:  proposal.TransitionMessage(status),
		Status:   status,
		Proposal: &next,
	}, nil
}

func (r *Repository) MarkApplied(ctx context.Context, id string) (TransitionResult, error) {
	return r.Transition(ctx, id, proposal.StatusApplied, "")
}

func (r *Repository) MarkRejected(ctx context.Context, id string) (TransitionResult, error) {
	return r.Transition(ctx, id, proposal.StatusRejected, "")
}

func (r *Repository) MarkFailed(ctx context.Context, id, reason string) (TransitionResult, error) {
	return r.Transition(ctx, id, proposal.StatusFailed, reason)
}
