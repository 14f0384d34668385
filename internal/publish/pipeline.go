// Package publish turns content files into persisted pages through a
// preview, queue and apply cycle.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"
	"time"

	"forge/api/internal/markdown"
	"forge/api/internal/preview"
	"forge/api/internal/proposal"
	"forge/api/internal/review"
	"forge/api/internal/scope"
	"forge/api/internal/store"
	"forge/api/internal/trust"

	"github.com/rs/zerolog/log"
)

// ContentReader reads the current text of a content file.
type ContentReader interface {
	ReadContent(ctx context.Context, path string, allowedRoots []string) (string, error)
}

// PageStore persists pages and their blocks. PublishPage writes the page
// and its full block set atomically.
type PageStore interface {
	FindPageBySourcePath(ctx context.Context, sourcePath string) (*store.Page, error)
	ListBlocksForPage(ctx context.Context, pageID string) ([]markdown.Block, error)
	PublishPage(ctx context.Context, in store.PageInput, blocks []markdown.Block) (store.Page, error)
}

// Proposals is the subset of the review repository the pipeline drives.
type Proposals interface {
	FindByID(ctx context.Context, id string) (proposal.Proposal, bool, error)
	UpsertPending(ctx context.Context, in proposal.Input) (proposal.Proposal, error)
	Transition(ctx context.Context, id string, status proposal.Status, reason string) (review.TransitionResult, error)
}

// TrustPolicy decides whether queued proposals apply immediately.
type TrustPolicy interface {
	Resolve(ctx context.Context, loopID string) trust.Policy
	Record(ctx context.Context, loopID string) error
}

type Deps struct {
	Guard     scope.Authorizer
	Content   ContentReader
	Pages     PageStore
	Previews  preview.Store
	Proposals Proposals
	Trust     TrustPolicy
	Now       func() time.Time
}

type Pipeline struct {
	guard     scope.Authorizer
	content   ContentReader
	pages     PageStore
	previews  preview.Store
	proposals Proposals
	trust     TrustPolicy
	now       func() time.Time
}

func New(deps Deps) *Pipeline {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		guard:     deps.Guard,
		content:   deps.Content,
		pages:     deps.Pages,
		previews:  deps.Previews,
		proposals: deps.Proposals,
		trust:     deps.Trust,
		now:       now,
	}
}

type PreviewRequest struct {
	Path               string `json:"path"`
	LoopID             string `json:"loopId"`
	Domain             string `json:"domain"`
	ScopeOverrideToken string `json:"scopeOverrideToken,omitempty"`
}

type PreviewResult struct {
	OK         bool             `json:"ok"`
	Message    string           `json:"message"`
	OutOfScope []string         `json:"outOfScope,omitempty"`
	Preview    *preview.Preview `json:"preview,omitempty"`
}

// BuildPreview authorizes, reads and parses the file, compares it with the
// persisted page and stores the preview under its content-derived token.
func (p *Pipeline) BuildPreview(ctx context.Context, req PreviewRequest) (PreviewResult, error) {
	loopID := strings.ToLower(strings.TrimSpace(req.LoopID))
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	contentPath, ok := scope.CleanPath(req.Path)
	if !ok {
		return PreviewResult{Message: fmt.Sprintf("Invalid content path %q.", req.Path), OutOfScope: []string{req.Path}}, nil
	}

	decision := p.guard.Authorize(ctx, scope.Request{
		Operation:     scope.OperationPreview,
		Paths:         []string{contentPath},
		Domain:        domain,
		LoopID:        loopID,
		OverrideToken: req.ScopeOverrideToken,
	})
	if !decision.OK {
		return PreviewResult{Message: decision.Message, OutOfScope: decision.OutOfScope}, nil
	}

	text, err := p.content.ReadContent(ctx, contentPath, decision.Context.AllowedRoots)
	if err != nil {
		return PreviewResult{Message: readFailureMessage(contentPath, err)}, nil
	}

	parsed := markdown.Parse(text)
	existing, existingBlocks, err := p.loadExisting(ctx, contentPath)
	if err != nil {
		if escalates(err) {
			return PreviewResult{}, err
		}
		log.Error().Err(err).Str("path", contentPath).Msg("publish preview failed to load page")
		return PreviewResult{Message: fmt.Sprintf("Unable to load published page: %v.", err)}, nil
	}

	summary := preview.ChangedSummary{
		NextContentHash: parsed.ContentHash,
		NextBlockCount:  len(parsed.Blocks),
	}
	if existing != nil {
		summary.ExistingContentHash = existing.ContentHash
		summary.PreviousBlockCount = len(existingBlocks)
	}
	summary.Changed = existing == nil ||
		summary.ExistingContentHash != summary.NextContentHash ||
		summary.PreviousBlockCount != summary.NextBlockCount

	title := parsed.Title()
	if title == "" {
		title = titleFromPath(contentPath)
	}
	pv := preview.Preview{
		Token:              preview.Token(loopID, contentPath, parsed.ContentHash),
		CreatedAt:          proposal.FormatTime(p.now()),
		LoopID:             loopID,
		Domain:             domain,
		Path:               contentPath,
		ScopeOverrideToken: strings.TrimSpace(req.ScopeOverrideToken),
		PageDraft: preview.PageDraft{
			Title: title,
			Slug:  Slugify(title),
			Metadata: map[string]any{
				"sourcePath": contentPath,
				"domain":     domain,
			},
		},
		BlocksDraft:    parsed.Blocks,
		ContentHash:    parsed.ContentHash,
		ChangedSummary: summary,
		Warnings:       parsed.Warnings,
	}
	if err := p.previews.Put(ctx, pv); err != nil {
		log.Error().Err(err).Str("path", contentPath).Msg("publish preview failed to store")
		return PreviewResult{Message: fmt.Sprintf("Unable to store preview: %v.", err)}, nil
	}

	log.Info().
		Str("loop_id", loopID).
		Str("path", contentPath).
		Str("token", pv.Token).
		Bool("changed", summary.Changed).
		Int("warnings", len(pv.Warnings)).
		Msg("publish preview built")

	message := "Preview ready."
	if !summary.Changed {
		message = "Preview ready. Content is unchanged."
	}
	return PreviewResult{OK: true, Message: message, Preview: &pv}, nil
}

func (p *Pipeline) loadExisting(ctx context.Context, sourcePath string) (*store.Page, []markdown.Block, error) {
	page, err := p.pages.FindPageBySourcePath(ctx, sourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("load page %s: %w", sourcePath, err)
	}
	if page == nil {
		return nil, nil, nil
	}
	blocks, err := p.pages.ListBlocksForPage(ctx, page.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("load blocks for %s: %w", sourcePath, err)
	}
	return page, blocks, nil
}

// escalates reports whether err leaves the pipeline as an error. Only
// repository unavailability does; everything else becomes a result.
func escalates(err error) bool {
	return errors.Is(err, review.ErrUnavailable)
}

func readFailureMessage(contentPath string, err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Sprintf("Content not found: %s.", contentPath)
	case errors.Is(err, scope.ErrOutOfScope):
		return fmt.Sprintf("Content path %s is outside the allowed roots.", contentPath)
	default:
		return fmt.Sprintf("Unable to read %s: %v.", contentPath, err)
	}
}

type QueueRequest struct {
	PreviewToken string `json:"previewToken"`
	EditorTarget string `json:"editorTarget,omitempty"`
	ThreadID     string `json:"threadId,omitempty"`
	TurnID       string `json:"turnId,omitempty"`
}

type QueueResult struct {
	OK          bool               `json:"ok"`
	Message     string             `json:"message"`
	NotFound    bool               `json:"notFound,omitempty"`
	Status      proposal.Status    `json:"status,omitempty"`
	AutoApplied bool               `json:"autoApplied"`
	Noop        bool               `json:"noop"`
	Proposal    *proposal.Proposal `json:"proposal,omitempty"`
	TrustMode   trust.Mode         `json:"trustMode,omitempty"`
}

// QueuePreview enqueues a story-publish proposal for the preview and applies
// it at once when the loop trusts auto-apply.
func (p *Pipeline) QueuePreview(ctx context.Context, req QueueRequest) (QueueResult, error) {
	token := strings.TrimSpace(req.PreviewToken)
	pv, found, err := p.previews.Get(ctx, token)
	if err != nil {
		log.Error().Err(err).Str("token", token).Msg("publish queue failed to load preview")
		return QueueResult{Message: fmt.Sprintf("Unable to load preview: %v.", err)}, nil
	}
	if !found {
		return QueueResult{Message: "Preview not found or expired.", NotFound: true}, nil
	}

	queued, err := p.proposals.UpsertPending(ctx, proposal.Input{
		ID:                 "publish_" + strings.TrimPrefix(pv.Token, "pv_"),
		AssistantTarget:    req.EditorTarget,
		LoopID:             pv.LoopID,
		Domain:             pv.Domain,
		ScopeRoots:         []string{pv.Path},
		ScopeOverrideToken: pv.ScopeOverrideToken,
		ThreadID:           req.ThreadID,
		TurnID:             req.TurnID,
		Kind:               proposal.KindStoryPublish,
		Summary:            fmt.Sprintf("Publish %s", pv.Path),
		Files:              []string{pv.Path},
		Diff:               DescribeChange(pv),
		Metadata: map[string]any{
			proposal.MetadataPreviewToken: pv.Token,
			"contentHash":                 pv.ContentHash,
			"changed":                     pv.ChangedSummary.Changed,
		},
		ApprovalToken: pv.Token,
	})
	if err != nil {
		return QueueResult{}, err
	}

	policy := p.trust.Resolve(ctx, pv.LoopID)
	result := QueueResult{
		OK:        true,
		Message:   proposal.TransitionMessage(queued.Status),
		Status:    queued.Status,
		Proposal:  &queued,
		TrustMode: policy.TrustMode,
	}
	log.Info().
		Str("proposal_id", queued.ID).
		Str("loop_id", pv.LoopID).
		Str("trust_mode", string(policy.TrustMode)).
		Msg("publish proposal queued")

	if !policy.AutoApplyEnabled || queued.Status.Terminal() {
		return result, nil
	}

	applied, err := p.ApplyProposal(ctx, queued.ID)
	if err != nil {
		return QueueResult{}, err
	}
	if applied.OK {
		if err := p.trust.Record(ctx, pv.LoopID); err != nil {
			log.Warn().Err(err).Str("loop_id", pv.LoopID).Msg("record auto-apply timestamp")
		}
	}
	log.Info().Str("proposal_id", queued.ID).Bool("ok", applied.OK).Msg("publish proposal auto-applied")

	result.OK = applied.OK
	result.AutoApplied = applied.OK
	result.Noop = applied.Noop
	result.Message = applied.Message
	result.Status = applied.Status
	if applied.Proposal != nil {
		result.Proposal = applied.Proposal
	}
	return result, nil
}

// DescribeChange renders the preview's changed summary as reviewable text.
// It is a structured description, not a unified diff.
func DescribeChange(pv preview.Preview) string {
	var b strings.Builder
	fmt.Fprintf(&b, "publish %s\n", pv.Path)
	if pv.ChangedSummary.ExistingContentHash == "" {
		b.WriteString("page: new\n")
	} else {
		b.WriteString("page: existing\n")
	}
	fmt.Fprintf(&b, "changed: %t\n", pv.ChangedSummary.Changed)
	fmt.Fprintf(&b, "content hash: %s -> %s\n", orNone(pv.ChangedSummary.ExistingContentHash), pv.ChangedSummary.NextContentHash)
	fmt.Fprintf(&b, "blocks: %d -> %d\n", pv.ChangedSummary.PreviousBlockCount, pv.ChangedSummary.NextBlockCount)
	fmt.Fprintf(&b, "title: %s\n", pv.PageDraft.Title)
	for _, warning := range pv.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", warning)
	}
	return b.String()
}

func orNone(value string) string {
	if value == "" {
		return "(none)"
	}
	return value
}

type ApplyRequest struct {
	PreviewToken string `json:"previewToken"`
	Approved     bool   `json:"approved"`
	Force        bool   `json:"force"`
}

type ApplyResult struct {
	OK         bool            `json:"ok"`
	Message    string          `json:"message"`
	Status     proposal.Status `json:"status"`
	Noop       bool            `json:"noop"`
	OutOfScope []string        `json:"outOfScope,omitempty"`
	Page       *store.Page     `json:"page,omitempty"`
	BlockCount int             `json:"blockCount"`
}

func failed(message string) ApplyResult {
	return ApplyResult{Message: message, Status: proposal.StatusFailed}
}

// ApplyPreview writes the preview's page and replaces its blocks. It needs
// explicit approval, re-runs the scope check, and does nothing when the
// persisted page already matches unless Force is set.
func (p *Pipeline) ApplyPreview(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	if !req.Approved {
		return failed("Apply requires explicit approval."), nil
	}

	pv, found, err := p.previews.Get(ctx, strings.TrimSpace(req.PreviewToken))
	if err != nil {
		log.Error().Err(err).Msg("publish apply failed to load preview")
		return failed(fmt.Sprintf("Unable to load preview: %v", err)), nil
	}
	if !found {
		return failed("Preview not found or expired."), nil
	}

	decision := p.guard.Authorize(ctx, scope.Request{
		Operation:     scope.OperationApply,
		Paths:         []string{pv.Path},
		Domain:        pv.Domain,
		LoopID:        pv.LoopID,
		OverrideToken: pv.ScopeOverrideToken,
	})
	if !decision.OK {
		result := failed(decision.Message)
		result.OutOfScope = decision.OutOfScope
		return result, nil
	}

	existing, existingBlocks, err := p.loadExisting(ctx, pv.Path)
	if err != nil {
		if escalates(err) {
			return ApplyResult{}, err
		}
		log.Error().Err(err).Str("path", pv.Path).Msg("publish apply failed to load page")
		return failed(fmt.Sprintf("Unable to load published page: %v", err)), nil
	}
	if existing != nil && !req.Force &&
		existing.ContentHash == pv.ContentHash &&
		len(existingBlocks) == len(pv.BlocksDraft) {
		log.Info().Str("path", pv.Path).Str("token", pv.Token).Msg("publish apply skipped, content unchanged")
		return ApplyResult{
			OK:         true,
			Message:    "Content already published.",
			Status:     proposal.StatusApplied,
			Noop:       true,
			Page:       existing,
			BlockCount: len(existingBlocks),
		}, nil
	}

	page, err := p.pages.PublishPage(ctx, store.PageInput{
		SourcePath:  pv.Path,
		LoopID:      pv.LoopID,
		Domain:      pv.Domain,
		Title:       pv.PageDraft.Title,
		Slug:        pv.PageDraft.Slug,
		Metadata:    pv.PageDraft.Metadata,
		ContentHash: pv.ContentHash,
		BlockCount:  len(pv.BlocksDraft),
	}, pv.BlocksDraft)
	if err != nil {
		if escalates(err) {
			return ApplyResult{}, err
		}
		log.Error().Err(err).Str("path", pv.Path).Msg("publish apply failed to save page")
		return failed(fmt.Sprintf("Unable to save page: %v", err)), nil
	}

	log.Info().
		Str("path", pv.Path).
		Str("page_id", page.ID).
		Int("blocks", len(pv.BlocksDraft)).
		Msg("publish applied")
	return ApplyResult{
		OK:         true,
		Message:    "Content published.",
		Status:     proposal.StatusApplied,
		Page:       &page,
		BlockCount: len(pv.BlocksDraft),
	}, nil
}

type ProposalApplyResult struct {
	OK       bool               `json:"ok"`
	Message  string             `json:"message"`
	Status   proposal.Status    `json:"status"`
	Noop     bool               `json:"noop"`
	Apply    *ApplyResult       `json:"apply,omitempty"`
	Proposal *proposal.Proposal `json:"proposal,omitempty"`
}

// ApplyProposal applies the preview a publish proposal points at and records
// the outcome on the proposal. A failure always becomes a failed transition.
func (p *Pipeline) ApplyProposal(ctx context.Context, proposalID string) (ProposalApplyResult, error) {
	current, found, err := p.proposals.FindByID(ctx, proposalID)
	if err != nil {
		return ProposalApplyResult{}, err
	}
	if !found {
		return ProposalApplyResult{Message: "Proposal not found.", Status: proposal.StatusFailed}, nil
	}
	if current.Status.Terminal() {
		return ProposalApplyResult{
			OK:       true,
			Noop:     true,
			Message:  proposal.TransitionMessage(current.Status),
			Status:   current.Status,
			Proposal: &current,
		}, nil
	}

	token := current.PreviewToken()
	if token == "" {
		return p.fail(ctx, current.ID, "Proposal has no preview token.", nil)
	}

	applied, err := p.ApplyPreview(ctx, ApplyRequest{PreviewToken: token, Approved: true})
	if err != nil {
		if escalates(err) {
			return ProposalApplyResult{}, err
		}
		return p.fail(ctx, current.ID, err.Error(), nil)
	}
	if !applied.OK {
		return p.fail(ctx, current.ID, applied.Message, &applied)
	}

	transition, err := p.proposals.Transition(ctx, current.ID, proposal.StatusApplied, "")
	if err != nil {
		return ProposalApplyResult{}, err
	}
	return ProposalApplyResult{
		OK:       transition.OK,
		Message:  transition.Message,
		Status:   transition.Status,
		Noop:     transition.Noop,
		Apply:    &applied,
		Proposal: transition.Proposal,
	}, nil
}

func (p *Pipeline) fail(ctx context.Context, id, reason string, applied *ApplyResult) (ProposalApplyResult, error) {
	log.Warn().Str("proposal_id", id).Str("reason", reason).Msg("publish proposal failed")
	transition, err := p.proposals.Transition(ctx, id, proposal.StatusFailed, reason)
	if err != nil {
		return ProposalApplyResult{}, err
	}
	return ProposalApplyResult{
		Message:  reason,
		Status:   proposal.StatusFailed,
		Apply:    applied,
		Proposal: transition.Proposal,
	}, nil
}

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lower-cases title and joins its alphanumeric runs with dashes.
func Slugify(title string) string {
	slug := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		return "untitled"
	}
	return slug
}

func titleFromPath(contentPath string) string {
	base := path.Base(contentPath)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.NewReplacer("-", " ", "_", " ").Replace(base)
	if base == "" {
		return "Untitled"
	}
	return strings.ToUpper(base[:1]) + base[1:]
}
