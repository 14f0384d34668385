package app

import (
	"context"
	"net/http"
	"strings"

	"forge/api/internal/diff"
	"forge/api/internal/proposal"
	"forge/api/internal/publish"
	"forge/api/internal/review"
	"forge/api/internal/search"
	"forge/api/internal/trust"

	"github.com/spf13/afero"
)

type Pipeline interface {
	BuildPreview(ctx context.Context, req publish.PreviewRequest) (publish.PreviewResult, error)
	QueuePreview(ctx context.Context, req publish.QueueRequest) (publish.QueueResult, error)
	ApplyPreview(ctx context.Context, req publish.ApplyRequest) (publish.ApplyResult, error)
	ApplyProposal(ctx context.Context, proposalID string) (publish.ProposalApplyResult, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type TrustStore interface {
	Resolve(ctx context.Context, loopID string) trust.Policy
	SetMode(ctx context.Context, loopID string, mode trust.Mode) error
}

type Deps struct {
	Repository *review.Repository
	Pipeline   Pipeline
	Trust      TrustStore
	Search     Searcher
	LegacyFS   afero.Fs
	LegacyPath string
	APIToken   string
}

// Service is the use-case layer behind the HTTP surface.
type Service struct {
	repo       *review.Repository
	pipeline   Pipeline
	trust      TrustStore
	search     Searcher
	legacyFS   afero.Fs
	legacyPath string
	apiToken   string
}

func New(deps Deps) *Service {
	legacyFS := deps.LegacyFS
	if legacyFS == nil {
		legacyFS = afero.NewOsFs()
	}
	return &Service{
		repo:       deps.Repository,
		pipeline:   deps.Pipeline,
		trust:      deps.Trust,
		search:     deps.Search,
		legacyFS:   legacyFS,
		legacyPath: deps.LegacyPath,
		apiToken:   strings.TrimSpace(deps.APIToken),
	}
}

// Ping reports whether the proposal store can be reached. It reprobes so a
// readiness check reflects the current state.
func (s *Service) Ping(ctx context.Context) error {
	s.repo.Reset()
	if ok, reason := s.repo.Available(ctx); !ok {
		return &review.UnavailableError{Reason: reason}
	}
	return nil
}

func (s *Service) Authorized(token string) bool {
	return s.apiToken == "" || token == s.apiToken
}

type ListProposalsInput struct {
	LoopID string
	Status string
	Limit  int
}

func (s *Service) ListProposals(ctx context.Context, in ListProposalsInput) ([]proposal.Proposal, error) {
	filter := proposal.Filter{LoopID: strings.TrimSpace(in.LoopID), Limit: in.Limit}
	if status := strings.TrimSpace(in.Status); status != "" {
		parsed := proposal.ParseStatus(status)
		if string(parsed) != status {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "status must be pending, applied, rejected or failed", nil)
		}
		filter.Status = parsed
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) SearchProposals(ctx context.Context, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text, Engine: "none"}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) GetProposal(ctx context.Context, id string) (proposal.Proposal, error) {
	p, found, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if !found {
		return proposal.Proposal{}, domainError(http.StatusNotFound, "NOT_FOUND", "Proposal not found", nil)
	}
	return p, nil
}

func (s *Service) GetProposalByApprovalToken(ctx context.Context, token string) (proposal.Proposal, error) {
	p, found, err := s.repo.FindByApprovalToken(ctx, token)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if !found {
		return proposal.Proposal{}, domainError(http.StatusNotFound, "NOT_FOUND", "Proposal not found", nil)
	}
	return p, nil
}

type EnqueueInput struct {
	ID                 string         `json:"id"`
	EditorTarget       string         `json:"editorTarget"`
	LoopID             string         `json:"loopId"`
	Domain             string         `json:"domain"`
	ScopeRoots         []string       `json:"scopeRoots"`
	ScopeOverrideToken string         `json:"scopeOverrideToken"`
	ThreadID           string         `json:"threadId"`
	TurnID             string         `json:"turnId"`
	Kind               string         `json:"kind"`
	Summary            string         `json:"summary"`
	Files              []string       `json:"files"`
	Diff               string         `json:"diff"`
	Metadata           map[string]any `json:"metadata"`
	ApprovalToken      string         `json:"approvalToken"`
}

// EnqueueProposal upserts a generic pending proposal. A unified diff is
// summarized into metadata.diffFiles and widens the file list.
func (s *Service) EnqueueProposal(ctx context.Context, in EnqueueInput) (proposal.Proposal, error) {
	if strings.TrimSpace(in.Summary) == "" && strings.TrimSpace(in.Diff) == "" {
		return proposal.Proposal{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "summary or diff is required", nil)
	}

	metadata := make(map[string]any, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	files := in.Files
	if strings.TrimSpace(in.Diff) != "" {
		parsed := diff.Parse(diff.Input{Diff: in.Diff, FallbackFiles: in.Files})
		metadata["diffFiles"] = parsed.Files
		if len(parsed.Warnings) > 0 {
			metadata["diffWarnings"] = parsed.Warnings
		}
		for _, f := range parsed.Files {
			if f.Path != diff.SyntheticPath {
				files = append(files, f.Path)
			}
		}
	}

	return s.repo.UpsertPending(ctx, proposal.Input{
		ID:                 in.ID,
		AssistantTarget:    in.EditorTarget,
		LoopID:             in.LoopID,
		Domain:             in.Domain,
		ScopeRoots:         in.ScopeRoots,
		ScopeOverrideToken: in.ScopeOverrideToken,
		ThreadID:           in.ThreadID,
		TurnID:             in.TurnID,
		Kind:               in.Kind,
		Summary:            in.Summary,
		Files:              files,
		Diff:               in.Diff,
		Metadata:           metadata,
		ApprovalToken:      in.ApprovalToken,
	})
}

// TransitionProposal handles the generic mark-applied, reject and fail
// actions. Applying a publish proposal goes through ApplyProposal instead.
func (s *Service) TransitionProposal(ctx context.Context, id string, status proposal.Status, reason string) (review.TransitionResult, error) {
	result, err := s.repo.Transition(ctx, id, status, reason)
	if err != nil {
		return review.TransitionResult{}, err
	}
	if !result.OK && result.Message == "Proposal not found." {
		return result, domainError(http.StatusNotFound, "NOT_FOUND", result.Message, nil)
	}
	return result, nil
}

func (s *Service) ApplyProposal(ctx context.Context, id string) (publish.ProposalApplyResult, error) {
	return s.pipeline.ApplyProposal(ctx, id)
}

func (s *Service) BuildPreview(ctx context.Context, req publish.PreviewRequest) (publish.PreviewResult, error) {
	if strings.TrimSpace(req.Path) == "" {
		return publish.PreviewResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "path is required", nil)
	}
	return s.pipeline.BuildPreview(ctx, req)
}

func (s *Service) QueuePreview(ctx context.Context, req publish.QueueRequest) (publish.QueueResult, error) {
	if strings.TrimSpace(req.PreviewToken) == "" {
		return publish.QueueResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "previewToken is required", nil)
	}
	return s.pipeline.QueuePreview(ctx, req)
}

func (s *Service) ApplyPreview(ctx context.Context, req publish.ApplyRequest) (publish.ApplyResult, error) {
	return s.pipeline.ApplyPreview(ctx, req)
}

func (s *Service) ImportLegacy(ctx context.Context, path string) (review.ImportResult, error) {
	if strings.TrimSpace(path) == "" {
		path = s.legacyPath
	}
	if strings.TrimSpace(path) == "" {
		return review.ImportResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "legacy proposals path is not configured", nil)
	}
	records, err := review.LoadLegacyFile(s.legacyFS, path)
	if err != nil {
		return review.ImportResult{}, domainError(http.StatusUnprocessableEntity, "LEGACY_FILE_INVALID", err.Error(), nil)
	}
	return s.repo.ImportLegacy(ctx, records)
}

func (s *Service) ParseDiff(in diff.Input) diff.Result {
	return diff.Parse(in)
}

func (s *Service) TrustPolicy(ctx context.Context, loopID string) trust.Policy {
	return s.trust.Resolve(ctx, loopID)
}

func (s *Service) SetTrustMode(ctx context.Context, loopID, mode string) (trust.Policy, error) {
	parsed, ok := trust.ParseMode(mode)
	if !ok {
		return trust.Policy{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "trustMode must be require-approval or auto-approve-all", nil)
	}
	if err := s.trust.SetMode(ctx, loopID, parsed); err != nil {
		return trust.Policy{}, err
	}
	return s.trust.Resolve(ctx, loopID), nil
}
