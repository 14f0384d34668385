package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"forge/api/internal/diff"
	"forge/api/internal/proposal"
	"forge/api/internal/publish"
	"forge/api/internal/review"
	"forge/api/internal/search"
	"forge/api/internal/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method != http.MethodGet && !s.service.Authorized(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/diff/parse" {
		var body struct {
			Diff          string   `json:"diff"`
			FallbackFiles []string `json:"fallbackFiles"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		writeJSON(w, http.StatusOK, s.service.ParseDiff(diff.Input{Diff: body.Diff, FallbackFiles: body.FallbackFiles}))
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "publish" {
		s.handlePublish(w, r, parts[2:])
		return
	}
	if len(parts) >= 2 && parts[0] == "api" && parts[1] == "proposals" {
		s.handleProposals(w, r, parts[2:])
		return
	}
	if len(parts) == 2 && parts[0] == "api" && parts[1] == "trust" {
		s.handleTrust(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request, parts []string) {
	if r.Method != http.MethodPost || len(parts) != 1 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[0] {
	case "preview":
		var body publish.PreviewRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.BuildPreview(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeResult(w, result.OK, result)
	case "queue":
		var body publish.QueueRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.QueuePreview(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if result.NotFound {
			writeJSON(w, http.StatusNotFound, result)
			return
		}
		writeResult(w, result.OK, result)
	case "apply":
		var body publish.ApplyRequest
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ApplyPreview(r.Context(), body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeResult(w, result.OK, result)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleProposals(w http.ResponseWriter, r *http.Request, parts []string) {
	ctx := r.Context()

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			query := r.URL.Query()
			items, err := s.service.ListProposals(ctx, ListProposalsInput{
				LoopID: query.Get("loopId"),
				Status: query.Get("status"),
				Limit:  queryInt(r, "limit", 0),
			})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"proposals": items})
		case http.MethodPost:
			var body EnqueueInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			p, err := s.service.EnqueueProposal(ctx, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"proposal": p})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "search" {
		query := r.URL.Query()
		status := proposal.Status("")
		if raw := query.Get("status"); raw != "" {
			status = proposal.ParseStatus(raw)
		}
		resp, err := s.service.SearchProposals(ctx, search.Query{
			Text:   query.Get("q"),
			LoopID: query.Get("loopId"),
			Status: status,
			Limit:  queryInt(r, "limit", 20),
			Offset: queryInt(r, "offset", 0),
		})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "import-legacy" {
		var body struct {
			Path string `json:"path"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.ImportLegacy(ctx, body.Path)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "by-token" {
		p, err := s.service.GetProposalByApprovalToken(ctx, parts[1])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
		return
	}

	proposalID := parts[0]
	if r.Method == http.MethodGet && len(parts) == 1 {
		p, err := s.service.GetProposal(ctx, proposalID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 2 {
		s.handleProposalAction(w, r, proposalID, parts[1])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleProposalAction(w http.ResponseWriter, r *http.Request, proposalID, action string) {
	ctx := r.Context()

	if action == "apply" {
		result, err := s.service.ApplyProposal(ctx, proposalID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if !result.OK && result.Proposal == nil && result.Apply == nil {
			writeJSON(w, http.StatusNotFound, result)
			return
		}
		writeResult(w, result.OK, result)
		return
	}

	var (
		status proposal.Status
		reason string
	)
	switch action {
	case "mark-applied":
		status = proposal.StatusApplied
	case "reject":
		status = proposal.StatusRejected
	case "fail":
		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		status = proposal.StatusFailed
		reason = body.Reason
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	result, err := s.service.TransitionProposal(ctx, proposalID, status, reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleTrust(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.service.TrustPolicy(r.Context(), r.URL.Query().Get("loopId")))
	case http.MethodPut:
		var body struct {
			LoopID    string `json:"loopId"`
			TrustMode string `json:"trustMode"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		policy, err := s.service.SetTrustMode(r.Context(), body.LoopID, body.TrustMode)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, policy)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("request_id", requestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeResult sends pipeline results. A not-OK result is an expected
// outcome, so it goes out as 422 with the result body intact.
func writeResult(w http.ResponseWriter, ok bool, payload any) {
	if ok {
		writeJSON(w, http.StatusOK, payload)
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var unavailable *review.UnavailableError
	if errors.As(err, &unavailable) {
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Proposal store unavailable", map[string]any{"reason": unavailable.Reason}
	}
	if errors.Is(err, review.ErrUnavailable) {
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Proposal store unavailable", nil
	}
	if errors.Is(err, store.ErrConflict) {
		return http.StatusConflict, "CONFLICT", "Proposal id or approval token already in use", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
