package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jothamO/prism-app/pkg/gatekeeper"
	"github.com/jothamO/prism-app/pkg/policy"
	"github.com/jothamO/prism-app/pkg/ratelimit"
)

const maxBodyBytes = 1 << 20 // 1MB limit

// Server routes gateway operations over HTTP.
type Server struct {
	gate    *gatekeeper.Gatekeeper
	engine  *policy.Engine
	limiter ratelimit.Store
	limits  ratelimit.Policy
	logger  *slog.Logger
}

// NewServer wires the HTTP surface. limiter may be nil to disable
// per-session rate limiting.
func NewServer(gate *gatekeeper.Gatekeeper, engine *policy.Engine, limiter ratelimit.Store, limits ratelimit.Policy, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		gate:    gate,
		engine:  engine,
		limiter: limiter,
		limits:  limits,
		logger:  logger.With("component", "api"),
	}
}

// Routes returns the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/calls", s.handleCalls)
	mux.HandleFunc("/api/v1/calls/", s.handleCallByID)
	mux.HandleFunc("/api/v1/requests", s.handleRequests)
	mux.HandleFunc("/api/v1/requests/", s.handleRequestByID)
	mux.HandleFunc("/healthz", s.handleHealth)
	return RequestLogger(s.logger)(mux)
}

type submitRequest struct {
	ActionName string         `json:"action_name"`
	Arguments  map[string]any `json:"arguments"`
	SessionID  string         `json:"session_id"`
}

type submitResponse struct {
	Status     string    `json:"status"`
	CallID     string    `json:"call_id"`
	RequestID  string    `json:"request_id,omitempty"`
	Tier       string    `json:"tier,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Result     any       `json:"result,omitempty"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Mismatches any       `json:"mismatches,omitempty"`
}

// handleCalls accepts POST /api/v1/calls.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.ActionName == "" || req.SessionID == "" {
		WriteBadRequest(w, "action_name and session_id are required")
		return
	}

	if s.limiter != nil {
		if err := ratelimit.Check(r.Context(), s.limiter, req.SessionID, s.limits); err != nil {
			if errors.Is(err, ratelimit.ErrLimited) {
				retryAfter := 60 / max(s.limits.PerMinute, 1)
				WriteTooManyRequests(w, max(retryAfter, 1))
				return
			}
			WriteInternal(w, err)
			return
		}
	}

	sub, err := s.gate.Submit(r.Context(), gatekeeper.ProposedCall{
		SessionID: req.SessionID,
		Action:    req.ActionName,
		Args:      req.Arguments,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	if sub.Status == gatekeeper.StatusPending {
		writeJSON(w, http.StatusAccepted, submitResponse{
			Status:    string(sub.Status),
			CallID:    sub.Pending.CallID,
			RequestID: sub.Pending.RequestID,
			Tier:      string(sub.Pending.Tier),
			ExpiresAt: sub.Pending.Deadline,
		})
		return
	}

	resp := submitResponse{
		Status: string(sub.Status),
		CallID: sub.Outcome.CallID,
		Result: sub.Outcome.Result,
	}
	if sub.Outcome.ErrorCode != "" {
		resp.ErrorCode = sub.Outcome.ErrorCode
	}
	if sub.Outcome.ErrorDetail != "" {
		resp.Detail = sub.Outcome.ErrorDetail
	}
	if len(sub.Mismatches) > 0 {
		resp.Mismatches = sub.Mismatches
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCallByID accepts GET /api/v1/calls/{id}.
func (s *Server) handleCallByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/calls/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "unknown call")
		return
	}
	view, err := s.gate.Call(id)
	if err != nil {
		WriteNotFound(w, "unknown call")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleRequests accepts GET /api/v1/requests (pending requests for
// the approval surface).
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	pending := s.engine.Pending()
	if pending == nil {
		pending = []policy.RequestView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": pending})
}

type resolveRequest struct {
	Decision   string `json:"decision"`
	ResolvedBy string `json:"resolved_by"`
	MFAProof   string `json:"mfa_proof,omitempty"`
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

// handleRequestByID routes GET /api/v1/requests/{id},
// POST /api/v1/requests/{id}/resolve and
// POST /api/v1/requests/{id}/cancel.
func (s *Server) handleRequestByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/requests/")
	id, verb, _ := strings.Cut(rest, "/")
	if id == "" {
		WriteNotFound(w, "unknown authorization request")
		return
	}

	switch verb {
	case "":
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w)
			return
		}
		view, err := s.engine.Get(id)
		if err != nil {
			WriteNotFound(w, "unknown authorization request")
			return
		}
		writeJSON(w, http.StatusOK, view)

	case "resolve":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w)
			return
		}
		s.handleResolve(w, r, id)

	case "cancel":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w)
			return
		}
		s.handleCancel(w, r, id)

	default:
		WriteNotFound(w, "unknown endpoint")
	}
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	var decision policy.Decision
	switch req.Decision {
	case "approve":
		decision = policy.DecisionApprove
	case "deny":
		decision = policy.DecisionDeny
	default:
		WriteBadRequest(w, "decision must be \"approve\" or \"deny\"")
		return
	}
	if req.ResolvedBy == "" {
		WriteBadRequest(w, "resolved_by is required")
		return
	}

	err := s.engine.Resolve(id, decision, req.ResolvedBy, req.MFAProof)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "request_id": id})
	case errors.Is(err, policy.ErrUnknownRequest):
		WriteNotFound(w, "unknown authorization request")
	case errors.Is(err, policy.ErrAlreadyResolved):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_resolved", "request_id": id})
	case errors.Is(err, policy.ErrProofRequired):
		writeJSON(w, http.StatusForbidden, map[string]string{"status": "invalid_proof", "request_id": id})
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.SessionID == "" {
		WriteBadRequest(w, "session_id is required")
		return
	}

	err := s.engine.Cancel(id, req.SessionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "request_id": id})
	case errors.Is(err, policy.ErrUnknownRequest):
		WriteNotFound(w, "unknown authorization request")
	case errors.Is(err, policy.ErrNotRequestOwner):
		WriteForbidden(w, "request belongs to a different session")
	case errors.Is(err, policy.ErrAlreadyResolved):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_resolved", "request_id": id})
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
