// Package policy implements the tier policy engine: the state machine
// that maps each trust tier to its authorization workflow and owns the
// in-flight authorization requests. The engine is the sole mutator of
// request state; transitions are monotonic (PENDING reaches exactly one
// of APPROVED, DENIED, EXPIRED and never leaves it).
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jothamO/prism-app/pkg/mfa"
	"github.com/jothamO/prism-app/pkg/signature"
	"github.com/jothamO/prism-app/pkg/tier"
)

// State is an authorization request's lifecycle position.
type State string

const (
	StatePending  State = "PENDING"
	StateApproved State = "APPROVED"
	StateDenied   State = "DENIED"
	StateExpired  State = "EXPIRED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool { return s != StatePending }

// Decision is an external resolution signal.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
)

// Denial reasons carried on resolutions.
const (
	ReasonApprovalDenied     = "approval_denied"
	ReasonApprovalExpired    = "approval_expired"
	ReasonCancelledBySession = "cancelled_by_session"
	ReasonGuardDenied        = "guard_denied"
)

var (
	// ErrUnknownRequest is returned for request ids the engine does not
	// track (never created, or already archived).
	ErrUnknownRequest = errors.New("unknown authorization request")
	// ErrAlreadyResolved reports a late or duplicate resolution signal.
	// The terminal state is never re-applied.
	ErrAlreadyResolved = errors.New("authorization request already resolved")
	// ErrProofRequired means a CRITICAL approval arrived without a
	// usable MFA proof; the request stays PENDING.
	ErrProofRequired = errors.New("approval requires a valid mfa proof")
	// ErrStaleAuthorization means an APPROVED request's MFA proof aged
	// out of the validity window before dispatch. Fail closed.
	ErrStaleAuthorization = errors.New("stale authorization: mfa proof outside window at dispatch")
	// ErrNotRequestOwner rejects a cancellation from a session that did
	// not create the request.
	ErrNotRequestOwner = errors.New("request belongs to a different session")
	// ErrGuardDenied means the signature's guard expression evaluated
	// false for the normalized arguments.
	ErrGuardDenied = errors.New("guard expression denied the call")
)

// Resolution is the terminal verdict delivered to the waiting call.
type Resolution struct {
	State      State
	Reason     string
	ResolvedBy string
	ResolvedAt time.Time
	// ProofToken is retained for APPROVED CRITICAL requests so
	// freshness can be re-checked at dispatch time.
	ProofToken string
}

// Request is one in-flight authorization. Its state field is guarded by
// mu; the done channel is buffered and written exactly once, by the
// transition that made the request terminal.
type Request struct {
	ID        string
	CallID    string
	SessionID string
	Action    string
	Tier      tier.Tier
	CreatedAt time.Time
	Deadline  time.Time

	mu         sync.Mutex
	state      State
	resolution Resolution
	done       chan Resolution
}

// State returns the current state.
func (r *Request) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Snapshot returns a copy of the request's externally visible fields.
func (r *Request) Snapshot() RequestView {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := RequestView{
		ID:        r.ID,
		CallID:    r.CallID,
		SessionID: r.SessionID,
		Action:    r.Action,
		Tier:      r.Tier,
		State:     r.state,
		CreatedAt: r.CreatedAt,
		Deadline:  r.Deadline,
	}
	if r.state.Terminal() {
		view.ResolvedBy = r.resolution.ResolvedBy
		view.ResolvedAt = r.resolution.ResolvedAt
		view.Reason = r.resolution.Reason
	}
	return view
}

// RequestView is the read-only projection handed to API callers.
type RequestView struct {
	ID         string    `json:"request_id"`
	CallID     string    `json:"call_id"`
	SessionID  string    `json:"session_id"`
	Action     string    `json:"action"`
	Tier       tier.Tier `json:"tier"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	Deadline   time.Time `json:"deadline"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// ClearanceKind says what the tier workflow demands for a call.
type ClearanceKind int

const (
	// ClearanceImmediate: dispatch now, no audit gate, no request.
	ClearanceImmediate ClearanceKind = iota
	// ClearanceAudited: dispatch now, after an audit record is emitted.
	ClearanceAudited
	// ClearancePending: a request was created; dispatch waits on it.
	ClearancePending
)

// Clearance is the engine's answer for one validated call.
type Clearance struct {
	Kind    ClearanceKind
	Request *Request // set for ClearancePending
}

// Transition describes a request state change for observers (audit).
type Transition struct {
	Request RequestView
	From    State
	To      State
	By      string
	At      time.Time
}

// Clock supplies time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config fixes the policy windows explicitly; all of them are
// operator-overridable through the environment.
type Config struct {
	// ApprovalTTL bounds how long an ACTIVE request may stay PENDING.
	ApprovalTTL time.Duration
	// CriticalApprovalTTL bounds CRITICAL requests.
	CriticalApprovalTTL time.Duration
	// SweepInterval is how often the expiry sweeper runs; expiry is
	// additionally checked lazily on every access.
	SweepInterval time.Duration
	// RetainTerminal is how long a resolved or expired request stays
	// queryable before the sweeper discards it. The audit trail remains
	// the durable record after discard.
	RetainTerminal time.Duration
}

// DefaultConfig returns the documented defaults: 5m ACTIVE, 10m
// CRITICAL, 5s sweep, 5m terminal retention.
func DefaultConfig() Config {
	return Config{
		ApprovalTTL:         5 * time.Minute,
		CriticalApprovalTTL: 10 * time.Minute,
		SweepInterval:       5 * time.Second,
		RetainTerminal:      5 * time.Minute,
	}
}

// Engine tracks in-flight requests and applies the tier workflows.
type Engine struct {
	cfg      Config
	verifier *mfa.Verifier
	guards   *GuardEvaluator
	clock    Clock
	logger   *slog.Logger

	mu       sync.RWMutex
	requests map[string]*Request

	hookMu sync.RWMutex
	hook   func(Transition)
}

// NewEngine creates an engine. verifier is required (CRITICAL approvals
// cannot be validated without it); clock may be nil for wall time.
func NewEngine(cfg Config, verifier *mfa.Verifier, clock Clock) (*Engine, error) {
	if verifier == nil {
		return nil, errors.New("policy: mfa verifier is required")
	}
	if clock == nil {
		clock = wallClock{}
	}
	guards, err := NewGuardEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		verifier: verifier,
		guards:   guards,
		clock:    clock,
		requests: make(map[string]*Request),
		logger:   slog.Default().With("component", "policy"),
	}, nil
}

// OnTransition registers the observer invoked on every request state
// change, including creation (From == "").
func (e *Engine) OnTransition(fn func(Transition)) {
	e.hookMu.Lock()
	e.hook = fn
	e.hookMu.Unlock()
}

func (e *Engine) notify(t Transition) {
	e.hookMu.RLock()
	fn := e.hook
	e.hookMu.RUnlock()
	if fn != nil {
		fn(t)
	}
}

// Evaluate applies the tier workflow to a validated call. For ACTIVE
// and CRITICAL tiers it creates a PENDING request; the caller must
// Await its resolution before dispatching.
func (e *Engine) Evaluate(sig *signature.ActionSignature, callID, sessionID string, args map[string]any) (Clearance, error) {
	if sig.Guard != "" {
		ok, err := e.guards.Evaluate(sig.Guard, args)
		if err != nil {
			// A guard that cannot be evaluated fails closed.
			return Clearance{}, fmt.Errorf("%w: %v", ErrGuardDenied, err)
		}
		if !ok {
			return Clearance{}, ErrGuardDenied
		}
	}

	wf := sig.Tier.Workflow()
	if !wf.RequiresApproval {
		if wf.AuditBeforeDispatch {
			return Clearance{Kind: ClearanceAudited}, nil
		}
		return Clearance{Kind: ClearanceImmediate}, nil
	}

	ttl := e.cfg.ApprovalTTL
	if sig.Tier == tier.Critical {
		ttl = e.cfg.CriticalApprovalTTL
	}
	now := e.clock.Now()
	req := &Request{
		ID:        uuid.New().String(),
		CallID:    callID,
		SessionID: sessionID,
		Action:    sig.Name,
		Tier:      sig.Tier,
		CreatedAt: now,
		Deadline:  now.Add(ttl),
		state:     StatePending,
		done:      make(chan Resolution, 1),
	}

	e.mu.Lock()
	e.requests[req.ID] = req
	e.mu.Unlock()

	e.notify(Transition{Request: req.Snapshot(), From: "", To: StatePending, By: sessionID, At: now})
	return Clearance{Kind: ClearancePending, Request: req}, nil
}

// Get returns a view of the request, applying lazy expiry first.
func (e *Engine) Get(requestID string) (RequestView, error) {
	req, err := e.lookup(requestID)
	if err != nil {
		return RequestView{}, err
	}
	e.expireIfDue(req)
	return req.Snapshot(), nil
}

// Pending lists all requests still awaiting resolution.
func (e *Engine) Pending() []RequestView {
	e.mu.RLock()
	reqs := make([]*Request, 0, len(e.requests))
	for _, r := range e.requests {
		reqs = append(reqs, r)
	}
	e.mu.RUnlock()

	var out []RequestView
	for _, r := range reqs {
		e.expireIfDue(r)
		if view := r.Snapshot(); view.State == StatePending {
			out = append(out, view)
		}
	}
	return out
}

// Resolve applies an external approval or denial. For CRITICAL requests
// an approval must carry a proof bound to this request and inside the
// freshness window; otherwise the signal is rejected with
// ErrProofRequired and the request remains PENDING. Signals against a
// terminal request return ErrAlreadyResolved and change nothing.
func (e *Engine) Resolve(requestID string, decision Decision, resolvedBy, proofToken string) error {
	req, err := e.lookup(requestID)
	if err != nil {
		return err
	}
	e.expireIfDue(req)
	now := e.clock.Now()

	req.mu.Lock()
	if req.state.Terminal() {
		req.mu.Unlock()
		return ErrAlreadyResolved
	}

	switch decision {
	case DecisionApprove:
		if req.Tier.Workflow().RequiresMFA {
			if proofToken == "" {
				req.mu.Unlock()
				return ErrProofRequired
			}
			if err := e.verifier.Verify(proofToken, req.ID, now); err != nil {
				req.mu.Unlock()
				return fmt.Errorf("%w: %v", ErrProofRequired, err)
			}
		}
		e.transitionLocked(req, StateApproved, Resolution{
			State:      StateApproved,
			ResolvedBy: resolvedBy,
			ResolvedAt: now,
			ProofToken: proofToken,
		})
	case DecisionDeny:
		e.transitionLocked(req, StateDenied, Resolution{
			State:      StateDenied,
			Reason:     ReasonApprovalDenied,
			ResolvedBy: resolvedBy,
			ResolvedAt: now,
		})
	default:
		req.mu.Unlock()
		return fmt.Errorf("unknown decision %q", decision)
	}
	return nil
}

// Cancel lets the originating session withdraw a PENDING request. The
// result is a terminal DENIED with reason cancelled_by_session.
func (e *Engine) Cancel(requestID, sessionID string) error {
	req, err := e.lookup(requestID)
	if err != nil {
		return err
	}
	if req.SessionID != sessionID {
		return ErrNotRequestOwner
	}
	e.expireIfDue(req)

	req.mu.Lock()
	if req.state.Terminal() {
		req.mu.Unlock()
		return ErrAlreadyResolved
	}
	e.transitionLocked(req, StateDenied, Resolution{
		State:      StateDenied,
		Reason:     ReasonCancelledBySession,
		ResolvedBy: sessionID,
		ResolvedAt: e.clock.Now(),
	})
	return nil
}

// Await blocks until the request resolves or ctx is done. The call
// holds no lock while waiting; many calls may be parked here without
// blocking each other.
func (e *Engine) Await(ctx context.Context, req *Request) (Resolution, error) {
	select {
	case res := <-req.done:
		// Re-buffer so a second Await (or an inspection) still sees it.
		req.done <- res
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// CheckFreshAtDispatch re-validates an approved CRITICAL resolution at
// dispatch time. An approval whose proof aged out of the window fails
// closed with ErrStaleAuthorization.
func (e *Engine) CheckFreshAtDispatch(req *Request, res Resolution) error {
	if res.State != StateApproved || !req.Tier.Workflow().RequiresMFA {
		return nil
	}
	if err := e.verifier.Verify(res.ProofToken, req.ID, e.clock.Now()); err != nil {
		return fmt.Errorf("%w: %v", ErrStaleAuthorization, err)
	}
	return nil
}

// Run drives the expiry sweeper until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep expires every overdue PENDING request once and discards
// requests that have been terminal longer than the retention window.
// The audit trail keeps the durable record of discarded requests.
func (e *Engine) Sweep() {
	e.mu.RLock()
	reqs := make([]*Request, 0, len(e.requests))
	for _, r := range e.requests {
		reqs = append(reqs, r)
	}
	e.mu.RUnlock()

	retain := e.cfg.RetainTerminal
	if retain <= 0 {
		retain = 5 * time.Minute
	}
	now := e.clock.Now()
	for _, r := range reqs {
		e.expireIfDue(r)
		r.mu.Lock()
		discard := r.state.Terminal() && now.Sub(r.resolution.ResolvedAt) >= retain
		r.mu.Unlock()
		if discard {
			e.mu.Lock()
			delete(e.requests, r.ID)
			e.mu.Unlock()
		}
	}
}

func (e *Engine) lookup(requestID string) (*Request, error) {
	e.mu.RLock()
	req, ok := e.requests[requestID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return req, nil
}

func (e *Engine) expireIfDue(req *Request) {
	now := e.clock.Now()
	req.mu.Lock()
	if req.state.Terminal() || now.Before(req.Deadline) {
		req.mu.Unlock()
		return
	}
	e.transitionLocked(req, StateExpired, Resolution{
		State:      StateExpired,
		Reason:     ReasonApprovalExpired,
		ResolvedBy: "gateway",
		ResolvedAt: now,
	})
}

// transitionLocked finalizes a request. Caller holds req.mu; the lock
// is released here after the single delivery on done.
func (e *Engine) transitionLocked(req *Request, to State, res Resolution) {
	from := req.state
	req.state = to
	req.resolution = res
	req.done <- res
	view := req.snapshotLocked()
	req.mu.Unlock()

	e.logger.Info("authorization request resolved",
		"request_id", req.ID, "call_id", req.CallID,
		"from", string(from), "to", string(to), "by", res.ResolvedBy)
	e.notify(Transition{Request: view, From: from, To: to, By: res.ResolvedBy, At: res.ResolvedAt})
}

// snapshotLocked is Snapshot for callers already holding req.mu.
func (r *Request) snapshotLocked() RequestView {
	view := RequestView{
		ID:        r.ID,
		CallID:    r.CallID,
		SessionID: r.SessionID,
		Action:    r.Action,
		Tier:      r.Tier,
		State:     r.state,
		CreatedAt: r.CreatedAt,
		Deadline:  r.Deadline,
	}
	if r.state.Terminal() {
		view.ResolvedBy = r.resolution.ResolvedBy
		view.ResolvedAt = r.resolution.ResolvedAt
		view.Reason = r.resolution.Reason
	}
	return view
}
