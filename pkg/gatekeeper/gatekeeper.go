// Package gatekeeper orchestrates the action pipeline: every proposed
// call is validated against the signature registry, cleared through the
// tier policy engine, dispatched to the real implementation, and closed
// with exactly one immutable outcome. It is the only component in the
// gateway with externally observable side effects.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/jothamO/prism-app/pkg/audit"
	"github.com/jothamO/prism-app/pkg/canonicalize"
	"github.com/jothamO/prism-app/pkg/facts"
	"github.com/jothamO/prism-app/pkg/policy"
	"github.com/jothamO/prism-app/pkg/signature"
	"github.com/jothamO/prism-app/pkg/tier"
	"github.com/jothamO/prism-app/pkg/validate"
)

// Status is the caller-visible position of a call in the pipeline.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ProposedCall is one agent request entering the gate. It is consumed
// by Submit and, once terminal and past the retention window, discarded
// by Sweep.
type ProposedCall struct {
	ID         string         `json:"call_id"`
	SessionID  string         `json:"session_id"`
	Action     string         `json:"action_name"`
	Args       map[string]any `json:"arguments"`
	ProposedAt time.Time      `json:"proposed_at"`
}

// Outcome is the terminal record of a call. Produced exactly once,
// immutable afterwards.
type Outcome struct {
	CallID      string     `json:"call_id"`
	Action      string     `json:"action"`
	Status      Status     `json:"status"` // rejected, completed, or failed
	Result      any        `json:"result,omitempty"`
	FactAck     *facts.Ack `json:"fact_ack,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	EffectiveAt time.Time  `json:"effective_at"`
}

// PendingHandle references the authorization request a caller must wait
// on before its call can complete.
type PendingHandle struct {
	CallID    string    `json:"call_id"`
	RequestID string    `json:"request_id"`
	Tier      tier.Tier `json:"tier"`
	Deadline  time.Time `json:"deadline"`
}

// Submission is Submit's answer: either a terminal outcome or a
// pending handle, never both.
type Submission struct {
	Status     Status
	Outcome    *Outcome
	Pending    *PendingHandle
	Mismatches []validate.Mismatch
}

// CallView is the current state of a tracked call for status queries.
type CallView struct {
	CallID    string    `json:"call_id"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Status    Status    `json:"status"`
	RequestID string    `json:"request_id,omitempty"`
	Outcome   *Outcome  `json:"outcome,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clock supplies time; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Instruments receives pipeline telemetry: one count per terminal
// outcome, one duration per dispatcher invocation, and the open/close
// of every approval request. *observability.Provider implements it.
type Instruments interface {
	RecordCall(ctx context.Context, action, status string)
	RecordDispatch(ctx context.Context, action string, d time.Duration)
	ApprovalOpened(ctx context.Context, tier string)
	ApprovalClosed(ctx context.Context, tier string)
	StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span)
}

type noopInstruments struct{}

func (noopInstruments) RecordCall(context.Context, string, string)            {}
func (noopInstruments) RecordDispatch(context.Context, string, time.Duration) {}
func (noopInstruments) ApprovalOpened(context.Context, string)                {}
func (noopInstruments) ApprovalClosed(context.Context, string)                {}
func (noopInstruments) StartSpan(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

// Options configures a Gatekeeper.
type Options struct {
	// DispatchTimeout bounds a single dispatcher invocation, including
	// the wait for the fact-key slot. Zero selects 30s.
	DispatchTimeout time.Duration
	// RetainTerminal is how long a terminal call stays queryable before
	// Sweep discards its in-memory record. Zero selects 5m. The audit
	// trail remains the durable record after discard.
	RetainTerminal time.Duration
	Clock          Clock
	Logger         *slog.Logger
	// Instruments is optional; nil drops all telemetry.
	Instruments Instruments
}

// Gatekeeper drives proposed calls through the pipeline.
type Gatekeeper struct {
	registry   *signature.Registry
	validator  *validate.Validator
	engine     *policy.Engine
	auditLog   *audit.Log
	dispatcher Dispatcher
	factStore  facts.Store
	locks       *keyedLocks
	timeout     time.Duration
	retain      time.Duration
	clock       Clock
	logger      *slog.Logger
	instruments Instruments

	mu       sync.RWMutex
	calls    map[string]*callRecord
	halted   map[string]string // action -> violation detail
	inflight sync.WaitGroup
}

type callRecord struct {
	call      ProposedCall
	status    Status
	requestID string
	outcome   *Outcome
	createdAt time.Time
}

// New wires a gatekeeper. All collaborators are required except the
// fact store, which may be nil when no registered action mutates facts.
func New(reg *signature.Registry, v *validate.Validator, engine *policy.Engine, log *audit.Log, d Dispatcher, store facts.Store, opts Options) (*Gatekeeper, error) {
	if reg == nil || v == nil || engine == nil || log == nil || d == nil {
		return nil, errors.New("gatekeeper: registry, validator, engine, audit log and dispatcher are all required")
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.RetainTerminal <= 0 {
		opts.RetainTerminal = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = wallClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Instruments == nil {
		opts.Instruments = noopInstruments{}
	}
	g := &Gatekeeper{
		registry:    reg,
		validator:   v,
		engine:      engine,
		auditLog:    log,
		dispatcher:  d,
		factStore:   store,
		locks:       newKeyedLocks(),
		timeout:     opts.DispatchTimeout,
		retain:      opts.RetainTerminal,
		clock:       opts.Clock,
		logger:      opts.Logger.With("component", "gatekeeper"),
		instruments: opts.Instruments,
		calls:       make(map[string]*callRecord),
		halted:      make(map[string]string),
	}
	engine.OnTransition(g.onTransition)
	return g, nil
}

func (g *Gatekeeper) onTransition(t policy.Transition) {
	ctx := context.Background()
	switch {
	case t.From == "" && t.To == policy.StatePending:
		g.instruments.ApprovalOpened(ctx, string(t.Request.Tier))
	case t.From == policy.StatePending && t.To.Terminal():
		g.instruments.ApprovalClosed(ctx, string(t.Request.Tier))
	}
	_, err := g.auditLog.Append(ctx, audit.EventAuthorization,
		t.Request.SessionID, t.By, t.Request.Action, t.Request.CallID, t)
	if err != nil {
		g.logger.Error("audit append failed for authorization transition",
			"request_id", t.Request.ID, "error", err)
	}
}

// Submit runs the pipeline for one proposed call. Validation failures
// return a rejected outcome without touching authorization or dispatch.
// OBSERVATIONAL and ADVISORY calls dispatch synchronously; ACTIVE and
// CRITICAL calls return a PendingHandle and complete asynchronously
// once their authorization request resolves.
func (g *Gatekeeper) Submit(ctx context.Context, call ProposedCall) (Submission, error) {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	if call.ProposedAt.IsZero() {
		call.ProposedAt = g.clock.Now()
	}

	g.mu.Lock()
	if _, exists := g.calls[call.ID]; exists {
		g.mu.Unlock()
		return Submission{}, fmt.Errorf("duplicate call id %s", call.ID)
	}
	rec := &callRecord{call: call, status: StatusPending, createdAt: call.ProposedAt}
	g.calls[call.ID] = rec
	g.mu.Unlock()

	// The proposal record carries a canonical digest of the raw
	// arguments rather than the arguments themselves; they are not yet
	// validated and must not land verbatim in every sink.
	digest, err := canonicalize.CanonicalHash(call.Args)
	if err != nil {
		g.logger.Error("canonical digest failed", "call_id", call.ID, "error", err)
	}
	g.appendAudit(ctx, audit.EventProposal, call.SessionID, call.SessionID, call.Action, call.ID,
		map[string]any{"arguments_digest": digest, "argument_count": len(call.Args)})

	res := g.validator.Validate(call.Action, call.Args)
	g.appendAudit(ctx, audit.EventValidation, call.SessionID, "gateway", call.Action, call.ID,
		map[string]any{"valid": res.Valid, "mismatches": res.Mismatches})
	if !res.Valid {
		out := g.recordOutcome(ctx, call, Outcome{
			Status:      StatusRejected,
			ErrorDetail: res.Reason(),
		})
		return Submission{Status: StatusRejected, Outcome: out, Mismatches: res.Mismatches}, nil
	}

	if detail, halted := g.haltedFor(call.Action); halted {
		out := g.recordOutcome(ctx, call, Outcome{
			Status:      StatusFailed,
			ErrorCode:   CodeIntegrityHalt,
			ErrorDetail: detail,
		})
		return Submission{Status: StatusFailed, Outcome: out}, nil
	}

	clearance, err := g.engine.Evaluate(res.Signature, call.ID, call.SessionID, res.Args)
	if err != nil {
		if errors.Is(err, policy.ErrGuardDenied) {
			out := g.recordOutcome(ctx, call, Outcome{
				Status:      StatusRejected,
				ErrorDetail: err.Error(),
			})
			return Submission{Status: StatusRejected, Outcome: out}, nil
		}
		return Submission{}, err
	}

	switch clearance.Kind {
	case policy.ClearanceImmediate, policy.ClearanceAudited:
		// The audited tier's pre-dispatch record is the validation entry
		// above plus this dispatch record.
		out := g.dispatch(ctx, call, res.Signature, res.Args)
		return Submission{Status: out.Status, Outcome: out}, nil

	case policy.ClearancePending:
		req := clearance.Request
		g.mu.Lock()
		rec.requestID = req.ID
		g.mu.Unlock()

		g.inflight.Add(1)
		go g.completePending(call, res.Signature, res.Args, req)

		return Submission{Status: StatusPending, Pending: &PendingHandle{
			CallID:    call.ID,
			RequestID: req.ID,
			Tier:      res.Signature.Tier,
			Deadline:  req.Deadline,
		}}, nil
	}
	return Submission{}, fmt.Errorf("unhandled clearance kind %d", clearance.Kind)
}

// completePending finishes the pipeline for a call parked on an
// authorization request. No exclusive resource is held while waiting.
func (g *Gatekeeper) completePending(call ProposedCall, sig *signature.ActionSignature, args map[string]any, req *policy.Request) {
	defer g.inflight.Done()
	ctx := context.Background()

	res, err := g.engine.Await(ctx, req)
	if err != nil {
		g.logger.Error("await failed", "call_id", call.ID, "error", err)
		return
	}

	switch res.State {
	case policy.StateApproved:
		if err := g.engine.CheckFreshAtDispatch(req, res); err != nil {
			g.recordOutcome(ctx, call, Outcome{
				Status:      StatusFailed,
				ErrorCode:   CodeStaleAuthorization,
				ErrorDetail: err.Error(),
			})
			return
		}
		g.dispatch(ctx, call, sig, args)

	case policy.StateDenied:
		code := CodeApprovalDenied
		if res.Reason == policy.ReasonCancelledBySession {
			code = CodeCancelledBySession
		}
		g.recordOutcome(ctx, call, Outcome{
			Status:      StatusFailed,
			ErrorCode:   code,
			ErrorDetail: fmt.Sprintf("request %s denied by %s", req.ID, res.ResolvedBy),
		})

	case policy.StateExpired:
		g.recordOutcome(ctx, call, Outcome{
			Status:      StatusFailed,
			ErrorCode:   CodeApprovalExpired,
			ErrorDetail: fmt.Sprintf("request %s expired at %s", req.ID, req.Deadline.Format(time.RFC3339)),
		})
	}
}

// dispatch invokes the implementation under the dispatch timeout,
// serialized per fact key for mutating actions, and records the
// terminal outcome.
func (g *Gatekeeper) dispatch(ctx context.Context, call ProposedCall, sig *signature.ActionSignature, args map[string]any) *Outcome {
	dctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var factKey *facts.Key
	if sig.Mutates != nil {
		key, err := factKeyFromArgs(sig.Mutates, args)
		if err != nil {
			return g.recordOutcome(ctx, call, Outcome{
				Status:      StatusFailed,
				ErrorCode:   CodeActionFailed,
				ErrorDetail: err.Error(),
			})
		}
		if err := g.locks.Acquire(dctx, key.String()); err != nil {
			return g.recordOutcome(ctx, call, Outcome{
				Status:      StatusFailed,
				ErrorCode:   CodeConcurrentFactConflict,
				ErrorDetail: fmt.Sprintf("another mutation holds fact key %s", key),
			})
		}
		defer g.locks.Release(key.String())
		factKey = &key
	}

	sctx, span := g.instruments.StartSpan(dctx, "dispatch "+sig.Name)
	started := time.Now()
	result, err := g.dispatcher.Dispatch(sctx, sig.Name, args)
	g.instruments.RecordDispatch(ctx, sig.Name, time.Since(started))
	span.End()
	if err != nil {
		code := CodeActionFailed
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(dctx.Err(), context.DeadlineExceeded) {
			code = CodeActionTimeout
		}
		return g.recordOutcome(ctx, call, Outcome{
			Status:      StatusFailed,
			ErrorCode:   code,
			ErrorDetail: err.Error(),
		})
	}

	out := Outcome{Status: StatusCompleted, Result: result}
	if factKey != nil {
		ack, err := g.supersedeFact(dctx, *factKey, args)
		if err != nil {
			// No acknowledgement, no completed outcome.
			return g.recordOutcome(ctx, call, Outcome{
				Status:      StatusFailed,
				ErrorCode:   CodeActionFailed,
				ErrorDetail: fmt.Sprintf("fact supersede unacknowledged: %v", err),
			})
		}
		out.FactAck = &ack
	}
	return g.recordOutcome(ctx, call, out)
}

func (g *Gatekeeper) supersedeFact(ctx context.Context, key facts.Key, args map[string]any) (facts.Ack, error) {
	if g.factStore == nil {
		return facts.Ack{}, errors.New("no fact store configured")
	}
	fact := facts.Fact{Key: key, StoredAt: g.clock.Now()}
	if c, ok := args["fact_content"].(map[string]any); ok {
		fact.Content = c
	}
	if conf, ok := args["confidence"].(float64); ok {
		fact.Confidence = conf
	} else {
		fact.Confidence = 1.0
	}
	return g.factStore.Supersede(ctx, fact)
}

func factKeyFromArgs(spec *signature.FactKeySpec, args map[string]any) (facts.Key, error) {
	str := func(arg string) (string, error) {
		v, ok := args[arg].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("fact key argument %q missing or not a string", arg)
		}
		return v, nil
	}
	tenant, err := str(spec.TenantArg)
	if err != nil {
		return facts.Key{}, err
	}
	layer, err := str(spec.LayerArg)
	if err != nil {
		return facts.Key{}, err
	}
	entity, err := str(spec.EntityArg)
	if err != nil {
		return facts.Key{}, err
	}
	return facts.Key{Tenant: tenant, Layer: layer, Entity: entity}, nil
}

// recordOutcome finalizes a call exactly once. A second terminal record
// for the same call is an integrity violation: the first outcome stands
// and the action class is halted.
func (g *Gatekeeper) recordOutcome(ctx context.Context, call ProposedCall, out Outcome) *Outcome {
	out.CallID = call.ID
	out.Action = call.Action
	out.EffectiveAt = g.clock.Now()

	g.mu.Lock()
	rec := g.calls[call.ID]
	if rec != nil && rec.outcome != nil {
		prev := rec.outcome
		g.halted[call.Action] = fmt.Sprintf("duplicate terminal outcome for call %s", call.ID)
		g.mu.Unlock()
		g.logger.Error("integrity violation: duplicate terminal outcome, halting action class",
			"call_id", call.ID, "action", call.Action)
		return prev
	}
	if rec != nil {
		rec.status = out.Status
		rec.outcome = &out
	}
	g.mu.Unlock()

	g.instruments.RecordCall(ctx, call.Action, string(out.Status))
	g.appendAudit(ctx, audit.EventOutcome, call.SessionID, "gateway", call.Action, call.ID, out)
	g.logger.Info("call resolved",
		"call_id", call.ID, "action", call.Action,
		"status", string(out.Status), "error_code", out.ErrorCode)
	return &out
}

func (g *Gatekeeper) haltedFor(action string) (string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	detail, ok := g.halted[action]
	return detail, ok
}

func (g *Gatekeeper) appendAudit(ctx context.Context, typ audit.EventType, sessionID, actor, action, callID string, payload any) {
	if _, err := g.auditLog.Append(ctx, typ, sessionID, actor, action, callID, payload); err != nil {
		g.logger.Error("audit append failed", "call_id", callID, "type", string(typ), "error", err)
	}
}

// Call returns the tracked state of a call.
func (g *Gatekeeper) Call(callID string) (CallView, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.calls[callID]
	if !ok {
		return CallView{}, fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	return CallView{
		CallID:    rec.call.ID,
		SessionID: rec.call.SessionID,
		Action:    rec.call.Action,
		Status:    rec.status,
		RequestID: rec.requestID,
		Outcome:   rec.outcome,
		CreatedAt: rec.createdAt,
	}, nil
}

// Sweep discards call records that have been terminal longer than the
// retention window. The audit trail keeps the durable record; Call
// answers ErrUnknownCall for discarded ids.
func (g *Gatekeeper) Sweep() {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, rec := range g.calls {
		if rec.outcome != nil && now.Sub(rec.outcome.EffectiveAt) >= g.retain {
			delete(g.calls, id)
		}
	}
}

// Run drives the retention sweeper until ctx is cancelled.
func (g *Gatekeeper) Run(ctx context.Context) {
	interval := g.retain / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Drain waits for all asynchronously completing calls to finish. Used
// on shutdown and in tests.
func (g *Gatekeeper) Drain() {
	g.inflight.Wait()
}
