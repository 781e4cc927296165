package gatekeeper_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/jothamO/prism-app/pkg/audit"
	"github.com/jothamO/prism-app/pkg/canonicalize"
	"github.com/jothamO/prism-app/pkg/facts"
	"github.com/jothamO/prism-app/pkg/gatekeeper"
	"github.com/jothamO/prism-app/pkg/mfa"
	"github.com/jothamO/prism-app/pkg/policy"
	"github.com/jothamO/prism-app/pkg/signature"
	"github.com/jothamO/prism-app/pkg/validate"
)

var mfaSecret = []byte("gatekeeper-test-secret")

type fixture struct {
	gate       *gatekeeper.Gatekeeper
	engine     *policy.Engine
	dispatcher *gatekeeper.FuncDispatcher
	store      *facts.MemoryStore
	auditLog   *audit.Log
	issuer     *mfa.Issuer
}

// fakeClock satisfies both the policy and gatekeeper clock interfaces.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, opts gatekeeper.Options) *fixture {
	return newClockedFixture(t, opts, nil)
}

func newClockedFixture(t *testing.T, opts gatekeeper.Options, clock *fakeClock) *fixture {
	t.Helper()

	reg, err := signature.BuildBuiltin()
	require.NoError(t, err)
	v, err := validate.New(reg)
	require.NoError(t, err)

	var engineClock policy.Clock
	if clock != nil {
		engineClock = clock
		opts.Clock = clock
	}
	verifier := mfa.NewVerifier(mfaSecret, 90*time.Second)
	engine, err := policy.NewEngine(policy.DefaultConfig(), verifier, engineClock)
	require.NoError(t, err)

	dispatcher := gatekeeper.NewFuncDispatcher()
	store := facts.NewMemoryStore()
	auditLog := audit.NewLog(nil)

	gate, err := gatekeeper.New(reg, v, engine, auditLog, dispatcher, store, opts)
	require.NoError(t, err)

	return &fixture{
		gate:       gate,
		engine:     engine,
		dispatcher: dispatcher,
		store:      store,
		auditLog:   auditLog,
		issuer:     mfa.NewIssuer(mfaSecret),
	}
}

func TestSubmit_ObservationalCompletesImmediately(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("get_active_facts", func(_ context.Context, args map[string]any) (any, error) {
		return []string{"fact-1"}, nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "get_active_facts",
		Args:      map[string]any{"user_id": "t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusCompleted, sub.Status)
	require.NotNil(t, sub.Outcome)
	assert.Equal(t, []string{"fact-1"}, sub.Outcome.Result)
	assert.Nil(t, sub.Pending)
	assert.Empty(t, f.engine.Pending(), "observational calls never create authorization requests")
}

func TestSubmit_ValidationFailureNeverDispatches(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	dispatched := false
	f.dispatcher.Register("file_vat_registration", func(_ context.Context, _ map[string]any) (any, error) {
		dispatched = true
		return nil, nil
	})

	// business_details missing entirely.
	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "file_vat_registration",
		Args:      map[string]any{"user_id": "t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusRejected, sub.Status)
	require.Len(t, sub.Mismatches, 1)
	assert.Equal(t, validate.MismatchMissingParameter, sub.Mismatches[0].Kind)
	assert.False(t, dispatched, "rejected calls must not reach dispatch")
	assert.Empty(t, f.engine.Pending())
}

func TestSubmit_UnknownActionRejected(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "drop_all_tables",
		Args:      map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusRejected, sub.Status)
	require.Len(t, sub.Mismatches, 1)
	assert.Equal(t, validate.MismatchUnknownAction, sub.Mismatches[0].Kind)
}

func TestSubmit_ActivePendingThenApproved(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("reclassify_transaction", func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"transaction_id": args["transaction_id"], "category": args["new_category"]}, nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "reclassify_transaction",
		Args: map[string]any{
			"user_id": "t1", "transaction_id": "tx1",
			"new_category": "travel", "reason": "misfiled",
		},
	})
	require.NoError(t, err)
	require.Equal(t, gatekeeper.StatusPending, sub.Status)
	require.NotNil(t, sub.Pending)

	require.NoError(t, f.engine.Resolve(sub.Pending.RequestID, policy.DecisionApprove, "operator-1", ""))
	f.gate.Drain()

	view, err := f.gate.Call(sub.Pending.CallID)
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusCompleted, view.Status)
	require.NotNil(t, view.Outcome)
	assert.Equal(t, map[string]any{"transaction_id": "tx1", "category": "travel"}, view.Outcome.Result)
}

func TestSubmit_ActivePendingThenDenied(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	dispatched := false
	f.dispatcher.Register("reclassify_transaction", func(_ context.Context, _ map[string]any) (any, error) {
		dispatched = true
		return nil, nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "reclassify_transaction",
		Args: map[string]any{
			"user_id": "t1", "transaction_id": "tx1",
			"new_category": "travel", "reason": "misfiled",
		},
	})
	require.NoError(t, err)
	require.Equal(t, gatekeeper.StatusPending, sub.Status)

	require.NoError(t, f.engine.Resolve(sub.Pending.RequestID, policy.DecisionDeny, "operator-1", ""))
	f.gate.Drain()

	view, err := f.gate.Call(sub.Pending.CallID)
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusFailed, view.Status)
	assert.Equal(t, gatekeeper.CodeApprovalDenied, view.Outcome.ErrorCode)
	assert.False(t, dispatched)
}

func TestSubmit_CriticalNeverCompletesWithoutProof(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("submit_tax_return", func(_ context.Context, _ map[string]any) (any, error) {
		return "filed", nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "submit_tax_return",
		Args: map[string]any{
			"user_id": "t1", "year": 2025,
			"return_data": map[string]any{
				"revenue":  50000.0,
				"expenses": 1200.0,
			},
		},
	})
	require.NoError(t, err)
	require.Equal(t, gatekeeper.StatusPending, sub.Status)

	// Approval without a proof is rejected; the request stays PENDING
	// and the call never completes.
	err = f.engine.Resolve(sub.Pending.RequestID, policy.DecisionApprove, "operator-1", "")
	assert.ErrorIs(t, err, policy.ErrProofRequired)

	view, err := f.gate.Call(sub.Pending.CallID)
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusPending, view.Status)
	assert.Nil(t, view.Outcome)

	// A proof bound to this request id approves and completes it.
	proof, err := f.issuer.Issue(sub.Pending.RequestID, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.engine.Resolve(sub.Pending.RequestID, policy.DecisionApprove, "operator-1", proof))
	f.gate.Drain()

	view, err = f.gate.Call(sub.Pending.CallID)
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusCompleted, view.Status)
	assert.Equal(t, "filed", view.Outcome.Result)
}

func TestSubmit_CancelledBySession(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("reclassify_transaction", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "reclassify_transaction",
		Args: map[string]any{
			"user_id": "t1", "transaction_id": "tx1",
			"new_category": "travel", "reason": "misfiled",
		},
	})
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel(sub.Pending.RequestID, "sess-1"))
	f.gate.Drain()

	view, err := f.gate.Call(sub.Pending.CallID)
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusFailed, view.Status)
	assert.Equal(t, gatekeeper.CodeCancelledBySession, view.Outcome.ErrorCode)
}

func TestSubmit_AdvisoryMutationWritesFact(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("store_atomic_fact", func(_ context.Context, args map[string]any) (any, error) {
		return "stored", nil
	})

	args := map[string]any{
		"user_id": "t1", "layer": "project", "entity_name": "acme-rebrand",
		"fact_content": map[string]any{"status": "kickoff"},
	}
	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1", Action: "store_atomic_fact", Args: args,
	})
	require.NoError(t, err)
	require.Equal(t, gatekeeper.StatusCompleted, sub.Status)
	require.NotNil(t, sub.Outcome.FactAck)
	assert.Equal(t, int64(1), sub.Outcome.FactAck.Version)
	assert.Equal(t, int64(0), sub.Outcome.FactAck.SupersededVersion)

	// Same key again supersedes, versions are monotone.
	sub2, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1", Action: "store_atomic_fact", Args: args,
	})
	require.NoError(t, err)
	require.Equal(t, gatekeeper.StatusCompleted, sub2.Status)
	assert.Equal(t, int64(2), sub2.Outcome.FactAck.Version)
	assert.Equal(t, int64(1), sub2.Outcome.FactAck.SupersededVersion)

	stored, err := f.store.Get(context.Background(), facts.Key{Tenant: "t1", Layer: "project", Entity: "acme-rebrand"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, stored.Confidence, "default confidence applied during normalization")
}

func TestSubmit_ConcurrentSameKeyMutationConflicts(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{DispatchTimeout: 100 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	f.dispatcher.Register("store_atomic_fact", func(ctx context.Context, _ map[string]any) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
			return "stored", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	args := map[string]any{
		"user_id": "t1", "layer": "project", "entity_name": "acme-rebrand",
		"fact_content": map[string]any{"status": "kickoff"},
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var first gatekeeper.Submission
	go func() {
		defer wg.Done()
		first, _ = f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
			SessionID: "sess-1", Action: "store_atomic_fact", Args: args,
		})
	}()

	<-started // the first call holds the fact-key slot now

	second, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-2", Action: "store_atomic_fact", Args: args,
	})
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusFailed, second.Status)
	assert.Equal(t, gatekeeper.CodeConcurrentFactConflict, second.Outcome.ErrorCode)

	close(release)
	wg.Wait()
	// The first call either finished inside its window or timed out;
	// either way it reached a terminal outcome.
	require.NotNil(t, first.Outcome)
}

func TestSubmit_DispatchTimeout(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{DispatchTimeout: 50 * time.Millisecond})
	f.dispatcher.Register("calculate_ytd", func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1", Action: "calculate_ytd",
		Args: map[string]any{"user_id": "t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusFailed, sub.Status)
	assert.Equal(t, gatekeeper.CodeActionTimeout, sub.Outcome.ErrorCode)
}

func TestSubmit_ActionFailedSurfacesDetail(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("query_tax_law", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, assert.AnError
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1", Action: "query_tax_law",
		Args: map[string]any{"question": "vat threshold?"},
	})
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusFailed, sub.Status)
	assert.Equal(t, gatekeeper.CodeActionFailed, sub.Outcome.ErrorCode)
	assert.Contains(t, sub.Outcome.ErrorDetail, assert.AnError.Error())
}

func TestSubmit_GuardDeniedIsRejected(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("create_project_draft", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1", Action: "create_project_draft",
		Args: map[string]any{
			"user_id": "t1", "project_name": "acme",
			"estimated_revenue": -500.0,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusRejected, sub.Status)
	assert.Empty(t, f.engine.Pending())
}

func TestAuditTrail_CoversFullLifecycle(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("reclassify_transaction", func(_ context.Context, _ map[string]any) (any, error) {
		return "ok", nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "reclassify_transaction",
		Args: map[string]any{
			"user_id": "t1", "transaction_id": "tx1",
			"new_category": "travel", "reason": "misfiled",
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.Resolve(sub.Pending.RequestID, policy.DecisionApprove, "operator-1", ""))
	f.gate.Drain()

	counts := map[audit.EventType]int{}
	for _, e := range f.auditLog.Entries() {
		if e.CallID == sub.Pending.CallID {
			counts[e.Type]++
		}
	}
	assert.Equal(t, 1, counts[audit.EventProposal])
	assert.Equal(t, 1, counts[audit.EventValidation])
	assert.Equal(t, 2, counts[audit.EventAuthorization], "pending creation and approval")
	assert.Equal(t, 1, counts[audit.EventOutcome])

	ok, err := f.auditLog.VerifyChain()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCall_UnknownID(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	_, err := f.gate.Call("missing")
	assert.ErrorIs(t, err, gatekeeper.ErrUnknownCall)
}

func TestSubmit_ApprovalExpiryFailsCall(t *testing.T) {
	clock := newFakeClock()
	f := newClockedFixture(t, gatekeeper.Options{}, clock)
	dispatched := false
	f.dispatcher.Register("reclassify_transaction", func(_ context.Context, _ map[string]any) (any, error) {
		dispatched = true
		return nil, nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "reclassify_transaction",
		Args: map[string]any{
			"user_id": "t1", "transaction_id": "tx1",
			"new_category": "travel", "reason": "misfiled",
		},
	})
	require.NoError(t, err)
	require.Equal(t, gatekeeper.StatusPending, sub.Status)

	clock.Advance(5*time.Minute + time.Second)
	f.engine.Sweep()
	f.gate.Drain()

	view, err := f.gate.Call(sub.Pending.CallID)
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.StatusFailed, view.Status)
	require.NotNil(t, view.Outcome)
	assert.Equal(t, gatekeeper.CodeApprovalExpired, view.Outcome.ErrorCode)
	assert.False(t, dispatched, "expired calls must not reach dispatch")
}

func TestSweep_DiscardsTerminalCalls(t *testing.T) {
	clock := newFakeClock()
	f := newClockedFixture(t, gatekeeper.Options{RetainTerminal: time.Minute}, clock)
	f.dispatcher.Register("get_active_facts", func(_ context.Context, _ map[string]any) (any, error) {
		return []string{"fact-1"}, nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "get_active_facts",
		Args:      map[string]any{"user_id": "t1"},
	})
	require.NoError(t, err)
	require.Equal(t, gatekeeper.StatusCompleted, sub.Status)
	callID := sub.Outcome.CallID

	// Inside the window the record is still queryable.
	clock.Advance(30 * time.Second)
	f.gate.Sweep()
	_, err = f.gate.Call(callID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	f.gate.Sweep()
	_, err = f.gate.Call(callID)
	assert.ErrorIs(t, err, gatekeeper.ErrUnknownCall)

	// The audit trail still holds the full lifecycle.
	var outcomes int
	for _, e := range f.auditLog.Entries() {
		if e.CallID == callID && e.Type == audit.EventOutcome {
			outcomes++
		}
	}
	assert.Equal(t, 1, outcomes)
}

type recordingInstruments struct {
	mu         sync.Mutex
	calls      []string
	dispatches []string
	opened     []string
	closed     []string
}

func (r *recordingInstruments) RecordCall(_ context.Context, action, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, action+"/"+status)
}

func (r *recordingInstruments) RecordDispatch(_ context.Context, action string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches = append(r.dispatches, action)
}

func (r *recordingInstruments) ApprovalOpened(_ context.Context, tier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, tier)
}

func (r *recordingInstruments) ApprovalClosed(_ context.Context, tier string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, tier)
}

func (r *recordingInstruments) StartSpan(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	return ctx, trace.SpanFromContext(ctx)
}

func (r *recordingInstruments) snapshot() (calls, dispatches, opened, closed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]string(nil), r.dispatches...),
		append([]string(nil), r.opened...), append([]string(nil), r.closed...)
}

func TestSubmit_EmitsTelemetry(t *testing.T) {
	ins := &recordingInstruments{}
	f := newFixture(t, gatekeeper.Options{Instruments: ins})
	f.dispatcher.Register("reclassify_transaction", func(_ context.Context, _ map[string]any) (any, error) {
		return "ok", nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "reclassify_transaction",
		Args: map[string]any{
			"user_id": "t1", "transaction_id": "tx1",
			"new_category": "travel", "reason": "misfiled",
		},
	})
	require.NoError(t, err)
	require.NoError(t, f.engine.Resolve(sub.Pending.RequestID, policy.DecisionApprove, "operator-1", ""))
	f.gate.Drain()

	calls, dispatches, opened, closed := ins.snapshot()
	assert.Equal(t, []string{"reclassify_transaction/completed"}, calls)
	assert.Equal(t, []string{"reclassify_transaction"}, dispatches)
	assert.Equal(t, []string{"ACTIVE"}, opened)
	assert.Equal(t, []string{"ACTIVE"}, closed)
}

func TestSubmit_TelemetryCountsFailures(t *testing.T) {
	ins := &recordingInstruments{}
	f := newFixture(t, gatekeeper.Options{Instruments: ins})

	_, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "file_vat_registration",
		Args:      map[string]any{"user_id": "t1"},
	})
	require.NoError(t, err)

	calls, dispatches, opened, _ := ins.snapshot()
	assert.Equal(t, []string{"file_vat_registration/rejected"}, calls)
	assert.Empty(t, dispatches, "rejected calls never dispatch")
	assert.Empty(t, opened)
}

func TestAudit_ProposalRecordsArgumentDigest(t *testing.T) {
	f := newFixture(t, gatekeeper.Options{})
	f.dispatcher.Register("get_active_facts", func(_ context.Context, _ map[string]any) (any, error) {
		return nil, nil
	})

	sub, err := f.gate.Submit(context.Background(), gatekeeper.ProposedCall{
		SessionID: "sess-1",
		Action:    "get_active_facts",
		Args:      map[string]any{"user_id": "t1"},
	})
	require.NoError(t, err)

	var proposal *audit.Entry
	for _, e := range f.auditLog.Entries() {
		if e.CallID == sub.Outcome.CallID && e.Type == audit.EventProposal {
			entry := e
			proposal = entry
			break
		}
	}
	require.NotNil(t, proposal)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(proposal.Payload, &payload))
	want, err := canonicalize.CanonicalHash(map[string]any{"user_id": "t1"})
	require.NoError(t, err)
	assert.Equal(t, want, payload["arguments_digest"])
	assert.Equal(t, 1.0, payload["argument_count"])
	assert.NotContains(t, payload, "arguments", "raw arguments stay out of the trail")
	assert.NotContains(t, string(proposal.Payload), "t1")
}
