// Package audit implements the gateway's append-only audit trail.
// Every proposed call, validation result, authorization transition and
// action outcome is recorded as a hash-chained entry, so tampering with
// any historical record breaks the chain.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jothamO/prism-app/pkg/canonicalize"
)

// EventType categorizes audit entries.
type EventType string

const (
	EventProposal      EventType = "proposal"      // a call entered the gate
	EventValidation    EventType = "validation"    // validator verdict
	EventAuthorization EventType = "authorization" // request state transition
	EventOutcome       EventType = "outcome"       // terminal pipeline record
)

// Entry is a single immutable audit record.
type Entry struct {
	ID           string          `json:"id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         EventType       `json:"type"`
	SessionID    string          `json:"session_id,omitempty"`
	Actor        string          `json:"actor"` // session, approver, or "gateway"
	Action       string          `json:"action"`
	CallID       string          `json:"call_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

// Sink receives entries as they are appended. Sink failures are logged,
// never allowed to block the gate: the in-memory chain is the record of
// truth and sinks are projections of it.
type Sink interface {
	Write(ctx context.Context, e *Entry) error
}

// Clock supplies authority time for entries; injectable for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Log is the append-only, hash-chained audit log.
type Log struct {
	mu       sync.Mutex
	entries  []*Entry
	sequence uint64
	head     string
	clock    Clock
	sinks    []Sink
	logger   *slog.Logger
}

// NewLog creates an empty log. A nil clock selects the wall clock.
func NewLog(clock Clock, sinks ...Sink) *Log {
	if clock == nil {
		clock = wallClock{}
	}
	return &Log{
		head:   "genesis",
		clock:  clock,
		sinks:  sinks,
		logger: slog.Default().With("component", "audit"),
	}
}

// Append records a new entry linked to the chain head. payload may be
// any JSON-serializable value.
func (l *Log) Append(ctx context.Context, typ EventType, sessionID, actor, action, callID string, payload any) (*Entry, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("audit: payload marshal failed: %w", err)
		}
		raw = b
	}

	l.mu.Lock()
	l.sequence++
	entry := &Entry{
		ID:           uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    l.clock.Now().UTC(),
		Type:         typ,
		SessionID:    sessionID,
		Actor:        actor,
		Action:       action,
		CallID:       callID,
		Payload:      raw,
		PreviousHash: l.head,
	}
	hash, err := entryHash(entry)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	entry.Hash = hash
	l.entries = append(l.entries, entry)
	l.head = hash
	l.mu.Unlock()

	for _, sink := range l.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			l.logger.Error("audit sink write failed",
				"entry_id", entry.ID, "error", err)
		}
	}
	return entry, nil
}

// Entries returns a snapshot of the chain.
func (l *Log) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// VerifyChain walks the chain and checks every link and every entry
// hash. A false return means the log was mutated after the fact.
func (l *Log) VerifyChain() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := "genesis"
	for i, entry := range l.entries {
		if entry.PreviousHash != prev {
			return false, fmt.Errorf("audit: chain broken at sequence %d: previous hash mismatch", i+1)
		}
		want, err := entryHash(entry)
		if err != nil {
			return false, err
		}
		if entry.Hash != want {
			return false, fmt.Errorf("audit: entry %s content does not match its hash", entry.ID)
		}
		prev = entry.Hash
	}
	return true, nil
}

// entryHash computes the canonical digest of an entry, excluding the
// Hash field itself.
func entryHash(e *Entry) (string, error) {
	preimage := struct {
		ID           string          `json:"id"`
		Sequence     uint64          `json:"sequence"`
		Timestamp    time.Time       `json:"timestamp"`
		Type         EventType       `json:"type"`
		SessionID    string          `json:"session_id,omitempty"`
		Actor        string          `json:"actor"`
		Action       string          `json:"action"`
		CallID       string          `json:"call_id,omitempty"`
		Payload      json.RawMessage `json:"payload,omitempty"`
		PreviousHash string          `json:"previous_hash"`
	}{
		ID:           e.ID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp,
		Type:         e.Type,
		SessionID:    e.SessionID,
		Actor:        e.Actor,
		Action:       e.Action,
		CallID:       e.CallID,
		Payload:      e.Payload,
		PreviousHash: e.PreviousHash,
	}
	hash, err := canonicalize.CanonicalHash(preimage)
	if err != nil {
		return "", fmt.Errorf("audit: entry hash failed: %w", err)
	}
	return hash, nil
}
