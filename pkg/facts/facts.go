// Package facts defines the outbound fact-store boundary. Facts are
// durable, entity-keyed tenant state; a new fact with the same
// (tenant, layer, entity) key supersedes the previous one. The store is
// an external collaborator of the gateway: the gatekeeper issues
// supersedes and waits for the acknowledgement before marking an
// outcome completed.
package facts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned by lookups that miss.
var ErrNotFound = errors.New("fact not found")

// Key identifies a fact slot. Writes to the same key are last-write-wins.
type Key struct {
	Tenant string `json:"tenant"`
	Layer  string `json:"layer"`
	Entity string `json:"entity"`
}

func (k Key) String() string {
	return k.Tenant + "/" + k.Layer + "/" + k.Entity
}

// Fact is one durable record.
type Fact struct {
	Key        Key            `json:"key"`
	Content    map[string]any `json:"content"`
	Confidence float64        `json:"confidence"`
	Version    int64          `json:"version"`
	StoredAt   time.Time      `json:"stored_at"`
}

// Ack confirms a supersede. SupersededVersion is 0 when the key was
// previously empty, letting callers detect lineage.
type Ack struct {
	Key               Key   `json:"key"`
	Version           int64 `json:"version"`
	SupersededVersion int64 `json:"superseded_version"`
}

// Store is the fact-store contract the gatekeeper dispatches against.
type Store interface {
	// Supersede writes a new fact at its key, replacing whatever was
	// there. The returned Ack is the store's commitment that the write
	// is durable.
	Supersede(ctx context.Context, fact Fact) (Ack, error)
	// Active returns the current facts for a tenant, optionally
	// filtered by layer ("" means all layers).
	Active(ctx context.Context, tenant, layer string) ([]Fact, error)
}

// MemoryStore is the in-process implementation used in tests and
// single-node deployments.
type MemoryStore struct {
	mu    sync.RWMutex
	facts map[Key]Fact
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{facts: make(map[Key]Fact)}
}

func (s *MemoryStore) Supersede(_ context.Context, fact Fact) (Ack, error) {
	if fact.Key.Tenant == "" || fact.Key.Layer == "" || fact.Key.Entity == "" {
		return Ack{}, fmt.Errorf("incomplete fact key %q", fact.Key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.facts[fact.Key] // zero value when absent
	fact.Version = prev.Version + 1
	if fact.StoredAt.IsZero() {
		fact.StoredAt = time.Now().UTC()
	}
	s.facts[fact.Key] = fact
	return Ack{Key: fact.Key, Version: fact.Version, SupersededVersion: prev.Version}, nil
}

func (s *MemoryStore) Active(_ context.Context, tenant, layer string) ([]Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Fact
	for key, fact := range s.facts {
		if key.Tenant != tenant {
			continue
		}
		if layer != "" && key.Layer != layer {
			continue
		}
		out = append(out, fact)
	}
	return out, nil
}

// Get returns the current fact at key.
func (s *MemoryStore) Get(_ context.Context, key Key) (Fact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fact, ok := s.facts[key]
	if !ok {
		return Fact{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fact, nil
}
