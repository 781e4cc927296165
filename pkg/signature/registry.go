package signature

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDuplicateAction is returned when a name is registered twice.
	ErrDuplicateAction = errors.New("duplicate action")
	// ErrUnknownAction is returned when a lookup misses.
	ErrUnknownAction = errors.New("unknown action")
)

// Builder accumulates signatures during process initialization. It is
// not safe for concurrent use; build happens on one goroutine at boot.
type Builder struct {
	sigs map[string]*ActionSignature
}

// NewBuilder creates an empty registry builder.
func NewBuilder() *Builder {
	return &Builder{sigs: make(map[string]*ActionSignature)}
}

// Register adds a signature. Names are unique; re-registering fails.
func (b *Builder) Register(sig ActionSignature) error {
	if sig.Name == "" {
		return errors.New("signature has no name")
	}
	if !sig.Tier.Valid() {
		return fmt.Errorf("signature %q has invalid tier %q", sig.Name, sig.Tier)
	}
	if _, exists := b.sigs[sig.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAction, sig.Name)
	}
	seen := make(map[string]bool, len(sig.Params))
	for _, p := range sig.Params {
		if p.Name == "" {
			return fmt.Errorf("signature %q has unnamed parameter", sig.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("signature %q declares parameter %q twice", sig.Name, p.Name)
		}
		seen[p.Name] = true
	}
	if m := sig.Mutates; m != nil {
		for _, arg := range []string{m.TenantArg, m.LayerArg, m.EntityArg} {
			if _, ok := sig.Param(arg); !ok {
				return fmt.Errorf("signature %q fact key references undeclared parameter %q", sig.Name, arg)
			}
		}
	}
	copied := sig
	b.sigs[sig.Name] = &copied
	return nil
}

// Build freezes the builder into an immutable Registry. The builder
// must not be used afterwards.
func (b *Builder) Build() *Registry {
	frozen := make(map[string]*ActionSignature, len(b.sigs))
	names := make([]string, 0, len(b.sigs))
	for name, sig := range b.sigs {
		frozen[name] = sig
		names = append(names, name)
	}
	sort.Strings(names)
	b.sigs = nil
	return &Registry{sigs: frozen, names: names}
}

// Registry is the read-only signature table. It is populated once at
// startup from the trusted declaration set and never mutated, so
// concurrent lookups need no locking.
type Registry struct {
	sigs  map[string]*ActionSignature
	names []string
}

// Lookup returns the signature registered under name.
func (r *Registry) Lookup(name string) (*ActionSignature, error) {
	sig, ok := r.sigs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}
	return sig, nil
}

// Names returns all registered action names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Len returns the number of registered actions.
func (r *Registry) Len() int {
	return len(r.sigs)
}
