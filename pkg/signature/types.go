// Package signature holds the declared contracts for every external
// action the agent may invoke: parameter signatures, return shapes, and
// the trust tier each action is registered under. The registry is built
// once at startup from the trusted declaration set and is immutable
// afterwards.
package signature

import (
	"log/slog"

	"github.com/jothamO/prism-app/pkg/canonicalize"
	"github.com/jothamO/prism-app/pkg/tier"
)

// Kind enumerates the semantic types a parameter value may have.
type Kind string

const (
	KindNumber  Kind = "number"  // any numeric value
	KindInteger Kind = "integer" // numeric value with no fractional part
	KindString  Kind = "string"
	KindBool    Kind = "bool"
	KindMapping Kind = "mapping" // structured object, optionally schema-checked
	KindEnum    Kind = "enum"    // string restricted to a fixed set
	KindList    Kind = "list"    // homogeneous list of Elem
)

// Type describes the semantic type of a parameter.
type Type struct {
	Kind Kind
	// Elem is the element type for KindList.
	Elem *Type
	// Values is the allowed set for KindEnum.
	Values []string
	// Schema is an optional JSON Schema (draft 2020-12) source applied
	// to KindMapping values. Empty means any object is accepted.
	Schema string
}

// Convenience constructors for the common types.
func Number() Type  { return Type{Kind: KindNumber} }
func Integer() Type { return Type{Kind: KindInteger} }
func String() Type  { return Type{Kind: KindString} }
func Bool() Type    { return Type{Kind: KindBool} }

// Mapping returns a structured-object type. schema may be empty.
func Mapping(schema string) Type { return Type{Kind: KindMapping, Schema: schema} }

// Enum returns a string type restricted to the given values.
func Enum(values ...string) Type { return Type{Kind: KindEnum, Values: values} }

// ListOf returns a homogeneous list type.
func ListOf(elem Type) Type { return Type{Kind: KindList, Elem: &elem} }

// String renders the type for error messages.
func (t Type) String() string {
	switch t.Kind {
	case KindList:
		if t.Elem != nil {
			return "list<" + t.Elem.String() + ">"
		}
		return "list"
	case KindEnum:
		return "enum"
	default:
		return string(t.Kind)
	}
}

// Param is a single declared parameter of an action.
type Param struct {
	Name     string
	Type     Type
	Required bool
	// Default is applied during normalization when an optional parameter
	// is absent. Nil means the parameter stays absent-as-nil.
	Default any
}

// ReturnShape describes what a dispatched action hands back.
type ReturnShape struct {
	Type        Type
	Description string
}

// FactKeySpec names the arguments that form the fact key for a
// fact-mutating action. The gatekeeper serializes dispatch per
// (tenant, layer, entity) derived from these argument names.
type FactKeySpec struct {
	TenantArg string
	LayerArg  string
	EntityArg string
}

// ActionSignature is the immutable declared contract of one action.
type ActionSignature struct {
	Name    string
	Params  []Param // declaration order is preserved
	Returns ReturnShape
	Tier    tier.Tier
	// Guard is an optional CEL expression over the normalized arguments
	// (bound as `args`). A false guard denies clearance before any
	// authorization request is created.
	Guard string
	// Mutates is non-nil for actions whose effect is a fact supersede.
	Mutates *FactKeySpec
}

// Param returns the declared parameter with the given name, if any.
func (s *ActionSignature) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Fingerprint computes a deterministic SHA-256 digest of the signature.
// The fingerprint is recorded in audit entries so a reader can tell
// exactly which contract a call was validated against.
func (s *ActionSignature) Fingerprint() string {
	type paramRepr struct {
		Name     string   `json:"name"`
		Type     string   `json:"type"`
		Required bool     `json:"required"`
		Enum     []string `json:"enum,omitempty"`
	}
	params := make([]paramRepr, 0, len(s.Params))
	for _, p := range s.Params {
		params = append(params, paramRepr{
			Name:     p.Name,
			Type:     p.Type.String(),
			Required: p.Required,
			Enum:     p.Type.Values,
		})
	}
	repr := struct {
		Name   string      `json:"name"`
		Tier   string      `json:"tier"`
		Params []paramRepr `json:"params"`
		Guard  string      `json:"guard,omitempty"`
	}{
		Name:   s.Name,
		Tier:   string(s.Tier),
		Params: params,
		Guard:  s.Guard,
	}

	hash, err := canonicalize.CanonicalHash(repr)
	if err != nil {
		slog.Error("signature: fingerprint canonicalization failed",
			"action", s.Name, "error", err)
		return "sha256:invalid"
	}
	return hash
}
