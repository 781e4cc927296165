// Package validate implements the static validator: every
// agent-proposed call is checked against the signature registry before
// any authorization or dispatch step, independent of trust tier. The
// validator is closed-world: arguments not present in the declared
// parameter list are rejected, never passed through.
package validate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jothamO/prism-app/pkg/signature"
)

// MismatchKind categorizes a validation failure.
type MismatchKind string

const (
	MismatchUnknownAction       MismatchKind = "unknown_action"
	MismatchMissingParameter    MismatchKind = "missing_parameter"
	MismatchTypeMismatch        MismatchKind = "type_mismatch"
	MismatchUnexpectedParameter MismatchKind = "unexpected_parameter"
)

// Mismatch is a single validation failure.
type Mismatch struct {
	Kind     MismatchKind `json:"kind"`
	Param    string       `json:"param,omitempty"`
	Expected string       `json:"expected,omitempty"`
	Actual   string       `json:"actual,omitempty"`
	Detail   string       `json:"detail,omitempty"`
}

func (m Mismatch) String() string {
	switch m.Kind {
	case MismatchUnknownAction:
		return "unknown action"
	case MismatchMissingParameter:
		return fmt.Sprintf("missing required parameter %q", m.Param)
	case MismatchTypeMismatch:
		return fmt.Sprintf("parameter %q: expected %s, got %s", m.Param, m.Expected, m.Actual)
	case MismatchUnexpectedParameter:
		return fmt.Sprintf("unexpected parameter %q", m.Param)
	}
	return string(m.Kind)
}

// Result is the outcome of validating one proposed call. It is a pure
// function of (call, registry): no side effects, fully deterministic.
type Result struct {
	Valid      bool
	Signature  *signature.ActionSignature // set when Valid
	Args       map[string]any             // normalized arguments when Valid
	Mismatches []Mismatch                 // populated when !Valid
}

// Reason renders the mismatches as a single human-readable string.
func (r Result) Reason() string {
	parts := make([]string, 0, len(r.Mismatches))
	for _, m := range r.Mismatches {
		parts = append(parts, m.String())
	}
	return strings.Join(parts, "; ")
}

// Validator checks proposed calls against a frozen registry. JSON
// schemas declared on mapping parameters are compiled once here, at
// construction, so Validate stays allocation-light and deterministic.
type Validator struct {
	registry *signature.Registry
	schemas  map[string]*jsonschema.Schema // "<action>/<param>" -> compiled schema
}

// New compiles a Validator for the registry. Fails if any declared
// parameter schema does not compile; the registry is trusted input, so
// a bad schema is a boot-time error, not a runtime condition.
func New(reg *signature.Registry) (*Validator, error) {
	v := &Validator{
		registry: reg,
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, name := range reg.Names() {
		sig, err := reg.Lookup(name)
		if err != nil {
			return nil, err
		}
		for _, p := range sig.Params {
			if p.Type.Kind != signature.KindMapping || p.Type.Schema == "" {
				continue
			}
			compiled, err := compileSchema(name, p.Name, p.Type.Schema)
			if err != nil {
				return nil, fmt.Errorf("validate: action %q param %q: %w", name, p.Name, err)
			}
			v.schemas[name+"/"+p.Name] = compiled
		}
	}
	return v, nil
}

func compileSchema(action, param, src string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://prism.schemas.local/actions/%s/%s.schema.json", action, param)
	if err := c.AddResource(url, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("schema load failed: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile failed: %w", err)
	}
	return compiled, nil
}

// Validate checks the proposed call shape against the registry. All
// mismatches are collected so the caller sees every problem at once.
func (v *Validator) Validate(actionName string, args map[string]any) Result {
	sig, err := v.registry.Lookup(actionName)
	if err != nil {
		if errors.Is(err, signature.ErrUnknownAction) {
			return Result{Mismatches: []Mismatch{{Kind: MismatchUnknownAction, Detail: actionName}}}
		}
		return Result{Mismatches: []Mismatch{{Kind: MismatchUnknownAction, Detail: err.Error()}}}
	}

	var mismatches []Mismatch
	normalized := make(map[string]any, len(sig.Params))

	for _, p := range sig.Params {
		raw, present := args[p.Name]
		if !present {
			if p.Required {
				mismatches = append(mismatches, Mismatch{
					Kind:  MismatchMissingParameter,
					Param: p.Name,
				})
				continue
			}
			// Optional parameters are present in the normalized mapping,
			// carrying the declared default (or nil when none exists).
			normalized[p.Name] = p.Default
			continue
		}
		coerced, mm := v.checkType(sig.Name, p.Name, p.Type, raw)
		if mm != nil {
			mismatches = append(mismatches, *mm)
			continue
		}
		normalized[p.Name] = coerced
	}

	// Closed world: undeclared fields are mismatches, not pass-through.
	for supplied := range args {
		if _, declared := sig.Param(supplied); !declared {
			mismatches = append(mismatches, Mismatch{
				Kind:  MismatchUnexpectedParameter,
				Param: supplied,
			})
		}
	}

	if len(mismatches) > 0 {
		return Result{Mismatches: mismatches}
	}
	return Result{Valid: true, Signature: sig, Args: normalized}
}

// checkType verifies raw against the declared type and returns the
// canonical form: float64 for numbers, int64 for integers, string for
// strings and enums, bool, map[string]any, []any.
func (v *Validator) checkType(action, param string, t signature.Type, raw any) (any, *Mismatch) {
	fail := func(actual any) (any, *Mismatch) {
		return nil, &Mismatch{
			Kind:     MismatchTypeMismatch,
			Param:    param,
			Expected: t.String(),
			Actual:   typeName(actual),
		}
	}

	switch t.Kind {
	case signature.KindNumber:
		f, ok := asFloat(raw)
		if !ok {
			return fail(raw)
		}
		return f, nil

	case signature.KindInteger:
		f, ok := asFloat(raw)
		if !ok || math.Trunc(f) != f {
			return fail(raw)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which overflows
		// int64, so the upper bound is exclusive.
		if f < math.MinInt64 || f >= math.MaxInt64 {
			return fail(raw)
		}
		return int64(f), nil

	case signature.KindString:
		s, ok := raw.(string)
		if !ok {
			return fail(raw)
		}
		return s, nil

	case signature.KindBool:
		b, ok := raw.(bool)
		if !ok {
			return fail(raw)
		}
		return b, nil

	case signature.KindEnum:
		s, ok := raw.(string)
		if !ok {
			return fail(raw)
		}
		for _, allowed := range t.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, &Mismatch{
			Kind:     MismatchTypeMismatch,
			Param:    param,
			Expected: "one of " + strings.Join(t.Values, "|"),
			Actual:   fmt.Sprintf("%q", s),
		}

	case signature.KindMapping:
		m, ok := raw.(map[string]any)
		if !ok {
			return fail(raw)
		}
		if schema, has := v.schemas[action+"/"+param]; has {
			if err := schema.Validate(m); err != nil {
				return nil, &Mismatch{
					Kind:     MismatchTypeMismatch,
					Param:    param,
					Expected: "mapping matching declared schema",
					Actual:   "mapping",
					Detail:   err.Error(),
				}
			}
		}
		return m, nil

	case signature.KindList:
		list, ok := raw.([]any)
		if !ok {
			return fail(raw)
		}
		if t.Elem == nil {
			return list, nil
		}
		out := make([]any, len(list))
		for i, elem := range list {
			coerced, mm := v.checkType(action, fmt.Sprintf("%s[%d]", param, i), *t.Elem, elem)
			if mm != nil {
				return nil, mm
			}
			out[i] = coerced
		}
		return out, nil
	}
	return fail(raw)
}

// asFloat accepts the numeric representations JSON decoding and native
// Go callers produce.
func asFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, float32, int, int32, int64:
		return "number"
	case map[string]any:
		return "mapping"
	case []any:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}
