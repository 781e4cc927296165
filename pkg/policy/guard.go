package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// GuardEvaluator evaluates per-signature CEL guard expressions over the
// normalized argument mapping (bound as `args`). Compiled programs are
// cached; the guard set is fixed at registry build time so the cache
// only ever grows to the number of guarded signatures.
type GuardEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewGuardEvaluator creates an evaluator with the standard environment.
func NewGuardEvaluator() (*GuardEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("args", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	return &GuardEvaluator{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Evaluate runs the expression against args. Non-boolean results are
// errors (guards must be predicates).
func (g *GuardEvaluator) Evaluate(expr string, args map[string]any) (bool, error) {
	prg, err := g.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{"args": args})
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard %q returned %T, want bool", expr, out.Value())
	}
	return result, nil
}

func (g *GuardEvaluator) program(expr string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.cache[expr]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("guard compile failed: %w", issues.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("guard program failed: %w", err)
	}

	g.mu.Lock()
	g.cache[expr] = prg
	g.mu.Unlock()
	return prg, nil
}
