package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ConditionEvaluator compiles and runs policy condition expressions.
// Conditions see three string variables: principal, action, resource.
// Compiled programs are cached per expression; the double-checked write path
// keeps the hot path on the read lock.
type ConditionEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewConditionEvaluator builds the CEL environment.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	return &ConditionEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

// Compile validates an expression without running it, used when a policy is
// created so a broken condition never reaches the hot path.
func (e *ConditionEvaluator) Compile(expr string) error {
	if expr == "" {
		return nil
	}
	_, err := e.program(expr)
	return err
}

// Evaluate runs the condition. An empty expression is vacuously true.
// Any evaluation error is returned to the caller, which fails closed.
func (e *ConditionEvaluator) Evaluate(expr, principal, action, resource string) (bool, error) {
	if expr == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"principal": principal,
		"action":    action,
		"resource":  resource,
	})
	if err != nil {
		return false, fmt.Errorf("policy: condition eval: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: condition %q is not boolean", expr)
	}
	return allowed, nil
}

func (e *ConditionEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: condition compile: %w", issues.Err())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10_000),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: condition program: %w", err)
	}
	e.cache[expr] = prg
	return prg, nil
}
