package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/secretkv/pkg/schema"
)

// Variables visible to listing filters and the key policy.
const (
	VarKey     = "key"
	VarDeleted = "deleted"
)

// CELEngine evaluates listing filters written in Common Expression Language.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment exposes:
//   - key:     string, the plaintext key
//   - deleted: bool, whether the latest value is a tombstone
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarKey, cel.StringType),
		cel.Variable(VarDeleted, cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Match reports whether a listed key satisfies filter.
func (e *CELEngine) Match(ctx context.Context, filter, key string, deleted bool) (bool, error) {
	prg, err := e.getOrCompile(filter)
	if err != nil {
		return false, err
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{
		VarKey:     key,
		VarDeleted: deleted,
	})
	if err != nil {
		return false, exprError(schema.ErrCodeExecution, "CEL", "evaluation", filter, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation, "CEL filter %q returned %T, want bool", filter, out.Value())
	}
	return b, nil
}

func (e *CELEngine) getOrCompile(filter string) (cel.Program, error) {
	if filter == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL filter")
	}

	e.mu.RLock()
	if prg, ok := e.cache[filter]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[filter]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, exprError(schema.ErrCodeValidation, "CEL", "compile", filter, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL filter %q has type %s, want bool", filter, ast.OutputType()).
			WithDetails(map[string]any{"expression": filter})
	}

	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, exprError(schema.ErrCodeValidation, "CEL", "program", filter, err)
	}

	e.cache[filter] = prg
	return prg, nil
}
