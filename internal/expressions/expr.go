package expressions

import (
	"context"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/secretkv/pkg/schema"
)

// KeyPolicy is a compiled expr-lang predicate every newly written key must
// satisfy, e.g.
//
//	len(key) <= 64 && key matches "^[a-z0-9_.-]+$"
//
// The only variable is `key` (string). Unknown names and non-boolean results
// are rejected when the policy is compiled. A KeyPolicy is immutable and safe
// for concurrent use.
type KeyPolicy struct {
	source  string
	program *vm.Program
}

// policyEnv declares the variables visible to a key policy.
func policyEnv(key string) map[string]any {
	return map[string]any{VarKey: key}
}

// CompileKeyPolicy type-checks expression against the policy environment.
func CompileKeyPolicy(expression string) (*KeyPolicy, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty key policy")
	}

	program, err := expr.Compile(expression,
		expr.Env(policyEnv("")),
		expr.AsBool(),
	)
	if err != nil {
		return nil, exprError(schema.ErrCodeValidation, "key policy", "compile", expression, err)
	}
	return &KeyPolicy{source: expression, program: program}, nil
}

// String returns the policy source.
func (p *KeyPolicy) String() string { return p.source }

// Allows reports whether key satisfies the policy.
func (p *KeyPolicy) Allows(_ context.Context, key string) (bool, error) {
	out, err := vm.Run(p.program, policyEnv(key))
	if err != nil {
		return false, exprError(schema.ErrCodeExecution, "key policy", "evaluation", p.source, err)
	}
	// AsBool guarantees the type.
	return out.(bool), nil
}
