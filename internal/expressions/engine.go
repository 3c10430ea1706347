// Package expressions compiles the user-supplied expressions skv accepts:
// CEL listing filters, the expr-lang key policy, and jq dump transforms.
package expressions

import "github.com/rendis/secretkv/pkg/schema"

// exprError reports a failed compile or run of a user expression.
func exprError(code, lang, stage, expression string, err error) *schema.SkvError {
	return schema.NewErrorf(code, "%s %s failed for %q: %s", lang, stage, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
