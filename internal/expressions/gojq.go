package expressions

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/secretkv/pkg/schema"
)

// DumpTransform is the outcome of running a jq program over a dump document.
type DumpTransform struct {
	// Output is what gets written in place of the document. Several jq
	// outputs are collected into a []any; no output is nil.
	Output any
	// Keys are the entry keys, as written, still present in Output. Only an
	// object output with an "entries" array carries keys.
	Keys []string
}

// DumpTransformer runs jq programs over dump documents before they are
// written. Compiled programs are cached; the transformer is safe for
// concurrent use.
type DumpTransformer struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewDumpTransformer creates a DumpTransformer with an empty program cache.
func NewDumpTransformer() *DumpTransformer {
	return &DumpTransformer{cache: make(map[string]*gojq.Code)}
}

// Transform runs query with doc as input.
func (t *DumpTransformer) Transform(ctx context.Context, query string, doc *schema.DumpDocument) (*DumpTransform, error) {
	code, err := t.program(query)
	if err != nil {
		return nil, err
	}

	input, err := jqInput(doc)
	if err != nil {
		return nil, err
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, exprError(schema.ErrCodeExecution, "jq", "evaluation", query, err)
		}
		results = append(results, val)
	}

	out := &DumpTransform{Keys: []string{}}
	switch len(results) {
	case 0:
	case 1:
		out.Output = results[0]
	default:
		out.Output = results
	}
	out.Keys = entryKeys(out.Output)
	return out, nil
}

// jqInput converts doc to the plain JSON values gojq operates on.
func jqInput(doc *schema.DumpDocument) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "encode dump for jq").WithCause(err)
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "decode dump for jq").WithCause(err)
	}
	return input, nil
}

func entryKeys(output any) []string {
	keys := []string{}
	m, ok := output.(map[string]any)
	if !ok {
		return keys
	}
	entries, _ := m["entries"].([]any)
	for _, e := range entries {
		em, _ := e.(map[string]any)
		if k, ok := em["key"].(string); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func (t *DumpTransformer) program(query string) (*gojq.Code, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq query")
	}

	t.mu.RLock()
	code, ok := t.cache[query]
	t.mu.RUnlock()
	if ok {
		return code, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if code, ok := t.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, exprError(schema.ErrCodeValidation, "jq", "parse", query, err)
	}
	// No $ENV: a dump transform must not read the process environment.
	code, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, exprError(schema.ErrCodeValidation, "jq", "compile", query, err)
	}

	t.cache[query] = code
	return code, nil
}
