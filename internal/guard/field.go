package guard

import (
	"context"
	"reflect"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/aquenix/flowstate/pkg/schema"
)

// fieldResolver extracts values from the evaluation scope by path. Paths are
// jq queries ("context.order.total" becomes ".context.order.total"), which
// gives field guards array indexing and optional traversal for free.
// Thread-safe: compiled *gojq.Code objects are cached and reused.
type fieldResolver struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func newFieldResolver() *fieldResolver {
	return &fieldResolver{cache: make(map[string]*gojq.Code)}
}

// resolve runs the path query against the scope. A missing field yields
// (nil, false, nil) rather than an error so exists/absent guards can test
// for presence.
func (r *fieldResolver) resolve(ctx context.Context, path string, scope map[string]any) (any, bool, error) {
	code, err := r.getOrCompile(path)
	if err != nil {
		return nil, false, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(scope))
	val, ok := iter.Next()
	if !ok {
		return nil, false, nil
	}
	if jqErr, isErr := val.(error); isErr {
		return nil, false, schema.NewErrorf(schema.ErrCodeExecution,
			"field path %q failed: %s", path, jqErr.Error()).
			WithCause(jqErr).
			WithDetails(map[string]any{"path": path})
	}
	if val == nil {
		return nil, false, nil
	}
	return val, true, nil
}

// compile checks the path parses, caching the code for later use.
func (r *fieldResolver) compile(path string) error {
	_, err := r.getOrCompile(path)
	return err
}

func (r *fieldResolver) getOrCompile(path string) (*gojq.Code, error) {
	r.mu.RLock()
	if code, ok := r.cache[path]; ok {
		r.mu.RUnlock()
		return code, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := r.cache[path]; ok {
		return code, nil
	}

	query, err := gojq.Parse(toJQQuery(path))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid field path %q: %s", path, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"path": path})
	}

	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid field path %q: %s", path, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"path": path})
	}

	r.cache[path] = code
	return code, nil
}

// toJQQuery turns a dotted field path into a jq query with optional access
// at every step. Paths already written as jq (leading dot) pass through.
func toJQQuery(path string) string {
	if strings.HasPrefix(path, ".") {
		return path
	}
	var b strings.Builder
	for _, part := range strings.Split(path, ".") {
		b.WriteString(".")
		b.WriteString(`"`)
		b.WriteString(part)
		b.WriteString(`"?`)
	}
	return b.String()
}

// normalizeForJQ converts Go native numbers to float64, which is jq's only
// number type. Scope maps built from structs carry int fields otherwise.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// compareField applies a field guard operator to the resolved value.
func compareField(op string, resolved any, present bool, expected any) (bool, error) {
	switch op {
	case schema.OpExists:
		return present, nil
	case schema.OpAbsent:
		return !present, nil
	}

	// All remaining operators compare against a value; an absent field
	// satisfies none of them.
	if !present {
		return false, nil
	}

	expected = normalizeForJQ(expected)

	switch op {
	case schema.OpEq:
		return reflect.DeepEqual(resolved, expected), nil
	case schema.OpNe:
		return !reflect.DeepEqual(resolved, expected), nil
	case schema.OpGt, schema.OpGte, schema.OpLt, schema.OpLte:
		cmp, err := compareOrdered(resolved, expected)
		if err != nil {
			return false, err
		}
		switch op {
		case schema.OpGt:
			return cmp > 0, nil
		case schema.OpGte:
			return cmp >= 0, nil
		case schema.OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case schema.OpIn:
		list, ok := expected.([]any)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeExecution,
				"field op %q requires a list value, got %T", op, expected)
		}
		for _, item := range list {
			if reflect.DeepEqual(resolved, item) {
				return true, nil
			}
		}
		return false, nil
	case schema.OpContains:
		switch actual := resolved.(type) {
		case []any:
			for _, item := range actual {
				if reflect.DeepEqual(item, expected) {
					return true, nil
				}
			}
			return false, nil
		case string:
			sub, ok := expected.(string)
			if !ok {
				return false, schema.NewErrorf(schema.ErrCodeExecution,
					"field op %q on a string requires a string value, got %T", op, expected)
			}
			return strings.Contains(actual, sub), nil
		default:
			return false, schema.NewErrorf(schema.ErrCodeExecution,
				"field op %q requires an array or string field, got %T", op, resolved)
		}
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown field op %q", op)
	}
}

// compareOrdered compares two values that must both be numbers or both be
// strings. Returns -1, 0 or 1.
func compareOrdered(a, b any) (int, error) {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}

	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), nil
	}

	return 0, schema.NewErrorf(schema.ErrCodeExecution,
		"cannot order %T against %T", a, b)
}
