package expressions

import (
	"context"
	"regexp"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/markarapor/reportflow/pkg/schema"
)

// pathPattern admits jq paths made only of field and array-index steps,
// e.g. ".", ".data", ".data.rows[0].campaigns".
var pathPattern = regexp.MustCompile(`^\.(?:[A-Za-z_][A-Za-z0-9_]*|\[[0-9]+\])?(?:\.[A-Za-z_][A-Za-z0-9_]*|\[[0-9]+\])*$`)

// PathSelector locates collections inside node outputs using jq path
// expressions. Only pure paths are accepted so a workflow cannot smuggle in
// general computation. Compiled code is cached; safe for concurrent use.
type PathSelector struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewPathSelector creates an empty selector.
func NewPathSelector() *PathSelector {
	return &PathSelector{cache: make(map[string]*gojq.Code)}
}

// ValidatePath rejects anything that is not a field/index path.
func ValidatePath(path string) error {
	if !pathPattern.MatchString(path) {
		return schema.NewErrorf(schema.ErrCodeInvalidConfig,
			"path %q must be a jq field path such as .data.rows", path).
			WithDetails(map[string]any{"path": path})
	}
	return nil
}

// Select evaluates path against data. A path that walks off the document
// yields nil, matching jq's null propagation.
func (s *PathSelector) Select(ctx context.Context, path string, data any) (any, error) {
	code, err := s.getOrCompile(path)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, normalizeForJQ(data))
	val, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := val.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"path %q could not be applied: %s", path, err.Error()).
			WithCause(err)
	}
	return val, nil
}

func (s *PathSelector) getOrCompile(path string) (*gojq.Code, error) {
	s.mu.RLock()
	if code, ok := s.cache[path]; ok {
		s.mu.RUnlock()
		return code, nil
	}
	s.mu.RUnlock()

	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if code, ok := s.cache[path]; ok {
		return code, nil
	}

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "path %q: %s", path, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidConfig, "path %q: %s", path, err.Error()).WithCause(err)
	}

	s.cache[path] = code
	return code, nil
}

// normalizeForJQ converts Go values to the shapes gojq accepts: float64
// numbers, []any and map[string]any containers.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
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
