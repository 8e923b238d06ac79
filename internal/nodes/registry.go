package nodes

import (
	"sort"
	"sync"

	"github.com/markarapor/reportflow/pkg/schema"
)

// Registry maps node types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeType]Handler)}
}

// Register adds h. A second handler for the same type is a conflict.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if !t.Valid() {
		return schema.NewErrorf(schema.ErrCodeUnknownNodeType, "cannot register handler for unknown node type %q", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister registers every handler and panics on the first error.
// Intended for wiring at startup.
func (r *Registry) MustRegister(hs ...Handler) *Registry {
	for _, h := range hs {
		if err := r.Register(h); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Get(t schema.NodeType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "no handler registered for node type %q", t)
	}
	return h, nil
}

func (r *Registry) Has(t schema.NodeType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Types lists registered node types sorted by name.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
