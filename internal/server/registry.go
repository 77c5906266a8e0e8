package server

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Processor handles the requests of a server. Process is called for one
// request at a time per connection, but concurrently across connections.
//
// A Processor reports the outcome of an operation through resp; a returned
// error means the request could not be handled at all and is answered with
// an internal server error.
type Processor interface {
	Process(ctx context.Context, req *Request, resp *Response) error
}

// Shutdowner is implemented by processors holding resources.
type Shutdowner interface {
	Shutdown() error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, req *Request, resp *Response) error

func (f ProcessorFunc) Process(ctx context.Context, req *Request, resp *Response) error {
	return f(ctx, req, resp)
}

// Factory builds a Processor from its configuration table.
type Factory func(cfg map[string]any, logger *zap.Logger) (Processor, error)

// Registry maps processor names to factories. Callers own their registry;
// there is no package level one.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the processor registered under name.
func (r *Registry) New(name string, cfg map[string]any, logger *zap.Logger) (Processor, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown processor %q", name)
	}
	p, err := f(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create processor %q: %w", name, err)
	}
	return p, nil
}

// Names lists the registered processor names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
