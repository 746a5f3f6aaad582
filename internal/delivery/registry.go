// Package delivery fans user-visible notifications out to the configured
// sinks.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/researchview/internal/types"
)

// Sink delivers a notification to one destination.
type Sink interface {
	Deliver(ctx context.Context, n types.Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n types.Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n types.Notification) error { return f(ctx, n) }

type route struct {
	sink Sink
	min  types.Level
}

// Registry routes notifications to every registered sink whose minimum
// level they reach. It implements types.Notifier.
type Registry struct {
	mu     sync.RWMutex
	routes map[string]route
	logger *slog.Logger
}

// NewRegistry creates an empty delivery registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		routes: make(map[string]route),
		logger: logger,
	}
}

// Register adds or replaces the sink called name. It receives notifications
// at level min and above.
func (r *Registry) Register(name string, sink Sink, min types.Level) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[name] = route{sink: sink, min: min}
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, name)
}

// Notify delivers n to all matching sinks in name order. Sink failures are
// logged and never reach the caller.
func (r *Registry) Notify(ctx context.Context, n types.Notification) {
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.routes))
	for name, rt := range r.routes {
		if rank(n.Level) >= rank(rt.min) {
			names = append(names, name)
		}
	}
	routes := make([]route, len(names))
	sort.Strings(names)
	for i, name := range names {
		routes[i] = r.routes[name]
	}
	r.mu.RUnlock()

	for i, rt := range routes {
		if err := rt.sink.Deliver(ctx, n); err != nil {
			r.logger.Warn("notification delivery failed", "sink", names[i], "title", n.Title, "error", err)
		}
	}
}

// Deliver sends n to the single sink called name, regardless of level.
// Returns an error if no sink is registered under that name.
func (r *Registry) Deliver(ctx context.Context, name string, n types.Notification) error {
	r.mu.RLock()
	rt, ok := r.routes[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no delivery sink named %q", name)
	}
	return rt.sink.Deliver(ctx, n)
}

func rank(l types.Level) int {
	switch l {
	case types.LevelWarn:
		return 1
	case types.LevelError:
		return 2
	}
	return 0
}

var _ types.Notifier = (*Registry)(nil)
