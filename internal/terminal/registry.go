package terminal

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type disposer struct {
	name string
	fn   func() error
}

// Registry collects cleanup actions while a view or session is alive and
// runs each of them exactly once on Drain.
type Registry struct {
	mu      sync.Mutex
	entries []disposer
	drained bool
	log     *zap.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{log: log}
}

// Add appends a cleanup action. If the registry was already drained the
// action runs immediately, so late registrations never leak.
func (r *Registry) Add(name string, fn func() error) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	if !r.drained {
		r.entries = append(r.entries, disposer{name: name, fn: fn})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.run(disposer{name: name, fn: fn}); err != nil {
		r.log.Warn("late disposal failed", zap.String("disposable", name), zap.Error(err))
	}
}

// AddFunc is Add for cleanups that cannot fail.
func (r *Registry) AddFunc(name string, fn func()) {
	if fn == nil {
		return
	}
	r.Add(name, func() error {
		fn()
		return nil
	})
}

// Len returns the number of pending cleanups.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drain runs every pending cleanup in registration order. A failing or
// panicking entry is logged and the rest still run. The returned error joins
// all failures. Draining twice is a no-op.
func (r *Registry) Drain() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = nil
	r.drained = true
	r.mu.Unlock()

	var errs []error
	for _, d := range entries {
		if err := r.run(d); err != nil {
			r.log.Warn("disposal failed", zap.String("disposable", d.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("dispose %s: %w", d.name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) run(d disposer) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return d.fn()
}
