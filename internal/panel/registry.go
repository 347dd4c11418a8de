package panel

import (
	"context"
	"sync"
)

// Factory builds a new panel.
type Factory func(ctx context.Context) (*Panel, error)

// Registry keeps at most one live panel. Bridges that share the panel hold
// it with Acquire; the last release disposes it.
type Registry struct {
	mu      sync.Mutex
	factory Factory
	current *Panel
	holders int
}

func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// Show returns the live panel, building one when there is none.
func (r *Registry) Show(ctx context.Context) (*Panel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return r.current, nil
	}
	p, err := r.factory(ctx)
	if err != nil {
		return nil, err
	}
	r.current = p
	return p, nil
}

// Acquire returns the live panel like Show and holds it until release is
// called. Holders counted here keep the panel alive across other releases.
func (r *Registry) Acquire(ctx context.Context) (p *Panel, release func(context.Context), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		built, err := r.factory(ctx)
		if err != nil {
			return nil, nil, err
		}
		r.current = built
	}
	p = r.current
	r.holders++

	var once sync.Once
	release = func(ctx context.Context) {
		once.Do(func() { r.release(ctx, p) })
	}
	return p, release, nil
}

func (r *Registry) release(ctx context.Context, p *Panel) {
	r.mu.Lock()
	if r.current != p {
		// Disposed and replaced since it was acquired.
		r.mu.Unlock()
		return
	}
	r.holders--
	if r.holders > 0 {
		r.mu.Unlock()
		return
	}
	r.current = nil
	r.mu.Unlock()
	p.Dispose(ctx)
}

// Holders reports how many Acquire calls have not been released.
func (r *Registry) Holders() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.holders
}

// Active returns the live panel or nil.
func (r *Registry) Active() *Panel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Dispose disposes the live panel, if any. The next Show builds a new one.
func (r *Registry) Dispose(ctx context.Context) {
	r.mu.Lock()
	p := r.current
	r.current = nil
	r.holders = 0
	r.mu.Unlock()
	if p != nil {
		p.Dispose(ctx)
	}
}
