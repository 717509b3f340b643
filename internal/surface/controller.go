// Package surface adapts broadcast auth state into zero-argument redraw
// callbacks for one screen region.
package surface

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/btouchard/larder/internal/broadcast"
	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/registry"
)

// DefaultID is the broadcaster key used by the page header.
const DefaultID = "header"

// Source is the part of broadcast.Broadcaster a surface needs.
type Source interface {
	AddListener(ctx context.Context, id string, fn broadcast.Listener)
	RemoveListener(id string)
	RefreshAuthState(ctx context.Context) bool
}

// RenderFunc redraws a fragment of the surface. A returned error is logged.
type RenderFunc func() error

// Handle identifies one registered RenderFunc.
type Handle string

// Controller owns the redraw callbacks of one surface.
type Controller struct {
	source    Source
	id        string
	renderers *registry.Registry[RenderFunc]

	startOnce sync.Once
	phase     atomic.Int32

	mu    sync.RWMutex
	state identity.State
}

// New creates a controller registered under id. An empty id means DefaultID.
func New(source Source, id string) *Controller {
	if id == "" {
		id = DefaultID
	}
	return &Controller{
		source:    source,
		id:        id,
		renderers: registry.New[RenderFunc](),
	}
}

// ID returns the broadcaster key of the surface.
func (c *Controller) ID() string { return c.id }

// Start registers the surface with the broadcaster once. The first call
// receives the current state before returning, unless a delivery is already
// running, which then brings the state right after its fan-out.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.phase.Store(int32(identity.Initializing))
		c.source.AddListener(ctx, c.id, c.onState)
		c.phase.Store(int32(identity.Ready))
		slog.Debug("surface started", "surface", c.id)
	})
}

// Phase reports the initialization state.
func (c *Controller) Phase() identity.Phase {
	return identity.Phase(c.phase.Load())
}

func (c *Controller) onState(st identity.State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()

	if failed := c.renderers.DispatchIsolated("surface:"+c.id, func(e registry.Entry[RenderFunc]) error {
		return e.Fn()
	}); failed > 0 {
		slog.Warn("surface redraw incomplete", "surface", c.id, "failed", failed)
	}
}

// Register adds fn to the redraw list. Callbacks run in registration order.
func (c *Controller) Register(fn RenderFunc) Handle {
	h := Handle(uuid.NewString())
	c.renderers.Set(string(h), fn)
	return h
}

// Unregister removes the callback behind h and reports whether it existed.
func (c *Controller) Unregister(h Handle) bool {
	return c.renderers.Remove(string(h))
}

// Refresh asks the broadcaster to re-fetch the session. Renderers may call
// it; the resulting redraw follows the current one.
func (c *Controller) Refresh(ctx context.Context) bool {
	return c.source.RefreshAuthState(ctx)
}

// State returns the last state delivered to the surface.
func (c *Controller) State() identity.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stop detaches the surface from the broadcaster.
func (c *Controller) Stop() {
	c.source.RemoveListener(c.id)
}
