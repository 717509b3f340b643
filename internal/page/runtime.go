// Package page wires the three coordinators of one page lifetime.
//
// A Runtime replaces process-wide singletons: callers create one, initialize
// it and close it when the page (or request) goes away.
package page

import (
	"context"
	"fmt"

	"github.com/btouchard/larder/internal/broadcast"
	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/session"
	"github.com/btouchard/larder/internal/surface"
)

// Option configures a Runtime.
type Option func(*options)

type options struct {
	surfaceID string
}

// WithSurfaceID registers the header surface under id instead of "header".
func WithSurfaceID(id string) Option {
	return func(o *options) { o.surfaceID = id }
}

// Runtime owns a session store, its broadcaster and the header surface.
type Runtime struct {
	store       *session.Store
	broadcaster *broadcast.Broadcaster
	header      *surface.Controller
}

// New builds the coordinator chain. Nothing is fetched until Init.
func New(provider session.Provider, profiles session.ProfileFetcher, opts ...Option) *Runtime {
	o := options{surfaceID: surface.DefaultID}
	for _, opt := range opts {
		opt(&o)
	}

	store := session.New(provider, profiles)
	b := broadcast.New(store)
	return &Runtime{
		store:       store,
		broadcaster: b,
		header:      surface.New(b, o.surfaceID),
	}
}

// Init initializes the store, then the broadcaster, then starts the header.
func (r *Runtime) Init(ctx context.Context) error {
	if err := r.store.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("initializing session: %w", err)
	}
	if err := r.broadcaster.Init(ctx); err != nil {
		return fmt.Errorf("initializing broadcaster: %w", err)
	}
	r.header.Start(ctx)
	return nil
}

// Close disposes the chain in reverse order.
func (r *Runtime) Close() {
	r.header.Stop()
	r.broadcaster.Close()
	r.store.Close()
}

func (r *Runtime) Session() *session.Store { return r.store }

func (r *Runtime) Broadcaster() *broadcast.Broadcaster { return r.broadcaster }

func (r *Runtime) Header() *surface.Controller { return r.header }

// HeaderState runs one short-lived runtime and returns what its header
// surface shows once initialized, along with the surface id.
func HeaderState(ctx context.Context, provider session.Provider, profiles session.ProfileFetcher, opts ...Option) (identity.State, string, error) {
	rt := New(provider, profiles, opts...)
	defer rt.Close()

	if err := rt.Init(ctx); err != nil {
		return identity.State{}, rt.header.ID(), err
	}
	return rt.header.State(), rt.header.ID(), nil
}
