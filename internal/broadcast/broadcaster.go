// Package broadcast turns the session store's raw (identity, profile)
// notifications into a stable logged-in triple and fans it out to named
// subscribers.
//
// Delivery guarantee: every store change reaches every subscriber registered
// when it is delivered, in change order, on the goroutine draining the store's
// notification queue. Subscribers may call back into the broadcaster; changes
// they cause are delivered after the current fan-out. A subscriber that
// panics is logged and skipped; the others still run.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/registry"
	"github.com/btouchard/larder/internal/session"
)

// storeListenerID is the key the broadcaster uses on the session store.
const storeListenerID = "broadcaster"

// SessionSource is the part of session.Store the broadcaster relies on.
type SessionSource interface {
	EnsureInitialized(ctx context.Context) error
	Snapshot(ctx context.Context) (identity.Identity, identity.Profile, error)
	Refresh(ctx context.Context) (bool, error)
	Observe(ctx context.Context, fn session.Listener) error
	AddListener(id string, fn session.Listener) bool
	RemoveListener(id string)
}

// Listener receives the derived auth state.
type Listener func(identity.State)

// Broadcaster owns the keyed audience of one session store.
type Broadcaster struct {
	source    SessionSource
	listeners *registry.Registry[Listener]

	setupOnce sync.Once
	phase     atomic.Int32
}

// New creates a Broadcaster over source. The store listener is attached on
// first use.
func New(source SessionSource) *Broadcaster {
	return &Broadcaster{
		source:    source,
		listeners: registry.New[Listener](),
	}
}

// setup attaches the single store listener. Guarded by a Once: it only
// registers a callback and never waits on the network.
func (b *Broadcaster) setup() {
	b.setupOnce.Do(func() {
		b.phase.Store(int32(identity.Initializing))
		b.source.AddListener(storeListenerID, b.onSessionChange)
	})
}

// Init attaches to the store and waits for it to settle.
func (b *Broadcaster) Init(ctx context.Context) error {
	b.setup()
	if err := b.source.EnsureInitialized(ctx); err != nil {
		return err
	}
	b.phase.Store(int32(identity.Ready))
	return nil
}

// Phase reports the initialization state.
func (b *Broadcaster) Phase() identity.Phase {
	return identity.Phase(b.phase.Load())
}

func (b *Broadcaster) onSessionChange(user identity.Identity, profile identity.Profile) {
	st := identity.StateOf(user, profile)
	slog.Debug("auth state changed",
		"logged_in", st.LoggedIn,
		"user_id", st.User.ID,
		"subscribers", b.listeners.Len())
	b.fanout(st)
}

func (b *Broadcaster) fanout(st identity.State) {
	b.listeners.DispatchIsolated("broadcast", func(e registry.Entry[Listener]) error {
		e.Fn(st)
		return nil
	})
}

// AddListener stores fn under id, replacing any previous registration, and
// calls fn with the current state once the store has settled, so a subscriber
// mounted after sign-in does not wait for the next event. Called from inside
// a delivery, the catch-up follows the current fan-out.
// If the store cannot be awaited (ctx done) fn receives the logged-out state.
func (b *Broadcaster) AddListener(ctx context.Context, id string, fn Listener) {
	b.setup()
	if b.listeners.Set(id, fn) {
		slog.Debug("auth listener replaced", "listener_id", id)
	}
	b.catchUp(ctx, id, fn)
}

func (b *Broadcaster) catchUp(ctx context.Context, id string, fn Listener) {
	err := b.Init(ctx)
	if err == nil {
		err = b.source.Observe(ctx, func(user identity.Identity, profile identity.Profile) {
			deliver(id, fn, identity.StateOf(user, profile))
		})
	}
	if err != nil {
		slog.Warn("could not read current auth state", "listener_id", id, "error", err)
		deliver(id, fn, identity.StateOf(identity.NoIdentity, identity.NoProfile))
	}
}

func deliver(id string, fn Listener, st identity.State) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("listener failed", "scope", "broadcast", "listener_id", id, "error", fmt.Errorf("panic: %v", r))
		}
	}()
	fn(st)
}

// RemoveListener deletes the registration for id. Unknown ids are ignored.
func (b *Broadcaster) RemoveListener(id string) {
	b.listeners.Remove(id)
}

// State returns the current triple after the store has settled.
func (b *Broadcaster) State(ctx context.Context) (identity.State, error) {
	if err := b.Init(ctx); err != nil {
		return identity.State{}, err
	}
	user, profile, err := b.source.Snapshot(ctx)
	if err != nil {
		return identity.State{}, err
	}
	return identity.StateOf(user, profile), nil
}

// RefreshAuthState forces a session re-fetch and reports whether a live
// session was found. Failures are logged and reported as false.
func (b *Broadcaster) RefreshAuthState(ctx context.Context) bool {
	if err := b.Init(ctx); err != nil {
		slog.Warn("refresh auth state failed", "error", err)
		return false
	}
	found, err := b.source.Refresh(ctx)
	if err != nil {
		slog.Warn("refresh auth state failed", "error", err)
		return false
	}
	return found
}

// IsLoggedIn reports whether the store holds an identity. Failures are
// logged and reported as false.
func (b *Broadcaster) IsLoggedIn(ctx context.Context) bool {
	st, err := b.State(ctx)
	if err != nil {
		slog.Warn("auth state check failed", "error", err)
		return false
	}
	return st.LoggedIn
}

// Close detaches from the store.
func (b *Broadcaster) Close() {
	b.source.RemoveListener(storeListenerID)
}
