// Package session implements the leaf coordinator: the single authoritative
// cache of the signed-in Identity and its Profile, kept in sync with the
// identity provider's event stream.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/registry"
)

// Provider is the identity provider as seen by the store.
// Defined consumer-side per Go convention.
type Provider interface {
	CurrentSession(ctx context.Context) (*identity.Session, error)
	Subscribe(handler identity.EventHandler) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// ProfileFetcher loads the profile row of a user. A missing row is reported
// as identity.NoProfile with a nil error.
type ProfileFetcher interface {
	FetchProfileByID(ctx context.Context, id string) (identity.Profile, error)
}

// Listener receives the cached pair after every observed change.
type Listener func(user identity.Identity, profile identity.Profile)

// Store caches the current Identity and Profile.
//
// Every mutation queues a notification carrying the pair it produced.
// Notifications reach listeners in mutation order, one at a time. The caller
// that finds no delivery running delivers the queue itself before returning.
// A change made while a delivery runs, including one made by a listener, is
// delivered by that running delivery right after the current fan-out.
// Listener panics are not recovered here.
type Store struct {
	provider  Provider
	profiles  ProfileFetcher
	listeners *registry.Registry[Listener]

	initOnce sync.Once
	initDone chan struct{}
	phase    atomic.Int32

	// applyMu serializes cache changes and the queueing of their
	// notifications. It is never held while listeners run.
	applyMu   sync.Mutex
	refreshes singleflight.Group

	queueMu  sync.Mutex
	queue    []delivery
	draining bool

	mu          sync.RWMutex
	user        identity.Identity
	profile     identity.Profile
	generation  uint64
	unsubscribe func()
	closed      bool
}

// New creates a Store. Nothing is fetched until EnsureInitialized is called.
func New(provider Provider, profiles ProfileFetcher) *Store {
	return &Store{
		provider:  provider,
		profiles:  profiles,
		listeners: registry.New[Listener](),
		initDone:  make(chan struct{}),
	}
}

// EnsureInitialized starts the one shared initialization on first call and
// waits for it to settle. Concurrent and later callers all wait on the same
// operation. Initialization never fails; the returned error is only the
// caller's ctx giving up, which does not abort the shared operation.
func (s *Store) EnsureInitialized(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.phase.Store(int32(identity.Initializing))
		go s.initialize()
	})

	select {
	case <-s.initDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Phase reports the initialization state.
func (s *Store) Phase() identity.Phase {
	return identity.Phase(s.phase.Load())
}

// initialize subscribes before the first fetch so no event emitted during
// the fetch is lost. Such events wait on applyMu and apply after the initial
// pair is set.
func (s *Store) initialize() {
	s.applyMu.Lock()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session initialization panicked, continuing signed out", "panic", r)
		}
		s.phase.Store(int32(identity.Ready))
		close(s.initDone)
		s.applyMu.Unlock()
	}()

	s.subscribe()

	// Detached from any caller: the shared operation runs to completion.
	user, profile, _ := s.load(context.Background())
	s.set(user, profile)

	slog.Debug("session initialized",
		"logged_in", user.Present(),
		"user_id", user.ID,
		"has_profile", profile.Present())
}

func (s *Store) subscribe() {
	unsubscribe := s.provider.Subscribe(s.handleEvent)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
}

// User returns the cached identity once initialization has settled.
func (s *Store) User(ctx context.Context) (identity.Identity, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return identity.NoIdentity, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, nil
}

// Profile returns the cached profile once initialization has settled.
func (s *Store) Profile(ctx context.Context) (identity.Profile, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return identity.NoProfile, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile, nil
}

// Snapshot returns the cached pair read atomically.
func (s *Store) Snapshot(ctx context.Context) (identity.Identity, identity.Profile, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return identity.NoIdentity, identity.NoProfile, err
	}
	user, profile := s.current()
	return user, profile, nil
}

// Observe waits for initialization and queues a call of fn with the current
// pair among the listener notifications, so fn never interleaves with one and
// later changes reach listeners after it. fn runs before Observe returns
// unless a delivery is already running; that delivery then calls fn right
// after its current fan-out.
func (s *Store) Observe(ctx context.Context, fn Listener) error {
	if err := s.EnsureInitialized(ctx); err != nil {
		return err
	}

	s.applyMu.Lock()
	user, profile := s.current()
	s.enqueue(delivery{user: user, profile: profile, observer: fn})
	s.applyMu.Unlock()

	s.drain()
	return nil
}

// IsLoggedIn reports whether an identity is cached.
func (s *Store) IsLoggedIn(ctx context.Context) (bool, error) {
	user, err := s.User(ctx)
	if err != nil {
		return false, err
	}
	return user.Present(), nil
}

// Refresh fetches the session again regardless of the cache, updates it,
// notifies listeners and reports whether a live session was found. Concurrent
// calls share one fetch. Used to recover when provider events were missed.
func (s *Store) Refresh(ctx context.Context) (bool, error) {
	if err := s.EnsureInitialized(ctx); err != nil {
		return false, err
	}

	found, _, _ := s.refreshes.Do("refresh", func() (any, error) {
		s.applyMu.Lock()
		defer s.applyMu.Unlock()

		user, profile, found := s.load(context.Background())
		s.set(user, profile)
		s.queueNotify()
		return found, nil
	})
	// Outside the shared call: a listener that refreshes again must not
	// join the call that is delivering to it.
	s.drain()
	return found.(bool), nil
}

// RefreshProfile re-fetches the profile of the current identity and notifies
// listeners. It does nothing when signed out.
func (s *Store) RefreshProfile(ctx context.Context) error {
	if err := s.EnsureInitialized(ctx); err != nil {
		return err
	}

	s.applyMu.Lock()
	user, _ := s.current()
	if !user.Present() {
		s.applyMu.Unlock()
		return nil
	}
	gen := s.currentGeneration()
	s.setProfile(gen, s.fetchProfile(context.Background(), user))
	s.queueNotify()
	s.applyMu.Unlock()

	s.drain()
	return nil
}

// SignOut asks the provider to end the session. Failures are logged only; the
// cache changes when the provider emits SIGNED_OUT.
func (s *Store) SignOut(ctx context.Context) {
	if err := s.provider.SignOut(ctx); err != nil {
		slog.Warn("sign out failed", "error", err)
	}
}

// AddListener registers fn under id, replacing any previous listener with
// that id, and reports whether one was replaced.
func (s *Store) AddListener(id string, fn Listener) bool {
	return s.listeners.Set(id, fn)
}

// RemoveListener drops the listener registered under id.
func (s *Store) RemoveListener(id string) {
	s.listeners.Remove(id)
}

// Close detaches the store from the provider's event stream.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *Store) handleEvent(ev identity.Event) {
	if s.apply(ev) {
		s.drain()
	}
}

// apply updates the cache for ev and queues its notification. It reports
// whether anything was queued.
func (s *Store) apply(ev identity.Event) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	switch ev.Kind {
	case identity.SignedIn:
		user := ev.User()
		if !user.Present() {
			slog.Debug("ignoring sign-in event without user")
			return false
		}
		// The previous profile is dropped before the fetch so readers never
		// see another user's profile next to the new identity.
		gen := s.set(user, identity.NoProfile)
		s.setProfile(gen, s.fetchProfile(context.Background(), user))

	case identity.SignedOut:
		s.set(identity.NoIdentity, identity.NoProfile)

	case identity.TokenRefreshed, identity.UserUpdated:
		user := ev.User()
		if !user.Present() {
			slog.Debug("ignoring token event without user", "event", string(ev.Kind))
			return false
		}
		s.setUser(user)

	default:
		slog.Debug("ignoring auth event", "event", string(ev.Kind))
		return false
	}

	s.queueNotify()
	return true
}

// load fetches the provider session and, when present, the profile.
// Errors degrade to the signed-out pair.
func (s *Store) load(ctx context.Context) (identity.Identity, identity.Profile, bool) {
	sess, err := s.provider.CurrentSession(ctx)
	if err != nil {
		slog.Warn("session fetch failed, continuing signed out", "error", err)
		return identity.NoIdentity, identity.NoProfile, false
	}
	if sess == nil || !sess.User.Present() {
		return identity.NoIdentity, identity.NoProfile, false
	}
	return sess.User, s.fetchProfile(ctx, sess.User), true
}

func (s *Store) fetchProfile(ctx context.Context, user identity.Identity) identity.Profile {
	if s.profiles == nil {
		return identity.NoProfile
	}
	p, err := s.profiles.FetchProfileByID(ctx, user.ID)
	if err != nil {
		slog.Warn("profile fetch failed", "user_id", user.ID, "error", err)
		return identity.NoProfile
	}
	if !p.Present() {
		return identity.NoProfile
	}
	if p.UserID == "" {
		p.UserID = user.ID
	}
	if p.UserID != user.ID {
		slog.Warn("discarding profile of another user", "user_id", user.ID, "profile_user_id", p.UserID)
		return identity.NoProfile
	}
	return p
}

func (s *Store) current() (identity.Identity, identity.Profile) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, s.profile
}

func (s *Store) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// set replaces the pair and returns the identity generation.
func (s *Store) set(user identity.Identity, profile identity.Profile) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID != s.user.ID || user.Kind != s.user.Kind {
		s.generation++
	}
	s.user = user
	s.profile = profile
	return s.generation
}

// setUser replaces the identity only. The profile survives unless the user
// id changed.
func (s *Store) setUser(user identity.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID != s.user.ID || user.Kind != s.user.Kind {
		s.generation++
		s.profile = identity.NoProfile
	}
	s.user = user
}

// setProfile stores p unless the identity changed since gen was taken.
func (s *Store) setProfile(gen uint64, p identity.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		slog.Debug("dropping stale profile", "user_id", p.UserID)
		return
	}
	s.profile = p
}

// delivery is one queued notification. A nil observer means every listener.
type delivery struct {
	user     identity.Identity
	profile  identity.Profile
	observer Listener
}

// queueNotify queues the current pair for all listeners. Callers hold applyMu.
func (s *Store) queueNotify() {
	user, profile := s.current()
	s.enqueue(delivery{user: user, profile: profile})
}

func (s *Store) enqueue(d delivery) {
	s.queueMu.Lock()
	s.queue = append(s.queue, d)
	s.queueMu.Unlock()
}

// drain delivers queued notifications until the queue is empty. Only one
// goroutine drains at a time; any other call returns at once and leaves its
// items to the running drain. A panicking listener ends the drain and the
// rest of the queue goes out with the next one.
func (s *Store) drain() {
	s.queueMu.Lock()
	if s.draining {
		s.queueMu.Unlock()
		return
	}
	s.draining = true
	s.queueMu.Unlock()

	finished := false
	defer func() {
		if !finished {
			s.queueMu.Lock()
			s.draining = false
			s.queueMu.Unlock()
		}
	}()

	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.queueMu.Unlock()
			finished = true
			return
		}
		d := s.queue[0]
		s.queue[0] = delivery{}
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		s.deliver(d)
	}
}

func (s *Store) deliver(d delivery) {
	if d.observer != nil {
		d.observer(d.user, d.profile)
		return
	}
	s.listeners.Dispatch(func(e registry.Entry[Listener]) {
		e.Fn(d.user, d.profile)
	})
}
