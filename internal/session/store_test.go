package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/larder/internal/identity"
)

// fakeProvider simulates the identity provider. CurrentSession blocks on gate
// when set, and Emit delivers events the way the provider's pump would.
type fakeProvider struct {
	mu       sync.Mutex
	session  *identity.Session
	err      error
	gate     chan struct{}
	handler  identity.EventHandler
	calls    atomic.Int32
	signOuts atomic.Int32
	unsubbed atomic.Bool
}

func (p *fakeProvider) CurrentSession(ctx context.Context) (*identity.Session, error) {
	p.calls.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session, p.err
}

func (p *fakeProvider) Subscribe(handler identity.EventHandler) func() {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
	return func() { p.unsubbed.Store(true) }
}

func (p *fakeProvider) SignOut(ctx context.Context) error {
	p.signOuts.Add(1)
	return errors.New("network down")
}

func (p *fakeProvider) setSession(s *identity.Session) {
	p.mu.Lock()
	p.session = s
	p.mu.Unlock()
}

func (p *fakeProvider) Emit(ev identity.Event) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h(ev)
}

// fakeProfiles returns rows from a map; gate, when set, blocks fetches.
type fakeProfiles struct {
	mu    sync.Mutex
	rows  map[string]identity.Profile
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func (f *fakeProfiles) FetchProfileByID(ctx context.Context, id string) (identity.Profile, error) {
	f.calls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return identity.NoProfile, f.err
	}
	p, ok := f.rows[id]
	if !ok {
		return identity.NoProfile, nil
	}
	return p, nil
}

func (f *fakeProfiles) set(id, nickname string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rows == nil {
		f.rows = map[string]identity.Profile{}
	}
	f.rows[id] = identity.Profile{Kind: identity.Present, UserID: id, Nickname: nickname}
}

func sessionFor(id string) *identity.Session {
	return &identity.Session{User: identity.NewIdentity(id, id+"@example.com"), AccessToken: "tok-" + id}
}

func newTestStore(t *testing.T, p *fakeProvider, f *fakeProfiles) *Store {
	t.Helper()
	s := New(p, f)
	t.Cleanup(s.Close)
	return s
}

func TestStore_EnsureInitialized_ConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{gate: make(chan struct{}), session: sessionFor("u1")}
	s := newTestStore(t, p, &fakeProfiles{})

	const callers = 20
	var wg sync.WaitGroup
	var resolved atomic.Int32
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.EnsureInitialized(context.Background()))
			resolved.Add(1)
		}()
	}

	assert.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), resolved.Load(), "no caller resolves before the fetch completes")
	assert.Equal(t, identity.Initializing, s.Phase())

	close(p.gate)
	wg.Wait()

	assert.Equal(t, int32(callers), resolved.Load())
	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, identity.Ready, s.Phase())

	require.NoError(t, s.EnsureInitialized(context.Background()))
	assert.Equal(t, int32(1), p.calls.Load(), "settled initialization is never repeated")
}

func TestStore_EnsureInitialized_ProviderErrorDegradesToSignedOut(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{err: errors.New("provider unreachable")}
	s := newTestStore(t, p, &fakeProfiles{})

	require.NoError(t, s.EnsureInitialized(context.Background()))

	loggedIn, err := s.IsLoggedIn(context.Background())
	require.NoError(t, err)
	assert.False(t, loggedIn)
	assert.Equal(t, identity.Ready, s.Phase())
}

func TestStore_EnsureInitialized_CallerCancelDoesNotAbortSharedInit(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{gate: make(chan struct{}), session: sessionFor("u1")}
	s := newTestStore(t, p, &fakeProfiles{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.EnsureInitialized(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(p.gate)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	user, err := s.User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
}

func TestStore_Init_ProfileFailureKeepsIdentity(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: sessionFor("u1")}
	f := &fakeProfiles{err: errors.New("profiles table unreachable")}
	s := newTestStore(t, p, f)

	user, profile, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, user.Present())
	assert.False(t, profile.Present())
}

func TestStore_Getters_NeverFetchAgain(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: sessionFor("u1")}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	s := newTestStore(t, p, f)

	for range 5 {
		_, err := s.User(context.Background())
		require.NoError(t, err)
		_, err = s.Profile(context.Background())
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), p.calls.Load())
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestStore_SignedIn_SetsIdentityFetchesProfileAndNotifies(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	s := newTestStore(t, p, f)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	var got []identity.State
	s.AddListener("test", func(u identity.Identity, pr identity.Profile) {
		got = append(got, identity.StateOf(u, pr))
	})

	p.Emit(identity.Event{Kind: identity.SignedIn, Session: sessionFor("u1")})

	require.Len(t, got, 1)
	assert.True(t, got[0].LoggedIn)
	assert.Equal(t, "u1", got[0].User.ID)
	assert.Equal(t, "Ann", got[0].Profile.Nickname)
}

func TestStore_TokenRefreshed_UpdatesIdentityKeepsProfile(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: sessionFor("u1")}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	s := newTestStore(t, p, f)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	notified := 0
	s.AddListener("test", func(identity.Identity, identity.Profile) { notified++ })

	refreshed := &identity.Session{User: identity.NewIdentity("u1", "new@example.com"), AccessToken: "tok-2"}
	p.Emit(identity.Event{Kind: identity.TokenRefreshed, Session: refreshed})

	user, profile, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "new@example.com", user.Email)
	assert.Equal(t, "Ann", profile.Nickname)
	assert.Equal(t, int32(1), f.calls.Load(), "token refresh must not re-fetch the profile")
	assert.Equal(t, 1, notified)
}

func TestStore_SignedOut_ClearsBoth(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: sessionFor("u1")}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	s := newTestStore(t, p, f)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	p.Emit(identity.Event{Kind: identity.SignedOut})

	user, profile, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, user.Present())
	assert.False(t, profile.Present())

	loggedIn, err := s.IsLoggedIn(context.Background())
	require.NoError(t, err)
	assert.False(t, loggedIn)
}

func TestStore_UnknownEvent_IsIgnored(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: sessionFor("u1")}
	s := newTestStore(t, p, &fakeProfiles{})
	require.NoError(t, s.EnsureInitialized(context.Background()))

	notified := 0
	s.AddListener("test", func(identity.Identity, identity.Profile) { notified++ })

	assert.NotPanics(t, func() {
		p.Emit(identity.Event{Kind: "PASSWORD_RECOVERY"})
	})

	user, err := s.User(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.Zero(t, notified)
}

func TestStore_SignedIn_ProfileIsAbsentOrCurrentUsersNeverStale(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: sessionFor("u1")}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	f.set("u2", "Bob")
	s := newTestStore(t, p, f)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Emit(identity.Event{Kind: identity.SignedIn, Session: sessionFor("u2")})
	}()

	assert.Eventually(t, func() bool {
		u, _ := s.User(context.Background())
		return u.ID == "u2"
	}, time.Second, time.Millisecond)

	profile, err := s.Profile(context.Background())
	require.NoError(t, err)
	assert.False(t, profile.Present(), "profile of u1 must not be visible while u2's loads")

	close(gate)
	<-done

	profile, err = s.Profile(context.Background())
	require.NoError(t, err)
	assert.True(t, profile.BelongsTo("u2"))
	assert.Equal(t, "Bob", profile.Nickname)
}

func TestStore_ProfileOfAnotherUser_IsDiscarded(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: sessionFor("u1")}
	f := &fakeProfiles{rows: map[string]identity.Profile{
		"u1": {Kind: identity.Present, UserID: "u9", Nickname: "Mallory"},
	}}
	s := newTestStore(t, p, f)

	profile, err := s.Profile(context.Background())
	require.NoError(t, err)
	assert.False(t, profile.Present())
}

func TestStore_Refresh_ReportsLiveSessionAndNotifies(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	s := newTestStore(t, p, f)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	var last identity.State
	s.AddListener("test", func(u identity.Identity, pr identity.Profile) { last = identity.StateOf(u, pr) })

	p.setSession(sessionFor("u1"))
	found, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, last.LoggedIn)
	assert.Equal(t, "Ann", last.Profile.Nickname)

	p.setSession(nil)
	found, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, last.LoggedIn)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestStore_RefreshProfile_RefetchesForCurrentUser(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{session: sessionFor("u1")}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	s := newTestStore(t, p, f)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	f.set("u1", "Annie")
	require.NoError(t, s.RefreshProfile(context.Background()))

	profile, err := s.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Annie", profile.Nickname)
}

func TestStore_StoreListenerPanic_PropagatesToEmitter(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	s := newTestStore(t, p, &fakeProfiles{})
	require.NoError(t, s.EnsureInitialized(context.Background()))

	s.AddListener("bad", func(identity.Identity, identity.Profile) { panic("listener bug") })

	assert.Panics(t, func() {
		p.Emit(identity.Event{Kind: identity.SignedOut})
	})

	// The panicking delivery gave up its ownership of the queue.
	s.RemoveListener("bad")
	assert.NotPanics(t, func() {
		p.Emit(identity.Event{Kind: identity.SignedOut})
	})
}

func TestStore_SignOut_FailureIsSwallowed(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	s := newTestStore(t, p, &fakeProfiles{})

	assert.NotPanics(t, func() { s.SignOut(context.Background()) })
	assert.Equal(t, int32(1), p.signOuts.Load())
}

func TestStore_Close_Unsubscribes(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	s := New(p, &fakeProfiles{})
	require.NoError(t, s.EnsureInitialized(context.Background()))

	s.Close()
	assert.True(t, p.unsubbed.Load())
}

// finishes fails the test when fn does not return within d.
func finishes(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("call did not return")
	}
}

func TestStore_ListenerRefreshing_DuringDelivery_DoesNotBlock(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	s := newTestStore(t, p, f)
	require.NoError(t, s.EnsureInitialized(context.Background()))

	var (
		mu       sync.Mutex
		got      []identity.State
		refreshed bool
		found    bool
	)
	s.AddListener("test", func(u identity.Identity, pr identity.Profile) {
		mu.Lock()
		got = append(got, identity.StateOf(u, pr))
		again := !refreshed
		refreshed = true
		mu.Unlock()
		if again {
			ok, err := s.Refresh(context.Background())
			assert.NoError(t, err)
			found = ok
		}
	})

	p.setSession(sessionFor("u1"))
	finishes(t, 2*time.Second, func() {
		p.Emit(identity.Event{Kind: identity.SignedIn, Session: sessionFor("u1")})
	})

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, found)
	require.Len(t, got, 2, "the nested refresh is delivered after the sign-in fan-out")
	assert.True(t, got[0].LoggedIn)
	assert.True(t, got[1].LoggedIn)
	assert.Equal(t, "Ann", got[1].Profile.Nickname)
}

func TestStore_ObserveFromListener_RunsAfterCurrentFanout(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{}
	s := newTestStore(t, p, &fakeProfiles{})
	require.NoError(t, s.EnsureInitialized(context.Background()))

	var order []string
	s.AddListener("first", func(u identity.Identity, _ identity.Profile) {
		order = append(order, "first:"+u.ID)
		if u.ID == "u1" {
			err := s.Observe(context.Background(), func(u identity.Identity, _ identity.Profile) {
				order = append(order, "observer:"+u.ID)
			})
			assert.NoError(t, err)
		}
	})
	s.AddListener("second", func(u identity.Identity, _ identity.Profile) {
		order = append(order, "second:"+u.ID)
	})

	finishes(t, 2*time.Second, func() {
		p.Emit(identity.Event{Kind: identity.SignedIn, Session: sessionFor("u1")})
	})

	assert.Equal(t, []string{"first:u1", "second:u1", "observer:u1"}, order)
}

func TestStore_EventDuringInitialFetch_IsApplied(t *testing.T) {
	t.Parallel()

	p := &fakeProvider{gate: make(chan struct{})}
	f := &fakeProfiles{}
	f.set("u1", "Ann")
	s := newTestStore(t, p, f)

	go func() { _ = s.EnsureInitialized(context.Background()) }()
	require.Eventually(t, func() bool { return p.calls.Load() == 1 }, time.Second, time.Millisecond)

	// Signed in while the initial fetch, which still sees no session, runs.
	go p.Emit(identity.Event{Kind: identity.SignedIn, Session: sessionFor("u1")})
	close(p.gate)

	assert.Eventually(t, func() bool {
		u, _ := s.User(context.Background())
		return u.ID == "u1"
	}, time.Second, time.Millisecond)

	profile, err := s.Profile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Ann", profile.Nickname)
}
