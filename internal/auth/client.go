package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/registry"
)

// Backend is the identity service as seen by a client. *Service satisfies it
// in-process and *Remote over HTTP.
type Backend interface {
	RequestOTP(ctx context.Context, email string) error
	VerifyOTP(ctx context.Context, email, code string) (*Tokens, error)
	Refresh(ctx context.Context, refreshToken string) (*Tokens, error)
	UserFromAccess(ctx context.Context, accessToken string) (identity.Identity, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithEventBuffer sets the per-subscriber event queue length.
func WithEventBuffer(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.bufSize = n
		}
	}
}

// Client is the identity provider of one page runtime. It owns the stored
// token pair and emits auth events to its subscribers.
//
// Events are delivered asynchronously, one goroutine per subscriber, in the
// order they were emitted. A handler that panics is logged and the pump keeps
// running.
type Client struct {
	backend Backend
	storage TokenStorage
	bufSize int

	// emitMu gives every subscriber the same event order.
	emitMu    sync.Mutex
	subs      *registry.Registry[*subscription]
	nextSub   atomic.Uint64
	refreshes singleflight.Group
}

type subscription struct {
	id      string
	handler identity.EventHandler
	events  chan identity.Event
	done    chan struct{}
	once    sync.Once
}

// NewClient creates a client over backend and storage.
func NewClient(backend Backend, storage TokenStorage, opts ...ClientOption) *Client {
	c := &Client{
		backend: backend,
		storage: storage,
		bufSize: 16,
		subs:    registry.New[*subscription](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CurrentSession returns the stored session, refreshing the access token
// when it has expired. No stored token is a nil session and a nil error.
func (c *Client) CurrentSession(ctx context.Context) (*identity.Session, error) {
	tok, err := c.storage.Load()
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, nil
	}

	if !tok.Valid() {
		if tok.RefreshToken == "" {
			return nil, nil
		}
		tokens, err := c.refresh(ctx, tok.RefreshToken)
		if err != nil {
			return nil, err
		}
		return tokens.Session(), nil
	}

	user, err := c.backend.UserFromAccess(ctx, tok.AccessToken)
	if errors.Is(err, ErrTokenExpired) && tok.RefreshToken != "" {
		tokens, err := c.refresh(ctx, tok.RefreshToken)
		if err != nil {
			return nil, err
		}
		return tokens.Session(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("validating session: %w", err)
	}

	return &identity.Session{
		User:         user,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

// RequestOTP asks the service to send a sign-in code to email.
func (c *Client) RequestOTP(ctx context.Context, email string) error {
	return c.backend.RequestOTP(ctx, email)
}

// VerifyOTP signs in with a code, stores the session and emits SIGNED_IN.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (*identity.Session, error) {
	tokens, err := c.backend.VerifyOTP(ctx, email, code)
	if err != nil {
		return nil, err
	}
	if err := c.storage.Save(toOAuth2(tokens)); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}
	sess := tokens.Session()
	c.emit(identity.Event{Kind: identity.SignedIn, Session: sess})
	return sess, nil
}

// SignOut revokes the refresh token, forgets the session and emits
// SIGNED_OUT. The local session is cleared even when revocation fails.
func (c *Client) SignOut(ctx context.Context) error {
	var errs []error

	tok, err := c.storage.Load()
	if err != nil {
		errs = append(errs, fmt.Errorf("loading token: %w", err))
	}
	if tok != nil && tok.RefreshToken != "" {
		if err := c.backend.Revoke(ctx, tok.RefreshToken); err != nil {
			errs = append(errs, fmt.Errorf("revoking session: %w", err))
		}
	}
	if err := c.storage.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("clearing session: %w", err))
	}

	c.emit(identity.Event{Kind: identity.SignedOut})
	return errors.Join(errs...)
}

// Refresh forces a token rotation and emits TOKEN_REFRESHED.
func (c *Client) Refresh(ctx context.Context) (*identity.Session, error) {
	tok, err := c.storage.Load()
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}
	if tok == nil || tok.RefreshToken == "" {
		return nil, ErrInvalidToken
	}
	tokens, err := c.refresh(ctx, tok.RefreshToken)
	if err != nil {
		return nil, err
	}
	return tokens.Session(), nil
}

// refresh rotates the pair once for all concurrent callers presenting the
// same refresh token. A rejected token clears the stored session.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	v, err, _ := c.refreshes.Do(refreshToken, func() (any, error) {
		// Shared by every waiting caller: one caller leaving must not abort it.
		tokens, err := c.backend.Refresh(context.WithoutCancel(ctx), refreshToken)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrTokenExpired) {
				slog.Info("stored session is no longer valid", "error", err)
				if cerr := c.storage.Clear(); cerr != nil {
					slog.Warn("clearing session failed", "error", cerr)
				}
			}
			return nil, fmt.Errorf("refreshing session: %w", err)
		}
		if err := c.storage.Save(toOAuth2(tokens)); err != nil {
			return nil, fmt.Errorf("saving session: %w", err)
		}
		c.emit(identity.Event{Kind: identity.TokenRefreshed, Session: tokens.Session()})
		return tokens, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tokens), nil
}

// StartAutoRefresh renews the access token once it is within margin of its
// expiry. It checks immediately, then every margin/4, and returns when ctx is
// done.
func (c *Client) StartAutoRefresh(ctx context.Context, margin time.Duration) {
	interval := max(margin/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.refreshIfDue(ctx, margin)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) refreshIfDue(ctx context.Context, margin time.Duration) {
	tok, err := c.storage.Load()
	if err != nil || tok == nil || tok.RefreshToken == "" || tok.Expiry.IsZero() {
		return
	}
	if time.Until(tok.Expiry) > margin {
		return
	}
	if _, err := c.refresh(ctx, tok.RefreshToken); err != nil {
		slog.Warn("automatic token refresh failed", "error", err)
	}
}

// Subscribe registers handler for auth events and returns a function that
// stops delivery. Unsubscribing is idempotent.
func (c *Client) Subscribe(handler identity.EventHandler) func() {
	sub := &subscription{
		id:      strconv.FormatUint(c.nextSub.Add(1), 10),
		handler: handler,
		events:  make(chan identity.Event, c.bufSize),
		done:    make(chan struct{}),
	}
	c.subs.Set(sub.id, sub)
	go sub.pump()

	return func() {
		c.subs.Remove(sub.id)
		sub.stop()
	}
}

// Close stops every subscription.
func (c *Client) Close() {
	for _, e := range c.subs.Entries() {
		c.subs.Remove(e.ID)
		e.Fn.stop()
	}
}

func (c *Client) emit(ev identity.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	slog.Debug("auth event", "event", string(ev.Kind), "user_id", ev.User().ID)
	for _, e := range c.subs.Entries() {
		e.Fn.send(ev)
	}
}

// send queues ev, waiting for room unless the subscription is stopped.
func (s *subscription) send(ev identity.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.deliver(ev)
		}
	}
}

func (s *subscription) deliver(ev identity.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("auth event handler panicked", "event", string(ev.Kind), "panic", r)
		}
	}()
	s.handler(ev)
}

func toOAuth2(t *Tokens) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt,
	}
}
