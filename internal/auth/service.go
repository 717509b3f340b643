package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/larder/internal/config"
	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/notify"
	"github.com/btouchard/larder/internal/store"
)

var (
	ErrInvalidEmail = errors.New("invalid e-mail address")
	ErrInvalidCode  = errors.New("invalid or expired sign-in code")
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Repository is the persistence the identity service relies on.
type Repository interface {
	CreateUser(ctx context.Context, u *store.UserRecord) error
	GetUser(ctx context.Context, id string) (*store.UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*store.UserRecord, error)
	StoreOTP(ctx context.Context, c *store.OTPRecord) error
	ConsumeOTP(ctx context.Context, email, codeHash string) (*store.OTPRecord, error)
	StoreRefreshToken(ctx context.Context, t *store.TokenRecord) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*store.TokenRecord, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	Cleanup(ctx context.Context) error
}

// Tokens is the result of a successful sign-in or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         identity.Identity
}

// Session converts t into the provider session shape.
func (t *Tokens) Session() *identity.Session {
	return &identity.Session{
		User:         t.User,
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.ExpiresAt,
	}
}

// Service is the server side of passwordless e-mail sign-in.
type Service struct {
	repo     Repository
	notifier notify.Notifier
	secret   []byte

	issuer     string
	publicURL  string
	accessTTL  time.Duration
	refreshTTL time.Duration
	codeTTL    time.Duration
	cleanup    time.Duration

	now func() time.Time
}

// NewService creates the identity service. publicURL is used as token issuer
// and as the base of sign-in links.
func NewService(cfg config.AuthConfig, secret []byte, publicURL string, repo Repository, notifier notify.Notifier) *Service {
	publicURL = strings.TrimRight(publicURL, "/")
	issuer := publicURL
	if issuer == "" {
		issuer = defaultIssuer
	}

	s := &Service{
		repo:       repo,
		notifier:   notifier,
		secret:     secret,
		issuer:     issuer,
		publicURL:  publicURL,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		codeTTL:    cfg.CodeTTL,
		cleanup:    cfg.CleanupInterval,
		now:        time.Now,
	}
	if s.accessTTL == 0 {
		s.accessTTL = 15 * time.Minute
	}
	if s.refreshTTL == 0 {
		s.refreshTTL = 30 * 24 * time.Hour
	}
	if s.codeTTL == 0 {
		s.codeTTL = 10 * time.Minute
	}
	if s.cleanup == 0 {
		s.cleanup = 15 * time.Minute
	}
	return s
}

// RequestOTP issues a sign-in code for email and hands it to the notifier.
// Unknown addresses get a code too; the account is created on first verify.
func (s *Service) RequestOTP(ctx context.Context, email string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}

	code, err := generateCode()
	if err != nil {
		return err
	}

	now := s.now()
	if err := s.repo.StoreOTP(ctx, &store.OTPRecord{
		CodeHash:  hashCode(email, code),
		Email:     email,
		ExpiresAt: now.Add(s.codeTTL),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("storing code: %w", err)
	}

	slog.Info("sign-in code issued", "email", email, "expires_in", s.codeTTL)

	s.notify(notify.Event{
		Type:    notify.CodeRequested,
		Email:   email,
		Code:    code,
		Link:    s.signInLink(email, code),
		Message: "sign-in code requested",
	})
	return nil
}

// VerifyOTP consumes a code and signs the user in, creating the account on
// first use.
func (s *Service) VerifyOTP(ctx context.Context, email, code string) (*Tokens, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidCode
	}

	if _, err := s.repo.ConsumeOTP(ctx, email, hashCode(email, code)); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrExpired) || errors.Is(err, store.ErrConsumed) {
			slog.Warn("sign-in code rejected", "email", email, "error", err)
			return nil, ErrInvalidCode
		}
		return nil, fmt.Errorf("consuming code: %w", err)
	}

	user, err := s.findOrCreateUser(ctx, email)
	if err != nil {
		return nil, err
	}

	tokens, err := s.issue(ctx, user)
	if err != nil {
		return nil, err
	}

	slog.Info("user signed in", "user_id", user.ID)
	s.notify(notify.Event{Type: notify.SignedIn, UserID: user.ID, Email: user.Email, Message: "signed in"})
	return tokens, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	hash := HashToken(refreshToken)
	rec, err := s.repo.GetRefreshToken(ctx, hash)
	switch {
	case errors.Is(err, store.ErrExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConsumed):
		return nil, ErrInvalidToken
	case err != nil:
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}

	if err := s.repo.RevokeRefreshToken(ctx, hash); err != nil {
		return nil, fmt.Errorf("rotating refresh token: %w", err)
	}

	u, err := s.repo.GetUser(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}

	tokens, err := s.issue(ctx, identity.NewIdentity(u.ID, u.Email))
	if err != nil {
		return nil, err
	}

	slog.Debug("tokens refreshed", "user_id", u.ID)
	s.notify(notify.Event{Type: notify.TokenRefreshed, UserID: u.ID, Message: "token refreshed"})
	return tokens, nil
}

// UserFromAccess validates an access token and returns its user.
func (s *Service) UserFromAccess(ctx context.Context, accessToken string) (identity.Identity, error) {
	claims, err := parseAccessToken(accessToken, s.secret, s.issuer)
	if err != nil {
		return identity.NoIdentity, err
	}

	u, err := s.repo.GetUser(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return identity.NoIdentity, fmt.Errorf("%w: unknown user", ErrInvalidToken)
		}
		return identity.NoIdentity, fmt.Errorf("loading user: %w", err)
	}
	return identity.NewIdentity(u.ID, u.Email), nil
}

// Revoke ends the session behind a refresh token. Unknown tokens are ignored.
func (s *Service) Revoke(ctx context.Context, refreshToken string) error {
	hash := HashToken(refreshToken)
	rec, err := s.repo.GetRefreshToken(ctx, hash)
	if err != nil {
		slog.Debug("revoking unknown or dead refresh token", "error", err)
		return nil
	}
	if err := s.repo.RevokeRefreshToken(ctx, hash); err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}

	slog.Info("user signed out", "user_id", rec.UserID)
	s.notify(notify.Event{Type: notify.SignedOut, UserID: rec.UserID, Message: "signed out"})
	return nil
}

// StartCleanupLoop purges expired codes and tokens until ctx is done.
func (s *Service) StartCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.repo.Cleanup(ctx); err != nil {
				slog.Warn("auth cleanup failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// AccessTTL reports the lifetime of issued access tokens.
func (s *Service) AccessTTL() time.Duration { return s.accessTTL }

func (s *Service) issue(ctx context.Context, user identity.Identity) (*Tokens, error) {
	now := s.now()

	access, expiresAt, err := signAccessToken(s.secret, s.issuer, user.ID, user.Email, now, s.accessTTL)
	if err != nil {
		return nil, err
	}

	refresh, refreshHash := generateToken()
	if err := s.repo.StoreRefreshToken(ctx, &store.TokenRecord{
		TokenHash: refreshHash,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	return &Tokens{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
		User:         user,
	}, nil
}

func (s *Service) findOrCreateUser(ctx context.Context, email string) (identity.Identity, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err == nil {
		return identity.NewIdentity(u.ID, u.Email), nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return identity.NoIdentity, fmt.Errorf("loading user: %w", err)
	}

	u = &store.UserRecord{ID: uuid.NewString(), Email: email, CreatedAt: s.now()}
	if err := s.repo.CreateUser(ctx, u); err != nil {
		return identity.NoIdentity, fmt.Errorf("creating user: %w", err)
	}
	slog.Info("user created", "user_id", u.ID)
	return identity.NewIdentity(u.ID, u.Email), nil
}

func (s *Service) signInLink(email, code string) string {
	if s.publicURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("email", email)
	q.Set("code", code)
	return s.publicURL + "/auth/verify?" + q.Encode()
}

func (s *Service) notify(e notify.Event) {
	if s.notifier != nil {
		s.notifier.Notify(e)
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}
