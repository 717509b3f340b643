package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExpired is returned for a code or token past its expiry.
	ErrExpired = errors.New("expired")
	// ErrConsumed is returned for a code already used or a token revoked.
	ErrConsumed = errors.New("already used or revoked")
)

// Store is the persistence interface for larder.
// Defined at the consumer side per Go conventions.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *UserRecord) error
	GetUser(ctx context.Context, id string) (*UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*UserRecord, error)

	// One-time sign-in codes
	StoreOTP(ctx context.Context, c *OTPRecord) error
	ConsumeOTP(ctx context.Context, email, codeHash string) (*OTPRecord, error)

	// Refresh tokens
	StoreRefreshToken(ctx context.Context, t *TokenRecord) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*TokenRecord, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string) error
	RevokeUserTokens(ctx context.Context, userID string) error

	// Profiles
	GetProfile(ctx context.Context, userID string) (*ProfileRecord, error)
	UpsertProfile(ctx context.Context, p *ProfileRecord) error
	DeleteProfile(ctx context.Context, userID string) error

	// Maintenance
	Cleanup(ctx context.Context) error
	Close() error
}

// UserRecord is an account known to the identity service.
type UserRecord struct {
	ID        string
	Email     string
	CreatedAt time.Time
}

// OTPRecord is a pending e-mail sign-in code. Only the hash is stored.
type OTPRecord struct {
	CodeHash  string
	Email     string
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// TokenRecord is a persisted refresh token. Only the hash is stored.
type TokenRecord struct {
	TokenHash string
	UserID    string
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// ProfileRecord is the application-level row attached to a user.
type ProfileRecord struct {
	UserID    string
	Nickname  string
	AvatarRef string
	CreatedAt time.Time
	UpdatedAt time.Time
}
