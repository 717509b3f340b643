package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is fixed width so stored timestamps compare correctly as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		// Pre-create the file with restrictive permissions if it doesn't exist
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *UserRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, email, created_at) VALUES (?, ?, ?)`,
		u.ID, u.Email, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, created_at FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// --- One-time codes ---

func (s *SQLiteStore) StoreOTP(ctx context.Context, c *OTPRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO otp_codes (code_hash, email, expires_at, used, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.CodeHash, c.Email, formatTime(c.ExpiresAt), boolToInt(c.Used), formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("storing otp: %w", err)
	}
	return nil
}

// ConsumeOTP marks the code used and returns it. The code must belong to
// email, be unused and not expired.
func (s *SQLiteStore) ConsumeOTP(ctx context.Context, email, codeHash string) (*OTPRecord, error) {
	var c OTPRecord
	var expiresAt, createdAt string
	var used int

	err := s.db.QueryRowContext(ctx, `SELECT code_hash, email, expires_at, used, created_at FROM otp_codes WHERE code_hash = ? AND email = ?`, codeHash, email).
		Scan(&c.CodeHash, &c.Email, &expiresAt, &used, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("otp: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading otp: %w", err)
	}

	c.ExpiresAt = parseTime(expiresAt)
	c.CreatedAt = parseTime(createdAt)
	c.Used = used != 0

	if c.Used {
		return nil, fmt.Errorf("otp: %w", ErrConsumed)
	}
	if time.Now().After(c.ExpiresAt) {
		return nil, fmt.Errorf("otp: %w", ErrExpired)
	}

	res, err := s.db.ExecContext(ctx, "UPDATE otp_codes SET used = 1 WHERE code_hash = ? AND used = 0", codeHash)
	if err != nil {
		return nil, fmt.Errorf("marking otp used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("otp: %w", ErrConsumed)
	}

	c.Used = true
	return &c, nil
}

// --- Refresh tokens ---

func (s *SQLiteStore) StoreRefreshToken(ctx context.Context, t *TokenRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO refresh_tokens (token_hash, user_id, expires_at, revoked, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.TokenHash, t.UserID, formatTime(t.ExpiresAt), boolToInt(t.Revoked), formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("storing refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken returns a live token. Revoked and expired tokens are
// reported as ErrConsumed and ErrExpired.
func (s *SQLiteStore) GetRefreshToken(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	var t TokenRecord
	var expiresAt, createdAt string
	var revoked int

	err := s.db.QueryRowContext(ctx, `SELECT token_hash, user_id, expires_at, revoked, created_at FROM refresh_tokens WHERE token_hash = ?`, tokenHash).
		Scan(&t.TokenHash, &t.UserID, &expiresAt, &revoked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("refresh token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading refresh token: %w", err)
	}

	t.ExpiresAt = parseTime(expiresAt)
	t.CreatedAt = parseTime(createdAt)
	t.Revoked = revoked != 0

	if t.Revoked {
		return nil, fmt.Errorf("refresh token: %w", ErrConsumed)
	}
	if time.Now().After(t.ExpiresAt) {
		return nil, fmt.Errorf("refresh token: %w", ErrExpired)
	}

	return &t, nil
}

func (s *SQLiteStore) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?", tokenHash)
	if err != nil {
		return fmt.Errorf("revoking refresh token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RevokeUserTokens(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE refresh_tokens SET revoked = 1 WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("revoking user tokens: %w", err)
	}
	return nil
}

// --- Profiles ---

func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (*ProfileRecord, error) {
	var p ProfileRecord
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, `SELECT user_id, nickname, avatar_ref, created_at, updated_at FROM profiles WHERE user_id = ?`, userID).
		Scan(&p.UserID, &p.Nickname, &p.AvatarRef, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return &p, nil
}

// UpsertProfile inserts the row or updates nickname, avatar and updated_at.
// CreatedAt of an existing row is kept.
func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *ProfileRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles (user_id, nickname, avatar_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			nickname = excluded.nickname,
			avatar_ref = excluded.avatar_ref,
			updated_at = excluded.updated_at`,
		p.UserID, p.Nickname, p.AvatarRef, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upserting profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteProfile(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM profiles WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("deleting profile: %w", err)
	}
	return nil
}

// --- Maintenance ---

func (s *SQLiteStore) Cleanup(ctx context.Context) error {
	now := formatTime(time.Now())

	if _, err := s.db.ExecContext(ctx, "DELETE FROM otp_codes WHERE expires_at < ? OR used = 1", now); err != nil {
		return fmt.Errorf("cleaning codes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM refresh_tokens WHERE expires_at < ? OR revoked = 1", now); err != nil {
		return fmt.Errorf("cleaning tokens: %w", err)
	}

	return nil
}

// --- Helpers ---

func scanUser(row *sql.Row) (*UserRecord, error) {
	var u UserRecord
	var createdAt string

	err := row.Scan(&u.ID, &u.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}

	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
