package store

// migrations are applied in order; index i holds schema version i+1.
// Never edit an applied entry, append a new one.
var migrations = []string{
	`CREATE TABLE users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	)`,

	`CREATE TABLE otp_codes (
		code_hash  TEXT PRIMARY KEY,
		email      TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		used       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_otp_codes_email ON otp_codes(email)`,

	`CREATE TABLE refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at TEXT NOT NULL,
		revoked    INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX idx_refresh_tokens_user ON refresh_tokens(user_id)`,

	`CREATE TABLE profiles (
		user_id    TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		nickname   TEXT NOT NULL DEFAULT '',
		avatar_ref TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}
