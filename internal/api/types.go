// Package api holds the JSON shapes shared by the HTTP server and its
// clients.
package api

import (
	"time"

	"github.com/btouchard/larder/internal/identity"
)

// Error codes returned in ErrorResponse.Error.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidEmail   = "invalid_email"
	CodeInvalidCode    = "invalid_code"
	CodeInvalidGrant   = "invalid_grant"
	CodeUnauthorized   = "unauthorized"
	CodeTokenExpired   = "token_expired"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeServerError    = "server_error"
)

type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type OTPRequest struct {
	Email string `json:"email"`
}

type VerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

type SignOutRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// TokenResponse follows the OAuth 2 token response, with the signed-in user
// as extra fields.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id"`
	Email        string `json:"email"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

type Profile struct {
	UserID    string    `json:"user_id"`
	Nickname  string    `json:"nickname"`
	AvatarRef string    `json:"avatar_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ProfileUpdate struct {
	Nickname  *string `json:"nickname,omitempty"`
	AvatarRef *string `json:"avatar_ref,omitempty"`
}

// SessionResponse is the header surface state as seen by a caller.
type SessionResponse struct {
	LoggedIn bool     `json:"logged_in"`
	User     *User    `json:"user,omitempty"`
	Profile  *Profile `json:"profile,omitempty"`
	Surface  string   `json:"surface,omitempty"`
}

// SessionFrom converts a derived auth state. Absent parts are omitted.
func SessionFrom(st identity.State, surface string) SessionResponse {
	resp := SessionResponse{LoggedIn: st.LoggedIn, Surface: surface}
	if st.User.Present() {
		resp.User = &User{ID: st.User.ID, Email: st.User.Email}
	}
	resp.Profile = ProfileFrom(st.Profile)
	return resp
}

func ProfileFrom(p identity.Profile) *Profile {
	if !p.Present() {
		return nil
	}
	return &Profile{
		UserID:    p.UserID,
		Nickname:  p.Nickname,
		AvatarRef: p.AvatarRef,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

// Identity converts back to the tagged profile type.
func (p *Profile) Identity() identity.Profile {
	if p == nil {
		return identity.NoProfile
	}
	return identity.Profile{
		Kind:      identity.Present,
		UserID:    p.UserID,
		Nickname:  p.Nickname,
		AvatarRef: p.AvatarRef,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
