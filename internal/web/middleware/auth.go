package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/btouchard/larder/internal/api"
	"github.com/btouchard/larder/internal/auth"
	"github.com/btouchard/larder/internal/identity"
)

// TokenValidator resolves a bearer access token to its user.
// Defined consumer-side per Go convention.
type TokenValidator interface {
	UserFromAccess(ctx context.Context, accessToken string) (identity.Identity, error)
}

type ctxKey int

const (
	userKey ctxKey = iota
	tokenKey
)

// BearerAuth returns middleware that requires a valid access token and
// stores the caller and the raw token in the request context.
func BearerAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				challenge(w, api.CodeUnauthorized, "missing or malformed Authorization header")
				return
			}

			user, err := v.UserFromAccess(r.Context(), token)
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				challenge(w, api.CodeTokenExpired, "access token expired")
				return
			case err != nil:
				slog.Debug("token validation failed", "error", err)
				challenge(w, api.CodeUnauthorized, "invalid access token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), user, token)))
		})
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// WithCaller stores an authenticated caller in ctx.
func WithCaller(ctx context.Context, user identity.Identity, accessToken string) context.Context {
	ctx = context.WithValue(ctx, userKey, user)
	return context.WithValue(ctx, tokenKey, accessToken)
}

// UserFrom returns the caller stored by BearerAuth.
func UserFrom(ctx context.Context) identity.Identity {
	user, _ := ctx.Value(userKey).(identity.Identity)
	return user
}

// TokenFrom returns the access token stored by BearerAuth.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey).(string)
	return token
}

// challenge sends a 401 with a Bearer challenge and a JSON error body.
func challenge(w http.ResponseWriter, code, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="`+msg+`"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: code, Description: msg})
}
