package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/btouchard/larder/internal/api"
	"github.com/btouchard/larder/internal/auth"
	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/notify"
	"github.com/btouchard/larder/internal/page"
	"github.com/btouchard/larder/internal/profile"
	"github.com/btouchard/larder/internal/surface"
	"github.com/btouchard/larder/internal/web/middleware"
)

const maxBodySize = 64 << 10

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.deps.Version})
}

func (h *handlers) requestOTP(w http.ResponseWriter, r *http.Request) {
	var req api.OTPRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.deps.Auth.RequestOTP(r.Context(), req.Email)
	switch {
	case errors.Is(err, auth.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, api.CodeInvalidEmail, "invalid email address")
	case err != nil:
		serverError(w, r, "requesting code", err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// verify accepts a JSON body or, for sign-in links, email and code in the
// query string.
func (h *handlers) verify(w http.ResponseWriter, r *http.Request) {
	var req api.VerifyRequest
	if r.Method == http.MethodGet {
		req.Email = r.URL.Query().Get("email")
		req.Code = r.URL.Query().Get("code")
	} else if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, api.CodeInvalidRequest, "email and code are required")
		return
	}

	tokens, err := h.deps.Auth.VerifyOTP(r.Context(), req.Email, req.Code)
	switch {
	case errors.Is(err, auth.ErrInvalidEmail):
		writeError(w, http.StatusBadRequest, api.CodeInvalidEmail, "invalid email address")
	case errors.Is(err, auth.ErrInvalidCode):
		writeError(w, http.StatusBadRequest, api.CodeInvalidCode, "invalid or expired code")
	case err != nil:
		serverError(w, r, "verifying code", err)
	default:
		writeJSON(w, http.StatusOK, h.tokenResponse(tokens))
	}
}

// refresh implements the OAuth 2 refresh_token grant.
func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, api.CodeInvalidRequest, "malformed form body")
		return
	}
	if r.PostFormValue("grant_type") != "refresh_token" {
		writeError(w, http.StatusBadRequest, "unsupported_grant_type", "only refresh_token is supported")
		return
	}
	refreshToken := r.PostFormValue("refresh_token")
	if refreshToken == "" {
		writeError(w, http.StatusBadRequest, api.CodeInvalidRequest, "refresh_token is required")
		return
	}

	tokens, err := h.deps.Auth.Refresh(r.Context(), refreshToken)
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrTokenExpired):
		writeError(w, http.StatusBadRequest, api.CodeInvalidGrant, "refresh token is invalid, expired or revoked")
	case err != nil:
		serverError(w, r, "refreshing session", err)
	default:
		writeJSON(w, http.StatusOK, h.tokenResponse(tokens))
	}
}

func (h *handlers) signOut(w http.ResponseWriter, r *http.Request) {
	var req api.SignOutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, api.CodeInvalidRequest, "refresh_token is required")
		return
	}
	if err := h.deps.Auth.Revoke(r.Context(), req.RefreshToken); err != nil {
		serverError(w, r, "signing out", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// session renders the header surface of a fresh runtime for the caller.
// Without a bearer token the caller sees the signed-out header.
func (h *handlers) session(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		writeJSON(w, http.StatusOK, api.SessionResponse{Surface: h.surfaceID()})
		return
	}

	// The runtime degrades provider errors to signed out; the API reports
	// them so clients know to refresh.
	if _, err := h.deps.Auth.UserFromAccess(r.Context(), token); err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, api.CodeTokenExpired, "access token expired")
			return
		}
		writeError(w, http.StatusUnauthorized, api.CodeUnauthorized, "invalid access token")
		return
	}

	st, id, err := h.headerState(r.Context(), token)
	if err != nil {
		serverError(w, r, "rendering session", err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionFrom(st, id))
}

func (h *handlers) getProfile(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFrom(r.Context())
	p, err := h.deps.Profiles.FetchProfileByID(r.Context(), user.ID)
	if err != nil {
		serverError(w, r, "fetching profile", err)
		return
	}
	if !p.Present() {
		writeError(w, http.StatusNotFound, api.CodeNotFound, "no profile yet")
		return
	}
	writeJSON(w, http.StatusOK, api.ProfileFrom(p))
}

func (h *handlers) putProfile(w http.ResponseWriter, r *http.Request) {
	var req api.ProfileUpdate
	if !decodeJSON(w, r, &req) {
		return
	}

	user := middleware.UserFrom(r.Context())
	p, err := h.deps.Profiles.Upsert(r.Context(), user.ID, profile.Update{
		Nickname:  req.Nickname,
		AvatarRef: req.AvatarRef,
	})
	switch {
	case errors.Is(err, profile.ErrEmptyNickname),
		errors.Is(err, profile.ErrNicknameTooLong),
		errors.Is(err, profile.ErrEmptyAvatar),
		errors.Is(err, profile.ErrEmptyUpdate):
		writeError(w, http.StatusBadRequest, api.CodeInvalidRequest, err.Error())
		return
	case err != nil:
		serverError(w, r, "updating profile", err)
		return
	}

	if h.deps.Notifier != nil {
		h.deps.Notifier.Notify(notify.Event{
			Type:    notify.ProfileUpdated,
			UserID:  user.ID,
			Email:   user.Email,
			Message: "profile updated",
		})
	}
	writeJSON(w, http.StatusOK, api.ProfileFrom(p))
}

func (h *handlers) headerState(ctx context.Context, accessToken string) (identity.State, string, error) {
	client := auth.NewClient(h.deps.Auth, auth.NewStaticStorage(accessToken))
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, h.deps.InitTimeout)
	defer cancel()
	return page.HeaderState(ctx, client, h.deps.Profiles, page.WithSurfaceID(h.surfaceID()))
}

func (h *handlers) surfaceID() string {
	if h.deps.SurfaceID == "" {
		return surface.DefaultID
	}
	return h.deps.SurfaceID
}

func (h *handlers) tokenResponse(t *auth.Tokens) api.TokenResponse {
	return api.TokenResponse{
		AccessToken:  t.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(time.Until(t.ExpiresAt).Round(time.Second).Seconds()),
		RefreshToken: t.RefreshToken,
		UserID:       t.User.ID,
		Email:        t.User.Email,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, api.CodeInvalidRequest, "malformed JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, api.ErrorResponse{Error: code, Description: desc})
}

func serverError(w http.ResponseWriter, r *http.Request, op string, err error) {
	logger(r).Error(op+" failed", "error", err)
	writeError(w, http.StatusInternalServerError, api.CodeServerError, "internal error")
}

func logger(r *http.Request) *slog.Logger {
	if id := chimw.GetReqID(r.Context()); id != "" {
		return slog.With("request_id", id)
	}
	return slog.Default()
}
