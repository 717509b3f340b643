package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/btouchard/larder/internal/api"
	"github.com/btouchard/larder/internal/identity"
)

// Remote is a Backend talking to a larder server over HTTP.
type Remote struct {
	baseURL string
	client  *http.Client
	oauth   oauth2.Config
}

// NewRemote creates a backend for the server at baseURL. A nil client means
// a client with a 15s timeout.
func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Remote{
		baseURL: baseURL,
		client:  client,
		oauth: oauth2.Config{
			ClientID: "larder-cli",
			Endpoint: oauth2.Endpoint{
				TokenURL:  baseURL + "/auth/refresh",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func (r *Remote) RequestOTP(ctx context.Context, email string) error {
	return r.postJSON(ctx, "/auth/otp", api.OTPRequest{Email: email}, nil)
}

func (r *Remote) VerifyOTP(ctx context.Context, email, code string) (*Tokens, error) {
	var resp api.TokenResponse
	if err := r.postJSON(ctx, "/auth/verify", api.VerifyRequest{Email: email, Code: code}, &resp); err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
		User:         identity.NewIdentity(resp.UserID, resp.Email),
	}, nil
}

// Refresh uses the standard OAuth 2 refresh grant against /auth/refresh.
func (r *Remote) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	src := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	tok, err := src.Token()
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.ErrorCode == api.CodeInvalidGrant {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("refresh request: %w", err)
	}

	userID, _ := tok.Extra("user_id").(string)
	email, _ := tok.Extra("email").(string)
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		User:         identity.NewIdentity(userID, email),
	}, nil
}

// UserFromAccess asks the server who the bearer of accessToken is.
func (r *Remote) UserFromAccess(ctx context.Context, accessToken string) (identity.Identity, error) {
	var resp api.SessionResponse
	if err := r.getJSON(ctx, "/api/session", accessToken, &resp); err != nil {
		return identity.NoIdentity, err
	}
	if !resp.LoggedIn || resp.User == nil {
		return identity.NoIdentity, ErrInvalidToken
	}
	return identity.NewIdentity(resp.User.ID, resp.User.Email), nil
}

func (r *Remote) Revoke(ctx context.Context, refreshToken string) error {
	return r.postJSON(ctx, "/auth/signout", api.SignOutRequest{RefreshToken: refreshToken}, nil)
}

// Profiles returns a profile fetcher authenticated with the token in storage.
func (r *Remote) Profiles(storage TokenStorage) *RemoteProfiles {
	return &RemoteProfiles{remote: r, storage: storage}
}

// RemoteProfiles fetches the caller's own profile from the server.
type RemoteProfiles struct {
	remote  *Remote
	storage TokenStorage
}

func (p *RemoteProfiles) FetchProfileByID(ctx context.Context, id string) (identity.Profile, error) {
	tok, err := p.storage.Load()
	if err != nil {
		return identity.NoProfile, fmt.Errorf("loading token: %w", err)
	}
	if tok == nil {
		return identity.NoProfile, nil
	}

	var resp api.Profile
	err = p.remote.getJSON(ctx, "/api/profile", tok.AccessToken, &resp)
	if errors.Is(err, errNotFound) {
		return identity.NoProfile, nil
	}
	if err != nil {
		return identity.NoProfile, err
	}
	return resp.Identity(), nil
}

var errNotFound = errors.New("not found")

func (r *Remote) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return r.do(req, out)
}

func (r *Remote) getJSON(ctx context.Context, path, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r.do(req, out)
}

func (r *Remote) do(req *http.Request, out any) error {
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		_ = json.Unmarshal(body, &e)
		return remoteError(resp.StatusCode, e)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func remoteError(status int, e api.ErrorResponse) error {
	switch e.Error {
	case api.CodeInvalidEmail:
		return ErrInvalidEmail
	case api.CodeInvalidCode:
		return ErrInvalidCode
	case api.CodeTokenExpired:
		return ErrTokenExpired
	case api.CodeUnauthorized, api.CodeInvalidGrant:
		return ErrInvalidToken
	case api.CodeNotFound:
		return errNotFound
	}
	if e.Description != "" {
		return fmt.Errorf("server returned %d: %s", status, e.Description)
	}
	return fmt.Errorf("server returned %d", status)
}
