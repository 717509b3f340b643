package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/notify"
	"github.com/btouchard/larder/internal/profile"
	"github.com/btouchard/larder/internal/web/middleware"
)

// ProfileStore is the profile service as seen by the tools.
// Defined consumer-side per Go convention.
type ProfileStore interface {
	FetchProfileByID(ctx context.Context, id string) (identity.Profile, error)
	Upsert(ctx context.Context, userID string, u profile.Update) (identity.Profile, error)
}

// GetProfile returns a handler that shows the caller's profile.
func GetProfile(profiles ProfileStore) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user := middleware.UserFrom(ctx)
		if !user.Present() {
			return mcp.NewToolResultError("not authenticated"), nil
		}

		p, err := profiles.FetchProfileByID(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("fetching profile: %w", err)
		}
		if !p.Present() {
			return mcp.NewToolResultText("No profile yet. Use update_profile to create one."), nil
		}
		return mcp.NewToolResultText(formatProfile(p)), nil
	}
}

// UpdateProfile returns a handler that edits the caller's nickname and/or
// avatar and announces the change.
func UpdateProfile(profiles ProfileStore, notifier notify.Notifier) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		user := middleware.UserFrom(ctx)
		if !user.Present() {
			return mcp.NewToolResultError("not authenticated"), nil
		}

		args := req.GetArguments()
		var u profile.Update
		if n, ok := args["nickname"].(string); ok {
			u.Nickname = &n
		}
		if a, ok := args["avatar_ref"].(string); ok {
			u.AvatarRef = &a
		}

		p, err := profiles.Upsert(ctx, user.ID, u)
		switch {
		case errors.Is(err, profile.ErrEmptyUpdate):
			return mcp.NewToolResultError("nickname or avatar_ref is required"), nil
		case errors.Is(err, profile.ErrEmptyNickname),
			errors.Is(err, profile.ErrNicknameTooLong),
			errors.Is(err, profile.ErrEmptyAvatar):
			return mcp.NewToolResultError(err.Error()), nil
		case err != nil:
			return nil, fmt.Errorf("updating profile: %w", err)
		}

		if notifier != nil {
			notifier.Notify(notify.Event{
				Type:         notify.ProfileUpdated,
				UserID:       user.ID,
				Email:        user.Email,
				Message:      "profile updated",
				MCPSessionID: sessionID(ctx),
			})
		}
		return mcp.NewToolResultText("Profile updated\n\n" + formatProfile(p)), nil
	}
}

// sessionID returns the MCP session of the calling client, if any.
func sessionID(ctx context.Context) string {
	if s := server.ClientSessionFromContext(ctx); s != nil {
		return s.SessionID()
	}
	return ""
}
