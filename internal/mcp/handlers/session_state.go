package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/larder/internal/api"
	"github.com/btouchard/larder/internal/auth"
	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/page"
	"github.com/btouchard/larder/internal/session"
	"github.com/btouchard/larder/internal/web/middleware"
)

// SessionState returns a handler that renders the caller's header surface
// through a short-lived page runtime, exactly as a page load would.
func SessionState(backend auth.Backend, profiles session.ProfileFetcher, surfaceID string, timeout time.Duration) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		token := middleware.TokenFrom(ctx)
		if token == "" {
			return mcp.NewToolResultError("not authenticated"), nil
		}

		client := auth.NewClient(backend, auth.NewStaticStorage(token))
		defer client.Close()

		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		st, id, err := page.HeaderState(ctx, client, profiles, page.WithSurfaceID(surfaceID))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Session unavailable: %s", err)), nil
		}

		if format, _ := args["format"].(string); format == "json" {
			data, err := json.MarshalIndent(api.SessionFrom(st, id), "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encoding session: %w", err)
			}
			return mcp.NewToolResultText(string(data)), nil
		}
		return mcp.NewToolResultText(formatState(st, id)), nil
	}
}

func formatState(st identity.State, surfaceID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Surface: %s\n", surfaceID)

	if !st.LoggedIn {
		b.WriteString("Signed out\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Signed in as %s (%s)\n", st.User.Email, st.User.ID)
	if st.Profile.Present() {
		b.WriteString(formatProfile(st.Profile))
	} else {
		b.WriteString("No profile yet\n")
	}
	return b.String()
}

func formatProfile(p identity.Profile) string {
	var b strings.Builder
	nickname := p.Nickname
	if nickname == "" {
		nickname = "(none)"
	}
	fmt.Fprintf(&b, "Nickname: %s\n", nickname)
	if p.AvatarRef != "" {
		fmt.Fprintf(&b, "Avatar: %s\n", p.AvatarRef)
	}
	if !p.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "Updated: %s\n", p.UpdatedAt.Format(time.RFC3339))
	}
	return b.String()
}
