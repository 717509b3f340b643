package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/larder/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// session_state: What the header shows for the caller
	s.AddTool(
		mcp.NewTool("session_state",
			mcp.WithDescription("Show the signed-in user and profile as the page header renders them."),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithString("format",
				mcp.Description("Output format: text (default) or json"),
				mcp.Enum("text", "json"),
			),
		),
		handlers.SessionState(deps.Auth, deps.Profiles, deps.SurfaceID, deps.Timeout),
	)

	// get_profile: Read the caller's profile
	s.AddTool(
		mcp.NewTool("get_profile",
			mcp.WithDescription("Get the profile of the signed-in user."),
			mcp.WithReadOnlyHintAnnotation(true),
		),
		handlers.GetProfile(deps.Profiles),
	)

	// update_profile: Edit nickname and/or avatar
	s.AddTool(
		mcp.NewTool("update_profile",
			mcp.WithDescription("Update the nickname and/or avatar of the signed-in user. Creates the profile if it does not exist."),
			mcp.WithString("nickname",
				mcp.Description("New display name (1 to 64 characters)"),
			),
			mcp.WithString("avatar_ref",
				mcp.Description("Reference to the avatar image, such as a storage key or URL"),
			),
		),
		handlers.UpdateProfile(deps.Profiles, deps.Notifier),
	)
}
