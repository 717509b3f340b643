package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/larder/internal/auth"
	"github.com/btouchard/larder/internal/config"
	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/notify"
	"github.com/btouchard/larder/internal/profile"
	"github.com/btouchard/larder/internal/store"
	"github.com/btouchard/larder/internal/web/middleware"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return notify.Event{}
	}
	return r.events[len(r.events)-1]
}

func (r *recorder) code(email string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == notify.CodeRequested && r.events[i].Email == email {
			return r.events[i].Code
		}
	}
	return ""
}

type testDeps struct {
	auth     *auth.Service
	profiles *profile.Service
	rec      *recorder
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rec := &recorder{}
	return &testDeps{
		auth:     auth.NewService(config.Defaults().Auth, testSecret, "", st, rec),
		profiles: profile.NewService(st),
		rec:      rec,
	}
}

// signedIn returns a context carrying a freshly signed-in caller.
func (d *testDeps) signedIn(t *testing.T, email string) (context.Context, identity.Identity) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, d.auth.RequestOTP(ctx, email))
	tokens, err := d.auth.VerifyOTP(ctx, email, d.rec.code(email))
	require.NoError(t, err)
	return middleware.WithCaller(ctx, tokens.User, tokens.AccessToken), tokens.User
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	return result.Content[0].(mcp.TextContent).Text
}

// --- SessionState tests ---

func TestSessionState_WhenSignedIn_RendersHeader(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)
	ctx, user := d.signedIn(t, "ann@example.com")
	_, err := d.profiles.UpdateNickname(context.Background(), user.ID, "Ann")
	require.NoError(t, err)

	handler := SessionState(d.auth, d.profiles, "header", time.Second)
	result, err := handler(ctx, makeReq(map[string]any{}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.False(t, result.IsError)
	assert.Contains(t, text, "Surface: header")
	assert.Contains(t, text, "Signed in as ann@example.com")
	assert.Contains(t, text, "Nickname: Ann")
}

func TestSessionState_JSONFormat(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)
	ctx, _ := d.signedIn(t, "ann@example.com")

	handler := SessionState(d.auth, d.profiles, "nav", time.Second)
	result, err := handler(ctx, makeReq(map[string]any{"format": "json"}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, `"logged_in": true`)
	assert.Contains(t, text, `"surface": "nav"`)
	assert.NotContains(t, text, `"profile"`)
}

func TestSessionState_WhenTokenRevokedUpstream_ShowsSignedOut(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)
	ctx := middleware.WithCaller(context.Background(), identity.NewIdentity("u1", ""), "forged")

	handler := SessionState(d.auth, d.profiles, "header", time.Second)
	result, err := handler(ctx, makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "Signed out")
}

func TestSessionState_WhenUnauthenticated_ReturnsError(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)

	handler := SessionState(d.auth, d.profiles, "header", time.Second)
	result, err := handler(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "not authenticated")
}

// --- Profile tests ---

func TestGetProfile_WhenMissing_SuggestsUpdate(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)
	ctx, _ := d.signedIn(t, "ann@example.com")

	result, err := GetProfile(d.profiles)(ctx, makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No profile yet")
}

func TestUpdateProfile_CreatesThenEdits(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)
	ctx, user := d.signedIn(t, "ann@example.com")
	handler := UpdateProfile(d.profiles, d.rec)

	result, err := handler(ctx, makeReq(map[string]any{"nickname": "Ann"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Nickname: Ann")

	ev := d.rec.last()
	assert.Equal(t, notify.ProfileUpdated, ev.Type)
	assert.Equal(t, user.ID, ev.UserID)

	_, err = handler(ctx, makeReq(map[string]any{"avatar_ref": "avatars/ann.png"}))
	require.NoError(t, err)

	result, err = GetProfile(d.profiles)(ctx, makeReq(map[string]any{}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Nickname: Ann", "nickname kept when only the avatar changes")
	assert.Contains(t, text, "Avatar: avatars/ann.png")
}

func TestUpdateProfile_WhenInvalid_ReturnsToolError(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)
	ctx, _ := d.signedIn(t, "ann@example.com")
	handler := UpdateProfile(d.profiles, d.rec)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"nothing to change", map[string]any{}, "nickname or avatar_ref is required"},
		{"blank nickname", map[string]any{"nickname": "  "}, "nickname must not be empty"},
		{"blank avatar", map[string]any{"avatar_ref": ""}, "avatar reference must not be empty"},
	}
	for _, tt := range tests {
		result, err := handler(ctx, makeReq(tt.args))
		require.NoError(t, err, tt.name)
		assert.True(t, result.IsError, tt.name)
		assert.Contains(t, resultText(t, result), tt.want, tt.name)
	}
}

func TestProfileTools_WhenUnauthenticated_ReturnError(t *testing.T) {
	t.Parallel()
	d := newTestDeps(t)

	result, err := GetProfile(d.profiles)(context.Background(), makeReq(map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = UpdateProfile(d.profiles, nil)(context.Background(), makeReq(map[string]any{"nickname": "Ann"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
