package tunnel

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ngrokconfig "golang.ngrok.com/ngrok/config"

	"github.com/btouchard/larder/internal/config"
)

// fakeAddr reports a public hostname the way ngrok listeners do.
type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeListener struct {
	net.Listener
	addr   fakeAddr
	closed bool
}

func (l *fakeListener) Addr() net.Addr { return l.addr }

func (l *fakeListener) Close() error {
	l.closed = true
	return l.Listener.Close()
}

func withFakeListen(t *testing.T, tun *NgrokTunnel, addr string) *fakeListener {
	t.Helper()
	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fl := &fakeListener{Listener: inner, addr: fakeAddr(addr)}
	tun.listen = func(ctx context.Context, endpoint ngrokconfig.Tunnel, authToken string) (net.Listener, error) {
		assert.Equal(t, "test-token", authToken)
		return fl, nil
	}
	return fl
}

func TestNew(t *testing.T) {
	t.Parallel()

	tun, err := New(config.TunnelConfig{Provider: "ngrok", AuthToken: "test-token", Domain: "larder.ngrok.app"})
	require.NoError(t, err)
	ng, ok := tun.(*NgrokTunnel)
	require.True(t, ok)
	assert.Equal(t, "larder.ngrok.app", ng.domain)

	_, err = New(config.TunnelConfig{Provider: "ngrok"})
	assert.ErrorIs(t, err, ErrMissingAuthToken)
	assert.ErrorContains(t, err, "LARDER_NGROK_AUTHTOKEN")

	_, err = New(config.TunnelConfig{Provider: "cloudflared", AuthToken: "x"})
	assert.ErrorContains(t, err, "unsupported tunnel provider")
}

func TestNgrokTunnel_StartAndClose(t *testing.T) {
	t.Parallel()

	tun := NewNgrok("test-token", "")
	fl := withFakeListen(t, tun, "abc123.ngrok-free.app")

	url, err := tun.Start(context.Background(), "127.0.0.1:8430")
	require.NoError(t, err)
	assert.Equal(t, "https://abc123.ngrok-free.app", url)
	assert.Equal(t, url, tun.PublicURL())
	assert.Same(t, fl, tun.Listener())

	again, err := tun.Start(context.Background(), "127.0.0.1:8430")
	require.NoError(t, err)
	assert.Equal(t, url, again, "starting twice keeps the endpoint")

	require.NoError(t, tun.Close())
	assert.True(t, fl.closed)
	assert.Empty(t, tun.PublicURL())
	assert.Nil(t, tun.Listener())
}

func TestNgrokTunnel_StartFailure(t *testing.T) {
	t.Parallel()

	tun := NewNgrok("test-token", "")
	tun.listen = func(ctx context.Context, endpoint ngrokconfig.Tunnel, authToken string) (net.Listener, error) {
		return nil, errors.New("authentication failed")
	}

	_, err := tun.Start(context.Background(), "127.0.0.1:8430")
	assert.ErrorContains(t, err, "authentication failed")
	assert.Empty(t, tun.PublicURL())
}

func TestNgrokTunnel_RequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewNgrok("", "").Start(context.Background(), "127.0.0.1:8430")
	assert.ErrorIs(t, err, ErrMissingAuthToken)
}

func TestNgrokTunnel_Close_BeforeStart(t *testing.T) {
	t.Parallel()

	assert.NoError(t, NewNgrok("test-token", "").Close())
}

func TestHTTPSURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://a.ngrok.app", httpsURL("a.ngrok.app"))
	assert.Equal(t, "https://a.ngrok.app", httpsURL("https://a.ngrok.app"))
	assert.Equal(t, "http://localhost:1", httpsURL("http://localhost:1"))
}
