package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"

	ngroklib "golang.ngrok.com/ngrok"
	ngrokconfig "golang.ngrok.com/ngrok/config"
)

type listenFunc func(ctx context.Context, endpoint ngrokconfig.Tunnel, authToken string) (net.Listener, error)

func ngrokListen(ctx context.Context, endpoint ngrokconfig.Tunnel, authToken string) (net.Listener, error) {
	tun, err := ngroklib.Listen(ctx, endpoint, ngroklib.WithAuthtoken(authToken))
	if err != nil {
		return nil, err
	}
	return tun, nil
}

// NgrokTunnel serves larder through an ngrok HTTPS endpoint.
type NgrokTunnel struct {
	authToken string
	domain    string
	listen    listenFunc

	listener net.Listener
	url      string
}

// NewNgrok creates an ngrok tunnel. An empty domain asks ngrok for a random
// one.
func NewNgrok(authToken, domain string) *NgrokTunnel {
	return &NgrokTunnel{
		authToken: authToken,
		domain:    domain,
		listen:    ngrokListen,
	}
}

// Start opens the endpoint and returns its public URL. ngrok owns the
// listener; localAddr is only logged.
func (n *NgrokTunnel) Start(ctx context.Context, localAddr string) (string, error) {
	if n.authToken == "" {
		return "", fmt.Errorf("%w (set tunnel.authtoken in config or LARDER_NGROK_AUTHTOKEN)", ErrMissingAuthToken)
	}
	if n.listener != nil {
		return n.url, nil
	}

	slog.Info("starting ngrok tunnel", "local_addr", localAddr, "domain", n.domain)

	var opts []ngrokconfig.HTTPEndpointOption
	if n.domain != "" {
		opts = append(opts, ngrokconfig.WithDomain(n.domain))
	}
	opts = append(opts, ngrokconfig.WithMetadata("larder"))

	listener, err := n.listen(ctx, ngrokconfig.HTTPEndpoint(opts...), n.authToken)
	if err != nil {
		return "", fmt.Errorf("creating ngrok tunnel: %w", err)
	}

	n.listener = listener
	n.url = httpsURL(listener.Addr().String())

	slog.Info("ngrok tunnel established", "public_url", n.url)
	return n.url, nil
}

// Close closes the tunnel. Closing an unstarted tunnel is a no-op.
func (n *NgrokTunnel) Close() error {
	if n.listener == nil {
		return nil
	}

	slog.Info("closing ngrok tunnel", "public_url", n.url)

	err := n.listener.Close()
	n.listener = nil
	n.url = ""
	if err != nil {
		return fmt.Errorf("closing ngrok tunnel: %w", err)
	}
	return nil
}

func (n *NgrokTunnel) PublicURL() string {
	return n.url
}

// Listener is where the HTTP server accepts tunneled requests.
func (n *NgrokTunnel) Listener() net.Listener {
	return n.listener
}

func httpsURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "https://" + addr
}
