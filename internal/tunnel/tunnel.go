// Package tunnel exposes the local server on a public HTTPS URL so sign-in
// links work from any device.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/btouchard/larder/internal/config"
)

// ErrMissingAuthToken is returned when the provider needs credentials that
// were not configured.
var ErrMissingAuthToken = errors.New("tunnel auth token is required")

// Tunnel exposes a local address via a public HTTPS URL.
type Tunnel interface {
	Start(ctx context.Context, localAddr string) (publicURL string, err error)
	Close() error
	PublicURL() string
	Listener() net.Listener
}

// New builds the tunnel described by cfg.
func New(cfg config.TunnelConfig) (Tunnel, error) {
	switch cfg.Provider {
	case "", "ngrok":
		if cfg.AuthToken == "" {
			return nil, fmt.Errorf("%w (set tunnel.authtoken in config or LARDER_NGROK_AUTHTOKEN)", ErrMissingAuthToken)
		}
		return NewNgrok(cfg.AuthToken, cfg.Domain), nil
	default:
		return nil, fmt.Errorf("unsupported tunnel provider %q", cfg.Provider)
	}
}
