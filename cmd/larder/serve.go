package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/btouchard/larder/internal/auth"
	"github.com/btouchard/larder/internal/config"
	larmcp "github.com/btouchard/larder/internal/mcp"
	"github.com/btouchard/larder/internal/notify"
	"github.com/btouchard/larder/internal/profile"
	"github.com/btouchard/larder/internal/store"
	"github.com/btouchard/larder/internal/tunnel"
	"github.com/btouchard/larder/internal/web"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the larder server",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			closeLog := setupLogging(cfg.Server)
			defer closeLog()

			slog.Info("starting larder",
				"version", version,
				"host", cfg.Server.Host,
				"port", cfg.Server.Port)

			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))

	// --- Tunnel (decides the public URL used in sign-in links) ---
	publicURL := cfg.Server.PublicURL
	var tun tunnel.Tunnel
	if cfg.Tunnel.Enabled {
		t, err := tunnel.New(cfg.Tunnel)
		if err != nil {
			return fmt.Errorf("configuring tunnel: %w", err)
		}
		url, err := t.Start(ctx, addr)
		if err != nil {
			return fmt.Errorf("starting tunnel: %w", err)
		}
		defer func() { _ = t.Close() }()
		tun = t
		publicURL = url
	}
	if publicURL == "" {
		publicURL = "http://" + addr
	}

	// --- SQLite Store ---
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "path", cfg.Database.Path)

	// --- Notifications ---
	hub := notify.NewHub()
	if cfg.Notifications.Log.Enabled {
		hub.Add(notify.NewLogNotifier(slog.Default()))
	}

	// --- Identity and profiles ---
	secret, err := auth.ResolveSecret(cfg.Auth)
	if err != nil {
		return fmt.Errorf("resolving auth secret: %w", err)
	}
	authSvc := auth.NewService(cfg.Auth, secret, publicURL, db, hub)
	profiles := profile.NewService(db)

	// --- MCP Server ---
	mcpServer := larmcp.NewServer(&larmcp.Deps{
		Auth:      authSvc,
		Profiles:  profiles,
		Notifier:  hub,
		SurfaceID: cfg.Session.HeaderSurfaceID,
		Timeout:   cfg.Session.InitTimeout,
		Version:   version,
	})
	if cfg.Notifications.MCP.Enabled {
		hub.Add(notify.NewMCPNotifier(mcpServer, cfg.Notifications.MCP.Debounce))
	}

	// --- HTTP Router ---
	handler := web.NewRouter(web.Deps{
		Auth:        authSvc,
		Profiles:    profiles,
		Notifier:    hub,
		SurfaceID:   cfg.Session.HeaderSurfaceID,
		InitTimeout: cfg.Session.InitTimeout,
		RateLimit:   cfg.RateLimit,
		MCP:         server.NewStreamableHTTPServer(mcpServer),
		Version:     version,
	})

	// --- HTTP Server ---
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("larder is ready", "addr", addr, "public_url", publicURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if tun != nil {
		g.Go(func() error {
			if err := srv.Serve(tun.Listener()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("tunnel server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		authSvc.StartCleanupLoop(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
