package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/btouchard/larder/internal/api"
	"github.com/btouchard/larder/internal/auth"
	"github.com/btouchard/larder/internal/config"
	"github.com/btouchard/larder/internal/identity"
	"github.com/btouchard/larder/internal/page"
)

// sessionClient is the client side of one CLI invocation.
type sessionClient struct {
	cfg     config.SessionConfig
	remote  *auth.Remote
	storage *auth.FileStorage
	client  *auth.Client
}

func newSessionClient(cmd *cli.Command) (*sessionClient, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	setupLogging(config.ServerConfig{LogLevel: cfg.Server.LogLevel, LogFormat: "text"})

	remote := auth.NewRemote(cfg.Session.ServerURL, nil)
	storage := auth.NewFileStorage(cfg.Session.TokenFile)
	return &sessionClient{
		cfg:     cfg.Session,
		remote:  remote,
		storage: storage,
		client:  auth.NewClient(remote, storage, auth.WithEventBuffer(cfg.Session.EventBufferSize)),
	}, nil
}

func (s *sessionClient) Close() { s.client.Close() }

func emailFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "email",
		Aliases:  []string{"e"},
		Usage:    "Account e-mail address",
		Required: true,
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "Request a sign-in code by e-mail",
		Flags: []cli.Flag{emailFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := newSessionClient(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			email := cmd.String("email")
			if err := s.client.RequestOTP(ctx, email); err != nil {
				return fmt.Errorf("requesting code: %w", err)
			}
			fmt.Printf("A sign-in code was sent to %s.\nRun: larder verify --email %s --code <code>\n", email, email)
			return nil
		},
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Sign in with the code received by e-mail",
		Flags: []cli.Flag{
			emailFlag(),
			&cli.StringFlag{
				Name:     "code",
				Usage:    "Six-digit sign-in code",
				Required: true,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := newSessionClient(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			sess, err := s.client.VerifyOTP(ctx, cmd.String("email"), cmd.String("code"))
			if err != nil {
				return fmt.Errorf("signing in: %w", err)
			}
			fmt.Printf("Signed in as %s\n", sess.User.Email)
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Sign out and forget the stored session",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := newSessionClient(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.client.SignOut(ctx); err != nil {
				return fmt.Errorf("signing out: %w", err)
			}
			fmt.Println("Signed out")
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show what the header shows for the stored session",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Keep the session fresh and print every header change until interrupted",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			s, err := newSessionClient(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			rt := page.New(s.client, s.remote.Profiles(s.storage), page.WithSurfaceID(s.cfg.HeaderSurfaceID))
			defer rt.Close()

			initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
			defer cancel()
			if err := rt.Init(initCtx); err != nil {
				return fmt.Errorf("loading session: %w", err)
			}

			header := rt.Header()
			render := func() error {
				return printState(os.Stdout, header.State(), header.ID(), cmd.Bool("json"))
			}

			if err := render(); err != nil || !cmd.Bool("watch") {
				return err
			}

			header.Register(render)
			go s.client.StartAutoRefresh(ctx, s.cfg.RefreshMargin)

			<-ctx.Done()
			return nil
		},
	}
}

func printState(w io.Writer, st identity.State, surfaceID string, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(api.SessionFrom(st, surfaceID))
	}

	if !st.LoggedIn {
		_, err := fmt.Fprintf(w, "[%s] signed out\n", surfaceID)
		return err
	}

	name := st.User.Email
	if st.Profile.Present() && st.Profile.Nickname != "" {
		name = fmt.Sprintf("%s <%s>", st.Profile.Nickname, st.User.Email)
	}
	_, err := fmt.Fprintf(w, "[%s] signed in as %s\n", surfaceID, name)
	return err
}
