package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/btouchard/larder/internal/config"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "larder",
		Usage:   "Recipe and notes server with passwordless sign-in",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (YAML or TOML)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			checkCommand(),
			loginCommand(),
			verifyCommand(),
			statusCommand(),
			logoutCommand(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		slog.Error("larder failed", "error", err)
		os.Exit(1)
	}
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate configuration",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if _, err := loadConfig(cmd); err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			fmt.Println("configuration is valid")
			return nil
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if path := cmd.String("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}
