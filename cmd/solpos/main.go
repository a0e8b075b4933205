package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/brojonat/solpos/client"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "solpos",
		Usage: "Solana point-of-sale service CLI",
		Description: `A command-line tool for operating and debugging the solpos service.

Use this CLI to inspect merchant payment history, wait for payments, check fee
sponsorship, manage history sync schedules and decode transactions.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			historyCommands(),
			merchantCommands(),
			adminCommands(),
			txCommands(),
			natsCommands(),
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Aliases: []string{"s"},
				Usage:   "solpos server URL",
				EnvVars: []string{"SOLPOS_SERVER_URL", "SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "network",
				Aliases: []string{"n"},
				Usage:   "Solana network (mainnet or devnet)",
				EnvVars: []string{"SOLPOS_NETWORK"},
				Value:   "mainnet",
			},
			&cli.StringFlag{
				Name:    "admin-secret",
				Usage:   "Bearer token for admin endpoints",
				EnvVars: []string{"ADMIN_SECRET"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Log client requests to stderr",
			},
		},
	}
}

// newClient builds an API client from the global flags.
func newClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SOLPOS_SERVER_URL env var or use --server-url)")
	}

	level := slog.LevelError
	if c.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return client.NewClient(serverURL, nil, logger), nil
}

// outputJSON writes v to stdout as indented JSON.
func outputJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
