package main

import (
	"fmt"
	"log"
	"os"

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
		Name:  "tokenflow",
		Usage: "Token distribution reconciliation CLI",
		Description: `A command-line tool for reconciling where a protocol's token distributions ended up.

Run analyses locally against the configured transfer store or a JSON fixture,
drive the analysis service over HTTP, start Temporal workflows, and stream
published results from NATS.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			analyzeCommand(),
			// Transfer store inspection commands
			{
				Name:  "db",
				Usage: "Transfer store inspection commands",
				Subcommands: []*cli.Command{
					listPartitionsCommand(),
					listTransfersCommand(),
					migrateCommand(),
					importFixtureCommand(),
				},
			},
			// Client commands (HTTP API)
			clientCommands(),
			// Temporal workflow commands
			{
				Name:  "workflow",
				Usage: "Temporal analysis workflow commands",
				Subcommands: []*cli.Command{
					runWorkflowCommand(),
				},
			},
			// NATS result streaming commands
			{
				Name:  "nats",
				Usage: "NATS analysis event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
				},
			},
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
				Usage:   "Analysis server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level for diagnostics on stderr (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
