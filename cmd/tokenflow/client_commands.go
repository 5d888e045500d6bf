package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/tokenflow/client"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the analysis service",
		Subcommands: []*cli.Command{
			clientAnalyzeCommand(),
			clientExportCommand(),
			clientStartCommand(),
			clientPartitionsCommand(),
		},
	}
}

func timeoutFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:    "timeout",
		Aliases: []string{"t"},
		Value:   5 * time.Minute,
		Usage:   "Request timeout",
	}
}

func newClient(c *cli.Context) *client.Client {
	return client.NewClient(c.String("server-url"), nil, newLogger(c.String("log-level")))
}

func clientAnalyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Run an analysis on the server",
		ArgsUsage: "<protocol-address>",
		Flags: []cli.Flag{
			timeoutFlag(),
			&cli.StringFlag{
				Name:  "csv",
				Usage: "Write the beneficiaries or intermediaries list as CSV",
			},
			&cli.StringFlag{
				Name:  "filter",
				Usage: "jq expression applied to the JSON result",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("protocol address is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			res, err := newClient(c).Analyze(ctx, c.Args().First())
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}
			return emitResult(c, res)
		},
	}
}

func clientExportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Download a beneficiaries or intermediaries CSV from the server",
		ArgsUsage: "<protocol-address>",
		Flags: []cli.Flag{
			timeoutFlag(),
			&cli.StringFlag{
				Name:  "list",
				Usage: "beneficiaries or intermediaries",
				Value: "beneficiaries",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write to this file instead of stdout",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("protocol address is required")
			}

			out := os.Stdout
			if path := c.String("output"); path != "" {
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				out = f
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			return newClient(c).ExportCSV(ctx, c.Args().First(), c.String("list"), out)
		},
	}
}

func clientStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start an analysis workflow through the server",
		ArgsUsage: "<protocol-address>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish the result to NATS when the workflow finishes",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("protocol address is required")
			}

			workflowID, runID, err := newClient(c).StartAnalysis(context.Background(), c.Args().First(), c.Bool("publish"))
			if err != nil {
				return fmt.Errorf("failed to start workflow: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]string{"workflow_id": workflowID, "run_id": runID})
			}
			fmt.Printf("✓ Workflow started\n")
			fmt.Printf("  Workflow ID: %s\n", workflowID)
			fmt.Printf("  Run ID:      %s\n", runID)
			return nil
		},
	}
}

func clientPartitionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "partitions",
		Usage: "List the server's transfer partitions",
		Action: func(c *cli.Context) error {
			parts, err := newClient(c).Partitions(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list partitions: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(parts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tRECORDS\tFIRST\tLAST")
			for _, p := range parts {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.Name, p.Records, formatTime(p.First), formatTime(p.Last))
			}
			w.Flush()
			return nil
		},
	}
}
