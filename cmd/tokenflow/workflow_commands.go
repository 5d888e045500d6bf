package main

import (
	"context"
	"fmt"
	"os"

	"github.com/brojonat/tokenflow/service/temporal"
	"github.com/urfave/cli/v2"
)

func runWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Run an analysis as a Temporal workflow",
		ArgsUsage: "<protocol-address>",
		Description: `Start AnalyzeProtocolWorkflow on the configured task queue and, unless
--no-wait is given, block until it finishes and print its result.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "task-queue",
				Usage:   "Temporal task queue served by the worker",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "tokenflow",
			},
			&cli.BoolFlag{
				Name:  "publish",
				Usage: "Publish the result to NATS when the workflow finishes",
			},
			&cli.BoolFlag{
				Name:  "no-wait",
				Usage: "Return after the workflow starts",
			},
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
				return fmt.Errorf("requires exactly one argument: protocol address")
			}

			tc, err := temporal.NewClient(
				c.String("temporal-host"),
				c.String("temporal-namespace"),
				c.String("task-queue"),
				nil,
				newLogger(c.String("log-level")),
			)
			if err != nil {
				return err
			}
			defer tc.Close()

			input := temporal.AnalyzeProtocolInput{
				ProtocolAddress: c.Args().First(),
				Publish:         c.Bool("publish"),
			}
			ctx := context.Background()

			if c.Bool("no-wait") {
				workflowID, runID, err := tc.StartAnalysis(ctx, input)
				if err != nil {
					return err
				}
				if c.Bool("json") {
					return outputJSON(map[string]string{"workflow_id": workflowID, "run_id": runID})
				}
				fmt.Printf("✓ Workflow started\n")
				fmt.Printf("  Workflow ID: %s\n", workflowID)
				fmt.Printf("  Run ID:      %s\n", runID)
				return nil
			}

			out, err := tc.RunAnalysis(ctx, input)
			if err != nil {
				return fmt.Errorf("workflow failed: %w", err)
			}
			if out.Error != nil {
				fmt.Fprintf(os.Stderr, "warning: %s\n", *out.Error)
			}
			if out.Result == nil {
				return fmt.Errorf("workflow returned no result")
			}
			return emitResult(c, out.Result)
		},
	}
}
