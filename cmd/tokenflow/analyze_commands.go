package main

import (
	"context"
	"fmt"
	"os"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/brojonat/tokenflow/service/app"
	"github.com/brojonat/tokenflow/service/config"
	"github.com/urfave/cli/v2"
)

func analyzeCommand() *cli.Command {
	return &cli.Command{
		Name:      "analyze",
		Usage:     "Analyze a protocol's distributions locally",
		ArgsUsage: "<protocol-address>",
		Description: `Run one analysis in-process against the configured transfer store.

Configuration is read from the environment (and CONFIG_FILE) exactly as the
server reads it. --fixture replaces the store with a JSON fixture file.

Examples:
  tokenflow analyze 0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae
  tokenflow analyze --fixture transfers.json --csv beneficiaries 0x...
  tokenflow analyze --filter '.beneficiaries | length' 0x...`,
		Flags: []cli.Flag{
			fixtureFlag(),
			&cli.StringFlag{
				Name:  "csv",
				Usage: "Write the beneficiaries or intermediaries list as CSV",
			},
			&cli.StringFlag{
				Name:  "filter",
				Usage: "jq expression applied to the JSON result",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall deadline for the analysis (0 uses ANALYSIS_DEADLINE)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: protocol address")
			}
			protocol := c.Args().First()

			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if d := c.Duration("timeout"); d > 0 {
				cfg.AnalysisDeadline = d
			}

			logger := newLogger(c.String("log-level"))
			ctx := context.Background()

			a, err := app.Build(ctx, cfg, logger, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Engine.Analyze(ctx, protocol)
			if err != nil {
				return fmt.Errorf("analysis failed: %w", err)
			}
			return emitResult(c, res)
		},
	}
}

// loadConfig applies command line overrides and loads configuration.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("fixture"); path != "" {
		os.Setenv("STORE_DRIVER", config.DriverFixture)
		os.Setenv("FIXTURE_FILE", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// emitResult prints res according to the --csv, --filter and --json flags.
func emitResult(c *cli.Context, res *analyzer.Result) error {
	if list := c.String("csv"); list != "" {
		return writeCSV(os.Stdout, res, list)
	}
	if expr := c.String("filter"); expr != "" {
		code, err := compileFilter(expr)
		if err != nil {
			return err
		}
		return applyFilter(os.Stdout, code, res)
	}
	if c.Bool("json") {
		return outputJSON(res)
	}
	printResult(os.Stdout, res)
	if res.Status == analyzer.StatusPartial {
		fmt.Fprintln(os.Stderr, "Result is partial; see warnings above")
	}
	return nil
}
