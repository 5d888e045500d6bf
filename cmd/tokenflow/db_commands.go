package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/brojonat/tokenflow/service/app"
	"github.com/brojonat/tokenflow/service/config"
	"github.com/brojonat/tokenflow/service/db"
	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/normalize"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func fixtureFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "fixture",
		Aliases: []string{"f"},
		Usage:   "Read transfers from a JSON fixture instead of the database",
	}
}

func listPartitionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "partitions",
		Usage:   "List transfer partitions",
		Aliases: []string{"ls"},
		Flags:   []cli.Flag{fixtureFlag()},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			parts, err := store.ListPartitions(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list partitions: %w", err)
			}
			sort.Slice(parts, func(i, j int) bool { return parts[i].Name < parts[j].Name })

			if c.Bool("json") {
				return outputJSON(parts)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tRECORDS\tFIRST\tLAST")
			for _, p := range parts {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", p.Name, p.Records, formatTime(p.First), formatTime(p.Last))
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d partitions\n", len(parts))
			return nil
		},
	}
}

func listTransfersCommand() *cli.Command {
	return &cli.Command{
		Name:      "transfers",
		Usage:     "List transfers sent by an address",
		Aliases:   []string{"txns"},
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			fixtureFlag(),
			&cli.StringFlag{
				Name:    "partition",
				Aliases: []string{"p"},
				Usage:   "Partition to read (defaults to the one selected for the address)",
			},
			&cli.TimestampFlag{
				Name:   "since",
				Usage:  "Only transfers at or after this time (RFC3339)",
				Layout: time.RFC3339,
			},
			&cli.TimestampFlag{
				Name:   "until",
				Usage:  "Only transfers at or before this time (RFC3339)",
				Layout: time.RFC3339,
			},
			&cli.StringSliceFlag{
				Name:    "match",
				Aliases: []string{"m"},
				Usage:   "jq predicate over each transfer's JSON; repeatable, all must hold",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum transfers to show (0 for all)",
				Value:   50,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: address")
			}
			address, err := ledger.NormalizeAddress(c.Args().First())
			if err != nil {
				return err
			}

			// Compile jq predicates before touching the store
			var predicates []*normalize.Program
			for _, expr := range c.StringSlice("match") {
				p, err := normalize.Compile(expr)
				if err != nil {
					return fmt.Errorf("invalid --match %q: %w", expr, err)
				}
				predicates = append(predicates, p)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			partition := c.String("partition")
			if partition == "" {
				partition, err = store.SelectPartition(ctx, address)
				if errors.Is(err, transfers.ErrNoPartition) {
					return fmt.Errorf("no partition holds transfers from %s (use --partition)", address)
				}
				if err != nil {
					return fmt.Errorf("failed to select partition: %w", err)
				}
			}

			var window transfers.TimeRange
			if t := c.Timestamp("since"); t != nil {
				window.Start = *t
			}
			if t := c.Timestamp("until"); t != nil {
				window.End = *t
			}

			records, err := store.Outgoing(ctx, partition, address, window)
			if err != nil {
				return fmt.Errorf("failed to list transfers: %w", err)
			}
			if len(predicates) > 0 {
				records, err = matchTransfers(ctx, records, predicates)
				if err != nil {
					return err
				}
			}
			total := len(records)
			if limit := c.Int("limit"); limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			if c.Bool("json") {
				return outputJSON(records)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tHASH\tTO\tRAW AMOUNT\tDECIMALS")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
					formatTime(r.Timestamp),
					r.TxHash,
					r.To,
					r.RawAmount,
					r.TokenDecimals,
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nPartition: %s\nShowing %d of %d transfers\n", partition, len(records), total)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create the Postgres transfer schema",
		Action: func(c *cli.Context) error {
			store, closer, err := getPostgresStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Println("✓ Schema applied")
			return nil
		},
	}
}

func importFixtureCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import a JSON transfer fixture into Postgres",
		ArgsUsage: "<fixture.json>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: fixture file")
			}

			f, err := os.Open(c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to open fixture: %w", err)
			}
			defer f.Close()

			var fixture transfers.Fixture
			if err := json.NewDecoder(f).Decode(&fixture); err != nil {
				return fmt.Errorf("failed to decode fixture: %w", err)
			}

			store, closer, err := getPostgresStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			for name, records := range fixture.Partitions {
				inserted, err := store.InsertTransfers(ctx, name, records)
				if err != nil {
					return fmt.Errorf("partition %s: %w", name, err)
				}
				fmt.Printf("%s: inserted %d of %d transfers\n", name, inserted, len(records))
			}
			return nil
		},
	}
}

// matchTransfers keeps the records for which every predicate holds.
func matchTransfers(ctx context.Context, records []ledger.TransferRecord, predicates []*normalize.Program) ([]ledger.TransferRecord, error) {
	out := make([]ledger.TransferRecord, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal transfer: %w", err)
		}
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode transfer: %w", err)
		}

		keep := true
		for _, p := range predicates {
			ok, err := p.Match(ctx, doc)
			if err != nil {
				return nil, fmt.Errorf("tx %s: %w", r.TxHash, err)
			}
			if !ok {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, r)
		}
	}
	return out, nil
}

// getStore opens the transfer store named by configuration, or the
// --fixture file when given.
func getStore(c *cli.Context) (app.Store, func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	return app.OpenStore(context.Background(), cfg, newLogger(c.String("log-level")))
}

func getPostgresStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required for the %s driver", config.DriverPostgres)
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db.NewStore(pool), pool.Close, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
