package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	natspkg "github.com/brojonat/tokenflow/service/nats"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams analysis events from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to published analysis results",
		ArgsUsage: "[protocol-address]",
		Description: `Stream analysis events published to NATS JetStream.

Events are published to the subject: analysis.{protocol_address}
Without an address every protocol's events are shown.

Example:
  tokenflow nats subscribe 0x3ef3d8ba38ebe18db133cec108f4d14ce00dd9ae --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.StreamSubjects
			if c.NArg() > 0 {
				protocol, err := ledger.NormalizeAddress(c.Args().First())
				if err != nil {
					return err
				}
				subject = natspkg.Subject(protocol)
			}
			jsonOutput := c.Bool("json")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "Listening on %s (Ctrl+C to stop)\n\n", subject)
			}

			count := 0
			err := natspkg.Subscribe(ctx, c.String("nats-url"), subject, func(event *natspkg.AnalysisEvent) error {
				count++
				if jsonOutput {
					data, err := json.Marshal(event)
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					return nil
				}
				printEvent(event)
				return nil
			})
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nReceived %d events\n", count)
			}
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func printEvent(event *natspkg.AnalysisEvent) {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Run:            %s\n", event.RunID)
	fmt.Printf("Protocol:       %s\n", event.Protocol)
	fmt.Printf("Status:         %s\n", event.Status)
	fmt.Printf("Beneficiaries:  %d\n", event.Summary.TotalBeneficiaries)
	fmt.Printf("Intermediaries: %d\n", event.Summary.TotalIntermediaries)
	fmt.Printf("Distributed:    %s\n", event.Summary.TotalAmountDistributed)
	fmt.Printf("Returned:       %s\n", event.Summary.TotalAmountReturned)
	fmt.Printf("Published:      %s\n", event.PublishedAt.Format(time.RFC3339))
	for _, w := range event.Warnings {
		fmt.Printf("Warning:        %s\n", w)
	}
}
