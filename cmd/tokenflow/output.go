package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/itchyny/gojq"
)

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger writes JSON logs to stderr so stdout stays clean for results.
func newLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// compileFilter compiles a jq expression for applyFilter.
func compileFilter(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// applyFilter runs code over the JSON form of v and writes each output as
// one line of JSON.
func applyFilter(w io.Writer, code *gojq.Code, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}

	enc := json.NewEncoder(w)
	iter := code.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			return fmt.Errorf("jq filter failed: %w", err)
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
}

// writeCSV writes one of the result's lists in address,amount form.
func writeCSV(w io.Writer, res *analyzer.Result, list string) error {
	res.SortByAmount()
	switch list {
	case "beneficiaries":
		return ledger.WriteBeneficiariesCSV(w, res.Beneficiaries)
	case "intermediaries":
		return ledger.WriteIntermediariesCSV(w, res.Intermediaries)
	default:
		return fmt.Errorf("unknown list %q: must be beneficiaries or intermediaries", list)
	}
}

func printResult(w io.Writer, res *analyzer.Result) {
	res.SortByAmount()

	fmt.Fprintf(w, "Run:            %s\n", res.RunID)
	fmt.Fprintf(w, "Protocol:       %s\n", res.Protocol)
	fmt.Fprintf(w, "Status:         %s\n", res.Status)
	if res.Diagnostics.Partition != "" {
		fmt.Fprintf(w, "Partition:      %s\n", res.Diagnostics.Partition)
	}
	fmt.Fprintf(w, "Distributed:    %s\n", res.Summary.TotalAmountDistributed)
	fmt.Fprintf(w, "Returned:       %s\n", res.Summary.TotalAmountReturned)
	fmt.Fprintf(w, "Hops:           %d\n", res.Diagnostics.Hops)
	fmt.Fprintf(w, "Malformed:      %d\n", res.Diagnostics.MalformedRecords)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INTERMEDIARY\tPROCESSED\tRETAINED")
	for _, i := range res.Intermediaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", i.Address, i.AmountProcessed, i.AmountRetained)
	}
	tw.Flush()
	fmt.Fprintln(w)

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BENEFICIARY\tRECEIVED")
	for _, b := range res.Beneficiaries {
		fmt.Fprintf(tw, "%s\t%s\n", b.Address, b.AmountReceived)
	}
	tw.Flush()

	for _, warning := range res.Diagnostics.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", warning)
	}
	fmt.Fprintf(os.Stderr, "\nTotal: %d beneficiaries, %d intermediaries\n",
		res.Summary.TotalBeneficiaries, res.Summary.TotalIntermediaries)
}
