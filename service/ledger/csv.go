package ledger

import (
	"encoding/csv"
	"fmt"
	"io"
)

var csvHeader = []string{"address", "amount"}

// WriteBeneficiariesCSV writes address,amount rows for each beneficiary.
func WriteBeneficiariesCSV(w io.Writer, rows []Beneficiary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.Address, r.AmountReceived.String()}); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteIntermediariesCSV writes address,amount rows for each intermediary,
// using the processed amount.
func WriteIntermediariesCSV(w io.Writer, rows []Intermediary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.Address, r.AmountProcessed.String()}); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
