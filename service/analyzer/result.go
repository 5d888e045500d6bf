package analyzer

import (
	"errors"

	"github.com/brojonat/tokenflow/service/ledger"
)

// Status tags whether a result covers all source data.
type Status string

const (
	StatusComplete Status = "complete"
	StatusPartial  Status = "partial"
)

// Diagnostics explains how a result was produced.
type Diagnostics struct {
	MalformedRecords  int      `json:"malformedRecords"`
	DuplicateRecords  int      `json:"duplicateRecords"`
	CampaignsComplete bool     `json:"campaignsComplete"`
	CampaignCount     int      `json:"campaignCount"`
	DeadlineExceeded  bool     `json:"deadlineExceeded"`
	StoppedTransfers  int      `json:"stoppedTransfers"`
	HopLimitReached   int      `json:"hopLimitReached"`
	Hops              int      `json:"hops"`
	Partition         string   `json:"partition,omitempty"`
	Warnings          []string `json:"warnings"`
}

// Result is the reconciled ledger of one analysis run.
type Result struct {
	RunID    string `json:"runId"`
	Protocol string `json:"protocol"`
	Status   Status `json:"status"`
	ledger.Ledger
	Diagnostics Diagnostics `json:"diagnostics"`

	errs []error
}

// Err joins the non-fatal errors behind a partial result. It is nil for a
// complete result.
func (r *Result) Err() error {
	return errors.Join(r.errs...)
}

func (r *Result) degrade(err error) {
	r.Status = StatusPartial
	r.errs = append(r.errs, err)
	r.Diagnostics.Warnings = append(r.Diagnostics.Warnings, err.Error())
}

func (r *Result) warn(msg string) {
	r.Diagnostics.Warnings = append(r.Diagnostics.Warnings, msg)
}
