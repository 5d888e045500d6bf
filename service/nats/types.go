package nats

import (
	"time"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/brojonat/tokenflow/service/ledger"
)

// AnalysisEvent announces a finished analysis run.
// It is published to the subject "analysis.{protocol}" in JetStream.
type AnalysisEvent struct {
	RunID    string `json:"run_id"`
	Protocol string `json:"protocol"`
	Status   string `json:"status"`

	Summary        ledger.Summary        `json:"summary"`
	Beneficiaries  []ledger.Beneficiary  `json:"beneficiaries"`
	Intermediaries []ledger.Intermediary `json:"intermediaries"`

	MalformedRecords int      `json:"malformed_records"`
	Warnings         []string `json:"warnings,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// FromResult converts an analysis result to an AnalysisEvent.
func FromResult(res *analyzer.Result) *AnalysisEvent {
	return &AnalysisEvent{
		RunID:            res.RunID,
		Protocol:         res.Protocol,
		Status:           string(res.Status),
		Summary:          res.Summary,
		Beneficiaries:    res.Beneficiaries,
		Intermediaries:   res.Intermediaries,
		MalformedRecords: res.Diagnostics.MalformedRecords,
		Warnings:         res.Diagnostics.Warnings,
		PublishedAt:      time.Now().UTC(),
	}
}

// Subject returns the subject an event for protocol is published to.
func Subject(protocol string) string {
	return SubjectPrefix + protocol
}
