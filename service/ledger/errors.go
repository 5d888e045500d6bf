package ledger

import "errors"

// Error taxonomy shared by every stage of an analysis run. Callers match
// these with errors.Is; components wrap them with context.
var (
	// ErrInvalidInput means the requested protocol address is malformed.
	// It is returned before any store or network access.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStoreUnavailable means the transfer store could not be reached or
	// kept failing after retries. Fatal to the run.
	ErrStoreUnavailable = errors.New("transfer store unavailable")

	// ErrUpstreamDegraded means the rewards API failed after retries. The run
	// continues with whatever campaign data was fetched.
	ErrUpstreamDegraded = errors.New("upstream degraded")

	// ErrMalformedRecord marks a single transfer or campaign record that
	// failed shape validation. The record is skipped and counted.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrDeadlineExceeded marks a run that hit its whole-invocation deadline.
	// It is reported in diagnostics, never returned as a fatal error.
	ErrDeadlineExceeded = errors.New("analysis deadline exceeded")
)
