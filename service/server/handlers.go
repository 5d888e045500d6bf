package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/brojonat/tokenflow/service/ledger"
	natspkg "github.com/brojonat/tokenflow/service/nats"
	"github.com/brojonat/tokenflow/service/temporal"
	"github.com/brojonat/tokenflow/service/transfers"
)

const maxRequestBodySize = 1 << 16

// Analyzer runs one analysis. *analyzer.Engine implements it.
type Analyzer interface {
	Analyze(ctx context.Context, protocol string) (*analyzer.Result, error)
}

// WorkflowStarter starts analysis workflows. *temporal.Client implements it.
type WorkflowStarter interface {
	StartAnalysis(ctx context.Context, input temporal.AnalyzeProtocolInput) (string, string, error)
}

type analyzeRequest struct {
	ProtocolAddr string `json:"protocol_addr"`
	Publish      bool   `json:"publish,omitempty"`
}

type workflowResponse struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// handleAnalyze returns a handler that runs an analysis synchronously.
// POST /api/v1/analyze {"protocol_addr": "0x..."}
// The result is published to NATS when a publisher is configured.
func handleAnalyze(a Analyzer, publisher natspkg.Publisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeAnalyzeRequest(w, r)
		if err != nil {
			logger.Debug("invalid analyze request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := a.Analyze(r.Context(), req.ProtocolAddr)
		if err != nil {
			writeAnalysisError(w, logger, req.ProtocolAddr, err)
			return
		}

		if publisher != nil {
			if err := publisher.PublishAnalysis(r.Context(), natspkg.FromResult(res)); err != nil {
				logger.Warn("failed to publish analysis", "run_id", res.RunID, "error", err)
			}
		}

		writeJSON(w, res, http.StatusOK)
	})
}

// handleStartAnalysis returns a handler that starts an analysis workflow.
// POST /api/v1/workflows/analyze {"protocol_addr": "0x...", "publish": true}
func handleStartAnalysis(starter WorkflowStarter, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeAnalyzeRequest(w, r)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		workflowID, runID, err := starter.StartAnalysis(r.Context(), temporal.AnalyzeProtocolInput{
			ProtocolAddress: strings.ToLower(req.ProtocolAddr),
			Publish:         req.Publish,
		})
		if err != nil {
			logger.Error("failed to start analysis workflow", "protocol", req.ProtocolAddr, "error", err)
			writeError(w, "failed to start analysis workflow", http.StatusInternalServerError)
			return
		}

		writeJSON(w, workflowResponse{WorkflowID: workflowID, RunID: runID}, http.StatusAccepted)
	})
}

// handleExportCSV returns a handler that runs an analysis and writes one of
// its lists as CSV, ordered by amount.
// GET /api/v1/analyze/{address}/beneficiaries.csv
// GET /api/v1/analyze/{address}/intermediaries.csv
func handleExportCSV(a Analyzer, list string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateProtocolAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		res, err := a.Analyze(r.Context(), address)
		if err != nil {
			writeAnalysisError(w, logger, address, err)
			return
		}
		res.SortByAmount()

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("%s_%s.csv", strings.ToLower(address), list)))
		w.Header().Set("X-Analysis-Status", string(res.Status))
		w.WriteHeader(http.StatusOK)

		switch list {
		case "intermediaries":
			err = ledger.WriteIntermediariesCSV(w, res.Intermediaries)
		default:
			err = ledger.WriteBeneficiariesCSV(w, res.Beneficiaries)
		}
		if err != nil {
			logger.Error("failed to write csv", "address", address, "error", err)
		}
	})
}

// handleListPartitions returns a handler that lists transfer partitions.
// GET /api/v1/partitions
func handleListPartitions(lister transfers.Lister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := lister.ListPartitions(r.Context())
		if err != nil {
			logger.Error("failed to list partitions", "error", err)
			writeError(w, "failed to list partitions", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]interface{}{"partitions": stats, "count": len(stats)}, http.StatusOK)
	})
}

func decodeAnalyzeRequest(w http.ResponseWriter, r *http.Request) (analyzeRequest, error) {
	var req analyzeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errorf("request body is required")
		}
		return req, errorf("invalid request body: %v", err)
	}
	if err := validateProtocolAddress(req.ProtocolAddr); err != nil {
		return req, err
	}
	return req, nil
}

// statusForError maps engine errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAnalysisError(w http.ResponseWriter, logger *slog.Logger, address string, err error) {
	status := statusForError(err)
	switch status {
	case http.StatusBadRequest:
		writeError(w, err.Error(), status)
	case http.StatusServiceUnavailable:
		logger.Error("transfer store unavailable", "address", address, "error", err)
		writeError(w, "transfer store unavailable", status)
	default:
		logger.Error("analysis failed", "address", address, "error", err)
		writeError(w, "internal server error", status)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateProtocolAddress checks that address is a 0x-prefixed
// 42 character hex address.
func validateProtocolAddress(address string) error {
	if address == "" {
		return errorf("protocol_addr is required")
	}
	if !strings.HasPrefix(address, "0x") {
		return errorf("invalid address format: must start with 0x")
	}
	if len(address) != ledger.AddressLength {
		return errorf("invalid address format: must be %d characters, got %d", ledger.AddressLength, len(address))
	}
	if !ledger.IsAddress(address) {
		return errorf("invalid address format: must be hexadecimal")
	}
	return nil
}

func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
