package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/metrics"
	natspkg "github.com/brojonat/tokenflow/service/nats"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// ErrTypeInvalidInput is the application error type for rejected protocol
// addresses. Workflows never retry it.
const ErrTypeInvalidInput = "InvalidInput"

// AnalyzeInput contains parameters for the Analyze activity.
type AnalyzeInput struct {
	ProtocolAddress string `json:"protocol_address"`
}

// PublishAnalysisInput contains parameters for the PublishAnalysis activity.
type PublishAnalysisInput struct {
	Result *analyzer.Result `json:"result"`
}

// PublishAnalysisResult reports whether an event was published.
type PublishAnalysisResult struct {
	Published bool `json:"published"`
}

// AnalyzerInterface runs one analysis. *analyzer.Engine implements it.
type AnalyzerInterface interface {
	Analyze(ctx context.Context, protocol string) (*analyzer.Result, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishAnalysis(ctx context.Context, event *natspkg.AnalysisEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	analyzer  AnalyzerInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and m may be nil.
func NewActivities(a AnalyzerInterface, publisher PublisherInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{analyzer: a, publisher: publisher, metrics: m, logger: logger}
}

// Analyze runs the reconciliation engine for one protocol address.
func (a *Activities) Analyze(ctx context.Context, input AnalyzeInput) (*analyzer.Result, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("Analyze", time.Since(start).Seconds())
		}
	}()

	a.logger.DebugContext(ctx, "running analysis", "protocol", input.ProtocolAddress)

	res, err := a.analyzer.Analyze(ctx, input.ProtocolAddress)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidInput) {
			return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), ErrTypeInvalidInput, err)
		}
		a.logger.ErrorContext(ctx, "analysis failed", "protocol", input.ProtocolAddress, "error", err)
		return nil, fmt.Errorf("failed to analyze %s: %w", input.ProtocolAddress, err)
	}
	return res, nil
}

// PublishAnalysis publishes the result to NATS. It is a no-op without a
// publisher.
func (a *Activities) PublishAnalysis(ctx context.Context, input PublishAnalysisInput) (*PublishAnalysisResult, error) {
	start := time.Now()
	defer func() {
		if a.metrics != nil {
			a.metrics.RecordActivityDuration("PublishAnalysis", time.Since(start).Seconds())
		}
	}()

	if a.publisher == nil || input.Result == nil {
		return &PublishAnalysisResult{Published: false}, nil
	}
	if err := a.publisher.PublishAnalysis(ctx, natspkg.FromResult(input.Result)); err != nil {
		return nil, fmt.Errorf("failed to publish analysis %s: %w", input.Result.RunID, err)
	}
	return &PublishAnalysisResult{Published: true}, nil
}
