package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/tokenflow/service/analyzer"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// AnalyzeProtocolInput contains the input parameters for an analysis run.
type AnalyzeProtocolInput struct {
	ProtocolAddress string `json:"protocol_address"`
	// Publish sends the finished result to NATS.
	Publish bool `json:"publish"`
}

// AnalyzeProtocolResult contains the outcome of an analysis workflow.
type AnalyzeProtocolResult struct {
	Result     *analyzer.Result `json:"result"`
	Published  bool             `json:"published"`
	FinishedAt time.Time        `json:"finished_at"`
	Error      *string          `json:"error,omitempty"`
}

// AnalyzeProtocolWorkflow analyzes one protocol address and optionally
// publishes the result.
//
// The workflow performs these steps:
// 1. Run the reconciliation engine (Analyze activity)
// 2. Publish the result to NATS (PublishAnalysis activity), when requested
//
// A publish failure is reported in the result but does not fail the run.
func AnalyzeProtocolWorkflow(ctx workflow.Context, input AnalyzeProtocolInput) (*AnalyzeProtocolResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("AnalyzeProtocolWorkflow started", "protocol", input.ProtocolAddress)

	result := &AnalyzeProtocolResult{}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeInvalidInput},
		},
	})

	var res *analyzer.Result
	err := workflow.ExecuteActivity(ctx, a.Analyze, AnalyzeInput{ProtocolAddress: input.ProtocolAddress}).Get(ctx, &res)
	if err != nil {
		errMsg := fmt.Sprintf("failed to analyze protocol: %v", err)
		result.Error = &errMsg
		result.FinishedAt = workflow.Now(ctx)
		return result, fmt.Errorf("failed to analyze protocol: %w", err)
	}
	result.Result = res
	logger.Info("analysis finished",
		"protocol", input.ProtocolAddress,
		"status", res.Status,
		"beneficiaries", res.Summary.TotalBeneficiaries,
		"intermediaries", res.Summary.TotalIntermediaries,
	)

	if input.Publish {
		var pub *PublishAnalysisResult
		err := workflow.ExecuteActivity(ctx, a.PublishAnalysis, PublishAnalysisInput{Result: res}).Get(ctx, &pub)
		if err != nil {
			logger.Warn("failed to publish analysis", "protocol", input.ProtocolAddress, "error", err)
			errMsg := fmt.Sprintf("failed to publish analysis: %v", err)
			result.Error = &errMsg
		} else {
			result.Published = pub.Published
		}
	}

	result.FinishedAt = workflow.Now(ctx)
	return result, nil
}
