package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/tokenflow/service/metrics"
	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
)

// Client starts and awaits analysis workflows.
type Client struct {
	client    client.Client
	taskQueue string
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewClient creates a new Temporal client. m may be nil.
func NewClient(host, namespace, taskQueue string, m *metrics.Metrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	return &Client{client: c, taskQueue: taskQueue, metrics: m, logger: logger}, nil
}

// WorkflowID returns a fresh workflow ID for an analysis of protocol.
func WorkflowID(protocol string) string {
	return "analyze-" + protocol + "-" + uuid.NewString()
}

// StartAnalysis starts an AnalyzeProtocolWorkflow and returns its workflow
// and run IDs.
func (c *Client) StartAnalysis(ctx context.Context, input AnalyzeProtocolInput) (string, string, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(input.ProtocolAddress),
		TaskQueue: c.taskQueue,
	}, AnalyzeProtocolWorkflow, input)
	if err != nil {
		return "", "", fmt.Errorf("failed to start analysis workflow: %w", err)
	}

	c.logger.Info("analysis workflow started",
		"protocol", input.ProtocolAddress,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), run.GetRunID(), nil
}

// AwaitAnalysis blocks until the workflow finishes and returns its result.
func (c *Client) AwaitAnalysis(ctx context.Context, workflowID, runID string) (*AnalyzeProtocolResult, error) {
	var result AnalyzeProtocolResult
	if err := c.client.GetWorkflow(ctx, workflowID, runID).Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("analysis workflow %s failed: %w", workflowID, err)
	}
	return &result, nil
}

// RunAnalysis starts a workflow and waits for it.
func (c *Client) RunAnalysis(ctx context.Context, input AnalyzeProtocolInput) (*AnalyzeProtocolResult, error) {
	start := time.Now()
	status := "failed"
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordWorkflowDuration(status, time.Since(start).Seconds())
		}
	}()

	workflowID, runID, err := c.StartAnalysis(ctx, input)
	if err != nil {
		return nil, err
	}
	result, err := c.AwaitAnalysis(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	if result.Result != nil {
		status = string(result.Result.Status)
	}
	return result, nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
