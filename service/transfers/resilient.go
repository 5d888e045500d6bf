package transfers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/metrics"
	"github.com/brojonat/tokenflow/service/retry"
)

// ResilienceConfig bounds each query of a Resilient source.
type ResilienceConfig struct {
	QueryTimeout time.Duration
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// DefaultResilienceConfig returns the defaults used when config is absent.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		QueryTimeout: 10 * time.Second,
		MaxAttempts:  3,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Resilient wraps a Source with per-query timeouts, retries and metrics.
// Once retries are exhausted the error wraps ledger.ErrStoreUnavailable.
// If the caller's context ends first, the context error is returned instead
// so the caller can tell a deadline apart from an unreachable store.
type Resilient struct {
	src     Source
	cfg     ResilienceConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewResilient wraps src. logger and m may be nil.
func NewResilient(src Source, cfg ResilienceConfig, logger *slog.Logger, m *metrics.Metrics) *Resilient {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Resilient{src: src, cfg: cfg, logger: logger, metrics: m}
}

func (r *Resilient) SelectPartition(ctx context.Context, protocol string) (string, error) {
	var partition string
	err := r.do(ctx, "select_partition", func(ctx context.Context) error {
		p, err := r.src.SelectPartition(ctx, protocol)
		if errors.Is(err, ErrNoPartition) {
			return retry.Permanent(err)
		}
		partition = p
		return err
	})
	return partition, err
}

func (r *Resilient) Outgoing(ctx context.Context, partition, address string, window TimeRange) ([]ledger.TransferRecord, error) {
	var records []ledger.TransferRecord
	err := r.do(ctx, "outgoing", func(ctx context.Context) error {
		recs, err := r.src.Outgoing(ctx, partition, address, window)
		records = recs
		return err
	})
	return records, err
}

func (r *Resilient) Senders(ctx context.Context, partition, to string) ([]string, error) {
	var senders []string
	err := r.do(ctx, "senders", func(ctx context.Context) error {
		s, err := r.src.Senders(ctx, partition, to)
		senders = s
		return err
	})
	return senders, err
}

func (r *Resilient) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	policy := retry.Policy{
		MaxAttempts:    r.cfg.MaxAttempts,
		BaseDelay:      r.cfg.BaseDelay,
		MaxDelay:       r.cfg.MaxDelay,
		Jitter:         r.cfg.BaseDelay / 2,
		AttemptTimeout: r.cfg.QueryTimeout,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			r.logger.WarnContext(ctx, "transfer store query failed, retrying",
				"operation", operation,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
			if r.metrics != nil {
				r.metrics.RecordStoreRetry(operation)
			}
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		if r.metrics != nil {
			r.metrics.RecordStoreQuery(operation, time.Since(start).Seconds(), err)
		}
		return err
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNoPartition) {
		return ErrNoPartition
	}
	if ctx.Err() != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ledger.ErrStoreUnavailable, operation, err)
}
