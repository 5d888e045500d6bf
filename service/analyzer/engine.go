// Package analyzer reconciles campaign payouts and relay forwarding into
// one attributed ledger per protocol address.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/merkl"
	"github.com/brojonat/tokenflow/service/metrics"
	"github.com/brojonat/tokenflow/service/trace"
	"github.com/brojonat/tokenflow/service/transfers"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// CampaignFetcher retrieves the campaigns created by a set of creators.
// *merkl.Fetcher implements it.
type CampaignFetcher interface {
	Fetch(ctx context.Context, creators []string) merkl.Result
}

// Config holds the engine settings that are not owned by a component.
type Config struct {
	// Distributor is the reward distributor contract. Senders of transfers
	// into it are treated as campaign creators. Empty disables discovery.
	Distributor string
	// Deadline bounds a whole run. Zero means only the caller's context.
	Deadline time.Duration
}

// Engine runs analyses. It holds only immutable dependencies and is safe
// for concurrent use.
type Engine struct {
	src     transfers.Source
	fetcher CampaignFetcher
	walker  *trace.Walker
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an Engine. fetcher may be nil to skip the campaign
// path; logger and m may be nil.
func NewEngine(src transfers.Source, fetcher CampaignFetcher, walker *trace.Walker, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.Distributor = strings.ToLower(cfg.Distributor)
	return &Engine{src: src, fetcher: fetcher, walker: walker, cfg: cfg, logger: logger, metrics: m}
}

// Analyze reconciles every distribution from protocol. Invalid input and an
// unavailable store are returned as errors; degraded campaign data and an
// expired deadline yield a partial Result.
func (e *Engine) Analyze(ctx context.Context, protocol string) (*Result, error) {
	start := time.Now()
	protocol, err := ledger.NormalizeAddress(protocol)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:    uuid.NewString(),
		Protocol: protocol,
		Status:   StatusComplete,
		Diagnostics: Diagnostics{
			CampaignsComplete: true,
			Warnings:          []string{},
		},
	}
	logger := e.logger.With("run_id", res.RunID, "protocol", protocol)
	logger.InfoContext(ctx, "starting analysis")

	if e.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Deadline)
		defer cancel()
	}

	in, err := e.gather(ctx, logger, protocol)
	if err != nil {
		e.recordRun("failed", start)
		logger.ErrorContext(ctx, "analysis failed", "error", err)
		return nil, err
	}

	walk := &trace.Walk{Aggregator: ledger.NewAggregator()}
	switch {
	case in.expired:
		walk.Partial = true
	case in.partition == "":
		res.warn(fmt.Sprintf("no transfer partition holds records sent by %s", protocol))
	default:
		walk, err = e.walker.WalkFrom(ctx, in.partition, protocol, in.outflows)
		if err != nil {
			e.recordRun("failed", start)
			logger.ErrorContext(ctx, "analysis failed", "error", err)
			return nil, fmt.Errorf("failed to walk relays: %w", err)
		}
	}

	campaignAgg := ledger.NewAggregator()
	for _, c := range in.campaigns.Campaigns {
		campaignAgg.AddCampaign(c)
	}
	res.Ledger = ledger.Merge(campaignAgg, walk.Aggregator)

	d := &res.Diagnostics
	d.Partition = in.partition
	d.Hops = walk.Hops
	d.StoppedTransfers = walk.StoppedTransfers
	d.HopLimitReached = walk.HopLimitReached
	d.MalformedRecords = walk.Malformed + in.campaigns.Malformed + campaignAgg.Malformed()
	d.DuplicateRecords = walk.Aggregator.Duplicates() + walk.Duplicates + campaignAgg.Duplicates()
	d.CampaignCount = len(in.campaigns.Campaigns)
	d.CampaignsComplete = in.campaigns.Complete

	if !in.campaigns.Complete {
		err := in.campaigns.Err
		if err == nil {
			err = ledger.ErrUpstreamDegraded
		}
		res.degrade(err)
	}
	if walk.Partial {
		d.DeadlineExceeded = true
		res.degrade(fmt.Errorf("%w: relay walk stopped after %d hops", ledger.ErrDeadlineExceeded, walk.Hops))
	}
	if walk.HopLimitReached > 0 {
		res.warn(fmt.Sprintf("%d addresses reached beyond %d hops were treated as terminal", walk.HopLimitReached, walk.Hops))
	}

	e.recordRun(string(res.Status), start)
	logger.InfoContext(ctx, "analysis complete",
		"status", res.Status,
		"beneficiaries", res.Summary.TotalBeneficiaries,
		"intermediaries", res.Summary.TotalIntermediaries,
		"distributed", res.Summary.TotalAmountDistributed.String(),
		"returned", res.Summary.TotalAmountReturned.String(),
		"malformed", d.MalformedRecords,
		"duration", time.Since(start),
	)
	return res, nil
}

// inputs is what the concurrent initial phase produces.
type inputs struct {
	partition string
	outflows  []ledger.TransferRecord
	campaigns merkl.Result
	expired   bool
}

// gather runs the initial store query and the campaign fetch concurrently.
// Creator discovery needs the partition, so the campaign side fetches the
// protocol's own campaigns first and waits for the partition only for the
// distributor senders.
func (e *Engine) gather(ctx context.Context, logger *slog.Logger, protocol string) (*inputs, error) {
	in := &inputs{campaigns: merkl.Result{Complete: true}}
	selected := make(chan struct{})
	var closeSelected sync.Once
	markSelected := func() { closeSelected.Do(func() { close(selected) }) }

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer markSelected()
		partition, err := e.src.SelectPartition(gctx, protocol)
		if errors.Is(err, transfers.ErrNoPartition) {
			logger.WarnContext(ctx, "no partition found for protocol")
			return nil
		}
		if err != nil {
			return e.storeError(ctx, in, "failed to select partition", err)
		}
		in.partition = partition
		markSelected()

		outflows, err := e.src.Outgoing(gctx, partition, protocol, transfers.TimeRange{})
		if err != nil {
			return e.storeError(ctx, in, "failed to fetch protocol outflows", err)
		}
		in.outflows = outflows
		logger.DebugContext(ctx, "fetched protocol outflows", "partition", partition, "count", len(outflows))
		return nil
	})

	if e.fetcher != nil {
		g.Go(func() error {
			own := e.fetcher.Fetch(gctx, []string{protocol})

			var creators []string
			select {
			case <-selected:
			case <-gctx.Done():
				in.campaigns = merge(own, merkl.Result{Complete: true})
				return nil
			}
			if in.partition != "" && e.cfg.Distributor != "" {
				senders, err := e.src.Senders(gctx, in.partition, e.cfg.Distributor)
				if err != nil {
					logger.WarnContext(ctx, "creator discovery failed", "error", err)
					own.Complete = false
					if own.Err == nil {
						own.Err = fmt.Errorf("%w: creator discovery: %w", ledger.ErrUpstreamDegraded, err)
					}
				}
				for _, s := range senders {
					if s != protocol {
						creators = append(creators, s)
					}
				}
			}

			discovered := merkl.Result{Complete: true}
			if len(creators) > 0 && own.Complete {
				logger.DebugContext(ctx, "discovered campaign creators", "count", len(creators))
				discovered = e.fetcher.Fetch(gctx, creators)
			}
			in.campaigns = merge(own, discovered)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return in, nil
}

// storeError turns a store failure into either a fatal error or, when the
// run deadline caused it, an expired marker.
func (e *Engine) storeError(ctx context.Context, in *inputs, msg string, err error) error {
	if ctx.Err() != nil {
		in.expired = true
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func merge(a, b merkl.Result) merkl.Result {
	out := merkl.Result{
		Campaigns: append(append([]ledger.Campaign{}, a.Campaigns...), b.Campaigns...),
		Complete:  a.Complete && b.Complete,
		Malformed: a.Malformed + b.Malformed,
	}
	out.Err = errors.Join(a.Err, b.Err)
	return out
}

func (e *Engine) recordRun(status string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordAnalysisRun(status, time.Since(start).Seconds())
	}
}
