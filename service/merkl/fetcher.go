package merkl

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/brojonat/tokenflow/service/ledger"
	"github.com/brojonat/tokenflow/service/metrics"
	"github.com/shopspring/decimal"
)

// API is the subset of Client used by Fetcher.
type API interface {
	CreatorCampaigns(ctx context.Context, creator string) ([]CampaignInfo, error)
	Recipients(ctx context.Context, campaignID string) ([]RecipientRow, error)
}

// FetcherConfig controls how payout rows become campaign recipients.
type FetcherConfig struct {
	// RewardDecimals scales raw payout amounts to human units.
	RewardDecimals int32
	// RewardToken, when set, keeps only rows paying this token.
	RewardToken string
}

// Result is the outcome of one Fetch. Complete is false when the API
// failed part way; Err then wraps ledger.ErrUpstreamDegraded and Campaigns
// holds what was fetched before the failure.
type Result struct {
	Campaigns []ledger.Campaign
	Complete  bool
	Malformed int
	Err       error
}

// Fetcher turns creator identities into campaigns with recipient lists.
type Fetcher struct {
	api     API
	cfg     FetcherConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewFetcher creates a Fetcher. logger and m may be nil.
func NewFetcher(api API, cfg FetcherConfig, logger *slog.Logger, m *metrics.Metrics) *Fetcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg.RewardToken = strings.ToLower(cfg.RewardToken)
	return &Fetcher{api: api, cfg: cfg, logger: logger, metrics: m}
}

// Fetch retrieves every campaign of every creator. It never fails the
// caller: API errors stop the fetch and are reported through Result.
func (f *Fetcher) Fetch(ctx context.Context, creators []string) Result {
	res := Result{Complete: true}
	seen := make(map[string]bool)

	defer func() {
		if f.metrics != nil {
			f.metrics.RecordCampaignsFetched(len(res.Campaigns), res.Complete)
			f.metrics.RecordRecordsSkipped("campaigns", "malformed", res.Malformed)
		}
	}()

	for _, creator := range creators {
		checksum := ledger.ChecksumAddress(creator)
		infos, err := f.api.CreatorCampaigns(ctx, checksum)
		if err != nil {
			return f.degrade(ctx, res, fmt.Errorf("campaigns for creator %s: %w", checksum, err))
		}
		f.logger.DebugContext(ctx, "fetched creator campaigns", "creator", checksum, "count", len(infos))

		for _, info := range infos {
			if seen[info.CampaignID] {
				continue
			}
			rows, err := f.api.Recipients(ctx, info.CampaignID)
			if err != nil {
				return f.degrade(ctx, res, fmt.Errorf("recipients for campaign %s: %w", info.CampaignID, err))
			}
			seen[info.CampaignID] = true

			campaign, malformed := f.buildCampaign(info.CampaignID, checksum, rows)
			res.Malformed += malformed
			res.Campaigns = append(res.Campaigns, campaign)
		}
	}

	f.logger.InfoContext(ctx, "campaign fetch complete",
		"creators", len(creators),
		"campaigns", len(res.Campaigns),
		"malformed", res.Malformed,
	)
	return res
}

func (f *Fetcher) degrade(ctx context.Context, res Result, err error) Result {
	res.Complete = false
	res.Err = fmt.Errorf("%w: %w", ledger.ErrUpstreamDegraded, err)
	f.logger.WarnContext(ctx, "campaign fetch incomplete",
		"campaigns", len(res.Campaigns),
		"error", err,
	)
	return res
}

// buildCampaign sums rows per recipient, across reasons, into one
// Recipient each, in first-seen order.
func (f *Fetcher) buildCampaign(campaignID, creator string, rows []RecipientRow) (ledger.Campaign, int) {
	campaign := ledger.Campaign{CampaignID: campaignID, CreatorAddress: strings.ToLower(creator)}
	totals := make(map[string]decimal.Decimal)
	var order []string
	malformed := 0

	for _, row := range rows {
		if f.cfg.RewardToken != "" && row.RewardToken != f.cfg.RewardToken {
			continue
		}
		addr, err := ledger.NormalizeAddress(row.Recipient)
		if err != nil {
			malformed++
			continue
		}
		raw, err := ledger.ParseRawAmount(row.Amount)
		if err != nil {
			malformed++
			continue
		}
		if _, ok := totals[addr]; !ok {
			order = append(order, addr)
		}
		totals[addr] = totals[addr].Add(raw.Shift(-f.cfg.RewardDecimals))
	}

	campaign.Recipients = make([]ledger.Recipient, 0, len(order))
	for _, addr := range order {
		campaign.Recipients = append(campaign.Recipients, ledger.Recipient{Address: addr, Amount: totals[addr]})
	}
	return campaign, malformed
}
