// Package merkl fetches reward campaigns and their payouts from the Merkl
// rewards API.
package merkl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/tokenflow/service/metrics"
	"github.com/brojonat/tokenflow/service/normalize"
	"github.com/brojonat/tokenflow/service/retry"
)

const (
	// DefaultBaseURL is the public Merkl API.
	DefaultBaseURL = "https://api.merkl.xyz"
	// DefaultChainID is Arbitrum One.
	DefaultChainID = 42161

	maxResponseSize = 32 << 20
)

// ErrNotFound is returned when the API has no record of the requested
// creator or campaign.
var ErrNotFound = errors.New("not found")

// StatusError is a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// retryableStatus lists statuses worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// CampaignInfo is one campaign as listed for a creator.
type CampaignInfo struct {
	CampaignID   string `json:"campaignId"`
	Amount       string `json:"amount"`
	CreatedAt    int64  `json:"createdAt"`
	EndTimestamp int64  `json:"endTimestamp"`
}

// RecipientRow is one payout row. A recipient may have several rows per
// campaign, one per reason.
type RecipientRow struct {
	Recipient   string `json:"recipient"`
	Reason      string `json:"reason"`
	RewardToken string `json:"rewardToken"`
	Amount      string `json:"amount"`
}

var (
	campaignsProgram = normalize.MustCompile(`
(if type == "array" then .[] else (.campaigns // .data // [])[] end)
| {
    campaignId: ((.campaignId // .id) | if . == null then null else tostring end),
    amount: ((.amount // "0") | tostring),
    createdAt: .createdAt,
    endTimestamp: (.endTimestamp // .endAt)
  }`)

	recipientsProgram = normalize.MustCompile(`
(if type == "array" then .[] else (.recipients // .data // [])[] end)
| {
    recipient: (.recipient // .address // .user),
    reason: (.reason // ""),
    rewardToken: ((.rewardToken // .token // "") | if type == "object" then (.address // "") else . end),
    amount: ((.amount // .value) | if . == null then null else tostring end)
  }`)
)

// ClientConfig configures Client.
type ClientConfig struct {
	BaseURL     string
	ChainID     int
	Timeout     time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultClientConfig mirrors the production retry policy: five attempts
// with one second base backoff.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:     DefaultBaseURL,
		ChainID:     DefaultChainID,
		Timeout:     15 * time.Second,
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    16 * time.Second,
	}
}

// Client is the HTTP client for the Merkl API.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a Merkl API client. httpClient, logger and m may be nil.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ChainID == 0 {
		cfg.ChainID = DefaultChainID
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger, metrics: m}
}

// CreatorCampaigns lists the campaigns created by creator, which should be
// in checksum form. A creator unknown to the API has no campaigns.
func (c *Client) CreatorCampaigns(ctx context.Context, creator string) ([]CampaignInfo, error) {
	u := fmt.Sprintf("%s/v4/creators/%s/campaigns", c.cfg.BaseURL, url.PathEscape(creator))

	var body any
	err := c.getJSON(ctx, "creator_campaigns", u, &body)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	objs, err := campaignsProgram.Objects(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize campaigns: %w", err)
	}
	out := make([]CampaignInfo, 0, len(objs))
	for _, o := range objs {
		info := CampaignInfo{
			CampaignID: normalize.String(o["campaignId"]),
			Amount:     normalize.String(o["amount"]),
		}
		if info.CampaignID == "" {
			c.logger.WarnContext(ctx, "skipping campaign without id", "creator", creator)
			continue
		}
		info.CreatedAt, _ = normalize.Int(o["createdAt"])
		info.EndTimestamp, _ = normalize.Int(o["endTimestamp"])
		out = append(out, info)
	}
	return out, nil
}

// Recipients returns the payout rows of a campaign.
func (c *Client) Recipients(ctx context.Context, campaignID string) ([]RecipientRow, error) {
	q := url.Values{}
	q.Set("chainId", strconv.Itoa(c.cfg.ChainID))
	q.Set("campaignId", campaignID)
	u := c.cfg.BaseURL + "/v3/recipients?" + q.Encode()

	var body any
	err := c.getJSON(ctx, "recipients", u, &body)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	objs, err := recipientsProgram.Objects(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize recipients: %w", err)
	}
	out := make([]RecipientRow, 0, len(objs))
	for _, o := range objs {
		out = append(out, RecipientRow{
			Recipient:   normalize.String(o["recipient"]),
			Reason:      normalize.String(o["reason"]),
			RewardToken: strings.ToLower(normalize.String(o["rewardToken"])),
			Amount:      normalize.String(o["amount"]),
		})
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, u string, out *any) error {
	policy := retry.Policy{
		MaxAttempts:    c.cfg.MaxAttempts,
		BaseDelay:      c.cfg.BaseDelay,
		MaxDelay:       c.cfg.MaxDelay,
		Jitter:         c.cfg.BaseDelay / 4,
		AttemptTimeout: c.cfg.Timeout,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			reason := "transport"
			var se *StatusError
			if errors.As(err, &se) {
				reason = strconv.Itoa(se.StatusCode)
			}
			c.logger.WarnContext(ctx, "merkl request failed, retrying",
				"endpoint", endpoint,
				"attempt", attempt,
				"wait", wait,
				"error", err,
			)
			if c.metrics != nil {
				c.metrics.RecordCampaignAPIRetry(endpoint, reason)
			}
		},
	}

	return retry.Do(ctx, policy, func(ctx context.Context) error {
		return c.get(ctx, endpoint, u, out)
	})
}

func (c *Client) get(ctx context.Context, endpoint, u string, out *any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordCampaignAPICall(endpoint, 0, time.Since(start).Seconds())
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if c.metrics != nil {
		c.metrics.RecordCampaignAPICall(endpoint, resp.StatusCode, time.Since(start).Seconds())
	}

	body := io.LimitReader(resp.Body, maxResponseSize)
	switch {
	case resp.StatusCode == http.StatusOK:
		dec := json.NewDecoder(body)
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		*out = exactNumbers(*out)
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(ErrNotFound)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(body, 512))
		se := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if retryableStatus[resp.StatusCode] {
			return se
		}
		return retry.Permanent(se)
	}
}

// exactNumbers replaces json.Number values with the types the jq programs
// understand. Integers beyond int range become *big.Int so that raw token
// amounts keep every digit.
func exactNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.Atoi(t.String()); err == nil {
			return i
		}
		if b, ok := new(big.Int).SetString(t.String(), 10); ok {
			return b
		}
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	case []any:
		for i := range t {
			t[i] = exactNumbers(t[i])
		}
		return t
	case map[string]any:
		for k, e := range t {
			t[k] = exactNumbers(e)
		}
		return t
	}
	return v
}
