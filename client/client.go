package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/brojonat/tokenflow/service/analyzer"
	"github.com/brojonat/tokenflow/service/transfers"
)

// Client is the HTTP client for the tokenflow analysis service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// NewClient creates a new analysis service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		// Analyses run synchronously and can take minutes.
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Analyze runs an analysis of protocol on the server.
func (c *Client) Analyze(ctx context.Context, protocol string) (*analyzer.Result, error) {
	resp, err := c.postJSON(ctx, "/api/v1/analyze", map[string]interface{}{"protocol_addr": protocol})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var res analyzer.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	c.logger.Debug("analysis received", "protocol", protocol, "run_id", res.RunID, "status", res.Status)
	return &res, nil
}

// StartAnalysis starts an analysis workflow and returns its workflow and
// run IDs.
func (c *Client) StartAnalysis(ctx context.Context, protocol string, publish bool) (string, string, error) {
	resp, err := c.postJSON(ctx, "/api/v1/workflows/analyze", map[string]interface{}{
		"protocol_addr": protocol,
		"publish":       publish,
	})
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", "", c.parseErrorResponse(resp)
	}

	var body struct {
		WorkflowID string `json:"workflow_id"`
		RunID      string `json:"run_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("failed to decode response: %w", err)
	}
	return body.WorkflowID, body.RunID, nil
}

// ExportCSV streams the "beneficiaries" or "intermediaries" CSV of an
// analysis of protocol into w.
func (c *Client) ExportCSV(ctx context.Context, protocol, list string, w io.Writer) error {
	if list != "beneficiaries" && list != "intermediaries" {
		return fmt.Errorf("unknown list %q: must be beneficiaries or intermediaries", list)
	}
	u := fmt.Sprintf("%s/api/v1/analyze/%s/%s.csv", c.baseURL, url.PathEscape(protocol), list)
	resp, err := c.get(ctx, u)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to read csv: %w", err)
	}
	return nil
}

// Partitions lists the transfer partitions known to the server.
func (c *Client) Partitions(ctx context.Context) ([]transfers.PartitionStats, error) {
	resp, err := c.get(ctx, c.baseURL+"/api/v1/partitions")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var body struct {
		Partitions []transfers.PartitionStats `json:"partitions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return body.Partitions, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.get(ctx, c.baseURL+"/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: string(body)}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
