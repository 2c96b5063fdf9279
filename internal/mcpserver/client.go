package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the Guardian API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // Optional API key for authenticated rate limits
}

// GuardianClient is a pure HTTP client for the Guardian API.
type GuardianClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewGuardianClient creates a new client for the Guardian API.
func NewGuardianClient(cfg Config) *GuardianClient {
	return &GuardianClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *GuardianClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// A scan that hit its deadline comes back as 504 with the partial session
	// in the body. That is a usable result, not a transport failure.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusGatewayTimeout {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ScanWallet starts a scan and waits for the result.
func (c *GuardianClient) ScanWallet(ctx context.Context, address, network string, probeTypes []string) (json.RawMessage, error) {
	body := map[string]any{
		"address": address,
		"network": network,
	}
	if len(probeTypes) > 0 {
		body["probeTypes"] = probeTypes
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/scan", nil, body)
}

// GetScan fetches a stored scan session by ID.
func (c *GuardianClient) GetScan(ctx context.Context, scanID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/scans/"+scanID, nil, nil)
}

// ListScans returns recent scan sessions for a wallet.
func (c *GuardianClient) ListScans(ctx context.Context, address, network string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if network != "" {
		q.Set("network", network)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/wallets/"+address+"/scans", q, nil)
}

// SimulateRevoke dry-runs an approval revocation.
func (c *GuardianClient) SimulateRevoke(ctx context.Context, owner, network, token, spender string) (json.RawMessage, error) {
	body := map[string]any{
		"address": owner,
		"network": network,
		"approvals": []map[string]string{
			{"token": token, "spender": spender},
		},
		"dryRun": true,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/revoke", nil, body)
}
