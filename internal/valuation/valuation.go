// Package valuation is the request/response port to the external
// pricing and risk-scoring services. The engine treats them as opaque
// collaborators with a bounded timeout; they sit outside its retry and
// batch logic.
package valuation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Quote is the current market price for one collateral unit.
type Quote struct {
	PricePerUnit int64     `json:"price_per_unit"` // smallest currency unit
	Currency     string    `json:"currency"`
	At           time.Time `json:"at"`
}

// RiskScore is the valuation service's appraisal of a collateral item.
type RiskScore struct {
	Score float64 `json:"score"`
	Band  string  `json:"band"` // low / medium / high
}

// Client calls the valuation service over JSON/HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a valuation client. timeout bounds every call.
func New(baseURL string, timeout time.Duration) *Client {
	if len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetQuote fetches the current unit price for a token.
func (c *Client) GetQuote(ctx context.Context, tokenID string) (*Quote, error) {
	url := fmt.Sprintf("%s/v1/quote/%s", c.baseURL, tokenID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create quote request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("valuation service returned %d", resp.StatusCode)
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("failed to parse quote: %w", err)
	}
	return &quote, nil
}

// ScoreRisk fetches the risk appraisal for a token's collateral.
func (c *Client) ScoreRisk(ctx context.Context, tokenID string) (*RiskScore, error) {
	url := fmt.Sprintf("%s/v1/risk/%s", c.baseURL, tokenID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create risk request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("risk request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("valuation service returned %d", resp.StatusCode)
	}

	var score RiskScore
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		return nil, fmt.Errorf("failed to parse risk score: %w", err)
	}
	return &score, nil
}
