package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GatewayClient talks to the ledger gateway sidecar over JSON/HTTP.
// The gateway wraps the actual ledger SDK; from the engine's side every
// operation is a bounded request/response call.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGatewayClient creates a client for the given gateway base URL.
// callTimeout bounds every individual ledger call.
func NewGatewayClient(baseURL string, callTimeout time.Duration) *GatewayClient {
	if len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}

	return &GatewayClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: callTimeout,
		},
	}
}

type gatewayRequest struct {
	TokenID   string  `json:"token_id"`
	AccountID string  `json:"account_id,omitempty"`
	From      string  `json:"from,omitempty"`
	To        string  `json:"to,omitempty"`
	Serials   []int64 `json:"serials,omitempty"`
}

type gatewayReceipt struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
}

type gatewayHolders struct {
	Holders []Holder `json:"holders"`
}

// QueryHolders returns the authoritative holder set for a token.
func (c *GatewayClient) QueryHolders(ctx context.Context, tokenID string) ([]Holder, error) {
	url := fmt.Sprintf("%s/v1/tokens/%s/holders", c.baseURL, tokenID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &RetryableError{Op: "query-holders", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("query-holders", resp)
	}

	var out gatewayHolders
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to parse holders response: %w", err)
	}
	return out.Holders, nil
}

// Unfreeze lifts the compliance freeze on an account.
func (c *GatewayClient) Unfreeze(ctx context.Context, accountID, tokenID string) (Receipt, error) {
	return c.call(ctx, "unfreeze", gatewayRequest{TokenID: tokenID, AccountID: accountID})
}

// Freeze re-applies the compliance freeze on an account.
func (c *GatewayClient) Freeze(ctx context.Context, accountID, tokenID string) (Receipt, error) {
	return c.call(ctx, "freeze", gatewayRequest{TokenID: tokenID, AccountID: accountID})
}

// Transfer moves serials between accounts as one ledger transaction.
func (c *GatewayClient) Transfer(ctx context.Context, from, to, tokenID string, serials []int64) (Receipt, error) {
	return c.call(ctx, "transfer", gatewayRequest{TokenID: tokenID, From: from, To: to, Serials: serials})
}

// Burn destroys serials held by the treasury.
func (c *GatewayClient) Burn(ctx context.Context, tokenID string, serials []int64) (Receipt, error) {
	return c.call(ctx, "burn", gatewayRequest{TokenID: tokenID, Serials: serials})
}

// Associate links an account with a token; already-associated accounts
// succeed without a new transaction.
func (c *GatewayClient) Associate(ctx context.Context, accountID, tokenID string) (Receipt, error) {
	return c.call(ctx, "associate", gatewayRequest{TokenID: tokenID, AccountID: accountID})
}

func (c *GatewayClient) call(ctx context.Context, op string, body gatewayRequest) (Receipt, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	url := fmt.Sprintf("%s/v1/%s", c.baseURL, op)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Connection and timeout errors are transient from the
		// engine's point of view.
		return Receipt{}, &RetryableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Receipt{}, classifyStatus(op, resp)
	}

	var out gatewayReceipt
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Receipt{}, fmt.Errorf("failed to parse %s receipt: %w", op, err)
	}
	if out.Error != "" {
		return Receipt{}, &FatalError{Op: op, Err: fmt.Errorf("%s", out.Error)}
	}

	return Receipt{TransactionID: out.TransactionID, Status: out.Status}, nil
}

// classifyStatus maps gateway HTTP statuses onto the engine's error
// taxonomy: timeouts, throttling and server errors are retryable, the
// rest (invalid account, insufficient balance, ...) are fatal.
func classifyStatus(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("gateway returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= http.StatusInternalServerError:
		return &RetryableError{Op: op, Err: err}
	default:
		return &FatalError{Op: op, Err: err}
	}
}
