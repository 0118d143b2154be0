package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"settleplane/pkg/api"
)

// SettleClient handles API calls to the settleplane controller.
type SettleClient struct {
	BaseURL    string
	Token      string
	CallerID   string
	HTTPClient *http.Client
}

// NewSettleClient creates a new client with the given base URL and credentials.
func NewSettleClient(baseURL, token, callerID string) *SettleClient {
	return &SettleClient{
		BaseURL:  baseURL,
		Token:    token,
		CallerID: callerID,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// do sends one JSON request and decodes the response into out.
func (c *SettleClient) do(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.Token))
	httpReq.Header.Add("X-Caller-ID", c.CallerID)
	httpReq.Header.Add("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// SubmitRepayment sends POST /repayment to start a repayment settlement.
func (c *SettleClient) SubmitRepayment(req api.RepaymentRequest) (*api.SubmitResponse, error) {
	var result api.SubmitResponse
	if err := c.do(http.MethodPost, "/repayment", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitPurchase sends POST /purchase-token to start a purchase settlement.
func (c *SettleClient) SubmitPurchase(req api.PurchaseRequest) (*api.SubmitResponse, error) {
	var result api.SubmitResponse
	if err := c.do(http.MethodPost, "/purchase-token", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetStatus sends GET /repayment/status/{id} to retrieve a job's status.
// Repayment and purchase jobs share the status shape, so one call serves both.
func (c *SettleClient) GetStatus(jobID string) (*api.JobStatusResponse, error) {
	var result api.JobStatusResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/repayment/status/%s", jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetHolders sends GET /repayment/holders/{token_id}.
func (c *SettleClient) GetHolders(tokenID string) (*api.HoldersResponse, error) {
	var result api.HoldersResponse
	if err := c.do(http.MethodGet, fmt.Sprintf("/repayment/holders/%s", tokenID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelJob sends DELETE /job/{id} to cancel a queued settlement.
func (c *SettleClient) CancelJob(jobID string) (*api.CancelResponse, error) {
	var result api.CancelResponse
	if err := c.do(http.MethodDelete, fmt.Sprintf("/job/%s", jobID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CleanupStalled sends POST /admin/cleanup-stalled.
func (c *SettleClient) CleanupStalled() (*api.ReclaimResponse, error) {
	var result api.ReclaimResponse
	if err := c.do(http.MethodPost, "/admin/cleanup-stalled", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
