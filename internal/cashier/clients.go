package cashier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// CheckClient calls the check-issuing provider over HTTP JSON.
type CheckClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCheckClient creates a check provider client.
func NewCheckClient(baseURL, apiKey string) *CheckClient {
	return &CheckClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *CheckClient) IssueCheck(ctx context.Context, payeeName, address string, amountCents int64) (CheckIssue, error) {
	body := map[string]any{
		"payee_name": payeeName,
		"address":    address,
		"amount":     amountCents,
	}
	var out struct {
		CheckID     string `json:"check_id"`
		CheckNumber int64  `json:"check_number"`
	}
	if err := c.post(ctx, "/v1/checks", body, &out); err != nil {
		return CheckIssue{}, fmt.Errorf("issue check: %w", err)
	}
	return CheckIssue{CheckID: out.CheckID, CheckNumber: out.CheckNumber}, nil
}

func (c *CheckClient) CancelCheck(ctx context.Context, checkID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/checks/"+checkID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cancel check: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cancel check: provider returned %s", resp.Status)
	}
	return nil
}

func (c *CheckClient) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// DepositClient captures authorized payment orders over HTTP JSON.
type DepositClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewDepositClient creates a payment provider client.
func NewDepositClient(baseURL, apiKey string) *DepositClient {
	return &DepositClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *DepositClient) CaptureDeposit(ctx context.Context, orderID string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v2/orders/"+orderID+"/capture", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("capture order: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("capture order: provider returned %s", resp.Status)
	}
	var out struct {
		AmountCents int64 `json:"amount_cents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.AmountCents, nil
}

// LogMailer logs notifications instead of sending them. Used in dev and
// whenever no mail provider is configured.
type LogMailer struct{}

func (LogMailer) Notify(template, recipient string, data map[string]string) {
	slog.Info("notification", "template", template, "recipient", recipient, "data", data)
}
