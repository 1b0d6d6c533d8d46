// README: HTTP client for the external card/wallet payment gateway.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type GatewayClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewGatewayClient(baseURL, apiKey string) *GatewayClient {
	return &GatewayClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

type chargeReq struct {
	OrderID    string `json:"order_id"`
	CustomerID string `json:"customer_id"`
	Method     string `json:"method"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

type chargeResp struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *GatewayClient) Capture(ctx context.Context, ch Charge) (Result, error) {
	body, err := json.Marshal(chargeReq{
		OrderID:    string(ch.OrderID),
		CustomerID: string(ch.CustomerID),
		Method:     ch.Method,
		Amount:     ch.Amount.Amount,
		Currency:   ch.Amount.Currency,
	})
	if err != nil {
		return Result{Status: StatusFailed}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return Result{Status: StatusFailed}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	// Gateway deduplicates captures on this key.
	req.Header.Set("Idempotency-Key", string(ch.OrderID))

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{Status: StatusFailed}, fmt.Errorf("payment gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{Status: StatusFailed}, err
	}
	var out chargeResp
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return Result{Status: StatusFailed}, fmt.Errorf("payment gateway: decode: %w", err)
		}
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		return Result{Status: StatusFailed, Reference: out.ID}, fmt.Errorf("%w: %s", ErrDeclined, out.Message)
	}
	if resp.StatusCode >= 300 {
		return Result{Status: StatusFailed, Reference: out.ID}, fmt.Errorf("payment gateway: status %d", resp.StatusCode)
	}

	switch out.Status {
	case "succeeded", "captured":
		return Result{Status: StatusCaptured, Reference: out.ID}, nil
	case "pending", "processing":
		return Result{Status: StatusPending, Reference: out.ID}, nil
	default:
		return Result{Status: StatusFailed, Reference: out.ID}, fmt.Errorf("%w: %s", ErrDeclined, out.Status)
	}
}
