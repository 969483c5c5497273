package withdrawals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PayoutRequest struct {
	WithdrawalID string
	UserID       string
	Amount       decimal.Decimal
	Currency     string
}

type PayoutReceipt struct {
	Reference string
}

// ErrPayoutRejected means the provider answered and refused the transfer. Any other payout
// error leaves the outcome unknown.
var ErrPayoutRejected = errors.New("payout rejected")

//go:generate mockgen -source=$GOFILE -destination=mock/mock.go -package=mock_withdrawals
type PayoutClient interface {
	Payout(ctx context.Context, req PayoutRequest) (PayoutReceipt, error)
}

// ManualPayouts approves without calling out; the transfer is settled off-platform.
type ManualPayouts struct{}

func (ManualPayouts) Payout(_ context.Context, req PayoutRequest) (PayoutReceipt, error) {
	return PayoutReceipt{Reference: "manual:" + req.WithdrawalID}, nil
}

// HTTPPayoutClient posts payouts to a provider endpoint. The withdrawal id doubles as the
// idempotency key so a retried approval never pays twice.
type HTTPPayoutClient struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPPayoutClient(url, apiKey string, timeout time.Duration) *HTTPPayoutClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPayoutClient{url: url, apiKey: apiKey, client: &http.Client{Timeout: timeout}}
}

type payoutBody struct {
	WithdrawalID string `json:"withdrawalId"`
	UserID       string `json:"userId"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

type payoutResponse struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Error     string `json:"error"`
}

func (c *HTTPPayoutClient) Payout(ctx context.Context, req PayoutRequest) (PayoutReceipt, error) {
	body, err := json.Marshal(payoutBody{
		WithdrawalID: req.WithdrawalID,
		UserID:       req.UserID,
		Amount:       req.Amount.String(),
		Currency:     req.Currency,
	})
	if err != nil {
		return PayoutReceipt{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return PayoutReceipt{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.WithdrawalID)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return PayoutReceipt{}, fmt.Errorf("payout request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return PayoutReceipt{}, fmt.Errorf("read payout response: %w", err)
	}

	var out payoutResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reason := strings.TrimSpace(out.Error)
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		if refused(resp.StatusCode) {
			return PayoutReceipt{}, fmt.Errorf("%w: %s", ErrPayoutRejected, reason)
		}
		return PayoutReceipt{}, fmt.Errorf("payout provider status %d: %s", resp.StatusCode, reason)
	}
	ref := out.Reference
	if ref == "" {
		ref = out.ID
	}
	if ref == "" {
		return PayoutReceipt{}, errors.New("payout response missing reference")
	}
	return PayoutReceipt{Reference: ref}, nil
}

// refused reports whether status is a definite refusal. Timeouts, throttling and
// idempotency-key collisions may still end in a transfer.
func refused(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return status >= 400 && status < 500
}
