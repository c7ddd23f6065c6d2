/*
payout.go - Payout rail

PURPOSE:
  Sends approved withdrawals to the external payment provider. The rail is
  called outside any store transaction; the processor records the result.

IDEMPOTENCY:
  The withdrawal id is sent as the Idempotency-Key header. Retries, by the
  HTTP client or by the sweeper, never pay twice as long as the provider
  honours the key.

IMPLEMENTATIONS:
  HTTPPayout: JSON POST to a provider endpoint, retried with exponential
              backoff on transport errors and 5xx/429 responses
  NoopPayout: completes immediately; development and tests
*/
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/warp/affiliate-ledger/ledger"
)

// Order is one payout instruction.
type Order struct {
	RequestID ledger.WithdrawalID `json:"request_id"`
	UserID    ledger.UserID       `json:"user_id"`
	Amount    decimal.Decimal     `json:"amount"`
}

// Receipt is the provider's acknowledgement.
type Receipt struct {
	Reference string `json:"reference"`
}

type Payout interface {
	Send(ctx context.Context, order Order) (Receipt, error)
}

// ErrPayoutRejected means the provider refused the order; retrying the same
// order will not help.
var ErrPayoutRejected = errors.New("payout rejected by provider")

// =============================================================================
// HTTP PAYOUT
// =============================================================================

type HTTPPayoutConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
	Retries int
}

type HTTPPayout struct {
	client *resty.Client
	url    string
}

func NewHTTPPayout(cfg HTTPPayoutConfig) *HTTPPayout {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTPPayout{client: client, url: cfg.URL}
}

func (p *HTTPPayout) Send(ctx context.Context, order Order) (Receipt, error) {
	var receipt Receipt
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", string(order.RequestID)).
		SetBody(order).
		SetResult(&receipt).
		Post(p.url)
	if err != nil {
		return Receipt{}, fmt.Errorf("payout request: %w", err)
	}

	switch {
	case resp.IsSuccess():
		if receipt.Reference == "" {
			receipt.Reference = string(order.RequestID)
		}
		return receipt, nil
	case resp.StatusCode() >= 400 && resp.StatusCode() < 500 && resp.StatusCode() != http.StatusTooManyRequests:
		return Receipt{}, fmt.Errorf("%w: status %d: %s", ErrPayoutRejected, resp.StatusCode(), resp.String())
	default:
		return Receipt{}, fmt.Errorf("payout status %d", resp.StatusCode())
	}
}

// =============================================================================
// NOOP PAYOUT
// =============================================================================

type NoopPayout struct{}

func (NoopPayout) Send(_ context.Context, order Order) (Receipt, error) {
	return Receipt{Reference: "noop-" + string(order.RequestID)}, nil
}

// PayoutFunc adapts a function to Payout.
type PayoutFunc func(ctx context.Context, order Order) (Receipt, error)

func (f PayoutFunc) Send(ctx context.Context, order Order) (Receipt, error) {
	return f(ctx, order)
}
