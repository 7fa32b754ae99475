// Package billing reports metered minutes to the payment processor.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/warmlinelabs/warmline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrReportFailed = errors.New("usage_report_failed")

// UsageReporter pushes billable minutes to the processor's metered-usage
// interface. Delivery is at-least-once: callers retry on error and mark the
// ledger entry reported only after success.
type UsageReporter interface {
	ReportMinutes(ctx context.Context, processorCustomerID string, minutes int64, idempotencyKey string) error
}

type stripeMeterEventResponse struct {
	Identifier string `json:"identifier"`
}

// StripeReporter posts billing meter events to the Stripe API.
type StripeReporter struct {
	apiKey string
	log    *zap.Logger
	client *http.Client
}

type StripeParams struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func NewStripeReporter(p StripeParams) UsageReporter {
	return &StripeReporter{
		apiKey: strings.TrimSpace(p.Cfg.Billing.StripeAPIKey),
		log:    p.Log.Named("billing.stripe"),
		client: &http.Client{Timeout: 12 * time.Second},
	}
}

func (r *StripeReporter) ReportMinutes(ctx context.Context, processorCustomerID string, minutes int64, idempotencyKey string) error {
	if strings.TrimSpace(processorCustomerID) == "" {
		return fmt.Errorf("%w: missing processor customer id", ErrReportFailed)
	}

	values := url.Values{}
	values.Set("event_name", "call_minutes")
	values.Set("identifier", idempotencyKey)
	values.Set("payload[stripe_customer_id]", processorCustomerID)
	values.Set("payload[value]", strconv.FormatInt(minutes, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.stripe.com/v1/billing/meter_events", strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(r.apiKey, "")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReportFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		r.log.Warn("metered usage report rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("idempotency_key", idempotencyKey))
		return fmt.Errorf("%w: http %d", ErrReportFailed, resp.StatusCode)
	}

	var out stripeMeterEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: %v", ErrReportFailed, err)
	}
	return nil
}

var Module = fx.Module("billing",
	fx.Provide(NewStripeReporter),
)
