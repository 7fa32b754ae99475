// Package notify delivers structured payloads to the notification layer over
// an internal authenticated HTTP call. A non-2xx response means "retry
// later", never "sent".
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/warmlinelabs/warmline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrDeliveryFailed = errors.New("notification_delivery_failed")

// MissedCallNotice is emitted when a line crosses the consecutive-miss
// threshold.
type MissedCallNotice struct {
	AccountID         string    `json:"account_id"`
	LineID            string    `json:"line_id"`
	LineName          string    `json:"line_name"`
	ConsecutiveMisses int       `json:"consecutive_misses"`
	LastAttemptAt     time.Time `json:"last_attempt_at"`
}

// WeeklySummary aggregates a week of call activity for one account.
type WeeklySummary struct {
	AccountID      string    `json:"account_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	CallsCompleted int       `json:"calls_completed"`
	CallsMissed    int       `json:"calls_missed"`
	MinutesBilled  int64     `json:"minutes_billed"`
}

type Notifier interface {
	MissedCall(ctx context.Context, notice MissedCallNotice) error
	WeeklySummary(ctx context.Context, summary WeeklySummary) error
}

type Client struct {
	baseURL string
	secret  string
	log     *zap.Logger
	client  *http.Client
}

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func NewClient(p Params) Notifier {
	return &Client{
		baseURL: strings.TrimRight(p.Cfg.Notify.BaseURL, "/"),
		secret:  p.Cfg.Notify.Secret,
		log:     p.Log.Named("notify.client"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) MissedCall(ctx context.Context, notice MissedCallNotice) error {
	return c.post(ctx, "/internal/notifications/missed-call", notice)
}

func (c *Client) WeeklySummary(ctx context.Context, summary WeeklySummary) error {
	return c.post(ctx, "/internal/notifications/weekly-summary", summary)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Secret", c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.log.Warn("notification rejected",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return fmt.Errorf("%w: http %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

var Module = fx.Module("notify",
	fx.Provide(NewClient),
)
