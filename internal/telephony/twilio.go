package telephony

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/warmlinelabs/warmline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type twilioCallResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// TwilioProvider talks to the Twilio-compatible REST voice API.
type TwilioProvider struct {
	baseURL    string
	accountSID string
	authToken  string
	log        *zap.Logger
	client     *http.Client
}

type TwilioParams struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

func NewTwilioProvider(p TwilioParams) Provider {
	return &TwilioProvider{
		baseURL:    strings.TrimRight(p.Cfg.Telephony.BaseURL, "/"),
		accountSID: p.Cfg.Telephony.AccountSID,
		authToken:  p.Cfg.Telephony.AuthToken,
		log:        p.Log.Named("telephony.twilio"),
		client:     &http.Client{Timeout: 12 * time.Second},
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	values := url.Values{}
	values.Set("To", req.To)
	values.Set("From", req.From)
	values.Set("StatusCallback", req.StatusCallbackURL)
	values.Set("StatusCallbackEvent", "ringing answered completed")
	values.Set("MachineDetection", "Enable")

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json", p.baseURL, p.accountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return PlaceCallResult{}, err
	}
	httpReq.SetBasicAuth(p.accountSID, p.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrPlacementFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		p.log.Warn("call placement rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("session_id", req.SessionID))
		return PlaceCallResult{}, fmt.Errorf("%w: http %d", ErrPlacementFailed, resp.StatusCode)
	}

	var out twilioCallResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlaceCallResult{}, fmt.Errorf("%w: %v", ErrPlacementFailed, err)
	}
	if strings.TrimSpace(out.SID) == "" {
		return PlaceCallResult{}, fmt.Errorf("%w: empty call sid", ErrPlacementFailed)
	}
	return PlaceCallResult{ProviderCallSID: out.SID}, nil
}

func (p *TwilioProvider) DeleteRecording(ctx context.Context, recordingSID string) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Recordings/%s.json", p.baseURL, p.accountSID, url.PathEscape(recordingSID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	httpReq.SetBasicAuth(p.accountSID, p.authToken)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeletionFailed, err)
	}
	defer resp.Body.Close()

	// Already gone counts as deleted.
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: http %d", ErrDeletionFailed, resp.StatusCode)
	}
	return nil
}

func (p *TwilioProvider) ExportRecording(ctx context.Context, recordingSID, destination string) error {
	values := url.Values{}
	values.Set("Destination", destination)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Recordings/%s/Export.json", p.baseURL, p.accountSID, url.PathEscape(recordingSID))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return err
	}
	httpReq.SetBasicAuth(p.accountSID, p.authToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: http %d", ErrExportFailed, resp.StatusCode)
	}
	return nil
}

var Module = fx.Module("telephony",
	fx.Provide(NewTwilioProvider),
)
