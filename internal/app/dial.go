package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/parlancehq/parlance/internal/config"
)

// twilioAPIBase is the carrier REST endpoint.
const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// dialTimeout bounds one REST request to the carrier.
const dialTimeout = 10 * time.Second

// Dialer places and ends carrier phone calls. The control plane uses it for
// the outbound leg; tests inject a fake.
type Dialer interface {
	// Dial places an outbound call to number and returns the carrier call id.
	// The carrier fetches TwiML from the webhook URL once the recipient
	// answers, which connects the media stream back to this server.
	Dial(ctx context.Context, number, callID string) (string, error)

	// Hangup asks the carrier to end the call.
	Hangup(ctx context.Context, carrierCallID string) error
}

// TwilioDialer drives the carrier REST API directly.
type TwilioDialer struct {
	accountSID string
	authToken  string
	fromNumber string
	publicURL  string
	client     *http.Client
	log        *slog.Logger
}

var _ Dialer = (*TwilioDialer)(nil)

// NewTwilioDialer builds a dialer from the telephony config. publicURL is the
// externally reachable base URL used for the webhook and status callback.
func NewTwilioDialer(cfg config.TelephonyConfig, publicURL string, log *slog.Logger) (*TwilioDialer, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("app: telephony account_sid and auth_token are required")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("app: telephony from_number is required")
	}
	if publicURL == "" {
		return nil, fmt.Errorf("app: server public_url is required for outbound dialing")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TwilioDialer{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		fromNumber: cfg.FromNumber,
		publicURL:  strings.TrimSuffix(publicURL, "/"),
		client:     &http.Client{Timeout: dialTimeout},
		log:        log.With("component", "dialer"),
	}, nil
}

// Dial creates the outbound call. The status callback subscribes to the full
// lifecycle so a recipient hangup reaches the control plane even when the
// media stream never opened.
func (d *TwilioDialer) Dial(ctx context.Context, number, callID string) (string, error) {
	form := url.Values{}
	form.Set("To", number)
	form.Set("From", d.fromNumber)
	form.Set("Url", d.publicURL+"/twilio/webhook/"+callID)
	form.Set("StatusCallback", d.publicURL+"/twilio/status/"+callID)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}

	var created struct {
		Sid string `json:"sid"`
	}
	if err := d.post(ctx, "/Calls.json", form, &created); err != nil {
		return "", fmt.Errorf("app: dial %s: %w", callID, err)
	}
	d.log.Info("outbound call created", "call_id", callID, "carrier_sid", created.Sid)
	return created.Sid, nil
}

// Hangup completes the call on the carrier side. A call that already ended
// is not an error.
func (d *TwilioDialer) Hangup(ctx context.Context, carrierCallID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	if err := d.post(ctx, "/Calls/"+carrierCallID+".json", form, nil); err != nil {
		return fmt.Errorf("app: hangup %s: %w", carrierCallID, err)
	}
	return nil
}

func (d *TwilioDialer) post(ctx context.Context, path string, form url.Values, out any) error {
	endpoint := twilioAPIBase + "/Accounts/" + d.accountSID + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(d.accountSID, d.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("carrier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode carrier response: %w", err)
		}
	}
	return nil
}
