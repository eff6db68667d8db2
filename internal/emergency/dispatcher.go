package emergency

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hyperengineering/reliefsync/internal/types"
	"github.com/sethvargo/go-retry"
)

// ErrNotConfigured is returned when a dispatcher is missing credentials.
var ErrNotConfigured = errors.New("dispatcher not configured")

// Dispatcher places an emergency call.
type Dispatcher interface {
	Dispatch(ctx context.Context, req types.CallRequest) error
}

// LogDispatcher logs calls instead of placing them. Used in development.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, req types.CallRequest) error {
	slog.Info("emergency call (log dispatcher)",
		"component", "emergency",
		"contact_phone", req.ContactPhone,
		"caller_id", req.CallerID,
		"message", req.Message,
	)
	return nil
}

const defaultTwilioBaseURL = "https://api.twilio.com"

// TwilioConfig configures TwilioDispatcher.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string // defaults to the public Twilio API

	// TransportRetries re-sends a request only when Twilio cannot have
	// created the call: a failed dial, or a 429/503 answer. Zero leaves all
	// retrying to the queue.
	TransportRetries int
	RetryDelay       time.Duration
}

// TwilioDispatcher places calls through the Twilio REST API. Creating a
// call is not idempotent, so a failure after the request may have been
// received (timeouts, other 5xx) is returned without a resend.
type TwilioDispatcher struct {
	cfg    TwilioConfig
	client *http.Client
}

// NewTwilioDispatcher validates cfg and returns a dispatcher. A nil client
// uses a client with a 15s timeout.
func NewTwilioDispatcher(cfg TwilioConfig, client *http.Client) (*TwilioDispatcher, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio: %w", ErrNotConfigured)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTwilioBaseURL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.TransportRetries < 0 {
		cfg.TransportRetries = 0
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &TwilioDispatcher{cfg: cfg, client: client}, nil
}

func (d *TwilioDispatcher) Dispatch(ctx context.Context, req types.CallRequest) error {
	form := url.Values{}
	form.Set("To", req.ContactPhone)
	form.Set("From", d.cfg.FromNumber)
	form.Set("Twiml", twiml(req))
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Calls.json",
		strings.TrimRight(d.cfg.BaseURL, "/"), url.PathEscape(d.cfg.AccountSID))

	backoff := retry.WithMaxRetries(uint64(d.cfg.TransportRetries), retry.NewConstant(d.cfg.RetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return fmt.Errorf("build twilio request: %w", err)
		}
		httpReq.SetBasicAuth(d.cfg.AccountSID, d.cfg.AuthToken)
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := d.client.Do(httpReq)
		if err != nil {
			err = fmt.Errorf("twilio request: %w", err)
			if notSent(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
			return retry.RetryableError(fmt.Errorf("twilio: status %d: %s", resp.StatusCode, body))
		case resp.StatusCode >= 300:
			return fmt.Errorf("twilio: status %d: %s", resp.StatusCode, body)
		}
		return nil
	})
}

// notSent reports whether err happened while connecting, before any of the
// request could be written.
func notSent(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

// twiml renders the spoken message for a call.
func twiml(req types.CallRequest) string {
	caller := req.CallerID
	if caller == "" {
		caller = "a reliefsync user"
	}
	msg := fmt.Sprintf("Emergency call from %s. %s", caller, req.Message)
	if req.Location != nil && req.Location.Address != "" {
		msg += " Location: " + req.Location.Address + "."
	}

	var b strings.Builder
	b.WriteString(`<Response><Say voice="alice">`)
	xml.EscapeText(&b, []byte(msg))
	b.WriteString(`</Say><Pause length="2"/><Say voice="alice">This is an automated emergency notification. Please respond immediately.</Say></Response>`)
	return b.String()
}
