package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"voucher-service/config"
	"voucher-service/monitoring"
)

var ErrNotConfigured = errors.New("sms provider credentials not configured")

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}

// send executes req and returns the body of a 2xx response.
func send(ctx context.Context, client *http.Client, service string, req *http.Request) ([]byte, error) {
	start := time.Now()
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		monitoring.RecordExternalCall(ctx, service, "send_sms", "error", start)
		return nil, fmt.Errorf("failed to call %s: %w", service, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		monitoring.RecordExternalCall(ctx, service, "send_sms", "failed", start)
		return nil, fmt.Errorf("%s returned status %d: %s", service, resp.StatusCode, truncate(string(body), 200))
	}

	monitoring.RecordExternalCall(ctx, service, "send_sms", "success", start)
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// AfricasTalking sends SMS through the Africa's Talking messaging API.
type AfricasTalking struct {
	cfg      config.AfricasTalkingConfig
	senderID string
	client   *http.Client
}

func NewAfricasTalking(cfg config.AfricasTalkingConfig, senderID string, timeout time.Duration) *AfricasTalking {
	return &AfricasTalking{cfg: cfg, senderID: senderID, client: newHTTPClient(timeout)}
}

func (a *AfricasTalking) Name() string { return "africas_talking" }

type atResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			Number     string `json:"number"`
			Status     string `json:"status"`
			StatusCode int    `json:"statusCode"`
			MessageID  string `json:"messageId"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

func (a *AfricasTalking) Send(ctx context.Context, phone, message string) error {
	if a.cfg.Username == "" || a.cfg.APIKey == "" {
		return ErrNotConfigured
	}

	form := url.Values{
		"username": {a.cfg.Username},
		"to":       {phone},
		"message":  {message},
	}
	if a.senderID != "" {
		form.Set("from", a.senderID)
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(a.cfg.BaseURL, "/")+"/version1/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", a.cfg.APIKey)

	body, err := send(ctx, a.client, a.Name(), req)
	if err != nil {
		return err
	}

	var resp atResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("africas_talking: unreadable response: %w", err)
	}
	for _, r := range resp.SMSMessageData.Recipients {
		if r.Status == "Success" {
			return nil
		}
	}
	return fmt.Errorf("africas_talking: message not accepted: %s", resp.SMSMessageData.Message)
}

// Twilio sends SMS through the Twilio Messages API.
type Twilio struct {
	cfg    config.TwilioConfig
	client *http.Client
}

func NewTwilio(cfg config.TwilioConfig, timeout time.Duration) *Twilio {
	return &Twilio{cfg: cfg, client: newHTTPClient(timeout)}
}

func (t *Twilio) Name() string { return "twilio" }

func (t *Twilio) Send(ctx context.Context, phone, message string) error {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" || t.cfg.FromNumber == "" {
		return ErrNotConfigured
	}

	form := url.Values{
		"To":   {phone},
		"From": {t.cfg.FromNumber},
		"Body": {message},
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(t.cfg.BaseURL, "/"), url.PathEscape(t.cfg.AccountSID))

	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err = send(ctx, t.client, t.Name(), req)
	return err
}

// MessageBird sends SMS through the MessageBird REST API.
type MessageBird struct {
	cfg    config.MessageBirdConfig
	client *http.Client
}

func NewMessageBird(cfg config.MessageBirdConfig, timeout time.Duration) *MessageBird {
	return &MessageBird{cfg: cfg, client: newHTTPClient(timeout)}
}

func (m *MessageBird) Name() string { return "messagebird" }

func (m *MessageBird) Send(ctx context.Context, phone, message string) error {
	if m.cfg.AccessKey == "" {
		return ErrNotConfigured
	}

	payload, err := json.Marshal(map[string]any{
		"recipients": []string{phone},
		"originator": m.cfg.Originator,
		"body":       message,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(m.cfg.BaseURL, "/")+"/messages", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "AccessKey "+m.cfg.AccessKey)
	req.Header.Set("Content-Type", "application/json")

	_, err = send(ctx, m.client, m.Name(), req)
	return err
}

// FromConfig builds the chain entries for every SMS provider in cfg.
func FromConfig(cfg config.SMSConfig, timeout time.Duration) []Entry {
	return []Entry{
		{Provider: NewAfricasTalking(cfg.AfricasTalking, cfg.SenderID, timeout), Priority: cfg.AfricasTalking.Priority},
		{Provider: NewTwilio(cfg.Twilio, timeout), Priority: cfg.Twilio.Priority},
		{Provider: NewMessageBird(cfg.MessageBird, timeout), Priority: cfg.MessageBird.Priority},
	}
}
