package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"voucher-service/config"
	"voucher-service/models"
)

const mtnService = "mtn-momo"

// MTNClient talks to the MTN MoMo collection API.
type MTNClient struct {
	cfg         config.MTNConfig
	baseURL     string
	callbackURL string
	client      *http.Client
	tokens      *tokenCache
	newRef      func() string
}

func NewMTNClient(cfg config.MTNConfig, callbackURL string, timeout, tokenMargin time.Duration) *MTNClient {
	return &MTNClient{
		cfg:         cfg,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		callbackURL: callbackURL,
		client:      newHTTPClient(timeout),
		tokens:      newTokenCache(tokenMargin),
		newRef:      func() string { return uuid.NewString() },
	}
}

func (m *MTNClient) Provider() models.Provider {
	return models.ProviderMTN
}

type mtnTokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   expiresIn `json:"expires_in"`
}

func (m *MTNClient) AccessToken(ctx context.Context) (string, error) {
	return m.tokens.get(ctx, m.fetchToken)
}

func (m *MTNClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(m.cfg.APIUser + ":" + m.cfg.APIKey))

	var resp mtnTokenResponse
	err := do(ctx, m.client, call{
		service:   mtnService,
		operation: "token",
		method:    http.MethodPost,
		url:       m.baseURL + "/collection/token/",
		headers: map[string]string{
			"Authorization":             "Basic " + basic,
			"Ocp-Apim-Subscription-Key": m.cfg.SubscriptionKey,
		},
	}, &resp)
	if err != nil {
		return "", 0, err
	}
	if resp.AccessToken == "" {
		return "", 0, errors.New("mtn token response has no access_token")
	}
	return resp.AccessToken, resp.ExpiresIn.duration(time.Hour), nil
}

type mtnParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type mtnRequestToPay struct {
	Amount       string   `json:"amount"`
	Currency     string   `json:"currency"`
	ExternalID   string   `json:"externalId"`
	Payer        mtnParty `json:"payer"`
	PayerMessage string   `json:"payerMessage"`
	PayeeNote    string   `json:"payeeNote"`
}

type mtnStatusResponse struct {
	Status                 string `json:"status"`
	ExternalID             string `json:"externalId"`
	FinancialTransactionID string `json:"financialTransactionId"`
	Reason                 any    `json:"reason,omitempty"`
}

// InitiatePayment sends a request-to-pay. MTN identifies the request by the
// X-Reference-Id we generate, which becomes the provider reference.
func (m *MTNClient) InitiatePayment(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*Initiation, error) {
	referenceID := m.newRef()

	headers := map[string]string{"X-Reference-Id": referenceID}
	if m.callbackURL != "" {
		headers["X-Callback-Url"] = m.callbackURL
	}

	err := m.authorized(ctx, call{
		service:   mtnService,
		operation: "initiate",
		method:    http.MethodPost,
		url:       m.baseURL + "/collection/v1_0/requesttopay",
		headers:   headers,
		body: mtnRequestToPay{
			Amount:       amount.String(),
			Currency:     m.cfg.Currency,
			ExternalID:   reference,
			Payer:        mtnParty{PartyIDType: "MSISDN", PartyID: strings.TrimPrefix(phone, "+")},
			PayerMessage: "MYQL WIFI Payment",
			PayeeNote:    "WiFi Voucher Purchase",
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	return &Initiation{ProviderRef: referenceID, Outcome: OutcomePending, RawStatus: "PENDING"}, nil
}

func (m *MTNClient) CheckStatus(ctx context.Context, providerRef string) (Outcome, error) {
	var resp mtnStatusResponse
	err := m.authorized(ctx, call{
		service:   mtnService,
		operation: "status",
		method:    http.MethodGet,
		url:       m.baseURL + "/collection/v1_0/requesttopay/" + url.PathEscape(providerRef),
	}, &resp)
	if err != nil {
		return OutcomePending, err
	}
	return NormalizeMTNStatus(resp.Status), nil
}

// ValidateCallbackSignature checks a hex HMAC-SHA256 of the body keyed with
// the configured callback secret. MTN does not sign callbacks itself, so
// without a secret every callback is accepted.
func (m *MTNClient) ValidateCallbackSignature(body []byte, signature string) bool {
	if m.cfg.CallbackSecret == "" {
		return true
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(m.cfg.CallbackSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (m *MTNClient) ParseCallback(body []byte) (*Callback, error) {
	var cb models.MTNCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, errors.Join(ErrMalformedCallback, err)
	}
	if cb.ExternalID == "" {
		return nil, ErrMalformedCallback
	}
	return &Callback{
		Reference: cb.ExternalID,
		Outcome:   NormalizeMTNStatus(cb.Status),
		RawStatus: cb.Status,
	}, nil
}

func (m *MTNClient) authorized(ctx context.Context, c call, out any) error {
	token, err := m.AccessToken(ctx)
	if err != nil {
		return err
	}
	if c.headers == nil {
		c.headers = make(map[string]string)
	}
	c.headers["Authorization"] = "Bearer " + token
	c.headers["X-Target-Environment"] = m.cfg.TargetEnv
	c.headers["Ocp-Apim-Subscription-Key"] = m.cfg.SubscriptionKey

	err = do(ctx, m.client, c, out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		m.tokens.invalidate()
	}
	return err
}
