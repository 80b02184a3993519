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

	"github.com/shopspring/decimal"

	"voucher-service/config"
	"voucher-service/models"
)

const airtelService = "airtel-money"

// AirtelClient talks to the Airtel Money merchant API.
type AirtelClient struct {
	cfg         config.AirtelConfig
	baseURL     string
	callbackURL string
	client      *http.Client
	tokens      *tokenCache
}

// NewAirtelClient creates an Airtel client. callbackURL is where Airtel
// posts payment results.
func NewAirtelClient(cfg config.AirtelConfig, callbackURL string, timeout, tokenMargin time.Duration) *AirtelClient {
	return &AirtelClient{
		cfg:         cfg,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		callbackURL: callbackURL,
		client:      newHTTPClient(timeout),
		tokens:      newTokenCache(tokenMargin),
	}
}

func (a *AirtelClient) Provider() models.Provider {
	return models.ProviderAirtel
}

type airtelTokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   expiresIn `json:"expires_in"`
}

func (a *AirtelClient) AccessToken(ctx context.Context) (string, error) {
	return a.tokens.get(ctx, a.fetchToken)
}

func (a *AirtelClient) fetchToken(ctx context.Context) (string, time.Duration, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(a.cfg.ClientID + ":" + a.cfg.ClientSecret))

	var resp airtelTokenResponse
	err := do(ctx, a.client, call{
		service:   airtelService,
		operation: "token",
		method:    http.MethodPost,
		url:       a.baseURL + "/auth/oauth2/token",
		headers:   map[string]string{"Authorization": "Basic " + basic},
		body: map[string]string{
			"client_id":     a.cfg.ClientID,
			"client_secret": a.cfg.ClientSecret,
			"grant_type":    "client_credentials",
		},
	}, &resp)
	if err != nil {
		return "", 0, err
	}
	if resp.AccessToken == "" {
		return "", 0, errors.New("airtel token response has no access_token")
	}
	return resp.AccessToken, resp.ExpiresIn.duration(time.Hour), nil
}

type airtelPaymentRequest struct {
	SubscriberMSISDN string `json:"subscriber_msisdn"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Country          string `json:"country"`
	Reference        string `json:"reference"`
	CallbackURL      string `json:"callback_url"`
}

type airtelPaymentResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

func (a *AirtelClient) InitiatePayment(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*Initiation, error) {
	var resp airtelPaymentResponse
	err := a.authorized(ctx, call{
		service:   airtelService,
		operation: "initiate",
		method:    http.MethodPost,
		url:       a.baseURL + "/merchant/v1/payments/",
		body: airtelPaymentRequest{
			SubscriberMSISDN: phone,
			Amount:           amount.String(),
			Currency:         a.cfg.Currency,
			Country:          a.cfg.Country,
			Reference:        reference,
			CallbackURL:      a.callbackURL,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &Initiation{
		ProviderRef: resp.TransactionID,
		Outcome:     NormalizeAirtelStatus(resp.Status),
		RawStatus:   resp.Status,
	}, nil
}

func (a *AirtelClient) CheckStatus(ctx context.Context, providerRef string) (Outcome, error) {
	var resp airtelPaymentResponse
	err := a.authorized(ctx, call{
		service:   airtelService,
		operation: "status",
		method:    http.MethodGet,
		url:       a.baseURL + "/merchant/v1/payments/" + url.PathEscape(providerRef),
	}, &resp)
	if err != nil {
		return OutcomePending, err
	}
	return NormalizeAirtelStatus(resp.Status), nil
}

// ValidateCallbackSignature checks a hex HMAC-SHA256 of the raw body keyed
// with the configured callback secret. Airtel does not sign callbacks by
// default, so without a secret every callback is accepted.
func (a *AirtelClient) ValidateCallbackSignature(body []byte, signature string) bool {
	if a.cfg.CallbackSecret == "" {
		return true
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.cfg.CallbackSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (a *AirtelClient) ParseCallback(body []byte) (*Callback, error) {
	var cb models.AirtelCallback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, errors.Join(ErrMalformedCallback, err)
	}
	if cb.TransactionID == "" {
		return nil, ErrMalformedCallback
	}
	return &Callback{
		Reference: cb.TransactionID,
		Outcome:   NormalizeAirtelStatus(cb.Status),
		RawStatus: cb.Status,
	}, nil
}

// authorized attaches a bearer token and the Airtel market headers. A 401
// drops the cached token so the next call fetches a fresh one.
func (a *AirtelClient) authorized(ctx context.Context, c call, out any) error {
	token, err := a.AccessToken(ctx)
	if err != nil {
		return err
	}
	c.headers = map[string]string{
		"Authorization": "Bearer " + token,
		"X-Country":     a.cfg.Country,
		"X-Currency":    a.cfg.Currency,
	}

	err = do(ctx, a.client, c, out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized {
		a.tokens.invalidate()
	}
	return err
}
