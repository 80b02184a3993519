package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"voucher-service/models"
)

// Outcome is the provider-independent result of a payment.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

var ErrMalformedCallback = errors.New("malformed callback body")

// Initiation is what a provider returns when it accepts a payment push.
type Initiation struct {
	// ProviderRef is the provider's own id for the request. It may be empty
	// when the provider only knows our reference.
	ProviderRef string
	Outcome     Outcome
	RawStatus   string
}

// Callback is a decoded provider notification.
type Callback struct {
	Reference string
	Outcome   Outcome
	RawStatus string
}

// Gateway is the uniform surface over one mobile money provider.
type Gateway interface {
	Provider() models.Provider
	AccessToken(ctx context.Context) (string, error)
	// InitiatePayment asks the customer to approve a charge. reference is
	// unique per attempt and comes back in callbacks.
	InitiatePayment(ctx context.Context, phone string, amount decimal.Decimal, reference string) (*Initiation, error)
	CheckStatus(ctx context.Context, providerRef string) (Outcome, error)
	ValidateCallbackSignature(body []byte, signature string) bool
	ParseCallback(body []byte) (*Callback, error)
}

// Registry selects a Gateway by provider.
type Registry map[models.Provider]Gateway

func NewRegistry(gateways ...Gateway) Registry {
	r := make(Registry, len(gateways))
	for _, g := range gateways {
		r[g.Provider()] = g
	}
	return r
}

func (r Registry) Get(p models.Provider) (Gateway, bool) {
	g, ok := r[p]
	return g, ok
}

// newHTTPClient returns an instrumented client for provider calls.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   timeout,
	}
}
