package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"voucher-service/config"
	"voucher-service/gateway"
	"voucher-service/models"
	"voucher-service/notify"
	"voucher-service/store"
	"voucher-service/voucher"
)

type fakeGateway struct {
	provider   models.Provider
	initErr    error
	initRef    string
	initDelay  time.Duration
	pollResult gateway.Outcome
	pollErr    error
	polls      atomic.Int32
	validSig   bool
}

func (g *fakeGateway) Provider() models.Provider { return g.provider }

func (g *fakeGateway) AccessToken(context.Context) (string, error) { return "token", nil }

func (g *fakeGateway) InitiatePayment(ctx context.Context, _ string, _ decimal.Decimal, _ string) (*gateway.Initiation, error) {
	if g.initDelay > 0 {
		select {
		case <-time.After(g.initDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &gateway.Initiation{ProviderRef: g.initRef, Outcome: gateway.OutcomePending}, nil
}

func (g *fakeGateway) CheckStatus(context.Context, string) (gateway.Outcome, error) {
	g.polls.Add(1)
	return g.pollResult, g.pollErr
}

func (g *fakeGateway) ValidateCallbackSignature([]byte, string) bool { return g.validSig }

func (g *fakeGateway) ParseCallback(body []byte) (*gateway.Callback, error) {
	// body is "reference|status"
	ref, status, ok := strings.Cut(string(body), "|")
	if !ok || ref == "" {
		return nil, gateway.ErrMalformedCallback
	}
	return &gateway.Callback{Reference: ref, Outcome: gateway.NormalizeAirtelStatus(status), RawStatus: status}, nil
}

type smsProvider struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (p *smsProvider) Name() string { return "fake_sms" }

func (p *smsProvider) Send(_ context.Context, phone, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, message)
	return p.err
}

func (p *smsProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

type harness struct {
	svc    *PaymentService
	store  *store.MemoryStore
	airtel *fakeGateway
	mtn    *fakeGateway
	sms    *smsProvider
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutPackage(models.Package{ID: 1, Name: "Daily", DurationHours: 24, PriceAmount: decimal.NewFromInt(1000), IsActive: true})
	s.PutPackage(models.Package{ID: 2, Name: "Retired", DurationHours: 1, PriceAmount: decimal.NewFromInt(100), IsActive: false})

	h := &harness{
		store:  s,
		airtel: &fakeGateway{provider: models.ProviderAirtel, initRef: "AT-REF-1", pollResult: gateway.OutcomePending, validSig: true},
		mtn:    &fakeGateway{provider: models.ProviderMTN, initRef: "MTN-REF-1", pollResult: gateway.OutcomePending, validSig: true},
		sms:    &smsProvider{},
	}
	chain := notify.NewChain(s, notify.Entry{Provider: h.sms, Priority: 1})
	h.svc = NewPaymentService(
		otel.Tracer("test"),
		s,
		gateway.NewRegistry(h.airtel, h.mtn),
		voucher.NewIssuer(s, nil, 5),
		chain,
		Options{InitiateTimeout: time.Second, RequireCallbackSignature: true},
	)
	return h
}

func (h *harness) initiate(t *testing.T) *models.InitiatePaymentResponse {
	t.Helper()
	resp, err := h.svc.Initiate(context.Background(), &models.InitiatePaymentRequest{
		PhoneNumber: "+256700000001",
		PackageID:   1,
		Provider:    "airtel",
	})
	require.NoError(t, err)
	return resp
}

func TestInitiate_ThenSuccessIssuesOneVoucherAndOneSMS(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp := h.initiate(t)
	assert.Equal(t, models.PaymentPending, resp.Status)
	assert.True(t, strings.HasPrefix(resp.TransactionID, "MYQL-"))
	assert.True(t, resp.Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "Daily", resp.Package)

	res, err := h.svc.OnOutcome(ctx, resp.TransactionID, gateway.OutcomeSuccess)
	require.NoError(t, err)
	assert.True(t, res.Transitioned)
	assert.Equal(t, models.PaymentCompleted, res.Status)
	require.NotNil(t, res.Voucher)
	assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{8}$`), res.Voucher.Code)
	assert.Equal(t, 24*time.Hour, res.Voucher.ExpiresAt.Sub(res.Voucher.IssuedAt))
	require.NotNil(t, res.Notification)
	assert.Equal(t, models.NotificationSent, res.Notification.Outcome)

	payment, err := h.store.FindPaymentByTransactionID(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, payment.Status)
	assert.Equal(t, "AT-REF-1", payment.ProviderReference)

	assert.Len(t, h.store.Vouchers(), 1)
	require.Equal(t, 1, h.sms.count())
	assert.Contains(t, h.sms.sent[0], res.Voucher.Code)
	assert.Contains(t, h.sms.sent[0], "Daily")
}

func TestOnOutcome_ProviderReferenceMatches(t *testing.T) {
	h := newHarness(t)
	resp := h.initiate(t)

	res, err := h.svc.OnOutcome(context.Background(), "AT-REF-1", gateway.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionID, res.TransactionID)
	assert.True(t, res.Transitioned)
}

func TestOnOutcome_RedeliveryIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	resp := h.initiate(t)

	_, err := h.svc.OnOutcome(ctx, resp.TransactionID, gateway.OutcomeSuccess)
	require.NoError(t, err)

	again, err := h.svc.OnOutcome(ctx, resp.TransactionID, gateway.OutcomeSuccess)
	require.NoError(t, err)
	assert.False(t, again.Transitioned)
	assert.Equal(t, models.PaymentCompleted, again.Status)

	late, err := h.svc.OnOutcome(ctx, resp.TransactionID, gateway.OutcomeFailure)
	require.NoError(t, err)
	assert.False(t, late.Transitioned)
	assert.Equal(t, models.PaymentCompleted, late.Status)

	assert.Len(t, h.store.Vouchers(), 1)
	assert.Equal(t, 1, h.sms.count())
}

func TestOnOutcome_ConcurrentDeliveriesIssueOnce(t *testing.T) {
	h := newHarness(t)
	resp := h.initiate(t)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.OnOutcome(context.Background(), resp.TransactionID, gateway.OutcomeSuccess)
			if assert.NoError(t, err) && res.Transitioned {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
	assert.Len(t, h.store.Vouchers(), 1)
	assert.Equal(t, 1, h.sms.count())
}

func TestOnOutcome_FailureHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	resp := h.initiate(t)

	res, err := h.svc.OnOutcome(context.Background(), resp.TransactionID, gateway.OutcomeFailure)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, res.Status)
	assert.Nil(t, res.Voucher)
	assert.Empty(t, h.store.Vouchers())
	assert.Zero(t, h.sms.count())
}

func TestOnOutcome_PendingLeavesPaymentAlone(t *testing.T) {
	h := newHarness(t)
	resp := h.initiate(t)

	res, err := h.svc.OnOutcome(context.Background(), resp.TransactionID, gateway.OutcomePending)
	require.NoError(t, err)
	assert.False(t, res.Transitioned)
	assert.Equal(t, models.PaymentPending, res.Status)
}

func TestOnOutcome_UnknownReference(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.OnOutcome(context.Background(), "MYQL-nope", gateway.OutcomeSuccess)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOnOutcome_AllSMSFailStillCompletes(t *testing.T) {
	h := newHarness(t)
	h.sms.err = errors.New("provider down")
	resp := h.initiate(t)

	res, err := h.svc.OnOutcome(context.Background(), resp.TransactionID, gateway.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, res.Status)
	require.NotNil(t, res.Voucher)
	require.NotNil(t, res.Notification)
	assert.Equal(t, models.NotificationFailed, res.Notification.Outcome)
	assert.Len(t, res.Notification.Errors, 1)

	attempts := h.store.Attempts()
	require.Len(t, attempts, 1)
	assert.NotContains(t, attempts[0].Message, res.Voucher.Code)
}

func TestOnOutcome_DeletedPackageKeepsPaymentCompleted(t *testing.T) {
	h := newHarness(t)
	resp := h.initiate(t)
	h.store.DeletePackage(1)

	res, err := h.svc.OnOutcome(context.Background(), resp.TransactionID, gateway.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, res.Status)
	assert.ErrorIs(t, res.VoucherErr, voucher.ErrPackageNotFound)
	assert.Empty(t, h.store.Vouchers())
	assert.Zero(t, h.sms.count())

	payment, err := h.store.FindPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, payment.Status)
}

func TestInitiate_GatewayFailureMarksPaymentFailed(t *testing.T) {
	h := newHarness(t)
	h.airtel.initErr = errors.New("connection refused")

	_, err := h.svc.Initiate(context.Background(), &models.InitiatePaymentRequest{
		PhoneNumber: "0700000001", PackageID: 1, Provider: "AIRTEL",
	})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	payments := h.store.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentFailed, payments[0].Status)
	assert.Equal(t, "+256700000001", payments[0].CustomerPhone)
}

func TestInitiate_TimeoutMarksPaymentFailed(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.InitiateTimeout = 20 * time.Millisecond
	h.mtn.initDelay = time.Second

	_, err := h.svc.Initiate(context.Background(), &models.InitiatePaymentRequest{
		PhoneNumber: "+256770000001", PackageID: 1, Provider: "mtn",
	})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	payments := h.store.Payments()
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentFailed, payments[0].Status)
}

func TestInitiate_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Initiate(ctx, &models.InitiatePaymentRequest{PhoneNumber: "+256700000001", PackageID: 1, Provider: "paypal"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.Initiate(ctx, &models.InitiatePaymentRequest{PhoneNumber: "12345", PackageID: 1, Provider: "airtel"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.Initiate(ctx, &models.InitiatePaymentRequest{PhoneNumber: "+256700000001", PackageID: 99, Provider: "airtel"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Initiate(ctx, &models.InitiatePaymentRequest{PhoneNumber: "+256700000001", PackageID: 2, Provider: "airtel"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Empty(t, h.store.Payments())
}

func TestCheckStatus_PollsOnceWhilePending(t *testing.T) {
	h := newHarness(t)
	resp := h.initiate(t)

	status, err := h.svc.CheckStatus(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, status.Status)
	assert.Equal(t, "Daily", status.PackageName)
	assert.Equal(t, int32(1), h.airtel.polls.Load())

	h.airtel.pollResult = gateway.OutcomeSuccess
	status, err = h.svc.CheckStatus(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, status.Status)
	assert.Equal(t, int32(2), h.airtel.polls.Load())
	assert.Len(t, h.store.Vouchers(), 1)

	// Terminal payments are not polled again.
	_, err = h.svc.CheckStatus(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), h.airtel.polls.Load())
}

func TestCheckStatus_PollErrorStaysPending(t *testing.T) {
	h := newHarness(t)
	h.airtel.pollErr = errors.New("timeout")
	resp := h.initiate(t)

	status, err := h.svc.CheckStatus(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, status.Status)
}

func TestCheckStatus_Unknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CheckStatus(context.Background(), "MYQL-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHandleCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	resp := h.initiate(t)

	assert.ErrorIs(t, h.svc.HandleCallback(ctx, "orange", []byte("x|success"), "sig"), ErrInvalidInput)
	assert.ErrorIs(t, h.svc.HandleCallback(ctx, "airtel", []byte("garbage"), "sig"), ErrInvalidInput)

	h.airtel.validSig = false
	assert.ErrorIs(t, h.svc.HandleCallback(ctx, "airtel", []byte(resp.TransactionID+"|success"), "bad"), ErrInvalidSignature)
	h.airtel.validSig = true

	// Unknown transactions are acknowledged.
	assert.NoError(t, h.svc.HandleCallback(ctx, "airtel", []byte("MYQL-unknown|success"), "sig"))

	require.NoError(t, h.svc.HandleCallback(ctx, "airtel", []byte(resp.TransactionID+"|success"), "sig"))
	require.NoError(t, h.svc.HandleCallback(ctx, "airtel", []byte(resp.TransactionID+"|success"), "sig"))

	assert.Len(t, h.store.Vouchers(), 1)
	assert.Equal(t, 1, h.sms.count())
}

func TestResendVoucher(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	resp := h.initiate(t)

	_, err := h.svc.ResendVoucher(ctx, resp.TransactionID)
	assert.ErrorIs(t, err, ErrInvalidInput, "pending payments have no voucher")

	_, err = h.svc.OnOutcome(ctx, resp.TransactionID, gateway.OutcomeSuccess)
	require.NoError(t, err)

	res, err := h.svc.ResendVoucher(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, res.Outcome)
	assert.Equal(t, 2, h.sms.count())
	assert.Equal(t, h.sms.sent[0], h.sms.sent[1])
	assert.Len(t, h.store.Vouchers(), 1)
}

func TestInitiate_CancelledCallerStillMarksPaymentFailed(t *testing.T) {
	db, err := store.Open("sqlite", "file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	require.NoError(t, store.Migrate(db))
	_, err = store.SeedPackages(context.Background(), db)
	require.NoError(t, err)

	gs := store.NewGormStore(db)
	slow := &fakeGateway{provider: models.ProviderAirtel, initDelay: 5 * time.Second}
	svc := NewPaymentService(otel.Tracer("test"), gs, gateway.NewRegistry(slow),
		voucher.NewIssuer(gs, nil, 5), notify.NewChain(gs),
		Options{InitiateTimeout: 10 * time.Second})
	svc.newTransactionID = func() string { return "MYQL-disconnected" }

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err = svc.Initiate(ctx, &models.InitiatePaymentRequest{
		PhoneNumber: "+256700000001", PackageID: 1, Provider: "airtel",
	})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	payment, err := gs.FindPaymentByTransactionID(context.Background(), "MYQL-disconnected")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, payment.Status)
}

type flakyIssuer struct {
	VoucherIssuer
	failures int
}

func (f *flakyIssuer) Issue(ctx context.Context, payment *models.Payment) (*voucher.Issuance, error) {
	if f.failures > 0 {
		f.failures--
		return nil, voucher.ErrCodeGenerationExhausted
	}
	return f.VoucherIssuer.Issue(ctx, payment)
}

func TestResendVoucher_IssuesVoucherMissedAtCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.svc.issuer = &flakyIssuer{VoucherIssuer: h.svc.issuer, failures: 1}
	resp := h.initiate(t)

	res, err := h.svc.OnOutcome(ctx, resp.TransactionID, gateway.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, res.Status)
	assert.ErrorIs(t, res.VoucherErr, voucher.ErrCodeGenerationExhausted)
	assert.Empty(t, h.store.Vouchers())
	assert.Equal(t, 0, h.sms.count())

	sent, err := h.svc.ResendVoucher(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, models.NotificationSent, sent.Outcome)

	vouchers := h.store.Vouchers()
	require.Len(t, vouchers, 1)
	require.Equal(t, 1, h.sms.count())
	assert.Contains(t, h.sms.sent[0], vouchers[0].Code)
	assert.Contains(t, h.sms.sent[0], "Daily")

	// A second resend reuses the voucher.
	_, err = h.svc.ResendVoucher(ctx, resp.TransactionID)
	require.NoError(t, err)
	assert.Len(t, h.store.Vouchers(), 1)
}

func TestHandleCallback_UnsignedAirtelCallbackCompletesPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	airtel := gateway.NewAirtelClient(config.AirtelConfig{ClientSecret: "secret"}, "", time.Second, time.Minute)
	h.svc.gateways = gateway.NewRegistry(airtel, h.mtn)

	s := h.store
	payment := &models.Payment{
		TransactionID: "MYQL-airtel-1",
		CustomerPhone: "+256700000001",
		Provider:      models.ProviderAirtel,
		PackageID:     1,
		Amount:        decimal.NewFromInt(1000),
		Status:        models.PaymentPending,
	}
	require.NoError(t, s.CreatePayment(ctx, payment))

	body := []byte(`{"transaction_id":"MYQL-airtel-1","status":"TS"}`)
	require.NoError(t, h.svc.HandleCallback(ctx, "airtel", body, ""))

	stored, err := s.FindPaymentByTransactionID(ctx, "MYQL-airtel-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, stored.Status)
	assert.Len(t, s.Vouchers(), 1)
}
