package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"voucher-service/gateway"
	"voucher-service/logging"
	"voucher-service/models"
	"voucher-service/monitoring"
	"voucher-service/notify"
	"voucher-service/store"
	"voucher-service/voucher"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrUpstreamUnavailable = errors.New("payment provider unavailable")
	ErrInvalidSignature    = errors.New("invalid callback signature")
)

// Repository is the storage the payment service needs.
type Repository interface {
	store.PaymentRepository
	store.PackageRepository
	store.VoucherRepository
}

type VoucherIssuer interface {
	Issue(ctx context.Context, payment *models.Payment) (*voucher.Issuance, error)
}

type Notifier interface {
	Send(ctx context.Context, phone string, msg notify.Message) notify.Result
}

type Options struct {
	// InitiateTimeout bounds the synchronous provider call in Initiate and
	// the single poll in CheckStatus.
	InitiateTimeout          time.Duration
	RequireCallbackSignature bool
}

// PipelineResult describes what happened when an outcome was applied to a
// payment. Side effect failures are recorded here and never undo the
// payment transition.
type PipelineResult struct {
	TransactionID string
	Status        models.PaymentStatus
	// Transitioned is false when the outcome was a no-op: still pending,
	// already terminal, or lost a race with a concurrent delivery.
	Transitioned bool

	Voucher      *models.Voucher
	VoucherErr   error
	Provisioned  bool
	ProvisionErr error
	Notification *notify.Result
}

// PaymentService drives the payment state machine and issues vouchers
type PaymentService struct {
	tracer   trace.Tracer
	repo     Repository
	gateways gateway.Registry
	issuer   VoucherIssuer
	notifier Notifier
	opts     Options

	newTransactionID func() string
}

// NewPaymentService creates a new payment service
func NewPaymentService(tracer trace.Tracer, repo Repository, gateways gateway.Registry, issuer VoucherIssuer, notifier Notifier, opts Options) *PaymentService {
	if opts.InitiateTimeout <= 0 {
		opts.InitiateTimeout = 15 * time.Second
	}
	return &PaymentService{
		tracer:           tracer,
		repo:             repo,
		gateways:         gateways,
		issuer:           issuer,
		notifier:         notifier,
		opts:             opts,
		newTransactionID: func() string { return "MYQL-" + uuid.NewString() },
	}
}

// Initiate records a pending payment and asks the provider to push a
// payment prompt to the customer.
func (s *PaymentService) Initiate(ctx context.Context, req *models.InitiatePaymentRequest) (*models.InitiatePaymentResponse, error) {
	ctx, span := s.tracer.Start(ctx, "initiate_payment")
	defer span.End()

	logger := logging.WithTraceContext(span)

	provider, ok := models.ParseProvider(req.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: provider must be airtel or mtn", ErrInvalidInput)
	}
	if !notify.ValidPhone(req.PhoneNumber) {
		return nil, fmt.Errorf("%w: invalid phone number", ErrInvalidInput)
	}
	gw, ok := s.gateways.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: provider %s is not available", ErrInvalidInput, provider)
	}

	pkg, err := s.repo.FindPackage(ctx, req.PackageID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !pkg.IsActive) {
		return nil, fmt.Errorf("%w: package %d", ErrNotFound, req.PackageID)
	}
	if err != nil {
		return nil, err
	}

	payment := &models.Payment{
		TransactionID: s.newTransactionID(),
		CustomerPhone: notify.FormatPhone(req.PhoneNumber),
		Provider:      provider,
		PackageID:     pkg.ID,
		Amount:        pkg.PriceAmount,
		Status:        models.PaymentPending,
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	span.SetAttributes(
		attribute.String("payment.transaction_id", payment.TransactionID),
		attribute.String("payment.provider", string(provider)),
		attribute.Float64("payment.amount", payment.Amount.InexactFloat64()),
	)
	logger.Info("Initiating payment",
		zap.String("transaction_id", payment.TransactionID),
		zap.String("provider", string(provider)),
		zap.Uint("package_id", pkg.ID),
		zap.String("amount", payment.Amount.String()),
	)

	callCtx, cancel := context.WithTimeout(ctx, s.opts.InitiateTimeout)
	started, err := gw.InitiatePayment(callCtx, payment.CustomerPhone, payment.Amount, payment.TransactionID)
	cancel()
	if err != nil {
		// The caller may already be gone; the payment must still leave pending.
		s.markFailed(context.WithoutCancel(ctx), payment)
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider refused initiation")
		logger.Error("Payment initiation failed",
			zap.Error(err),
			zap.String("transaction_id", payment.TransactionID),
			zap.String("provider", string(provider)),
		)
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if started.ProviderRef != "" {
		if err := s.repo.SetProviderReference(ctx, payment.ID, started.ProviderRef); err != nil {
			logger.Error("Failed to store provider reference",
				zap.Error(err),
				zap.String("transaction_id", payment.TransactionID),
			)
		}
	}

	status := models.PaymentPending
	if started.Outcome != gateway.OutcomePending {
		res, err := s.OnOutcome(ctx, payment.TransactionID, started.Outcome)
		if err != nil {
			return nil, err
		}
		status = res.Status
	}

	if status == models.PaymentPending {
		s.countPayment(ctx, provider, status)
	}
	span.SetAttributes(attribute.String("payment.status", string(status)))

	return &models.InitiatePaymentResponse{
		TransactionID: payment.TransactionID,
		Status:        status,
		Amount:        payment.Amount,
		Package:       pkg.Name,
		Message:       "Payment initiated. Please check your phone for USSD prompt.",
	}, nil
}

// OnOutcome applies a normalized provider outcome to the payment matching
// reference. Applying an outcome to a terminal payment is a no-op.
func (s *PaymentService) OnOutcome(ctx context.Context, reference string, outcome gateway.Outcome) (*PipelineResult, error) {
	ctx, span := s.tracer.Start(ctx, "apply_payment_outcome")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment.reference", reference),
		attribute.String("payment.outcome", string(outcome)),
	)
	logger := logging.WithTraceContext(span)

	payment, err := s.repo.FindPaymentByReference(ctx, reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: payment for reference %q", ErrNotFound, reference)
	}
	if err != nil {
		return nil, err
	}

	res := &PipelineResult{TransactionID: payment.TransactionID, Status: payment.Status}
	if payment.Status.IsTerminal() || outcome == gateway.OutcomePending {
		return res, nil
	}

	target := models.PaymentFailed
	if outcome == gateway.OutcomeSuccess {
		target = models.PaymentCompleted
	}

	won, err := s.repo.TransitionPayment(ctx, payment.ID, models.PaymentPending, target)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	if !won {
		current, err := s.repo.FindPaymentByTransactionID(ctx, payment.TransactionID)
		if err == nil {
			res.Status = current.Status
		}
		logger.Info("Payment outcome already applied",
			zap.String("transaction_id", payment.TransactionID),
			zap.String("status", string(res.Status)),
		)
		return res, nil
	}

	payment.Status = target
	res.Status = target
	res.Transitioned = true
	span.SetAttributes(attribute.String("payment.status", string(target)))

	s.countPayment(ctx, payment.Provider, target)
	logger.Info("Payment status updated",
		zap.String("transaction_id", payment.TransactionID),
		zap.String("status", string(target)),
	)

	if target == models.PaymentCompleted {
		monitoring.PaymentAmount.Record(ctx, payment.Amount.InexactFloat64(),
			metric.WithAttributes(attribute.String("provider", string(payment.Provider))),
		)
		// The side pipeline must finish even if the caller goes away.
		s.fulfil(context.WithoutCancel(ctx), payment, res)
	}
	return res, nil
}

// fulfil issues, provisions and delivers the voucher for a payment that
// just completed.
func (s *PaymentService) fulfil(ctx context.Context, payment *models.Payment, res *PipelineResult) {
	logger := logging.FromContext(ctx)

	issued, err := s.issuer.Issue(ctx, payment)
	if err != nil {
		res.VoucherErr = err
		logger.Error("Voucher issuance failed for completed payment",
			zap.Error(err),
			zap.String("transaction_id", payment.TransactionID),
		)
		return
	}

	res.Voucher = issued.Voucher
	res.Provisioned = issued.Provisioned
	res.ProvisionErr = issued.ProvisionErr
	if issued.Existing {
		return
	}

	sent := s.notifier.Send(ctx, payment.CustomerPhone,
		notify.VoucherMessage(issued.Voucher.Code, issued.Package.Name, issued.Voucher.ExpiresAt))
	res.Notification = &sent

	logger.Info("Payment processed",
		zap.String("transaction_id", payment.TransactionID),
		logging.VoucherCode(issued.Voucher.Code),
		zap.Bool("provisioned", issued.Provisioned),
		zap.String("sms_outcome", string(sent.Outcome)),
		zap.String("sms_provider", sent.ProviderUsed),
		zap.Bool("sms_fallback_used", sent.FallbackUsed),
	)
}

// CheckStatus returns the customer-facing status. A pending payment is
// polled with its provider exactly once.
func (s *PaymentService) CheckStatus(ctx context.Context, transactionID string) (*models.PaymentStatusResponse, error) {
	ctx, span := s.tracer.Start(ctx, "check_payment_status")
	defer span.End()

	span.SetAttributes(attribute.String("payment.transaction_id", transactionID))
	logger := logging.WithTraceContext(span)

	payment, err := s.repo.FindPaymentByTransactionID(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: transaction %q", ErrNotFound, transactionID)
	}
	if err != nil {
		return nil, err
	}

	if payment.Status == models.PaymentPending {
		if status, ok := s.poll(ctx, payment); ok {
			payment.Status = status
		} else {
			logger.Debug("Payment still pending", zap.String("transaction_id", transactionID))
		}
	}

	var packageName string
	if pkg, err := s.repo.FindPackage(ctx, payment.PackageID); err == nil {
		packageName = pkg.Name
	}

	return &models.PaymentStatusResponse{
		TransactionID: payment.TransactionID,
		Status:        payment.Status,
		Amount:        payment.Amount,
		PackageName:   packageName,
		CreatedAt:     payment.CreatedAt,
	}, nil
}

func (s *PaymentService) poll(ctx context.Context, payment *models.Payment) (models.PaymentStatus, bool) {
	logger := logging.FromContext(ctx)

	gw, ok := s.gateways.Get(payment.Provider)
	if !ok {
		return "", false
	}
	ref := payment.ProviderReference
	if ref == "" {
		ref = payment.TransactionID
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.InitiateTimeout)
	outcome, err := gw.CheckStatus(callCtx, ref)
	cancel()
	if err != nil {
		logger.Warn("Payment status poll failed",
			zap.Error(err),
			zap.String("transaction_id", payment.TransactionID),
		)
		return "", false
	}
	if outcome == gateway.OutcomePending {
		return "", false
	}

	res, err := s.OnOutcome(ctx, payment.TransactionID, outcome)
	if err != nil {
		logger.Error("Failed to apply polled outcome",
			zap.Error(err),
			zap.String("transaction_id", payment.TransactionID),
		)
		return "", false
	}
	return res.Status, true
}

// HandleCallback verifies and applies a provider callback. Only malformed
// input and bad signatures are reported; every other problem is logged so
// the provider always gets an acknowledgement.
func (s *PaymentService) HandleCallback(ctx context.Context, providerName string, body []byte, signature string) error {
	ctx, span := s.tracer.Start(ctx, "handle_payment_callback")
	defer span.End()

	logger := logging.WithTraceContext(span)

	provider, ok := models.ParseProvider(providerName)
	if !ok {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidInput, providerName)
	}
	gw, ok := s.gateways.Get(provider)
	if !ok {
		return fmt.Errorf("%w: provider %s is not available", ErrInvalidInput, provider)
	}
	span.SetAttributes(attribute.String("payment.provider", string(provider)))

	if s.opts.RequireCallbackSignature && !gw.ValidateCallbackSignature(body, signature) {
		logger.Warn("Rejected callback with invalid signature", zap.String("provider", string(provider)))
		return ErrInvalidSignature
	}

	cb, err := gw.ParseCallback(body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	logger.Info("Payment callback received",
		zap.String("provider", string(provider)),
		zap.String("reference", cb.Reference),
		zap.String("raw_status", cb.RawStatus),
		zap.String("outcome", string(cb.Outcome)),
	)

	if _, err := s.OnOutcome(ctx, cb.Reference, cb.Outcome); err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.Warn("Callback for unknown payment", zap.String("reference", cb.Reference))
			return nil
		}
		span.RecordError(err)
		logger.Error("Failed to apply callback", zap.Error(err), zap.String("reference", cb.Reference))
	}
	return nil
}

// ResendVoucher sends the voucher SMS for a completed payment again. A
// completed payment whose voucher was never issued gets one issued first.
func (s *PaymentService) ResendVoucher(ctx context.Context, transactionID string) (*notify.Result, error) {
	ctx, span := s.tracer.Start(ctx, "resend_voucher")
	defer span.End()

	logger := logging.WithTraceContext(span)

	payment, err := s.repo.FindPaymentByTransactionID(ctx, transactionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: transaction %q", ErrNotFound, transactionID)
	}
	if err != nil {
		return nil, err
	}
	if payment.Status != models.PaymentCompleted {
		return nil, fmt.Errorf("%w: payment is %s", ErrInvalidInput, payment.Status)
	}

	var packageName string
	v, err := s.repo.FindVoucherByPaymentID(ctx, payment.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		issued, err := s.issuer.Issue(ctx, payment)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to issue voucher for transaction %q: %w", transactionID, err)
		}
		v = issued.Voucher
		packageName = issued.Package.Name
		logger.Info("Voucher issued on resend",
			zap.String("transaction_id", transactionID),
			logging.VoucherCode(v.Code),
			zap.Bool("provisioned", issued.Provisioned),
		)
	case err != nil:
		return nil, err
	default:
		if pkg, err := s.repo.FindPackage(ctx, v.PackageID); err == nil {
			packageName = pkg.Name
		}
	}

	res := s.notifier.Send(ctx, v.CustomerPhone, notify.VoucherMessage(v.Code, packageName, v.ExpiresAt))
	logger.Info("Voucher resent",
		zap.String("transaction_id", transactionID),
		logging.VoucherCode(v.Code),
		zap.String("sms_outcome", string(res.Outcome)),
	)
	return &res, nil
}

func (s *PaymentService) markFailed(ctx context.Context, payment *models.Payment) {
	if _, err := s.repo.TransitionPayment(ctx, payment.ID, models.PaymentPending, models.PaymentFailed); err != nil {
		logging.FromContext(ctx).Error("Failed to mark payment failed",
			zap.Error(err),
			zap.String("transaction_id", payment.TransactionID),
		)
	}
	payment.Status = models.PaymentFailed
	s.countPayment(ctx, payment.Provider, models.PaymentFailed)
}

func (s *PaymentService) countPayment(ctx context.Context, provider models.Provider, status models.PaymentStatus) {
	monitoring.PaymentCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", string(provider)),
			attribute.String("status", string(status)),
		),
	)
}
