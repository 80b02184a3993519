package store

import (
	"context"
	"errors"
	"time"

	"voucher-service/models"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrDuplicateTransaction = errors.New("transaction id already exists")
	ErrDuplicateCode        = errors.New("voucher code already exists")
	ErrDuplicatePayment     = errors.New("voucher already issued for payment")
)

// PaymentRepository is the payment ledger.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	FindPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error)
	// FindPaymentByReference matches either our transaction id or the
	// provider's own reference.
	FindPaymentByReference(ctx context.Context, reference string) (*models.Payment, error)
	SetProviderReference(ctx context.Context, paymentID uint, reference string) error
	// TransitionPayment moves a payment from one status to another only if it
	// is still in the from status. It reports whether this call won.
	TransitionPayment(ctx context.Context, paymentID uint, from, to models.PaymentStatus) (bool, error)
}

type PackageRepository interface {
	FindPackage(ctx context.Context, id uint) (*models.Package, error)
}

type VoucherRepository interface {
	// CreateVoucher fails with ErrDuplicateCode or ErrDuplicatePayment when a
	// uniqueness constraint is hit.
	CreateVoucher(ctx context.Context, v *models.Voucher) error
	FindVoucherByPaymentID(ctx context.Context, paymentID uint) (*models.Voucher, error)
	ExpireVouchers(ctx context.Context, now time.Time) (int64, error)
}

// NotificationLog is the append-only record of SMS attempts.
type NotificationLog interface {
	AppendAttempt(ctx context.Context, a *models.NotificationAttempt) error
	AttemptsForPhone(ctx context.Context, phone string) ([]models.NotificationAttempt, error)
}

// Store bundles every repository the service needs.
type Store interface {
	PaymentRepository
	PackageRepository
	VoucherRepository
	NotificationLog
}
