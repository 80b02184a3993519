package voucher

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"voucher-service/logging"
	"voucher-service/models"
	"voucher-service/monitoring"
	"voucher-service/store"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CodeLength   = 8
)

var (
	ErrPackageNotFound         = errors.New("package not found")
	ErrCodeGenerationExhausted = errors.New("could not generate a unique voucher code")
)

// Provisioner pushes an issued voucher to the access controller.
type Provisioner interface {
	Provision(ctx context.Context, v *models.Voucher, pkg *models.Package) error
}

// Repository is the storage the Issuer needs.
type Repository interface {
	store.PackageRepository
	store.VoucherRepository
}

// Issuance is the result of issuing a voucher for a payment.
type Issuance struct {
	Voucher *models.Voucher
	Package *models.Package
	// Existing is true when the payment already had a voucher.
	Existing     bool
	Provisioned  bool
	ProvisionErr error
}

// Issuer creates exactly one voucher per completed payment.
type Issuer struct {
	repo        Repository
	provisioner Provisioner
	maxAttempts int
	now         func() time.Time
	newCode     func() (string, error)
}

// NewIssuer creates an Issuer. provisioner may be nil.
func NewIssuer(repo Repository, provisioner Provisioner, maxAttempts int) *Issuer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Issuer{
		repo:        repo,
		provisioner: provisioner,
		maxAttempts: maxAttempts,
		now:         time.Now,
		newCode:     GenerateCode,
	}
}

// GenerateCode returns CodeLength characters drawn uniformly from [A-Z0-9].
func GenerateCode() (string, error) {
	alphabetSize := big.NewInt(int64(len(codeAlphabet)))
	buf := make([]byte, CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// Issue creates the voucher for payment and provisions it. Provisioning
// failures are reported in the Issuance, never as an error.
func (i *Issuer) Issue(ctx context.Context, payment *models.Payment) (*Issuance, error) {
	logger := logging.FromContext(ctx)

	pkg, err := i.repo.FindPackage(ctx, payment.PackageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: id %d", ErrPackageNotFound, payment.PackageID)
	}
	if err != nil {
		return nil, err
	}

	v, existing, err := i.create(ctx, payment, pkg)
	if err != nil {
		return nil, err
	}

	out := &Issuance{Voucher: v, Package: pkg, Existing: existing}
	if existing {
		logger.Info("Voucher already issued for payment",
			zap.Uint("payment_id", payment.ID),
			logging.VoucherCode(v.Code),
		)
		return out, nil
	}

	monitoring.VoucherCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("package", pkg.Name)),
	)
	logger.Info("Voucher issued",
		zap.Uint("payment_id", payment.ID),
		logging.VoucherCode(v.Code),
		zap.Time("expires_at", v.ExpiresAt),
	)

	if i.provisioner == nil {
		return out, nil
	}
	if err := i.provisioner.Provision(ctx, v, pkg); err != nil {
		out.ProvisionErr = err
		monitoring.ProvisioningFailures.Add(ctx, 1)
		logger.Error("Voucher provisioning failed",
			zap.Error(err),
			zap.Uint("payment_id", payment.ID),
			logging.VoucherCode(v.Code),
		)
		return out, nil
	}
	out.Provisioned = true
	return out, nil
}

func (i *Issuer) create(ctx context.Context, payment *models.Payment, pkg *models.Package) (*models.Voucher, bool, error) {
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		code, err := i.newCode()
		if err != nil {
			return nil, false, fmt.Errorf("failed to generate voucher code: %w", err)
		}

		issuedAt := i.now().UTC()
		v := &models.Voucher{
			Code:          code,
			PackageID:     pkg.ID,
			PaymentID:     payment.ID,
			CustomerPhone: payment.CustomerPhone,
			IssuedAt:      issuedAt,
			ExpiresAt:     issuedAt.Add(time.Duration(pkg.DurationHours) * time.Hour),
			Status:        models.VoucherActive,
		}

		err = i.repo.CreateVoucher(ctx, v)
		switch {
		case err == nil:
			return v, false, nil
		case errors.Is(err, store.ErrDuplicatePayment):
			prior, findErr := i.repo.FindVoucherByPaymentID(ctx, payment.ID)
			if findErr != nil {
				return nil, false, findErr
			}
			return prior, true, nil
		case errors.Is(err, store.ErrDuplicateCode):
			logging.FromContext(ctx).Warn("Voucher code collision, retrying", zap.Int("attempt", attempt))
			continue
		default:
			return nil, false, err
		}
	}
	return nil, false, ErrCodeGenerationExhausted
}

// Expire marks every active voucher past its expiry as expired.
func Expire(ctx context.Context, repo store.VoucherRepository, now time.Time) (int64, error) {
	n, err := repo.ExpireVouchers(ctx, now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Expired vouchers", zap.Int64("count", n))
	}
	return n, nil
}

// RunExpiry calls Expire on every tick until ctx is cancelled.
func RunExpiry(ctx context.Context, repo store.VoucherRepository, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := Expire(ctx, repo, time.Now()); err != nil {
				logging.Error("Voucher expiry sweep failed", zap.Error(err))
			}
		}
	}
}
