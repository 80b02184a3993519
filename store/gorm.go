package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"voucher-service/models"
)

// Open connects to the configured database. driver is "mysql" or "sqlite".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the service tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Package{},
		&models.Payment{},
		&models.Voucher{},
		&models.NotificationAttempt{},
	)
}

// DefaultPackages are the packages seeded into an empty database.
func DefaultPackages() []models.Package {
	return []models.Package{
		{Name: "1 Hour", DurationHours: 1, PriceAmount: decimal.NewFromInt(500), IsActive: true},
		{Name: "Daily", DurationHours: 24, PriceAmount: decimal.NewFromInt(1000), IsActive: true},
		{Name: "Weekly", DurationHours: 168, PriceAmount: decimal.NewFromInt(5000), IsActive: true},
		{Name: "Monthly", DurationHours: 720, PriceAmount: decimal.NewFromInt(15000), IsActive: true},
	}
}

// SeedPackages inserts DefaultPackages when the packages table is empty.
func SeedPackages(ctx context.Context, db *gorm.DB) (int, error) {
	var count int64
	if err := db.WithContext(ctx).Model(&models.Package{}).Count(&count).Error; err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	packages := DefaultPackages()
	if err := db.WithContext(ctx).Create(&packages).Error; err != nil {
		return 0, err
	}
	return len(packages), nil
}

// GormStore implements Store on top of gorm.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	err := s.db.WithContext(ctx).Create(p).Error
	if isUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	return err
}

func (s *GormStore) FindPaymentByTransactionID(ctx context.Context, transactionID string) (*models.Payment, error) {
	var p models.Payment
	err := s.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *GormStore) FindPaymentByReference(ctx context.Context, reference string) (*models.Payment, error) {
	if reference == "" {
		return nil, ErrNotFound
	}

	var p models.Payment
	err := s.db.WithContext(ctx).
		Where("transaction_id = ? OR provider_reference = ?", reference, reference).
		First(&p).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *GormStore) SetProviderReference(ctx context.Context, paymentID uint, reference string) error {
	res := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ?", paymentID).
		Update("provider_reference", reference)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) TransitionPayment(ctx context.Context, paymentID uint, from, to models.PaymentStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Payment{}).
		Where("id = ? AND status = ?", paymentID, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Zero rows: either someone else already moved it, or it never existed.
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", paymentID).Count(&count).Error; err != nil {
		return false, err
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (s *GormStore) FindPackage(ctx context.Context, id uint) (*models.Package, error) {
	var p models.Package
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *GormStore) CreateVoucher(ctx context.Context, v *models.Voucher) error {
	err := s.db.WithContext(ctx).Create(v).Error
	if !isUniqueViolation(err) {
		return err
	}

	if _, findErr := s.FindVoucherByPaymentID(ctx, v.PaymentID); findErr == nil {
		return ErrDuplicatePayment
	}
	return ErrDuplicateCode
}

func (s *GormStore) FindVoucherByPaymentID(ctx context.Context, paymentID uint) (*models.Voucher, error) {
	var v models.Voucher
	if err := s.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&v).Error; err != nil {
		return nil, notFound(err)
	}
	return &v, nil
}

func (s *GormStore) ExpireVouchers(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Voucher{}).
		Where("status = ? AND expires_at <= ?", models.VoucherActive, now).
		Update("status", models.VoucherExpired)
	return res.RowsAffected, res.Error
}

func (s *GormStore) AppendAttempt(ctx context.Context, a *models.NotificationAttempt) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormStore) AttemptsForPhone(ctx context.Context, phone string) ([]models.NotificationAttempt, error) {
	var out []models.NotificationAttempt
	err := s.db.WithContext(ctx).Where("phone = ?", phone).Order("id").Find(&out).Error
	return out, err
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}
