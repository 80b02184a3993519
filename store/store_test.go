package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voucher-service/models"
)

type fixture struct {
	store      Store
	putPackage func(models.Package) uint
}

func memoryFixture(t *testing.T) fixture {
	s := NewMemoryStore()
	var next uint
	return fixture{
		store: s,
		putPackage: func(p models.Package) uint {
			next++
			p.ID = next
			s.PutPackage(p)
			return p.ID
		},
	}
}

func gormFixture(t *testing.T) fixture {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	return fixture{
		store: NewGormStore(db),
		putPackage: func(p models.Package) uint {
			require.NoError(t, db.Create(&p).Error)
			return p.ID
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, f fixture)) {
	t.Run("memory", func(t *testing.T) { fn(t, memoryFixture(t)) })
	t.Run("gorm", func(t *testing.T) { fn(t, gormFixture(t)) })
}

func newPayment(txID string, packageID uint) *models.Payment {
	return &models.Payment{
		TransactionID: txID,
		CustomerPhone: "+256700000001",
		Provider:      models.ProviderAirtel,
		PackageID:     packageID,
		Amount:        decimal.NewFromInt(1000),
		Status:        models.PaymentPending,
	}
}

func TestPaymentLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		pkgID := f.putPackage(models.Package{Name: "Daily", DurationHours: 24, PriceAmount: decimal.NewFromInt(1000), IsActive: true})

		p := newPayment("MYQL-tx-1", pkgID)
		require.NoError(t, f.store.CreatePayment(ctx, p))
		require.NotZero(t, p.ID)

		err := f.store.CreatePayment(ctx, newPayment("MYQL-tx-1", pkgID))
		assert.ErrorIs(t, err, ErrDuplicateTransaction)

		require.NoError(t, f.store.SetProviderReference(ctx, p.ID, "provider-ref-9"))

		byTx, err := f.store.FindPaymentByTransactionID(ctx, "MYQL-tx-1")
		require.NoError(t, err)
		assert.Equal(t, "provider-ref-9", byTx.ProviderReference)
		assert.True(t, byTx.Amount.Equal(decimal.NewFromInt(1000)))

		byRef, err := f.store.FindPaymentByReference(ctx, "provider-ref-9")
		require.NoError(t, err)
		assert.Equal(t, p.ID, byRef.ID)

		byOwnRef, err := f.store.FindPaymentByReference(ctx, "MYQL-tx-1")
		require.NoError(t, err)
		assert.Equal(t, p.ID, byOwnRef.ID)

		_, err = f.store.FindPaymentByReference(ctx, "")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = f.store.FindPaymentByTransactionID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		pkg, err := f.store.FindPackage(ctx, pkgID)
		require.NoError(t, err)
		assert.Equal(t, 24, pkg.DurationHours)

		_, err = f.store.FindPackage(ctx, pkgID+100)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransitionPayment_IsCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		p := newPayment("MYQL-cas", 1)
		require.NoError(t, f.store.CreatePayment(ctx, p))

		won, err := f.store.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentCompleted)
		require.NoError(t, err)
		assert.True(t, won)

		won, err = f.store.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentFailed)
		require.NoError(t, err)
		assert.False(t, won)

		got, err := f.store.FindPaymentByTransactionID(ctx, "MYQL-cas")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentCompleted, got.Status)

		_, err = f.store.TransitionPayment(ctx, 9999, models.PaymentPending, models.PaymentFailed)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransitionPayment_ConcurrentWinnersAreUnique(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p := newPayment("MYQL-race", 1)
	require.NoError(t, s.CreatePayment(ctx, p))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if won, _ := s.TransitionPayment(ctx, p.ID, models.PaymentPending, models.PaymentCompleted); won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestCreateVoucher_UniquenessGuards(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		v := &models.Voucher{
			Code: "ABCD1234", PackageID: 1, PaymentID: 1, CustomerPhone: "+256700000001",
			IssuedAt: now, ExpiresAt: now.Add(time.Hour), Status: models.VoucherActive,
		}
		require.NoError(t, f.store.CreateVoucher(ctx, v))

		samePayment := *v
		samePayment.ID = 0
		samePayment.Code = "ZZZZ9999"
		assert.ErrorIs(t, f.store.CreateVoucher(ctx, &samePayment), ErrDuplicatePayment)

		sameCode := *v
		sameCode.ID = 0
		sameCode.PaymentID = 2
		assert.ErrorIs(t, f.store.CreateVoucher(ctx, &sameCode), ErrDuplicateCode)

		got, err := f.store.FindVoucherByPaymentID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "ABCD1234", got.Code)

		_, err = f.store.FindVoucherByPaymentID(ctx, 2)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestExpireVouchers(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Second)

		require.NoError(t, f.store.CreateVoucher(ctx, &models.Voucher{
			Code: "OLD00001", PackageID: 1, PaymentID: 1, CustomerPhone: "+256700000001",
			IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour), Status: models.VoucherActive,
		}))
		require.NoError(t, f.store.CreateVoucher(ctx, &models.Voucher{
			Code: "NEW00001", PackageID: 1, PaymentID: 2, CustomerPhone: "+256700000001",
			IssuedAt: now, ExpiresAt: now.Add(time.Hour), Status: models.VoucherActive,
		}))

		n, err := f.store.ExpireVouchers(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		old, err := f.store.FindVoucherByPaymentID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, models.VoucherExpired, old.Status)

		fresh, err := f.store.FindVoucherByPaymentID(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, models.VoucherActive, fresh.Status)
	})
}

func TestNotificationLog_AppendOnly(t *testing.T) {
	forEachStore(t, func(t *testing.T, f fixture) {
		ctx := context.Background()
		for i, provider := range []string{"africas_talking", "twilio"} {
			require.NoError(t, f.store.AppendAttempt(ctx, &models.NotificationAttempt{
				Phone:         "+256700000001",
				Message:       "hello",
				ProviderTried: provider,
				Outcome:       models.NotificationFailed,
				FallbackUsed:  i > 0,
				Timestamp:     time.Now(),
			}))
		}

		attempts, err := f.store.AttemptsForPhone(ctx, "+256700000001")
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.Equal(t, "africas_talking", attempts[0].ProviderTried)
		assert.Equal(t, "twilio", attempts[1].ProviderTried)
	})
}

func TestSeedPackages_OnlyOnEmptyTable(t *testing.T) {
	db, err := Open("sqlite", "file:seed?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	n, err := SeedPackages(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, len(DefaultPackages()), n)

	n, err = SeedPackages(context.Background(), db)
	require.NoError(t, err)
	assert.Zero(t, n)
}
