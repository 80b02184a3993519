package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"voucher-service/models"
)

// MemoryStore keeps everything in process memory. It backs tests and
// single-node demo runs.
type MemoryStore struct {
	mu sync.RWMutex

	payments       map[uint]*models.Payment
	byTransaction  map[string]uint
	packages       map[uint]*models.Package
	vouchers       map[uint]*models.Voucher
	voucherCodes   map[string]uint
	voucherPayment map[uint]uint
	attempts       []models.NotificationAttempt

	nextPaymentID uint
	nextVoucherID uint
	nextAttemptID uint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:       make(map[uint]*models.Payment),
		byTransaction:  make(map[string]uint),
		packages:       make(map[uint]*models.Package),
		vouchers:       make(map[uint]*models.Voucher),
		voucherCodes:   make(map[string]uint),
		voucherPayment: make(map[uint]uint),
	}
}

// PutPackage inserts or replaces a package.
func (s *MemoryStore) PutPackage(p models.Package) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.packages[p.ID] = &p
}

// DeletePackage removes a package, as an admin would.
func (s *MemoryStore) DeletePackage(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.packages, id)
}

func (s *MemoryStore) CreatePayment(_ context.Context, p *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byTransaction[p.TransactionID]; exists {
		return ErrDuplicateTransaction
	}

	s.nextPaymentID++
	p.ID = s.nextPaymentID
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	stored := *p
	s.payments[p.ID] = &stored
	s.byTransaction[p.TransactionID] = p.ID
	return nil
}

// Payments returns a snapshot of every stored payment ordered by id.
func (s *MemoryStore) Payments() []models.Payment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b models.Payment) int { return int(a.ID) - int(b.ID) })
	return out
}

func (s *MemoryStore) FindPaymentByTransactionID(_ context.Context, transactionID string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byTransaction[transactionID]
	if !ok {
		return nil, ErrNotFound
	}
	p := *s.payments[id]
	return &p, nil
}

func (s *MemoryStore) FindPaymentByReference(_ context.Context, reference string) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.byTransaction[reference]; ok {
		p := *s.payments[id]
		return &p, nil
	}
	for _, p := range s.payments {
		if reference != "" && p.ProviderReference == reference {
			found := *p
			return &found, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetProviderReference(_ context.Context, paymentID uint, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return ErrNotFound
	}
	p.ProviderReference = reference
	p.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) TransitionPayment(_ context.Context, paymentID uint, from, to models.PaymentStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return false, ErrNotFound
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) FindPackage(_ context.Context, id uint) (*models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.packages[id]
	if !ok {
		return nil, ErrNotFound
	}
	found := *p
	return &found, nil
}

func (s *MemoryStore) CreateVoucher(_ context.Context, v *models.Voucher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.voucherPayment[v.PaymentID]; exists {
		return ErrDuplicatePayment
	}
	if _, exists := s.voucherCodes[v.Code]; exists {
		return ErrDuplicateCode
	}

	s.nextVoucherID++
	v.ID = s.nextVoucherID
	stored := *v
	s.vouchers[v.ID] = &stored
	s.voucherCodes[v.Code] = v.ID
	s.voucherPayment[v.PaymentID] = v.ID
	return nil
}

func (s *MemoryStore) FindVoucherByPaymentID(_ context.Context, paymentID uint) (*models.Voucher, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.voucherPayment[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	v := *s.vouchers[id]
	return &v, nil
}

func (s *MemoryStore) ExpireVouchers(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired int64
	for _, v := range s.vouchers {
		if v.Status == models.VoucherActive && !v.ExpiresAt.After(now) {
			v.Status = models.VoucherExpired
			expired++
		}
	}
	return expired, nil
}

// Vouchers returns a snapshot of every stored voucher.
func (s *MemoryStore) Vouchers() []models.Voucher {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Voucher, 0, len(s.vouchers))
	for _, v := range s.vouchers {
		out = append(out, *v)
	}
	slices.SortFunc(out, func(a, b models.Voucher) int { return int(a.ID) - int(b.ID) })
	return out
}

func (s *MemoryStore) AppendAttempt(_ context.Context, a *models.NotificationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextAttemptID++
	a.ID = s.nextAttemptID
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *MemoryStore) AttemptsForPhone(_ context.Context, phone string) ([]models.NotificationAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.NotificationAttempt
	for _, a := range s.attempts {
		if a.Phone == phone {
			out = append(out, a)
		}
	}
	return out, nil
}

// Attempts returns every logged notification attempt in append order.
func (s *MemoryStore) Attempts() []models.NotificationAttempt {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.attempts)
}
