package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

type Provider string

const (
	ProviderAirtel Provider = "airtel"
	ProviderMTN    Provider = "mtn"
)

// ParseProvider accepts provider names case-insensitively.
func ParseProvider(s string) (Provider, bool) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderAirtel, ProviderMTN:
		return p, true
	default:
		return "", false
	}
}

type Payment struct {
	ID                uint            `gorm:"primaryKey" json:"id"`
	TransactionID     string          `gorm:"size:64;uniqueIndex;not null" json:"transaction_id"`
	CustomerPhone     string          `gorm:"size:20;not null" json:"customer_phone"`
	Provider          Provider        `gorm:"size:16;not null" json:"provider"`
	PackageID         uint            `gorm:"not null;index" json:"package_id"`
	Amount            decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Status            PaymentStatus   `gorm:"size:16;not null;index" json:"status"`
	ProviderReference string          `gorm:"size:128;index" json:"provider_reference,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
