package models

import "time"

type VoucherStatus string

const (
	VoucherActive  VoucherStatus = "active"
	VoucherUsed    VoucherStatus = "used"
	VoucherExpired VoucherStatus = "expired"
)

type Voucher struct {
	ID            uint          `gorm:"primaryKey" json:"id"`
	Code          string        `gorm:"size:8;uniqueIndex;not null" json:"code"`
	PackageID     uint          `gorm:"not null;index" json:"package_id"`
	PaymentID     uint          `gorm:"not null;uniqueIndex" json:"payment_id"`
	CustomerPhone string        `gorm:"size:20;not null" json:"customer_phone"`
	IssuedAt      time.Time     `gorm:"not null" json:"issued_at"`
	ExpiresAt     time.Time     `gorm:"not null;index" json:"expires_at"`
	Status        VoucherStatus `gorm:"size:16;not null;index" json:"status"`
}
