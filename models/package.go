package models

import "github.com/shopspring/decimal"

// Package is a purchasable block of WiFi time. Reference data only.
type Package struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	Name          string          `gorm:"size:100;not null" json:"name"`
	DurationHours int             `gorm:"not null" json:"duration_hours"`
	PriceAmount   decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price_ugx"`
	Description   string          `gorm:"size:255" json:"description,omitempty"`
	IsActive      bool            `gorm:"not null;default:true" json:"is_active"`
}
