package models

import "time"

type NotificationOutcome string

const (
	NotificationSent   NotificationOutcome = "sent"
	NotificationFailed NotificationOutcome = "failed"
)

// NotificationAttempt is one provider attempt in the SMS fallback chain.
// Rows are append-only.
type NotificationAttempt struct {
	ID            uint                `gorm:"primaryKey" json:"id"`
	Phone         string              `gorm:"size:20;not null;index" json:"phone"`
	Message       string              `gorm:"type:text;not null" json:"message"`
	ProviderTried string              `gorm:"size:32;not null" json:"provider_tried"`
	Outcome       NotificationOutcome `gorm:"size:16;not null" json:"outcome"`
	Error         string              `gorm:"type:text" json:"error,omitempty"`
	FallbackUsed  bool                `gorm:"not null" json:"fallback_used"`
	Timestamp     time.Time           `gorm:"not null;index" json:"timestamp"`
}
