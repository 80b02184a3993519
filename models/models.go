package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InitiatePaymentRequest represents a customer's request to buy a package
type InitiatePaymentRequest struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	PackageID   uint   `json:"packageId" binding:"required"`
	Provider    string `json:"provider" binding:"required"`
}

// InitiatePaymentResponse is returned once the provider accepted the push
type InitiatePaymentResponse struct {
	TransactionID string          `json:"transaction_id"`
	Status        PaymentStatus   `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Package       string          `json:"package"`
	Message       string          `json:"message"`
}

// PaymentStatusResponse represents the customer-facing status of a payment
type PaymentStatusResponse struct {
	TransactionID string          `json:"transaction_id"`
	Status        PaymentStatus   `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	PackageName   string          `json:"package_name"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AirtelCallback is the body Airtel Money posts to the callback URL
type AirtelCallback struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Amount        string `json:"amount"`
}

// MTNCallback is the body MTN MoMo posts to the callback URL
type MTNCallback struct {
	ExternalID             string `json:"externalId"`
	Status                 string `json:"status"`
	Amount                 string `json:"amount"`
	FinancialTransactionID string `json:"financialTransactionId"`
}
