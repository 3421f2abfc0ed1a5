package models

import (
	"time"
)

// Verification methods accepted at the point of sale.
const (
	MethodPIN  = "pin"
	MethodCode = "code"
	MethodOTP  = "otp"
)

// PaymentCode is a single-use secret that authorizes one card debit. Only a
// hash of the code is stored; CodeLast4 is kept for audit display.
type PaymentCode struct {
	ID         int64      `json:"id" db:"id"`
	CardID     string     `json:"card_id" db:"card_id"`
	RetailerID string     `json:"retailer_id" db:"retailer_id"`
	CodeHash   string     `json:"-" db:"code_hash"`
	CodeLast4  string     `json:"code_last4" db:"code_last4"`
	Amount     int64      `json:"amount" db:"amount"`
	Metadata   Metadata   `json:"metadata" db:"metadata"`
	ExpiresAt  time.Time  `json:"expires_at" db:"expires_at"`
	IsUsed     bool       `json:"is_used" db:"is_used"`
	UsedAt     *time.Time `json:"used_at" db:"used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// VerificationAttempt is one row of the append-only log that drives card
// lockout.
type VerificationAttempt struct {
	CardID     string    `json:"card_id" db:"card_id"`
	RetailerID string    `json:"retailer_id" db:"retailer_id"`
	Method     string    `json:"method" db:"method"`
	Success    bool      `json:"success" db:"success"`
	Reason     string    `json:"reason" db:"reason"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// PaymentAudit is the masked audit record of a manual payment attempt.
type PaymentAudit struct {
	CardID        string    `json:"card_id" db:"card_id"`
	RetailerID    string    `json:"retailer_id" db:"retailer_id"`
	Method        string    `json:"method" db:"method"`
	Amount        int64     `json:"amount" db:"amount"`
	MaskedSecret  string    `json:"masked_secret" db:"masked_secret"`
	Success       bool      `json:"success" db:"success"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	ErrorMessage  string    `json:"error_message" db:"error_message"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// PaymentReceipt is returned by every successful point-of-sale debit.
type PaymentReceipt struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
	Method        string `json:"method"`
	Amount        int64  `json:"amount"`
	NewBalance    int64  `json:"new_balance"`
	Currency      string `json:"currency"`
}

// IssuedCode is returned to the retailer when a code or OTP has been sent.
// The plain code is never included.
type IssuedCode struct {
	Method    string    `json:"method"`
	CardID    string    `json:"card_id"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
	QRCode    string    `json:"qr_code,omitempty"`
}

// PINPaymentRequest is a card debit authorized by the card PIN.
type PINPaymentRequest struct {
	CardID     string `json:"card_id" validate:"required"`
	RetailerID string `json:"retailer_id" validate:"required"`
	PIN        string `json:"pin" validate:"required,numeric,min=4,max=6"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
}

// CodePaymentRequest redeems a previously issued payment code.
type CodePaymentRequest struct {
	CardID     string `json:"card_id" validate:"required"`
	RetailerID string `json:"retailer_id" validate:"required"`
	Code       string `json:"code" validate:"required,numeric,len=8"`
	Amount     int64  `json:"amount" validate:"omitempty,gt=0"`
}

// OTPPaymentRequest redeems an SMS OTP bound to card, retailer and amount.
type OTPPaymentRequest struct {
	CardID     string `json:"card_id" validate:"required"`
	RetailerID string `json:"retailer_id" validate:"required"`
	OTP        string `json:"otp" validate:"required,numeric,len=6"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
}

// CodeIssueRequest asks for a payment code or OTP to be sent to the card owner.
type CodeIssueRequest struct {
	CardID     string `json:"card_id" validate:"required"`
	RetailerID string `json:"retailer_id" validate:"required"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
}
