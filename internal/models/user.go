package models

import "time"

// Customer is a wallet holder. WalletBalanceID and LoanBalanceID address the
// two ledger balances provisioned at onboarding.
type Customer struct {
	CustomerID      string    `json:"customer_id" db:"customer_id"`
	FullName        string    `json:"full_name" db:"full_name"`
	Phone           string    `json:"phone" db:"phone"`
	WalletBalanceID string    `json:"wallet_balance_id" db:"wallet_balance_id"`
	LoanBalanceID   string    `json:"loan_balance_id" db:"loan_balance_id"`
	CreditScore     int       `json:"credit_score" db:"credit_score"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// AccountAge reports how long the customer has been onboarded.
func (c *Customer) AccountAge(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

// Retailer is a merchant that can receive card and loan-balance payments.
type Retailer struct {
	RetailerID string    `json:"retailer_id" db:"retailer_id"`
	Name       string    `json:"name" db:"name"`
	BalanceID  string    `json:"balance_id" db:"balance_id"`
	Phone      string    `json:"phone" db:"phone"`
	Status     string    `json:"status" db:"status"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

const (
	RetailerStatusActive    = "active"
	RetailerStatusSuspended = "suspended"
)

// Owner types accepted when provisioning ledger balances.
const (
	OwnerCustomer = "customer"
	OwnerRetailer = "retailer"
)

// ProvisionedAccount holds the balances created for a new owner.
type ProvisionedAccount struct {
	OwnerID         string `json:"owner_id"`
	OwnerType       string `json:"owner_type"`
	WalletBalanceID string `json:"wallet_balance_id"`
	LoanBalanceID   string `json:"loan_balance_id,omitempty"`
}
