package models

import (
	"time"
)

// BalanceType distinguishes freely transferable wallet funds from
// purchase-only loan funds.
type BalanceType string

const (
	BalanceTypeWallet BalanceType = "wallet"
	BalanceTypeLoan   BalanceType = "loan"
)

// Ledger is a named book in the external ledger service.
type Ledger struct {
	LedgerID  string    `json:"ledger_id"`
	Name      string    `json:"name"`
	MetaData  Metadata  `json:"meta_data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is an addressable account within a ledger. Amounts are integer
// base currency units.
type Balance struct {
	BalanceID  string    `json:"balance_id"`
	LedgerID   string    `json:"ledger_id"`
	IdentityID string    `json:"identity_id"`
	Currency   string    `json:"currency"`
	Balance    int64     `json:"balance"`
	Credit     int64     `json:"credit_balance"`
	Debit      int64     `json:"debit_balance"`
	MetaData   Metadata  `json:"meta_data,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Type reads the balance_type tag written at provisioning time.
func (b *Balance) Type() BalanceType {
	return BalanceType(b.MetaData.String("balance_type"))
}

// LedgerTransaction is a single source to destination movement recorded by
// the ledger. MetaData always carries balance_type.
type LedgerTransaction struct {
	TransactionID string    `json:"transaction_id"`
	Reference     string    `json:"reference"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Source        string    `json:"source"`
	Destination   string    `json:"destination"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	MetaData      Metadata  `json:"meta_data,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// UserBalances is the combined view of a customer's two balances.
type UserBalances struct {
	Wallet   int64  `json:"wallet"`
	Loan     int64  `json:"loan"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}
