package models

import (
	"time"
)

// LoanStatus is a node of the loan lifecycle:
// pending -> {approved, rejected}; approved -> disbursed -> active -> {paid, defaulted}.
type LoanStatus string

const (
	LoanPending   LoanStatus = "pending"
	LoanApproved  LoanStatus = "approved"
	LoanRejected  LoanStatus = "rejected"
	LoanDisbursed LoanStatus = "disbursed"
	LoanActive    LoanStatus = "active"
	LoanPaid      LoanStatus = "paid"
	LoanDefaulted LoanStatus = "defaulted"
)

// Open reports whether a loan in this status blocks a new application.
func (s LoanStatus) Open() bool {
	switch s {
	case LoanPending, LoanApproved, LoanDisbursed, LoanActive:
		return true
	}
	return false
}

// OpenLoanStatuses lists the statuses for which Open is true.
func OpenLoanStatuses() []string {
	var out []string
	for _, s := range loanStatuses {
		if s.Open() {
			out = append(out, string(s))
		}
	}
	return out
}

var loanStatuses = []LoanStatus{
	LoanPending, LoanApproved, LoanRejected, LoanDisbursed, LoanActive, LoanPaid, LoanDefaulted,
}

// Repayable reports whether repayments may be applied in this status.
func (s LoanStatus) Repayable() bool {
	return s == LoanDisbursed || s == LoanActive
}

// Loan types offered by products.
const (
	LoanTypeFood = "food"
	LoanTypeCash = "cash"
)

// Repayment methods.
const (
	RepaymentWallet       = "wallet"
	RepaymentMobileMoney  = "mobile_money"
	RepaymentAutoRecovery = "auto_recovery"
)

// Loan is a short-term purchase or cash loan. Amounts are base currency units.
type Loan struct {
	ID                 int64      `json:"id" db:"id"`
	LoanNumber         string     `json:"loan_number" db:"loan_number"`
	BorrowerID         string     `json:"borrower_id" db:"borrower_id"`
	ProductID          int64      `json:"product_id" db:"product_id"`
	LoanType           string     `json:"loan_type" db:"loan_type"`
	Principal          int64      `json:"principal" db:"principal"`
	InterestRate       float64    `json:"interest_rate" db:"interest_rate"`
	TotalRepayment     int64      `json:"total_repayment" db:"total_repayment"`
	OutstandingBalance int64      `json:"outstanding_balance" db:"outstanding_balance"`
	UsedAmount         int64      `json:"used_amount" db:"used_amount"`
	Status             LoanStatus `json:"status" db:"status"`
	DueDate            time.Time  `json:"due_date" db:"due_date"`
	ApprovedBy         *string    `json:"approved_by,omitempty" db:"approved_by"`
	RejectionReason    *string    `json:"rejection_reason,omitempty" db:"rejection_reason"`
	DisbursedAt        *time.Time `json:"disbursed_at,omitempty" db:"disbursed_at"`
	PaidAt             *time.Time `json:"paid_at,omitempty" db:"paid_at"`
	Metadata           Metadata   `json:"metadata" db:"metadata"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// LoanProduct describes the bounds and pricing of a loan offering.
type LoanProduct struct {
	ID           int64   `json:"id" db:"id"`
	Name         string  `json:"name" db:"name"`
	MinAmount    int64   `json:"min_amount" db:"min_amount"`
	MaxAmount    int64   `json:"max_amount" db:"max_amount"`
	InterestRate float64 `json:"interest_rate" db:"interest_rate"`
	TermDays     int     `json:"term_days" db:"term_days"`
	LoanType     string  `json:"loan_type" db:"loan_type"`
	IsActive     bool    `json:"is_active" db:"is_active"`
}

// LoanRepayment is one applied repayment.
type LoanRepayment struct {
	ID        int64     `json:"id" db:"id"`
	LoanID    int64     `json:"loan_id" db:"loan_id"`
	Amount    int64     `json:"amount" db:"amount"`
	Method    string    `json:"method" db:"method"`
	Reference string    `json:"reference" db:"reference"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Eligibility is the outcome of a borrower eligibility check.
type Eligibility struct {
	Eligible  bool   `json:"eligible"`
	MaxAmount int64  `json:"max_amount"`
	Reason    string `json:"reason,omitempty"`
}

// LoanApplication is a borrower's request for a loan.
type LoanApplication struct {
	BorrowerID string `json:"borrower_id" validate:"required"`
	ProductID  int64  `json:"product_id" validate:"required,gt=0"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	Purpose    string `json:"purpose" validate:"max=200"`
}

// LoanDecision approves or rejects a pending loan.
type LoanDecision struct {
	LoanID         int64  `json:"loan_id" validate:"required,gt=0"`
	Approved       bool   `json:"approved"`
	ApprovedAmount int64  `json:"approved_amount" validate:"omitempty,gt=0"`
	DecidedBy      string `json:"decided_by" validate:"required"`
	Reason         string `json:"reason"`
}

// RepaymentRequest applies money to a loan. When FromWallet is set the
// amount is also moved from the borrower's wallet to the system balance.
type RepaymentRequest struct {
	LoanID     int64  `json:"loan_id" validate:"required,gt=0"`
	Amount     int64  `json:"amount"`
	Method     string `json:"method" validate:"required"`
	Reference  string `json:"reference"`
	FromWallet bool   `json:"from_wallet"`
}

// RepaymentResult reports what a repayment actually applied.
type RepaymentResult struct {
	LoanNumber  string     `json:"loan_number"`
	Applied     int64      `json:"applied"`
	Outstanding int64      `json:"outstanding"`
	Status      LoanStatus `json:"status"`
	FullyPaid   bool       `json:"fully_paid"`
}

// FoodCredit is the available credit on a food loan.
type FoodCredit struct {
	LoanNumber string `json:"loan_number"`
	Principal  int64  `json:"principal"`
	UsedAmount int64  `json:"used_amount"`
	Available  int64  `json:"available"`
}

// IncomingCredit describes a wallet credit that may trigger auto recovery.
type IncomingCredit struct {
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
	Reference  string `json:"reference"`
	Tag        string `json:"tag"`
}
