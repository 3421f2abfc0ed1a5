package queue

import (
	"fmt"
	"time"

	"github.com/ruralpay/retailpay/internal/models"
)

// Each queue accepts a closed set of job types. The unexported marker
// methods keep the sets sealed to this package; the Decode functions are
// the only place a stored type string is mapped back to a Go type.

type PaymentJob interface {
	Job
	paymentJob()
}

type SMSJob interface {
	Job
	smsJob()
}

type LoanJob interface {
	Job
	loanJob()
}

type GasJob interface {
	Job
	gasJob()
}

type CreditJob interface {
	Job
	creditJob()
}

// WalletCredit credits a customer wallet after a provider callback.
type WalletCredit struct {
	Provider   string          `json:"provider"`
	CustomerID string          `json:"customer_id"`
	Phone      string          `json:"phone"`
	Amount     int64           `json:"amount"`
	Currency   string          `json:"currency"`
	Reference  string          `json:"reference"`
	Status     string          `json:"status"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   models.Metadata `json:"metadata,omitempty"`
}

func (WalletCredit) Queue() string { return QueuePayments }
func (WalletCredit) Type() string  { return "wallet_credit" }
func (WalletCredit) paymentJob()   {}

// SendSMS delivers a text message.
type SendSMS struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (SendSMS) Queue() string { return QueueSMS }
func (SendSMS) Type() string  { return "send" }
func (SendSMS) smsJob()       {}

// LoanApplicationReview runs automated review of a pending loan.
type LoanApplicationReview struct {
	LoanID     int64  `json:"loan_id"`
	BorrowerID string `json:"borrower_id"`
	Amount     int64  `json:"amount"`
	Phone      string `json:"phone"`
}

func (LoanApplicationReview) Queue() string { return QueueLoans }
func (LoanApplicationReview) Type() string  { return "loan_application" }
func (LoanApplicationReview) loanJob()      {}

// LoanReminder tells a borrower a repayment is coming due.
type LoanReminder struct {
	LoanID      int64     `json:"loan_id"`
	LoanNumber  string    `json:"loan_number"`
	Phone       string    `json:"phone"`
	Outstanding int64     `json:"outstanding"`
	DueDate     time.Time `json:"due_date"`
}

func (LoanReminder) Queue() string { return QueueLoans }
func (LoanReminder) Type() string  { return "loan_reminder" }
func (LoanReminder) loanJob()      {}

// GasTopup buys prepaid gas units with wallet funds.
type GasTopup struct {
	CustomerID      string `json:"customer_id"`
	WalletBalanceID string `json:"wallet_balance_id"`
	MeterNumber     string `json:"meter_number"`
	Amount          int64  `json:"amount"`
	Phone           string `json:"phone"`
	Reference       string `json:"reference"`
}

func (GasTopup) Queue() string { return QueueGas }
func (GasTopup) Type() string  { return "gas_topup" }
func (GasTopup) gasJob()       {}

// CreditOrder processes one B2B credit-order event.
type CreditOrder struct {
	models.CreditOrderEvent
}

func (CreditOrder) Queue() string { return QueueCredit }
func (CreditOrder) Type() string  { return "credit_order" }
func (CreditOrder) creditJob()    {}

func unknownType(env *Envelope) error {
	return Permanent(fmt.Errorf("unknown %s job type %q", env.Queue, env.Type))
}

func DecodePaymentJob(env *Envelope) (PaymentJob, error) {
	switch env.Type {
	case WalletCredit{}.Type():
		var j WalletCredit
		if err := decodePayload(env, &j); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, unknownType(env)
}

func DecodeSMSJob(env *Envelope) (SMSJob, error) {
	switch env.Type {
	case SendSMS{}.Type():
		var j SendSMS
		if err := decodePayload(env, &j); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, unknownType(env)
}

func DecodeLoanJob(env *Envelope) (LoanJob, error) {
	switch env.Type {
	case LoanApplicationReview{}.Type():
		var j LoanApplicationReview
		if err := decodePayload(env, &j); err != nil {
			return nil, err
		}
		return j, nil
	case LoanReminder{}.Type():
		var j LoanReminder
		if err := decodePayload(env, &j); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, unknownType(env)
}

func DecodeGasJob(env *Envelope) (GasJob, error) {
	switch env.Type {
	case GasTopup{}.Type():
		var j GasTopup
		if err := decodePayload(env, &j); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, unknownType(env)
}

func DecodeCreditJob(env *Envelope) (CreditJob, error) {
	switch env.Type {
	case CreditOrder{}.Type():
		var j CreditOrder
		if err := decodePayload(env, &j); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, unknownType(env)
}
