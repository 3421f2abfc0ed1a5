// Package notify dispatches customer-facing text messages.
package notify

import (
	"context"
	"fmt"
	"time"
)

// Message is a single outbound text. A Secret message carries a payment
// credential and is never written to the job queue.
type Message struct {
	To     string `json:"to" validate:"required"`
	Body   string `json:"message" validate:"required,max=918"`
	Secret bool   `json:"-"`
}

// Notifier sends messages. Callers log failures; implementations never
// swallow them.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
	SendLoanApproval(ctx context.Context, phone string, amount int64, dueDate time.Time) error
	SendGasTopupConfirmation(ctx context.Context, phone, meter string, amount int64, units, token string) error
}

func LoanApprovalMessage(amount int64, dueDate time.Time) string {
	return fmt.Sprintf("Your loan of %d has been approved. Repay by %s.", amount, dueDate.Format("02 Jan 2006"))
}

func LoanRejectionMessage(loanNumber, reason string) string {
	return fmt.Sprintf("Your loan application %s was not approved: %s", loanNumber, reason)
}

func LoanPaidMessage(loanNumber string) string {
	return fmt.Sprintf("Loan %s is fully repaid. Thank you!", loanNumber)
}

func LoanReminderMessage(loanNumber string, outstanding int64, dueDate time.Time) string {
	return fmt.Sprintf("Reminder: loan %s has %d outstanding, due on %s.", loanNumber, outstanding, dueDate.Format("02 Jan 2006"))
}

func GasTopupMessage(meter string, amount int64, units, token string) string {
	return fmt.Sprintf("Gas top-up of %d for meter %s successful. Units: %s. Token: %s", amount, meter, units, token)
}

func WalletCreditMessage(amount int64, currency, reference string) string {
	return fmt.Sprintf("Your wallet has been credited with %s %d. Ref: %s", currency, amount, reference)
}

func PaymentCodeMessage(code string, amount int64, validFor time.Duration) string {
	return fmt.Sprintf("Your payment code is %s for %d. Valid for %d minutes. Do not share it.", code, amount, int(validFor.Minutes()))
}

func PaymentOTPMessage(otp string, amount int64, validFor time.Duration) string {
	return fmt.Sprintf("Your payment OTP is %s to pay %d. Expires in %d minutes.", otp, amount, int(validFor.Minutes()))
}

func CreditOrderStatusMessage(orderID, status, reason string) string {
	if reason != "" {
		return fmt.Sprintf("Credit order %s %s: %s", orderID, status, reason)
	}
	return fmt.Sprintf("Credit order %s %s.", orderID, status)
}

func CreditApprovalRequestMessage(orderID string, amount int64) string {
	return fmt.Sprintf("Credit order %s for %d needs your approval.", orderID, amount)
}

func CreditOverdueMessage(orderID string, amount int64, daysOverdue int) string {
	return fmt.Sprintf("Credit order %s of %d is %d days overdue. Please pay now.", orderID, amount, daysOverdue)
}
