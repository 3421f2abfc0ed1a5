package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/database"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/notify"
	"github.com/ruralpay/retailpay/internal/queue"
	"github.com/ruralpay/retailpay/internal/utility"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

// GasProvider vends prepaid gas.
type GasProvider interface {
	PurchaseGas(ctx context.Context, req utility.GasPurchaseRequest) (*utility.GasPurchaseResponse, error)
}

// SettlementHandlers holds the job handlers of every queue.
type SettlementHandlers struct {
	db            *sql.DB
	wallet        *WalletService
	loans         *LoanService
	credit        *CreditService
	accounts      *AccountRepository
	notifier      notify.Notifier
	sms           notify.Notifier
	gas           GasProvider
	policy        *config.LoanPolicy
	systemBalance string
	logger        *zap.Logger
}

// NewSettlementHandlers wires the handlers. notifier is used for customer
// notices raised by jobs; sms is the direct gateway behind the sms queue.
func NewSettlementHandlers(
	db *sql.DB,
	wallet *WalletService,
	loans *LoanService,
	credit *CreditService,
	accounts *AccountRepository,
	notifier notify.Notifier,
	sms notify.Notifier,
	gas GasProvider,
	policy *config.LoanPolicy,
	systemBalance string,
	logger *zap.Logger,
) *SettlementHandlers {
	return &SettlementHandlers{
		db:            db,
		wallet:        wallet,
		loans:         loans,
		credit:        credit,
		accounts:      accounts,
		notifier:      notifier,
		sms:           sms,
		gas:           gas,
		policy:        policy,
		systemBalance: systemBalance,
		logger:        logger.Named("settlement"),
	}
}

// Register attaches one handler per queue.
func (h *SettlementHandlers) Register(p *queue.Pipeline) {
	p.Register(queue.QueuePayments, h.HandlePayment)
	p.Register(queue.QueueSMS, h.HandleSMS)
	p.Register(queue.QueueLoans, h.HandleLoan)
	p.Register(queue.QueueGas, h.HandleGas)
	p.Register(queue.QueueCredit, h.HandleCredit)
}

func (h *SettlementHandlers) HandlePayment(ctx context.Context, env *queue.Envelope) (*queue.Result, error) {
	job, err := queue.DecodePaymentJob(env)
	if err != nil {
		return nil, err
	}
	switch j := job.(type) {
	case queue.WalletCredit:
		return h.walletCredit(ctx, j)
	default:
		return nil, queue.Permanent(fmt.Errorf("unhandled payment job %T", job))
	}
}

func (h *SettlementHandlers) HandleSMS(ctx context.Context, env *queue.Envelope) (*queue.Result, error) {
	job, err := queue.DecodeSMSJob(env)
	if err != nil {
		return nil, err
	}
	switch j := job.(type) {
	case queue.SendSMS:
		if err := h.sms.Send(ctx, notify.Message{To: j.To, Body: j.Message}); err != nil {
			return nil, err
		}
		return queue.OK(nil), nil
	default:
		return nil, queue.Permanent(fmt.Errorf("unhandled sms job %T", job))
	}
}

func (h *SettlementHandlers) HandleLoan(ctx context.Context, env *queue.Envelope) (*queue.Result, error) {
	job, err := queue.DecodeLoanJob(env)
	if err != nil {
		return nil, err
	}
	switch j := job.(type) {
	case queue.LoanApplicationReview:
		return h.reviewLoan(ctx, j)
	case queue.LoanReminder:
		if err := h.notifier.Send(ctx, notify.Message{
			To:   j.Phone,
			Body: notify.LoanReminderMessage(j.LoanNumber, j.Outstanding, j.DueDate),
		}); err != nil {
			return nil, err
		}
		return queue.OK(map[string]any{"loan_number": j.LoanNumber}), nil
	default:
		return nil, queue.Permanent(fmt.Errorf("unhandled loan job %T", job))
	}
}

func (h *SettlementHandlers) HandleGas(ctx context.Context, env *queue.Envelope) (*queue.Result, error) {
	job, err := queue.DecodeGasJob(env)
	if err != nil {
		return nil, err
	}
	switch j := job.(type) {
	case queue.GasTopup:
		return h.gasTopup(ctx, j)
	default:
		return nil, queue.Permanent(fmt.Errorf("unhandled gas job %T", job))
	}
}

func (h *SettlementHandlers) HandleCredit(ctx context.Context, env *queue.Envelope) (*queue.Result, error) {
	job, err := queue.DecodeCreditJob(env)
	if err != nil {
		return nil, err
	}
	switch j := job.(type) {
	case queue.CreditOrder:
		return h.credit.HandleEvent(ctx, j.CreditOrderEvent)
	default:
		return nil, queue.Permanent(fmt.Errorf("unhandled credit job %T", job))
	}
}

// walletCredit settles a provider callback into the customer's wallet.
// A provider reference is credited at most once.
func (h *SettlementHandlers) walletCredit(ctx context.Context, j queue.WalletCredit) (*queue.Result, error) {
	if j.Status != models.ProviderStatusSuccessful && j.Status != models.ProviderStatusAirtelOK {
		h.logger.Info("payment not successful",
			zap.String("provider", j.Provider), zap.String("reference", j.Reference), zap.String("status", j.Status))
		return queue.NotOK("Payment not successful"), nil
	}

	customer, err := h.resolveCustomer(ctx, j)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	if customer.WalletBalanceID == "" {
		return nil, queue.Permanent(xerrors.Validation("customer_id", "customer %s has no wallet", customer.CustomerID))
	}

	var (
		duplicate bool
		txn       *models.LedgerTransaction
	)
	err = database.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO processed_payments (provider, reference, customer_id, amount, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (provider, reference) DO NOTHING
		`, j.Provider, j.Reference, customer.CustomerID, j.Amount, time.Now())
		if err != nil {
			return fmt.Errorf("failed to record processed payment: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			duplicate = true
			return nil
		}

		txn, err = h.wallet.CreditWalletBalance(ctx, Movement{
			Source:      h.systemBalance,
			Destination: customer.WalletBalanceID,
			Amount:      j.Amount,
			Reference:   j.Reference,
			Description: "Wallet credit via " + j.Provider,
			Metadata:    models.Metadata{"type": "wallet_credit", "provider": j.Provider},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if duplicate {
		h.logger.Info("duplicate payment ignored", zap.String("provider", j.Provider), zap.String("reference", j.Reference))
		return queue.OK(map[string]any{"duplicate": true}), nil
	}

	phone := customer.Phone
	if phone == "" {
		phone = j.Phone
	}
	if err := h.notifier.Send(ctx, notify.Message{
		To:   phone,
		Body: notify.WalletCreditMessage(j.Amount, txn.Currency, j.Reference),
	}); err != nil {
		h.logger.Error("failed to send wallet credit notice", zap.String("reference", j.Reference), zap.Error(err))
	}

	data := map[string]any{"transaction_id": txn.TransactionID, "customer_id": customer.CustomerID}
	recovered, err := h.loans.AutoRecoverFromTransaction(ctx, models.IncomingCredit{
		CustomerID: customer.CustomerID,
		Amount:     j.Amount,
		Reference:  j.Reference,
		Tag:        j.Metadata.String("tag"),
	})
	if err != nil {
		h.logger.Error("auto recovery failed", zap.String("customer_id", customer.CustomerID), zap.Error(err))
	} else if recovered != nil {
		data["recovered"] = recovered.Applied
	}

	return queue.OK(data), nil
}

func (h *SettlementHandlers) resolveCustomer(ctx context.Context, j queue.WalletCredit) (*models.Customer, error) {
	if j.CustomerID != "" {
		return h.accounts.GetCustomer(ctx, j.CustomerID)
	}
	if j.Phone != "" {
		return h.accounts.FindCustomerByPhone(ctx, j.Phone)
	}
	return nil, xerrors.NotFound("customer", j.Reference)
}

// reviewLoan auto-approves small applications and flags the rest for a
// human decision.
func (h *SettlementHandlers) reviewLoan(ctx context.Context, j queue.LoanApplicationReview) (*queue.Result, error) {
	loan, err := h.loans.GetLoan(ctx, j.LoanID)
	if err != nil {
		if errors.Is(err, xerrors.ErrNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	if loan.Principal > h.policy.AutoApproveLimit {
		if loan.Status == models.LoanPending {
			if err := h.loans.MarkForManualReview(ctx, loan.ID, "amount above auto-approve limit"); err != nil {
				return nil, err
			}
		}
		return queue.OK(map[string]any{"loan_number": loan.LoanNumber, "manual_review": true}), nil
	}

	// A retried job may find the loan already approved.
	if loan.Status == models.LoanPending {
		loan, err = h.loans.ProcessLoanDecision(ctx, models.LoanDecision{
			LoanID:    loan.ID,
			Approved:  true,
			DecidedBy: "auto",
			Reason:    "auto-approved",
		})
		if err != nil {
			return nil, err
		}
	}
	if loan.Status == models.LoanApproved {
		loan, err = h.loans.DisburseLoan(ctx, loan.ID)
		if err != nil {
			return nil, err
		}
	}

	return queue.OK(map[string]any{"loan_number": loan.LoanNumber, "status": string(loan.Status)}), nil
}

// gasTopup debits the wallet before vending and refunds it when the
// provider fails.
func (h *SettlementHandlers) gasTopup(ctx context.Context, j queue.GasTopup) (*queue.Result, error) {
	log := h.logger.With(zap.String("reference", j.Reference), zap.String("meter", j.MeterNumber))

	wallet := j.WalletBalanceID
	if wallet == "" {
		customer, err := h.accounts.GetCustomer(ctx, j.CustomerID)
		if err != nil {
			if errors.Is(err, xerrors.ErrNotFound) {
				return nil, queue.Permanent(err)
			}
			return nil, err
		}
		wallet = customer.WalletBalanceID
	}

	_, err := h.wallet.DebitWalletBalance(ctx, Movement{
		Source:      wallet,
		Destination: h.systemBalance,
		Amount:      j.Amount,
		Reference:   j.Reference,
		Description: "Gas top-up for meter " + j.MeterNumber,
		Metadata:    models.Metadata{"type": "gas_topup", "meter_number": j.MeterNumber},
	})
	switch {
	case errors.Is(err, xerrors.ErrInsufficientBalance):
		return queue.NotOK("Insufficient balance"), nil
	case errors.Is(err, xerrors.ErrValidation):
		return queue.NotOK(err.Error()), nil
	case err != nil:
		return nil, err
	}

	resp, err := h.gas.PurchaseGas(ctx, utility.GasPurchaseRequest{
		MeterNumber: j.MeterNumber,
		Amount:      j.Amount,
		Reference:   j.Reference,
		Phone:       j.Phone,
	})
	if err != nil {
		log.Warn("gas purchase failed, refunding wallet", zap.Error(err))
		if _, rerr := h.wallet.CreditWalletBalance(ctx, Movement{
			Source:      h.systemBalance,
			Destination: wallet,
			Amount:      j.Amount,
			Reference:   j.Reference + "-REFUND",
			Description: "Refund for failed gas top-up",
			Metadata:    models.Metadata{"type": "gas_refund", "meter_number": j.MeterNumber},
		}); rerr != nil {
			log.Error("gas refund failed", zap.Error(rerr))
			return nil, queue.Permanent(fmt.Errorf("refund of failed gas top-up %s: %w", j.Reference, rerr))
		}
		return queue.NotOK("Gas purchase failed: " + err.Error()), nil
	}

	if err := h.notifier.SendGasTopupConfirmation(ctx, j.Phone, j.MeterNumber, j.Amount, resp.Units, resp.Token); err != nil {
		log.Error("failed to send gas confirmation", zap.Error(err))
	}
	log.Info("gas top-up completed", zap.String("provider_ref", resp.ProviderRef))
	return queue.OK(map[string]any{"token": resp.Token, "units": resp.Units, "provider_ref": resp.ProviderRef}), nil
}

// CreditWallet settles one provider callback in-process. It is used when
// the job pipeline is disabled.
func (h *SettlementHandlers) CreditWallet(ctx context.Context, j queue.WalletCredit) (*queue.Result, error) {
	return h.walletCredit(ctx, j)
}
