package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/ledger"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/security"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

// LedgerGateway is the part of the ledger client the services depend on.
type LedgerGateway interface {
	CreateBalance(ctx context.Context, ledgerID, ownerID, currency string, metadata models.Metadata) (*models.Balance, error)
	CreateTransaction(ctx context.Context, req ledger.TransactionRequest) (*models.LedgerTransaction, error)
	GetBalance(ctx context.Context, balanceID string) (*models.Balance, error)
}

// Movement is a caller-described ledger move.
type Movement struct {
	Source      string
	Destination string
	Amount      int64
	Reference   string
	Description string
	Metadata    models.Metadata
}

// PurchaseDestination is a balance that may receive loan funds. Its fields
// are unexported so only code that has verified a retailer record can build
// one; see LoanService.PayWithLoanBalance.
type PurchaseDestination struct {
	balanceID  string
	retailerID string
}

func (d PurchaseDestination) BalanceID() string  { return d.balanceID }
func (d PurchaseDestination) RetailerID() string { return d.retailerID }

func purchaseDestinationFor(r *models.Retailer) (PurchaseDestination, error) {
	if r.Status != models.RetailerStatusActive {
		return PurchaseDestination{}, xerrors.Validation("retailer", "retailer %s is not active", r.RetailerID)
	}
	if r.BalanceID == "" {
		return PurchaseDestination{}, xerrors.Validation("retailer", "retailer %s has no settlement balance", r.RetailerID)
	}
	return PurchaseDestination{balanceID: r.BalanceID, retailerID: r.RetailerID}, nil
}

// WalletService enforces wallet versus loan semantics on top of the ledger.
// It holds no local balance state; ledger errors are returned unchanged.
type WalletService struct {
	ledger   LedgerGateway
	accounts *AccountRepository
	ledgerID string
	currency string
	audit    *security.AuditLogger
	logger   *zap.Logger
}

func NewWalletService(gateway LedgerGateway, accounts *AccountRepository, cfg config.LedgerConfig, audit *security.AuditLogger, logger *zap.Logger) *WalletService {
	return &WalletService{
		ledger:   gateway,
		accounts: accounts,
		ledgerID: cfg.LedgerID,
		currency: cfg.Currency,
		audit:    audit,
		logger:   logger.Named("wallet"),
	}
}

// TopUpWallet moves funds from the system balance into a wallet.
func (s *WalletService) TopUpWallet(ctx context.Context, walletBalance, systemBalance string, amount int64, reference, method string) (*models.LedgerTransaction, error) {
	return s.move(ctx, Movement{
		Source:      systemBalance,
		Destination: walletBalance,
		Amount:      amount,
		Reference:   reference,
		Description: "Wallet top-up via " + method,
		Metadata:    models.Metadata{"type": "topup", "method": method},
	}, models.BalanceTypeWallet, false)
}

// PayFromWallet pays a merchant from a wallet.
func (s *WalletService) PayFromWallet(ctx context.Context, walletBalance, merchantBalance string, amount int64, orderRef string) (*models.LedgerTransaction, error) {
	return s.move(ctx, Movement{
		Source:      walletBalance,
		Destination: merchantBalance,
		Amount:      amount,
		Reference:   orderRef,
		Description: "Order payment " + orderRef,
		Metadata:    models.Metadata{"type": "order_payment", "order_ref": orderRef},
	}, models.BalanceTypeWallet, true)
}

// CreditWalletBalance is a generic wallet credit (deposits, refunds).
func (s *WalletService) CreditWalletBalance(ctx context.Context, m Movement) (*models.LedgerTransaction, error) {
	return s.move(ctx, m, models.BalanceTypeWallet, false)
}

// DebitWalletBalance is a generic wallet debit. The source must hold the
// full amount.
func (s *WalletService) DebitWalletBalance(ctx context.Context, m Movement) (*models.LedgerTransaction, error) {
	return s.move(ctx, m, models.BalanceTypeWallet, true)
}

// CreditLoanBalance moves disbursed loan funds into a loan balance.
func (s *WalletService) CreditLoanBalance(ctx context.Context, systemBalance, loanBalance string, amount int64, reference, description string, metadata models.Metadata) (*models.LedgerTransaction, error) {
	return s.move(ctx, Movement{
		Source:      systemBalance,
		Destination: loanBalance,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		Metadata:    metadata,
	}, models.BalanceTypeLoan, false)
}

// DebitLoanBalance spends loan funds at a purchase destination.
func (s *WalletService) DebitLoanBalance(ctx context.Context, loanBalance string, dest PurchaseDestination, amount int64, reference, description string, metadata models.Metadata) (*models.LedgerTransaction, error) {
	if dest.balanceID == "" {
		return nil, xerrors.Validation("destination", "loan funds can only be spent at a verified retailer")
	}
	meta := metadata.Clone()
	meta["retailer_id"] = dest.retailerID
	return s.move(ctx, Movement{
		Source:      loanBalance,
		Destination: dest.balanceID,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		Metadata:    meta,
	}, models.BalanceTypeLoan, true)
}

// GetUserBalances reads both balances in parallel.
func (s *WalletService) GetUserBalances(ctx context.Context, walletBalance, loanBalance string) (*models.UserBalances, error) {
	var wallet, loan *models.Balance

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b, err := s.ledger.GetBalance(gctx, walletBalance)
		wallet = b
		return err
	})
	g.Go(func() error {
		if loanBalance == "" {
			loan = &models.Balance{}
			return nil
		}
		b, err := s.ledger.GetBalance(gctx, loanBalance)
		loan = b
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	currency := wallet.Currency
	if currency == "" {
		currency = s.currency
	}
	return &models.UserBalances{
		Wallet:   wallet.Balance,
		Loan:     loan.Balance,
		Total:    wallet.Balance + loan.Balance,
		Currency: currency,
	}, nil
}

// CustomerBalances looks up a customer's balance ids and reads both.
func (s *WalletService) CustomerBalances(ctx context.Context, customerID string) (*models.UserBalances, error) {
	customer, err := s.accounts.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer.WalletBalanceID == "" {
		return nil, xerrors.NotFound("wallet", customerID)
	}
	return s.GetUserBalances(ctx, customer.WalletBalanceID, customer.LoanBalanceID)
}

// ProvisionAccount creates the ledger balances of a new customer (wallet and
// loan) or retailer (wallet only) and stores their ids.
func (s *WalletService) ProvisionAccount(ctx context.Context, ownerID, ownerType string) (*models.ProvisionedAccount, error) {
	if ownerID == "" {
		return nil, xerrors.Validation("owner_id", "is required")
	}
	if ownerType != models.OwnerCustomer && ownerType != models.OwnerRetailer {
		return nil, xerrors.Validation("owner_type", "must be %s or %s", models.OwnerCustomer, models.OwnerRetailer)
	}

	wallet, err := s.ledger.CreateBalance(ctx, s.ledgerID, ownerID, s.currency, models.Metadata{
		"balance_type": string(models.BalanceTypeWallet),
		"owner_type":   ownerType,
	})
	if err != nil {
		return nil, err
	}
	account := &models.ProvisionedAccount{OwnerID: ownerID, OwnerType: ownerType, WalletBalanceID: wallet.BalanceID}

	if ownerType == models.OwnerRetailer {
		if err := s.accounts.SaveRetailerBalance(ctx, ownerID, wallet.BalanceID); err != nil {
			return nil, err
		}
		s.logger.Info("retailer balance provisioned", zap.String("retailer_id", ownerID), zap.String("balance_id", wallet.BalanceID))
		return account, nil
	}

	loan, err := s.ledger.CreateBalance(ctx, s.ledgerID, ownerID, s.currency, models.Metadata{
		"balance_type": string(models.BalanceTypeLoan),
		"owner_type":   ownerType,
	})
	if err != nil {
		return nil, err
	}
	account.LoanBalanceID = loan.BalanceID

	if err := s.accounts.SaveCustomerBalances(ctx, ownerID, wallet.BalanceID, loan.BalanceID); err != nil {
		return nil, err
	}
	s.logger.Info("customer balances provisioned",
		zap.String("customer_id", ownerID),
		zap.String("wallet_balance_id", wallet.BalanceID),
		zap.String("loan_balance_id", loan.BalanceID))
	return account, nil
}

// move validates, optionally checks the source balance, then records one
// ledger transaction tagged with balance type bt.
func (s *WalletService) move(ctx context.Context, m Movement, bt models.BalanceType, checkSource bool) (*models.LedgerTransaction, error) {
	if m.Amount <= 0 {
		return nil, xerrors.Validation("amount", "must be greater than zero")
	}
	if m.Source == "" || m.Destination == "" {
		return nil, xerrors.Validation("balance", "source and destination are required")
	}
	if m.Reference == "" {
		m.Reference = fmt.Sprintf("%s-%s", bt, uuid.NewString())
	}

	if checkSource {
		src, err := s.ledger.GetBalance(ctx, m.Source)
		if err != nil {
			return nil, err
		}
		// A loan-tagged balance may never be the source of a wallet move,
		// and a wallet-tagged one never the source of a loan move.
		if t := src.Type(); t != "" && t != bt {
			return nil, xerrors.Validation("source", "balance %s is a %s balance, not %s", m.Source, t, bt)
		}
		if src.Balance < m.Amount {
			return nil, &xerrors.InsufficientBalanceError{BalanceID: m.Source, Available: src.Balance, Requested: m.Amount}
		}
	}

	meta := m.Metadata.Clone()
	meta["balance_type"] = string(bt)

	txn, err := s.ledger.CreateTransaction(ctx, ledger.TransactionRequest{
		Amount:      m.Amount,
		Currency:    s.currency,
		Source:      m.Source,
		Destination: m.Destination,
		Reference:   m.Reference,
		Description: m.Description,
		MetaData:    meta,
	})
	if err != nil {
		s.audit.LogError(ctx, m.Reference, m.Source, err)
		return nil, err
	}

	s.audit.LogTransfer(ctx, txn.TransactionID, m.Source, m.Destination, m.Amount, "SUCCESS")
	return txn, nil
}
