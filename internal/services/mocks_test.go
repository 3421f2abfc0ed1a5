package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/ledger"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/notify"
	"github.com/ruralpay/retailpay/internal/queue"
	"github.com/ruralpay/retailpay/internal/security"
	"github.com/ruralpay/retailpay/internal/utility"
)

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) CreateBalance(ctx context.Context, ledgerID, ownerID, currency string, metadata models.Metadata) (*models.Balance, error) {
	args := m.Called(ctx, ledgerID, ownerID, currency, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Balance), args.Error(1)
}

func (m *MockLedger) CreateTransaction(ctx context.Context, req ledger.TransactionRequest) (*models.LedgerTransaction, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerTransaction), args.Error(1)
}

func (m *MockLedger) GetBalance(ctx context.Context, balanceID string) (*models.Balance, error) {
	args := m.Called(ctx, balanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Balance), args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Send(ctx context.Context, msg notify.Message) error {
	return m.Called(ctx, msg).Error(0)
}

func (m *MockNotifier) SendLoanApproval(ctx context.Context, phone string, amount int64, dueDate time.Time) error {
	return m.Called(ctx, phone, amount, dueDate).Error(0)
}

func (m *MockNotifier) SendGasTopupConfirmation(ctx context.Context, phone, meter string, amount int64, units, token string) error {
	return m.Called(ctx, phone, meter, amount, units, token).Error(0)
}

type MockEnqueuer struct {
	mock.Mock
}

func (m *MockEnqueuer) Enqueue(ctx context.Context, job queue.Job) error {
	return m.Called(ctx, job).Error(0)
}

type MockGasProvider struct {
	mock.Mock
}

func (m *MockGasProvider) PurchaseGas(ctx context.Context, req utility.GasPurchaseRequest) (*utility.GasPurchaseResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*utility.GasPurchaseResponse), args.Error(1)
}

// testEnv bundles the services over one sqlmock connection.
type testEnv struct {
	db       *sql.DB
	sql      sqlmock.Sqlmock
	ledger   *MockLedger
	notifier *MockNotifier
	accounts *AccountRepository
	wallet   *WalletService
	loans    *LoanService
	now      time.Time
}

const (
	testSystemBalance = "bln_system"
	testWallet        = "bln_wallet_1"
	testLoanBalance   = "bln_loan_1"
)

func newTestEnv(t *testing.T, enqueuer queue.Enqueuer) *testEnv {
	t.Helper()

	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	audit := security.NewAuditLogger(logger, nil)
	gateway := &MockLedger{}
	notifier := &MockNotifier{}
	accounts := NewAccountRepository(db)
	cfg := config.LedgerConfig{LedgerID: "ldg_main", Currency: "UGX", SystemBalanceID: testSystemBalance}

	wallet := NewWalletService(gateway, accounts, cfg, audit, logger)

	policy := &config.LoanPolicy{
		MinAccountAge:        7 * 24 * time.Hour,
		DefaultMaxAmount:     5000,
		HistoryWindow:        5,
		RecoveryRate:         0.10,
		MinRecovery:          100,
		AutoApproveLimit:     2000,
		DefaultGracePeriod:   7 * 24 * time.Hour,
		ReminderLeadTime:     3 * 24 * time.Hour,
		CreditScoreThreshold: 700,
		CreditAutoApprove:    50000,
		LoanNumberPrefix:     "LN",
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	loans := NewLoanService(db, wallet, accounts, notifier, enqueuer, policy, testSystemBalance, audit, logger)
	loans.now = func() time.Time { return now }

	return &testEnv{
		db:       db,
		sql:      sqlMock,
		ledger:   gateway,
		notifier: notifier,
		accounts: accounts,
		wallet:   wallet,
		loans:    loans,
		now:      now,
	}
}

var customerCols = []string{"customer_id", "full_name", "phone", "wallet_balance_id", "loan_balance_id", "credit_score", "created_at"}

func (e *testEnv) expectCustomer(id string, createdAt time.Time) {
	e.sql.ExpectQuery(`SELECT customer_id, .* FROM customers WHERE customer_id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(customerCols).
			AddRow(id, "Amina N", "+256700000001", testWallet, testLoanBalance, 720, createdAt))
}

var loanCols = []string{
	"id", "loan_number", "borrower_id", "product_id", "loan_type", "principal", "interest_rate",
	"total_repayment", "outstanding_balance", "used_amount", "status", "due_date", "approved_by",
	"rejection_reason", "disbursed_at", "paid_at", "metadata", "created_at", "updated_at",
}

type loanRow struct {
	id          int64
	loanType    string
	principal   int64
	outstanding int64
	used        int64
	status      models.LoanStatus
}

func (e *testEnv) loanRows(l loanRow) *sqlmock.Rows {
	return sqlmock.NewRows(loanCols).AddRow(
		l.id, "LN-TEST", "cust_1", int64(1), l.loanType, l.principal, 0.10,
		l.outstanding, l.outstanding, l.used, string(l.status), e.now.AddDate(0, 0, 30), nil,
		nil, nil, nil, []byte(`{}`), e.now, e.now,
	)
}

func (e *testEnv) expectLoanForUpdate(l loanRow) {
	e.sql.ExpectQuery(`SELECT id, loan_number, .* FROM loans WHERE id = \$1 FOR UPDATE`).
		WithArgs(l.id).
		WillReturnRows(e.loanRows(l))
}
