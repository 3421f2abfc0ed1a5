package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/config"
	"github.com/ruralpay/retailpay/internal/database"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/notify"
	"github.com/ruralpay/retailpay/internal/queue"
	"github.com/ruralpay/retailpay/internal/security"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

// LoanService runs the loan lifecycle from application to repayment.
type LoanService struct {
	db            *sql.DB
	wallet        *WalletService
	accounts      *AccountRepository
	notifier      notify.Notifier
	enqueuer      queue.Enqueuer
	validator     *ValidationHelper
	policy        *config.LoanPolicy
	systemBalance string
	audit         *security.AuditLogger
	logger        *zap.Logger
	now           func() time.Time
}

// NewLoanService wires the loan manager. enqueuer may be nil when queueing
// is disabled.
func NewLoanService(
	db *sql.DB,
	wallet *WalletService,
	accounts *AccountRepository,
	notifier notify.Notifier,
	enqueuer queue.Enqueuer,
	policy *config.LoanPolicy,
	systemBalance string,
	audit *security.AuditLogger,
	logger *zap.Logger,
) *LoanService {
	return &LoanService{
		db:            db,
		wallet:        wallet,
		accounts:      accounts,
		notifier:      notifier,
		enqueuer:      enqueuer,
		validator:     NewValidationHelper(),
		policy:        policy,
		systemBalance: systemBalance,
		audit:         audit,
		logger:        logger.Named("loans"),
		now:           time.Now,
	}
}

const loanColumns = `id, loan_number, borrower_id, product_id, loan_type, principal, interest_rate,
	total_repayment, outstanding_balance, used_amount, status, due_date, approved_by,
	rejection_reason, disbursed_at, paid_at, metadata, created_at, updated_at`

func (s *LoanService) loadLoan(ctx context.Context, q database.Querier, loanID int64, suffix string) (*models.Loan, error) {
	var l models.Loan
	err := q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`+suffix, loanID).Scan(
		&l.ID, &l.LoanNumber, &l.BorrowerID, &l.ProductID, &l.LoanType, &l.Principal, &l.InterestRate,
		&l.TotalRepayment, &l.OutstandingBalance, &l.UsedAmount, &l.Status, &l.DueDate, &l.ApprovedBy,
		&l.RejectionReason, &l.DisbursedAt, &l.PaidAt, &l.Metadata, &l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NotFound("loan", fmt.Sprint(loanID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan %d: %w", loanID, err)
	}
	return &l, nil
}

// GetLoan returns a loan by id.
func (s *LoanService) GetLoan(ctx context.Context, loanID int64) (*models.Loan, error) {
	return s.loadLoan(ctx, s.db, loanID, "")
}

// CheckEligibility evaluates, in order, open loans, repayment history and
// account age.
func (s *LoanService) CheckEligibility(ctx context.Context, borrowerID string) (*models.Eligibility, error) {
	var open int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loans
		WHERE borrower_id = $1 AND status = ANY($2)
	`, borrowerID, pq.Array(models.OpenLoanStatuses())).Scan(&open)
	if err != nil {
		return nil, fmt.Errorf("failed to check open loans: %w", err)
	}
	if open > 0 {
		return &models.Eligibility{Eligible: false, Reason: "You have an active loan"}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT due_date, paid_at FROM loans
		WHERE borrower_id = $1 AND status = 'paid'
		ORDER BY paid_at DESC LIMIT $2
	`, borrowerID, s.policy.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load repayment history: %w", err)
	}
	defer rows.Close()

	var total, onTime int
	for rows.Next() {
		var due time.Time
		var paid *time.Time
		if err := rows.Scan(&due, &paid); err != nil {
			return nil, fmt.Errorf("failed to scan repayment history: %w", err)
		}
		total++
		if paid != nil && !paid.After(due) {
			onTime++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read repayment history: %w", err)
	}
	maxAmount := s.maxAmountFor(onTime, total)

	customer, err := s.accounts.GetCustomer(ctx, borrowerID)
	if err != nil {
		return nil, err
	}
	if customer.AccountAge(s.now()) < s.policy.MinAccountAge {
		return &models.Eligibility{
			Eligible:  false,
			MaxAmount: maxAmount,
			Reason:    fmt.Sprintf("Account must be at least %d days old", int(s.policy.MinAccountAge.Hours()/24)),
		}, nil
	}

	return &models.Eligibility{Eligible: true, MaxAmount: maxAmount}, nil
}

// maxAmountFor maps the on-time ratio of recent paid loans to a limit.
func (s *LoanService) maxAmountFor(onTime, total int) int64 {
	if total == 0 {
		return s.policy.DefaultMaxAmount
	}
	ratio := float64(onTime) / float64(total)
	switch {
	case ratio >= 0.9:
		return 10000
	case ratio >= 0.7:
		return 7000
	case ratio >= 0.5:
		return 5000
	default:
		return 2000
	}
}

// totalRepayment is principal × (1 + rate), rounded to whole units.
func totalRepayment(principal int64, rate float64) int64 {
	return decimal.NewFromInt(principal).
		Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(rate))).
		Round(0).
		IntPart()
}

func (s *LoanService) newLoanNumber() string {
	return s.policy.LoanNumberPrefix + "-" + ulid.Make().String()
}

// ApplyForLoan records a pending loan after eligibility and product checks.
func (s *LoanService) ApplyForLoan(ctx context.Context, app models.LoanApplication) (*models.Loan, error) {
	if err := s.validator.Validate(app); err != nil {
		return nil, err
	}

	elig, err := s.CheckEligibility(ctx, app.BorrowerID)
	if err != nil {
		return nil, err
	}
	if !elig.Eligible {
		return nil, &xerrors.ValidationError{Message: elig.Reason}
	}

	var p models.LoanProduct
	err = s.db.QueryRowContext(ctx, `
		SELECT id, name, min_amount, max_amount, interest_rate, term_days, loan_type, is_active
		FROM loan_products WHERE id = $1
	`, app.ProductID).Scan(&p.ID, &p.Name, &p.MinAmount, &p.MaxAmount, &p.InterestRate, &p.TermDays, &p.LoanType, &p.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NotFound("loan product", fmt.Sprint(app.ProductID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load loan product: %w", err)
	}
	if !p.IsActive {
		return nil, xerrors.Validation("product_id", "loan product %s is not available", p.Name)
	}
	if app.Amount < p.MinAmount || app.Amount > p.MaxAmount {
		return nil, xerrors.Validation("amount", "must be between %d and %d", p.MinAmount, p.MaxAmount)
	}
	if app.Amount > elig.MaxAmount {
		return nil, &xerrors.ValidationError{Message: fmt.Sprintf("Maximum eligible amount is %d", elig.MaxAmount)}
	}

	now := s.now()
	total := totalRepayment(app.Amount, p.InterestRate)
	loan := &models.Loan{
		LoanNumber:         s.newLoanNumber(),
		BorrowerID:         app.BorrowerID,
		ProductID:          p.ID,
		LoanType:           p.LoanType,
		Principal:          app.Amount,
		InterestRate:       p.InterestRate,
		TotalRepayment:     total,
		OutstandingBalance: total,
		Status:             models.LoanPending,
		DueDate:            now.AddDate(0, 0, p.TermDays),
		Metadata:           models.Metadata{"purpose": app.Purpose},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO loans (loan_number, borrower_id, product_id, loan_type, principal, interest_rate,
			total_repayment, outstanding_balance, used_amount, status, due_date, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, $11, $12, $12)
		RETURNING id
	`, loan.LoanNumber, loan.BorrowerID, loan.ProductID, loan.LoanType, loan.Principal, loan.InterestRate,
		loan.TotalRepayment, loan.OutstandingBalance, loan.Status, loan.DueDate, loan.Metadata, now).Scan(&loan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create loan: %w", err)
	}

	s.audit.LogOperation(ctx, loan.LoanNumber, loan.BorrowerID, "LOAN_APPLICATION", map[string]any{
		"amount":     loan.Principal,
		"product_id": loan.ProductID,
	})
	s.logger.Info("loan application received",
		zap.String("loan_number", loan.LoanNumber),
		zap.String("borrower_id", loan.BorrowerID),
		zap.Int64("amount", loan.Principal))

	if s.enqueuer != nil {
		job := queue.LoanApplicationReview{LoanID: loan.ID, BorrowerID: loan.BorrowerID, Amount: loan.Principal}
		if c, err := s.accounts.GetCustomer(ctx, loan.BorrowerID); err == nil {
			job.Phone = c.Phone
		}
		if err := s.enqueuer.Enqueue(ctx, job); err != nil {
			s.logger.Error("failed to enqueue loan review", zap.String("loan_number", loan.LoanNumber), zap.Error(err))
		}
	}

	return loan, nil
}

// ProcessLoanDecision approves or rejects a pending loan. Approved food
// loans are disbursed immediately.
func (s *LoanService) ProcessLoanDecision(ctx context.Context, d models.LoanDecision) (*models.Loan, error) {
	if err := s.validator.Validate(d); err != nil {
		return nil, err
	}

	var loan *models.Loan
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		l, err := s.loadLoan(ctx, tx, d.LoanID, " FOR UPDATE")
		if err != nil {
			return err
		}
		if l.Status != models.LoanPending {
			return &xerrors.InvalidStateError{Entity: "loan", ID: l.LoanNumber, State: string(l.Status), Op: "decide"}
		}

		now := s.now()
		if !d.Approved {
			if _, err := tx.ExecContext(ctx, `
				UPDATE loans SET status = $1, rejection_reason = $2, approved_by = $3, updated_at = $4 WHERE id = $5
			`, models.LoanRejected, d.Reason, d.DecidedBy, now, l.ID); err != nil {
				return fmt.Errorf("failed to reject loan: %w", err)
			}
			l.Status = models.LoanRejected
			l.RejectionReason = &d.Reason
			l.ApprovedBy = &d.DecidedBy
			loan = l
			return nil
		}

		if d.ApprovedAmount > 0 {
			l.Principal = d.ApprovedAmount
		}
		l.TotalRepayment = totalRepayment(l.Principal, l.InterestRate)
		l.OutstandingBalance = l.TotalRepayment
		if _, err := tx.ExecContext(ctx, `
			UPDATE loans SET status = $1, principal = $2, total_repayment = $3, outstanding_balance = $3,
				approved_by = $4, updated_at = $5
			WHERE id = $6
		`, models.LoanApproved, l.Principal, l.TotalRepayment, d.DecidedBy, now, l.ID); err != nil {
			return fmt.Errorf("failed to approve loan: %w", err)
		}
		l.Status = models.LoanApproved
		l.ApprovedBy = &d.DecidedBy
		loan = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogOperation(ctx, loan.LoanNumber, loan.BorrowerID, "LOAN_DECISION", map[string]any{
		"status":     loan.Status,
		"decided_by": d.DecidedBy,
		"amount":     loan.Principal,
	})

	phone := s.borrowerPhone(ctx, loan.BorrowerID)
	if loan.Status == models.LoanRejected {
		if phone != "" {
			if err := s.notifier.Send(ctx, notify.Message{To: phone, Body: notify.LoanRejectionMessage(loan.LoanNumber, d.Reason)}); err != nil {
				s.logger.Error("failed to send loan rejection", zap.String("loan_number", loan.LoanNumber), zap.Error(err))
			}
		}
		return loan, nil
	}

	if phone != "" {
		if err := s.notifier.SendLoanApproval(ctx, phone, loan.Principal, loan.DueDate); err != nil {
			s.logger.Error("failed to send loan approval", zap.String("loan_number", loan.LoanNumber), zap.Error(err))
		}
	}

	if loan.LoanType == models.LoanTypeFood {
		return s.DisburseLoan(ctx, loan.ID)
	}
	return loan, nil
}

// DisburseLoan moves an approved loan to disbursed. Cash loans credit the
// borrower's loan balance; food loans only get a tracking id.
func (s *LoanService) DisburseLoan(ctx context.Context, loanID int64) (*models.Loan, error) {
	var loan *models.Loan
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		l, err := s.loadLoan(ctx, tx, loanID, " FOR UPDATE")
		if err != nil {
			return err
		}
		if l.Status != models.LoanApproved {
			return &xerrors.InvalidStateError{Entity: "loan", ID: l.LoanNumber, State: string(l.Status), Op: "disburse"}
		}

		now := s.now()
		meta := models.Metadata{}
		if l.LoanType == models.LoanTypeFood {
			meta["tracking_id"] = "FOOD-" + l.LoanNumber
		} else {
			meta["disbursement_reference"] = "DISB-" + l.LoanNumber
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE loans SET status = $1, disbursed_at = $2, updated_at = $2,
				metadata = COALESCE(metadata, '{}'::jsonb) || $3::jsonb
			WHERE id = $4
		`, models.LoanDisbursed, now, meta, l.ID); err != nil {
			return fmt.Errorf("failed to disburse loan: %w", err)
		}

		if l.LoanType != models.LoanTypeFood {
			customer, err := s.accounts.GetCustomer(ctx, l.BorrowerID)
			if err != nil {
				return err
			}
			if customer.LoanBalanceID == "" {
				return xerrors.Validation("borrower_id", "borrower %s has no loan balance", l.BorrowerID)
			}
			if _, err := s.wallet.CreditLoanBalance(ctx, s.systemBalance, customer.LoanBalanceID, l.Principal,
				meta.String("disbursement_reference"), "Loan disbursement "+l.LoanNumber,
				models.Metadata{"type": "loan_disbursement", "loan_number": l.LoanNumber}); err != nil {
				return err
			}
		}

		if l.Metadata == nil {
			l.Metadata = models.Metadata{}
		}
		for k, v := range meta {
			l.Metadata[k] = v
		}
		l.Status = models.LoanDisbursed
		l.DisbursedAt = &now
		loan = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("loan disbursed",
		zap.String("loan_number", loan.LoanNumber),
		zap.String("loan_type", loan.LoanType),
		zap.Int64("principal", loan.Principal))
	return loan, nil
}

// ProcessRepayment applies a repayment capped at the outstanding balance.
func (s *LoanService) ProcessRepayment(ctx context.Context, req models.RepaymentRequest) (*models.RepaymentResult, error) {
	if req.Amount <= 0 {
		return nil, xerrors.Validation("amount", "must be greater than zero")
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}

	var result *models.RepaymentResult
	var borrowerID string
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		l, err := s.loadLoan(ctx, tx, req.LoanID, " FOR UPDATE")
		if err != nil {
			return err
		}
		if !l.Status.Repayable() {
			return &xerrors.InvalidStateError{Entity: "loan", ID: l.LoanNumber, State: string(l.Status), Op: "repay"}
		}

		applied := min(req.Amount, l.OutstandingBalance)
		outstanding := l.OutstandingBalance - applied
		status := l.Status
		var paidAt *time.Time
		now := s.now()
		if outstanding == 0 {
			status = models.LoanPaid
			paidAt = &now
		}

		reference := req.Reference
		if reference == "" {
			reference = fmt.Sprintf("REPAY-%s-%s", l.LoanNumber, uuid.NewString()[:8])
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO loan_repayments (loan_id, amount, method, reference, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, l.ID, applied, req.Method, reference, now); err != nil {
			return fmt.Errorf("failed to record repayment: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE loans SET outstanding_balance = $1, status = $2, paid_at = $3, updated_at = $4 WHERE id = $5
		`, outstanding, status, paidAt, now, l.ID); err != nil {
			return fmt.Errorf("failed to update loan balance: %w", err)
		}

		if req.FromWallet {
			customer, err := s.accounts.GetCustomer(ctx, l.BorrowerID)
			if err != nil {
				return err
			}
			if _, err := s.wallet.DebitWalletBalance(ctx, Movement{
				Source:      customer.WalletBalanceID,
				Destination: s.systemBalance,
				Amount:      applied,
				Reference:   reference,
				Description: "Loan repayment " + l.LoanNumber,
				Metadata:    models.Metadata{"type": "loan_repayment", "loan_number": l.LoanNumber, "method": req.Method},
			}); err != nil {
				return err
			}
		}

		borrowerID = l.BorrowerID
		result = &models.RepaymentResult{
			LoanNumber:  l.LoanNumber,
			Applied:     applied,
			Outstanding: outstanding,
			Status:      status,
			FullyPaid:   outstanding == 0,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogOperation(ctx, result.LoanNumber, borrowerID, "LOAN_REPAYMENT", map[string]any{
		"applied":     result.Applied,
		"outstanding": result.Outstanding,
		"method":      req.Method,
	})

	if result.FullyPaid {
		if phone := s.borrowerPhone(ctx, borrowerID); phone != "" {
			if err := s.notifier.Send(ctx, notify.Message{To: phone, Body: notify.LoanPaidMessage(result.LoanNumber)}); err != nil {
				s.logger.Error("failed to send loan paid notice", zap.String("loan_number", result.LoanNumber), zap.Error(err))
			}
		}
	}
	return result, nil
}

// AutoRecoverFromTransaction takes a share of an incoming wallet credit
// towards the borrower's oldest repayable loan. It returns nil when nothing
// was recovered.
func (s *LoanService) AutoRecoverFromTransaction(ctx context.Context, credit models.IncomingCredit) (*models.RepaymentResult, error) {
	if credit.Tag == models.RepaymentAutoRecovery || credit.Amount <= 0 {
		return nil, nil
	}

	var (
		loanID      int64
		outstanding int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, outstanding_balance FROM loans
		WHERE borrower_id = $1 AND status IN ('disbursed', 'active') AND outstanding_balance > 0
		ORDER BY created_at ASC LIMIT 1
	`, credit.CustomerID).Scan(&loanID, &outstanding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find loan for recovery: %w", err)
	}

	recovery := decimal.NewFromInt(credit.Amount).
		Mul(decimal.NewFromFloat(s.policy.RecoveryRate)).
		Floor().
		IntPart()
	recovery = min(recovery, outstanding)
	if recovery < s.policy.MinRecovery {
		return nil, nil
	}

	s.logger.Info("auto recovery",
		zap.String("customer_id", credit.CustomerID),
		zap.Int64("loan_id", loanID),
		zap.Int64("credit", credit.Amount),
		zap.Int64("recovery", recovery))

	return s.ProcessRepayment(ctx, models.RepaymentRequest{
		LoanID:     loanID,
		Amount:     recovery,
		Method:     models.RepaymentAutoRecovery,
		Reference:  credit.Reference + "-RECOVERY",
		FromWallet: true,
	})
}

// CheckFoodLoanAvailability reports the unused credit of a food loan.
func (s *LoanService) CheckFoodLoanAvailability(ctx context.Context, loanID int64) (*models.FoodCredit, error) {
	l, err := s.loadLoan(ctx, s.db, loanID, "")
	if err != nil {
		return nil, err
	}
	if err := checkFoodLoan(l); err != nil {
		return nil, err
	}
	return foodCredit(l), nil
}

// UseFoodLoanCredit spends part of a food loan at a retailer. Usage is
// serialized on the loan row.
func (s *LoanService) UseFoodLoanCredit(ctx context.Context, loanID, amount int64, retailerID, reference string) (*models.FoodCredit, error) {
	if amount <= 0 {
		return nil, xerrors.Validation("amount", "must be greater than zero")
	}

	var credit *models.FoodCredit
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		l, err := s.loadLoan(ctx, tx, loanID, " FOR UPDATE")
		if err != nil {
			return err
		}
		if err := checkFoodLoan(l); err != nil {
			return err
		}
		available := l.Principal - l.UsedAmount
		if amount > available {
			return &xerrors.InsufficientBalanceError{BalanceID: l.LoanNumber, Available: available, Requested: amount}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE loans SET used_amount = used_amount + $1, status = $2, updated_at = $3 WHERE id = $4
		`, amount, models.LoanActive, s.now(), l.ID); err != nil {
			return fmt.Errorf("failed to record food credit usage: %w", err)
		}

		l.UsedAmount += amount
		l.Status = models.LoanActive
		credit = foodCredit(l)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit.LogOperation(ctx, reference, retailerID, "FOOD_CREDIT_USED", map[string]any{
		"loan_number": credit.LoanNumber,
		"amount":      amount,
		"available":   credit.Available,
	})
	return credit, nil
}

func checkFoodLoan(l *models.Loan) error {
	if l.LoanType != models.LoanTypeFood {
		return xerrors.Validation("loan_id", "loan %s is not a food loan", l.LoanNumber)
	}
	if !l.Status.Repayable() {
		return &xerrors.InvalidStateError{Entity: "loan", ID: l.LoanNumber, State: string(l.Status), Op: "use credit of"}
	}
	return nil
}

func foodCredit(l *models.Loan) *models.FoodCredit {
	return &models.FoodCredit{
		LoanNumber: l.LoanNumber,
		Principal:  l.Principal,
		UsedAmount: l.UsedAmount,
		Available:  l.Principal - l.UsedAmount,
	}
}

// PayWithLoanBalance spends loan funds at an active retailer.
func (s *LoanService) PayWithLoanBalance(ctx context.Context, customerID, retailerID string, amount int64, reference string) (*models.LedgerTransaction, error) {
	customer, err := s.accounts.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer.LoanBalanceID == "" {
		return nil, xerrors.Validation("customer_id", "customer %s has no loan balance", customerID)
	}
	retailer, err := s.accounts.GetRetailer(ctx, retailerID)
	if err != nil {
		return nil, err
	}
	dest, err := purchaseDestinationFor(retailer)
	if err != nil {
		return nil, err
	}

	return s.wallet.DebitLoanBalance(ctx, customer.LoanBalanceID, dest, amount, reference,
		"Purchase at "+retailer.Name, models.Metadata{"type": "loan_purchase", "customer_id": customerID})
}

// MarkForManualReview flags a pending loan for a human decision.
func (s *LoanService) MarkForManualReview(ctx context.Context, loanID int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loans SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb, updated_at = $2
		WHERE id = $3 AND status = 'pending'
	`, models.Metadata{"manual_review": true, "review_reason": reason}, s.now(), loanID)
	if err != nil {
		return fmt.Errorf("failed to flag loan for review: %w", err)
	}
	return expectOneRow(res, "pending loan", fmt.Sprint(loanID))
}

// MarkOverdueLoans defaults repayable loans past their due date plus the
// grace period.
func (s *LoanService) MarkOverdueLoans(ctx context.Context) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE loans SET status = 'defaulted', updated_at = $1
		WHERE status IN ('disbursed', 'active') AND due_date < $2
	`, now, now.Add(-s.policy.DefaultGracePeriod))
	if err != nil {
		return 0, fmt.Errorf("failed to mark overdue loans: %w", err)
	}
	return res.RowsAffected()
}

// SendDueReminders queues a reminder for every repayable loan due within
// the lead time. Without a queue the reminder is sent directly.
func (s *LoanService) SendDueReminders(ctx context.Context) (int, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT l.id, l.loan_number, l.outstanding_balance, l.due_date, c.phone
		FROM loans l JOIN customers c ON c.customer_id = l.borrower_id
		WHERE l.status IN ('disbursed', 'active') AND l.due_date BETWEEN $1 AND $2
	`, now, now.Add(s.policy.ReminderLeadTime))
	if err != nil {
		return 0, fmt.Errorf("failed to load due loans: %w", err)
	}
	defer rows.Close()

	var reminders []queue.LoanReminder
	for rows.Next() {
		var r queue.LoanReminder
		if err := rows.Scan(&r.LoanID, &r.LoanNumber, &r.Outstanding, &r.DueDate, &r.Phone); err != nil {
			return 0, fmt.Errorf("failed to scan due loan: %w", err)
		}
		reminders = append(reminders, r)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	sent := 0
	for _, r := range reminders {
		if err := s.remind(ctx, r); err != nil {
			s.logger.Error("failed to send loan reminder", zap.String("loan_number", r.LoanNumber), zap.Error(err))
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *LoanService) remind(ctx context.Context, r queue.LoanReminder) error {
	if s.enqueuer != nil {
		return s.enqueuer.Enqueue(ctx, r)
	}
	return s.notifier.Send(ctx, notify.Message{
		To:   r.Phone,
		Body: notify.LoanReminderMessage(r.LoanNumber, r.Outstanding, r.DueDate),
	})
}

func (s *LoanService) borrowerPhone(ctx context.Context, borrowerID string) string {
	c, err := s.accounts.GetCustomer(ctx, borrowerID)
	if err != nil {
		s.logger.Warn("failed to look up borrower", zap.String("borrower_id", borrowerID), zap.Error(err))
		return ""
	}
	return c.Phone
}
