package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

// AccountRepository reads and updates customer and retailer records.
type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

const customerColumns = `customer_id, full_name, phone, COALESCE(wallet_balance_id, ''), COALESCE(loan_balance_id, ''), credit_score, created_at`

func scanCustomer(row *sql.Row, id string) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(&c.CustomerID, &c.FullName, &c.Phone, &c.WalletBalanceID, &c.LoanBalanceID, &c.CreditScore, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NotFound("customer", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %s: %w", id, err)
	}
	return &c, nil
}

func (r *AccountRepository) GetCustomer(ctx context.Context, customerID string) (*models.Customer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE customer_id = $1`, customerID)
	return scanCustomer(row, customerID)
}

func (r *AccountRepository) FindCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE phone = $1`, phone)
	return scanCustomer(row, phone)
}

func (r *AccountRepository) GetRetailer(ctx context.Context, retailerID string) (*models.Retailer, error) {
	var m models.Retailer
	err := r.db.QueryRowContext(ctx, `
		SELECT retailer_id, name, COALESCE(balance_id, ''), phone, status, created_at
		FROM retailers WHERE retailer_id = $1
	`, retailerID).Scan(&m.RetailerID, &m.Name, &m.BalanceID, &m.Phone, &m.Status, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.NotFound("retailer", retailerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load retailer %s: %w", retailerID, err)
	}
	return &m, nil
}

func (r *AccountRepository) SaveCustomerBalances(ctx context.Context, customerID, walletBalanceID, loanBalanceID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE customers SET wallet_balance_id = $1, loan_balance_id = $2 WHERE customer_id = $3
	`, walletBalanceID, loanBalanceID, customerID)
	if err != nil {
		return fmt.Errorf("failed to save balances for customer %s: %w", customerID, err)
	}
	return expectOneRow(res, "customer", customerID)
}

func (r *AccountRepository) SaveRetailerBalance(ctx context.Context, retailerID, balanceID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE retailers SET balance_id = $1 WHERE retailer_id = $2
	`, balanceID, retailerID)
	if err != nil {
		return fmt.Errorf("failed to save balance for retailer %s: %w", retailerID, err)
	}
	return expectOneRow(res, "retailer", retailerID)
}

func expectOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return xerrors.NotFound(entity, id)
	}
	return nil
}
