package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/middleware"
	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/services"
)

// LoanManager is the loan lifecycle seen by the HTTP adapter.
type LoanManager interface {
	CheckEligibility(ctx context.Context, borrowerID string) (*models.Eligibility, error)
	ApplyForLoan(ctx context.Context, app models.LoanApplication) (*models.Loan, error)
	ProcessLoanDecision(ctx context.Context, d models.LoanDecision) (*models.Loan, error)
	ProcessRepayment(ctx context.Context, req models.RepaymentRequest) (*models.RepaymentResult, error)
	PayWithLoanBalance(ctx context.Context, customerID, retailerID string, amount int64, reference string) (*models.LedgerTransaction, error)
}

// BalanceReader returns a customer's combined balances.
type BalanceReader interface {
	CustomerBalances(ctx context.Context, customerID string) (*models.UserBalances, error)
}

type LoanHandler struct {
	loans     LoanManager
	balances  BalanceReader
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewLoanHandler(loans LoanManager, balances BalanceReader, logger *zap.Logger) *LoanHandler {
	return &LoanHandler{
		loans:     loans,
		balances:  balances,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("loans"),
	}
}

// Eligibility reports the caller's loan eligibility.
func (h *LoanHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	elig, err := h.loans.CheckEligibility(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, elig)
}

// Apply creates a pending loan for the caller.
func (h *LoanHandler) Apply(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ProductID int64  `json:"product_id" validate:"required,gt=0"`
		Amount    int64  `json:"amount" validate:"required,gt=0"`
		Purpose   string `json:"purpose" validate:"max=200"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	loan, err := h.loans.ApplyForLoan(r.Context(), models.LoanApplication{
		BorrowerID: userID,
		ProductID:  req.ProductID,
		Amount:     req.Amount,
		Purpose:    req.Purpose,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

// Decide records an officer's decision on a pending loan.
func (h *LoanHandler) Decide(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	loanID, ok := loanIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Approved       bool   `json:"approved"`
		ApprovedAmount int64  `json:"approved_amount" validate:"omitempty,gt=0"`
		Reason         string `json:"reason" validate:"max=500"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	loan, err := h.loans.ProcessLoanDecision(r.Context(), models.LoanDecision{
		LoanID:         loanID,
		Approved:       req.Approved,
		ApprovedAmount: req.ApprovedAmount,
		DecidedBy:      userID,
		Reason:         req.Reason,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// Repay applies a repayment to a loan.
func (h *LoanHandler) Repay(w http.ResponseWriter, r *http.Request) {
	loanID, ok := loanIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount     int64  `json:"amount" validate:"required,gt=0"`
		Method     string `json:"method" validate:"required"`
		Reference  string `json:"reference"`
		FromWallet bool   `json:"from_wallet"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	result, err := h.loans.ProcessRepayment(r.Context(), models.RepaymentRequest{
		LoanID:     loanID,
		Amount:     req.Amount,
		Method:     req.Method,
		Reference:  req.Reference,
		FromWallet: req.FromWallet,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PayWithLoan spends a customer's loan balance at a retailer.
func (h *LoanHandler) PayWithLoan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID string `json:"customer_id" validate:"required"`
		RetailerID string `json:"retailer_id" validate:"required"`
		Amount     int64  `json:"amount" validate:"required,gt=0"`
		Reference  string `json:"reference"`
	}
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}

	txn, err := h.loans.PayWithLoanBalance(r.Context(), req.CustomerID, req.RetailerID, req.Amount, req.Reference)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, txn)
}

// Balances returns wallet, loan and total balances of a customer.
func (h *LoanHandler) Balances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.balances.CustomerBalances(r.Context(), chi.URLParam(r, "customerId"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func loanIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "loanId"), 10, 64)
	if err != nil || id <= 0 {
		services.SendErrorResponse(w, "Invalid loan id", http.StatusBadRequest, nil)
		return 0, false
	}
	return id, true
}
