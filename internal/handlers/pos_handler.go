package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/services"
)

// PaymentVerifier is the point-of-sale verification engine.
type PaymentVerifier interface {
	VerifyPIN(ctx context.Context, req models.PINPaymentRequest) (*models.PaymentReceipt, error)
	GeneratePaymentCode(ctx context.Context, req models.CodeIssueRequest) (*models.IssuedCode, error)
	RedeemPaymentCode(ctx context.Context, req models.CodePaymentRequest) (*models.PaymentReceipt, error)
	SendPaymentOTP(ctx context.Context, req models.CodeIssueRequest) (*models.IssuedCode, error)
	VerifyPaymentOTP(ctx context.Context, req models.OTPPaymentRequest) (*models.PaymentReceipt, error)
}

// POSHandler exposes in-store card payments to retailer terminals.
type POSHandler struct {
	verifier  PaymentVerifier
	validator *services.ValidationHelper
	logger    *zap.Logger
}

func NewPOSHandler(verifier PaymentVerifier, logger *zap.Logger) *POSHandler {
	return &POSHandler{
		verifier:  verifier,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("pos"),
	}
}

// PayWithPIN debits a card authorized by its PIN.
func (h *POSHandler) PayWithPIN(w http.ResponseWriter, r *http.Request) {
	var req models.PINPaymentRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	receipt, err := h.verifier.VerifyPIN(r.Context(), req)
	h.respond(w, receipt, err)
}

// IssueCode sends a one-time payment code to the card owner.
func (h *POSHandler) IssueCode(w http.ResponseWriter, r *http.Request) {
	var req models.CodeIssueRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	issued, err := h.verifier.GeneratePaymentCode(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// RedeemCode debits a card with a previously issued code.
func (h *POSHandler) RedeemCode(w http.ResponseWriter, r *http.Request) {
	var req models.CodePaymentRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	receipt, err := h.verifier.RedeemPaymentCode(r.Context(), req)
	h.respond(w, receipt, err)
}

// SendOTP sends an OTP bound to card, retailer and amount.
func (h *POSHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	var req models.CodeIssueRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	issued, err := h.verifier.SendPaymentOTP(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

// VerifyOTP debits a card with an OTP.
func (h *POSHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req models.OTPPaymentRequest
	if !decodeJSON(w, r, h.validator, &req) {
		return
	}
	receipt, err := h.verifier.VerifyPaymentOTP(r.Context(), req)
	h.respond(w, receipt, err)
}

func (h *POSHandler) respond(w http.ResponseWriter, receipt *models.PaymentReceipt, err error) {
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}
