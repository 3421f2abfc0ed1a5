package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/services"
	"github.com/ruralpay/retailpay/internal/xerrors"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeJSON reads exactly one JSON object into dst and validates it. On
// failure it has already written a 400.
func decodeJSON(w http.ResponseWriter, r *http.Request, v *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := v.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

var paymentStatus = map[xerrors.PaymentErrorKind]int{
	xerrors.KindLocked:              http.StatusLocked,
	xerrors.KindInvalidCredential:   http.StatusUnauthorized,
	xerrors.KindInsufficientBalance: http.StatusPaymentRequired,
	xerrors.KindExpired:             http.StatusGone,
	xerrors.KindAlreadyUsed:         http.StatusConflict,
	xerrors.KindScopeMismatch:       http.StatusForbidden,
	xerrors.KindNotFound:            http.StatusNotFound,
	xerrors.KindValidation:          http.StatusBadRequest,
	xerrors.KindInactive:            http.StatusForbidden,
}

// writeError maps a service error to a status code and an ErrorResponse.
// Infrastructure failures are logged and not echoed to the client.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	if pe, ok := xerrors.AsPaymentError(err); ok {
		status, known := paymentStatus[pe.Kind]
		if known {
			writeJSON(w, status, services.ErrorResponse{Error: pe.Message, Code: string(pe.Kind)})
			return
		}
	}

	var status int
	var code string
	switch {
	case errors.Is(err, xerrors.ErrCardLocked):
		status, code = http.StatusLocked, string(xerrors.KindLocked)
	case errors.Is(err, xerrors.ErrValidation):
		status, code = http.StatusBadRequest, "VALIDATION"
	case errors.Is(err, xerrors.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, xerrors.ErrInsufficientBalance):
		status, code = http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"
	case errors.Is(err, xerrors.ErrInvalidState):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, xerrors.ErrExternalService):
		logger.Error("upstream failure", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, services.ErrorResponse{Error: "Upstream service unavailable", Code: "UPSTREAM"})
		return
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, services.ErrorResponse{Error: "Internal server error", Code: "INTERNAL"})
		return
	}
	writeJSON(w, status, services.ErrorResponse{Error: err.Error(), Code: code})
}
