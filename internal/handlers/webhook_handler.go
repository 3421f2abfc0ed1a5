package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ruralpay/retailpay/internal/models"
	"github.com/ruralpay/retailpay/internal/queue"
	"github.com/ruralpay/retailpay/internal/services"
)

const webhookDedupTTL = 72 * time.Hour

// PaymentSettler credits a wallet in-process when there is no job queue.
type PaymentSettler interface {
	CreditWallet(ctx context.Context, j queue.WalletCredit) (*queue.Result, error)
}

// WebhookHandler receives mobile-money callbacks. Providers retry anything
// but a 200, so every callback is acknowledged and settled asynchronously.
type WebhookHandler struct {
	redis     *redis.Client
	enqueuer  queue.Enqueuer
	settler   PaymentSettler
	validator *services.ValidationHelper
	logger    *zap.Logger
}

// NewWebhookHandler wires the handler. rdb may be nil, which disables the
// Redis dedup; processed_payments still credits a reference once.
func NewWebhookHandler(rdb *redis.Client, enqueuer queue.Enqueuer, settler PaymentSettler, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		redis:     rdb,
		enqueuer:  enqueuer,
		settler:   settler,
		validator: services.NewValidationHelper(),
		logger:    logger.Named("webhooks"),
	}
}

// MoMo handles the mobile-money collection callback.
func (h *WebhookHandler) MoMo(w http.ResponseWriter, r *http.Request) {
	var cb models.MoMoCallback
	if !h.decode(w, r, "mtn_momo", &cb) {
		return
	}
	amount, err := h.amount("mtn_momo", cb.ExternalID, cb.Amount)
	if err != nil {
		h.ignore(w, "mtn_momo", cb.ExternalID, err)
		return
	}

	h.accept(w, r, queue.WalletCredit{
		Provider:  "mtn_momo",
		Phone:     cb.Payer.PartyID,
		Amount:    amount,
		Currency:  cb.Currency,
		Reference: cb.ExternalID,
		Status:    cb.Status,
		Reason:    cb.Reason,
		Metadata: models.Metadata{
			"financial_transaction_id": cb.FinancialTransactionID,
			"provider_amount":          cb.Amount,
		},
	})
}

// Airtel handles the alternate provider's callback, where status TS is
// success.
func (h *WebhookHandler) Airtel(w http.ResponseWriter, r *http.Request) {
	var cb models.AirtelCallback
	if !h.decode(w, r, "airtel", &cb) {
		return
	}
	amount, err := h.amount("airtel", cb.Transaction.ID, cb.Transaction.Amount)
	if err != nil {
		h.ignore(w, "airtel", cb.Transaction.ID, err)
		return
	}

	h.accept(w, r, queue.WalletCredit{
		Provider:  "airtel",
		Phone:     cb.Transaction.MSISDN,
		Amount:    amount,
		Reference: cb.Transaction.ID,
		Status:    cb.Transaction.Status,
		Reason:    cb.Transaction.Message,
		Metadata: models.Metadata{
			"airtel_money_id": cb.Transaction.AirtelMoneyID,
			"provider_amount": cb.Transaction.Amount,
		},
	})
}

// Payments handles the generic provider callback.
func (h *WebhookHandler) Payments(w http.ResponseWriter, r *http.Request) {
	var cb models.PaymentCallback
	if !h.decode(w, r, "generic", &cb) {
		return
	}

	h.accept(w, r, queue.WalletCredit{
		Provider:   cb.Provider,
		CustomerID: cb.CustomerID,
		Phone:      cb.Phone,
		Amount:     cb.Amount,
		Reference:  cb.Reference,
		Status:     cb.Status,
		Metadata:   cb.Metadata,
	})
}

func (h *WebhookHandler) decode(w http.ResponseWriter, r *http.Request, provider string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.ignore(w, provider, "", err)
		return false
	}
	if err := h.validator.Validate(dst); err != nil {
		h.ignore(w, provider, "", err)
		return false
	}
	return true
}

func (h *WebhookHandler) accept(w http.ResponseWriter, r *http.Request, job queue.WalletCredit) {
	ctx := r.Context()
	log := h.logger.With(zap.String("provider", job.Provider), zap.String("reference", job.Reference),
		zap.String("status", job.Status))

	// Only a final success claims the reference, so a pending or failed
	// callback never blocks the success that follows it.
	key := fmt.Sprintf("webhook:%s:%s", job.Provider, job.Reference)
	claimed := false
	if h.redis != nil && successful(job.Status) {
		first, err := h.redis.SetNX(ctx, key, 1, webhookDedupTTL).Result()
		switch {
		case err != nil:
			log.Warn("webhook dedup unavailable", zap.Error(err))
		case !first:
			log.Info("duplicate callback acknowledged")
			ack(w, "duplicate")
			return
		default:
			claimed = true
		}
	}
	release := func() {
		if claimed {
			h.redis.Del(context.WithoutCancel(ctx), key)
		}
	}

	if h.enqueuer == nil {
		go func() {
			if _, err := h.settler.CreditWallet(context.WithoutCancel(ctx), job); err != nil {
				log.Error("failed to settle callback", zap.Error(err))
				release()
			}
		}()
		log.Info("callback acknowledged")
		ack(w, "received")
		return
	}

	if err := h.enqueuer.Enqueue(ctx, job); err != nil {
		log.Error("failed to enqueue callback", zap.Error(err))
		// Let a provider resend through.
		release()
	} else {
		log.Info("callback acknowledged")
	}
	ack(w, "received")
}

func successful(status string) bool {
	return status == models.ProviderStatusSuccessful || status == models.ProviderStatusAirtelOK
}

func (h *WebhookHandler) ignore(w http.ResponseWriter, provider, reference string, err error) {
	h.logger.Warn("ignoring malformed callback",
		zap.String("provider", provider), zap.String("reference", reference), zap.Error(err))
	ack(w, "ignored")
}

func ack(w http.ResponseWriter, status string) {
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// amount parses a provider amount, logging any fraction dropped so the
// credited amount can be reconciled against provider_amount.
func (h *WebhookHandler) amount(provider, reference, raw string) (int64, error) {
	n, exact, err := parseAmount(raw)
	if err != nil {
		return 0, err
	}
	if !exact {
		h.logger.Warn("fractional callback amount truncated",
			zap.String("provider", provider), zap.String("reference", reference),
			zap.String("provider_amount", raw), zap.Int64("credited", n))
	}
	return n, nil
}

// parseAmount reads a provider amount string in whole currency units.
// exact is false when a fraction was truncated.
func parseAmount(s string) (n int64, exact bool, err error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	whole := d.Truncate(0)
	if !whole.IsPositive() {
		return 0, false, fmt.Errorf("invalid amount %q", s)
	}
	return whole.IntPart(), whole.Equal(d), nil
}
