package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	mw "github.com/ruralpay/retailpay/internal/middleware"
)

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	Webhooks       *WebhookHandler
	POS            *POSHandler
	Loans          *LoanHandler
	JWTSecret      string
	RequestTimeout time.Duration
	// Health reports dependency health; nil means always healthy.
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.RequestLogger(cfg.Logger))
	r.Use(chimw.Recoverer)
	r.Use(mw.SecurityHeaders)
	r.Use(chimw.Timeout(cfg.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Providers authenticate out of band; callbacks are never behind JWT.
	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/momo", cfg.Webhooks.MoMo)
		r.Post("/airtel", cfg.Webhooks.Airtel)
		r.Post("/payments", cfg.Webhooks.Payments)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(cfg.JWTSecret))

		r.Post("/pos/pin", cfg.POS.PayWithPIN)
		r.Post("/pos/codes", cfg.POS.IssueCode)
		r.Post("/pos/codes/redeem", cfg.POS.RedeemCode)
		r.Post("/pos/otp", cfg.POS.SendOTP)
		r.Post("/pos/otp/verify", cfg.POS.VerifyOTP)
		r.Post("/pos/loan-balance", cfg.Loans.PayWithLoan)

		r.Get("/loans/eligibility", cfg.Loans.Eligibility)
		r.Post("/loans/apply", cfg.Loans.Apply)
		r.Post("/loans/{loanId}/decision", cfg.Loans.Decide)
		r.Post("/loans/{loanId}/repay", cfg.Loans.Repay)

		r.Get("/wallets/{customerId}/balances", cfg.Loans.Balances)
	})

	return r
}
