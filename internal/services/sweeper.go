package services

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper runs the periodic housekeeping jobs of the verification engine
// and the loan manager.
type Sweeper struct {
	verification *VerificationService
	loans        *LoanService
	interval     time.Duration
	reminders    time.Duration
	logger       *zap.Logger
}

// NewSweeper builds a sweeper that cleans up every interval and sends loan
// reminders every reminders period.
func NewSweeper(verification *VerificationService, loans *LoanService, interval, reminders time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if reminders <= 0 {
		reminders = 24 * time.Hour
	}
	return &Sweeper{
		verification: verification,
		loans:        loans,
		interval:     interval,
		reminders:    reminders,
		logger:       logger.Named("sweeper"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	reminders := time.NewTicker(s.reminders)
	defer reminders.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-reminders.C:
			s.SendReminders(ctx)
		}
	}
}

// RunOnce performs a single cleanup sweep. Each step logs its own failure
// and does not stop the others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if n, err := s.verification.UnlockExpiredCards(ctx); err != nil {
		s.logger.Error("unlock expired cards", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("expired card locks removed", zap.Int64("count", n))
	}

	if n, err := s.verification.CleanupExpiredCodes(ctx); err != nil {
		s.logger.Error("clean up expired codes", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("expired payment codes deleted", zap.Int64("count", n))
	}

	if n, err := s.loans.MarkOverdueLoans(ctx); err != nil {
		s.logger.Error("mark overdue loans", zap.Error(err))
	} else if n > 0 {
		s.logger.Warn("loans defaulted", zap.Int64("count", n))
	}
}

// SendReminders queues due-date reminders for repayable loans.
func (s *Sweeper) SendReminders(ctx context.Context) {
	if n, err := s.loans.SendDueReminders(ctx); err != nil {
		s.logger.Error("send due reminders", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("loan reminders sent", zap.Int("count", n))
	}
}
