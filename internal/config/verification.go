package config

import (
	"os"
	"strconv"
	"time"
)

// VerificationConfig holds the point-of-sale verification policy.
type VerificationConfig struct {
	MaxFailedAttempts int
	AttemptWindow     time.Duration
	LockDuration      time.Duration
	CodeLength        int
	CodeTimeout       time.Duration
	OTPLength         int
	OTPTimeout        time.Duration
	UsedCodeRetention time.Duration
}

func LoadVerificationConfig() *VerificationConfig {
	return &VerificationConfig{
		MaxFailedAttempts: getEnvAsInt("VERIFY_MAX_FAILED_ATTEMPTS", 3),
		AttemptWindow:     getEnvAsDuration("VERIFY_ATTEMPT_WINDOW", 15*time.Minute),
		LockDuration:      getEnvAsDuration("VERIFY_LOCK_DURATION", 30*time.Minute),
		CodeLength:        getEnvAsInt("PAYMENT_CODE_LENGTH", 8),
		CodeTimeout:       getEnvAsDuration("PAYMENT_CODE_TIMEOUT", 10*time.Minute),
		OTPLength:         getEnvAsInt("PAYMENT_OTP_LENGTH", 6),
		OTPTimeout:        getEnvAsDuration("PAYMENT_OTP_TIMEOUT", 5*time.Minute),
		UsedCodeRetention: getEnvAsDuration("PAYMENT_CODE_RETENTION", 24*time.Hour),
	}
}

// LoanPolicy holds eligibility, recovery and automation thresholds. Amounts
// are base currency units.
type LoanPolicy struct {
	MinAccountAge        time.Duration
	DefaultMaxAmount     int64
	HistoryWindow        int
	RecoveryRate         float64
	MinRecovery          int64
	AutoApproveLimit     int64
	DefaultGracePeriod   time.Duration
	ReminderLeadTime     time.Duration
	CreditScoreThreshold int
	CreditAutoApprove    int64
	LoanNumberPrefix     string
}

func LoadLoanPolicy() *LoanPolicy {
	return &LoanPolicy{
		MinAccountAge:        getEnvAsDuration("LOAN_MIN_ACCOUNT_AGE", 7*24*time.Hour),
		DefaultMaxAmount:     int64(getEnvAsInt("LOAN_DEFAULT_MAX_AMOUNT", 5000)),
		HistoryWindow:        getEnvAsInt("LOAN_HISTORY_WINDOW", 5),
		RecoveryRate:         getEnvAsFloat("LOAN_RECOVERY_RATE", 0.10),
		MinRecovery:          int64(getEnvAsInt("LOAN_MIN_RECOVERY", 100)),
		AutoApproveLimit:     int64(getEnvAsInt("LOAN_AUTO_APPROVE_LIMIT", 2000)),
		DefaultGracePeriod:   getEnvAsDuration("LOAN_DEFAULT_GRACE", 7*24*time.Hour),
		ReminderLeadTime:     getEnvAsDuration("LOAN_REMINDER_LEAD", 3*24*time.Hour),
		CreditScoreThreshold: getEnvAsInt("CREDIT_SCORE_THRESHOLD", 700),
		CreditAutoApprove:    int64(getEnvAsInt("CREDIT_AUTO_APPROVE_LIMIT", 50000)),
		LoanNumberPrefix:     getEnv("LOAN_NUMBER_PREFIX", "LN"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
