package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Card is the local record of a customer's payment card. Balance is a
// display cache of the ledger balance identified by BalanceID.
type Card struct {
	ID         int       `json:"id" db:"id"`
	CardID     string    `json:"card_id" db:"card_id"`
	CustomerID string    `json:"customer_id" db:"customer_id"`
	PINHash    string    `json:"-" db:"pin_hash"`
	BalanceID  string    `json:"balance_id" db:"balance_id"`
	Balance    int64     `json:"balance" db:"balance"`
	Currency   string    `json:"currency" db:"currency"`
	Status     string    `json:"status" db:"status"`
	Phone      string    `json:"phone" db:"phone"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// CardStatus represents card status
const (
	CardStatusActive   = "active"
	CardStatusInactive = "inactive"
	CardStatusBlocked  = "blocked"
	CardStatusLost     = "lost"
)

// CardLock is an active or historical lockout of a card.
type CardLock struct {
	CardID      string    `json:"card_id" db:"card_id"`
	LockedUntil time.Time `json:"locked_until" db:"locked_until"`
	Reason      string    `json:"reason" db:"reason"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}

// String returns the string value stored under key, or "".
func (m Metadata) String(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Int64 returns the numeric value stored under key. JSON numbers decode as
// float64, so both shapes are accepted.
func (m Metadata) Int64(key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// Clone returns a shallow copy that is safe to extend.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
