package models

import "time"

// B2B credit order events.
const (
	CreditEventCreated    = "created"
	CreditEventApproved   = "approved"
	CreditEventRejected   = "rejected"
	CreditEventPaymentDue = "payment_due"
)

// CreditOrder is a retailer's purchase on credit from a wholesaler.
type CreditOrder struct {
	OrderID      string     `json:"order_id" db:"order_id"`
	RetailerID   string     `json:"retailer_id" db:"retailer_id"`
	WholesalerID string     `json:"wholesaler_id" db:"wholesaler_id"`
	Amount       int64      `json:"amount" db:"amount"`
	Status       string     `json:"status" db:"status"`
	DueDate      *time.Time `json:"due_date,omitempty" db:"due_date"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// CreditOrderEvent is the domain event published for every B2B order change.
type CreditOrderEvent struct {
	Event           string              `json:"event" validate:"required,oneof=created approved rejected payment_due"`
	OrderID         string              `json:"order_id" validate:"required"`
	RetailerID      string              `json:"retailer_id" validate:"required"`
	WholesalerID    string              `json:"wholesaler_id" validate:"required"`
	Amount          int64               `json:"amount" validate:"gte=0"`
	RetailerPhone   string              `json:"retailer_phone"`
	WholesalerPhone string              `json:"wholesaler_phone"`
	Metadata        CreditOrderMetadata `json:"metadata"`
}

// CreditOrderMetadata carries the event-specific fields.
type CreditOrderMetadata struct {
	CreditScore      int    `json:"creditScore"`
	AutoApproveLimit int64  `json:"autoApproveLimit"`
	Reason           string `json:"reason"`
	DaysOverdue      int    `json:"daysOverdue"`
}
