package models

// Provider statuses treated as a completed payment.
const (
	ProviderStatusSuccessful = "SUCCESSFUL"
	ProviderStatusAirtelOK   = "TS"
)

// MoMoCallback is the mobile-money collection callback.
type MoMoCallback struct {
	FinancialTransactionID string `json:"financialTransactionId"`
	ExternalID             string `json:"externalId" validate:"required"`
	Amount                 string `json:"amount" validate:"required"`
	Currency               string `json:"currency"`
	Payer                  struct {
		PartyIDType string `json:"partyIdType"`
		PartyID     string `json:"partyId" validate:"required"`
	} `json:"payer"`
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason"`
}

// AirtelCallback is the alternate mobile-money callback. Success is status TS.
type AirtelCallback struct {
	Transaction struct {
		ID            string `json:"id" validate:"required"`
		AirtelMoneyID string `json:"airtel_money_id"`
		Amount        string `json:"amount" validate:"required"`
		MSISDN        string `json:"msisdn" validate:"required"`
		Status        string `json:"status" validate:"required"`
		Message       string `json:"message"`
	} `json:"transaction" validate:"required"`
}

// PaymentCallback is the generic provider callback.
type PaymentCallback struct {
	Provider   string   `json:"provider" validate:"required"`
	CustomerID string   `json:"customer_id" validate:"required"`
	Amount     int64    `json:"amount" validate:"required,gt=0"`
	Reference  string   `json:"reference" validate:"required"`
	Phone      string   `json:"phone"`
	Status     string   `json:"status" validate:"required"`
	Metadata   Metadata `json:"metadata"`
}
