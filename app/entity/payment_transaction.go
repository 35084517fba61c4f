package entity

import "time"

const (
	TransactionSourceWebhook   = "webhook"
	TransactionSourceVerify    = "verify"
	TransactionSourceReconcile = "reconcile"
)

// PaymentTransaction is an append-only ledger row. It is never updated.
type PaymentTransaction struct {
	ID uint64

	SubscriptionID *uint64
	InvoiceID      *uint64

	EventType string
	Source    string

	GatewayEventID        *string
	GatewayPaymentID      *string
	GatewayOrderID        *string
	GatewaySubscriptionID *string

	AmountPaise   int64
	Currency      string
	GatewayStatus string

	PayloadJSON *string

	CreatedAt time.Time
}
