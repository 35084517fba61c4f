package entity

import "time"

const (
	InvoiceStatusPending   = "PENDING"
	InvoiceStatusPaid      = "PAID"
	InvoiceStatusFailed    = "FAILED"
	InvoiceStatusCancelled = "CANCELLED"
)

const (
	InvoiceSourceIssuer    = "issuer"
	InvoiceSourceWebhook   = "webhook"
	InvoiceSourceReconcile = "reconcile"
)

type Invoice struct {
	ID uint64

	SubscriptionID uint64
	SubscriberID   string
	InvoiceNumber  *string

	AmountPaise  int64
	TaxPaise     int64
	TaxBreakdown map[string]int64
	TotalPaise   int64
	Currency     string

	BillingPeriodStart time.Time
	BillingPeriodEnd   time.Time

	PaymentStatus    string
	GatewayOrderID   *string
	GatewayPaymentID *string
	PaidAt           *time.Time

	Source string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (i *Invoice) IsPaid() bool {
	return i.PaymentStatus == InvoiceStatusPaid
}

func (i *Invoice) IsOpen() bool {
	return i.PaymentStatus == InvoiceStatusPending || i.PaymentStatus == InvoiceStatusFailed
}
