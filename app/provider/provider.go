package provider

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrNotFound           = errors.New("gateway resource not found")
	ErrInvalidSignature   = errors.New("invalid gateway signature")
	ErrMalformedEvent     = errors.New("malformed gateway event")
)

const (
	EventSubscriptionAuthenticated = "subscription.authenticated"
	EventSubscriptionActivated     = "subscription.activated"
	EventSubscriptionCharged       = "subscription.charged"
	EventSubscriptionPaused        = "subscription.paused"
	EventSubscriptionResumed       = "subscription.resumed"
	EventSubscriptionCancelled     = "subscription.cancelled"
	EventSubscriptionHalted        = "subscription.halted"
	EventSubscriptionPending       = "subscription.pending"

	EventPaymentCaptured   = "payment.captured"
	EventPaymentFailed     = "payment.failed"
	EventPaymentAuthorized = "payment.authorized"
	EventOrderPaid         = "order.paid"
)

const (
	PaymentStatusCreated    = "created"
	PaymentStatusAuthorized = "authorized"
	PaymentStatusCaptured   = "captured"
	PaymentStatusFailed     = "failed"
	PaymentStatusRefunded   = "refunded"
)

type EventFamily string

const (
	FamilyMandate EventFamily = "mandate"
	FamilyPayment EventFamily = "payment"
	FamilyUnknown EventFamily = "unknown"
)

type CreateOrderInput struct {
	AmountPaise int64
	Currency    string
	Receipt     string
	Notes       map[string]string
}

type Order struct {
	ID          string
	AmountPaise int64
	Currency    string
	Receipt     string
	Status      string
}

type CreateMandateInput struct {
	PlanID     string
	PayerRef   string
	TotalCount int
	Notes      map[string]string
	// StartAt defers the first charge; nil charges immediately.
	StartAt *time.Time
}

type MandateSubscription struct {
	ID           string
	PlanID       string
	Status       string
	ShortURL     string
	CurrentStart *time.Time
	CurrentEnd   *time.Time
	PaidCount    int
}

type Payment struct {
	ID             string
	OrderID        string
	InvoiceID      string
	SubscriptionID string
	AmountPaise    int64
	Currency       string
	Status         string
	CreatedAt      time.Time
	Notes          map[string]string
}

func (p Payment) IsCaptured() bool {
	return p.Status == PaymentStatusCaptured
}

// Event is the vendor-neutral view of a webhook delivery.
type Event struct {
	ID             string
	Type           string
	Family         EventFamily
	PaymentID      string
	OrderID        string
	SubscriptionID string
	AmountPaise    int64
	Currency       string
	PaymentStatus  string
	PaidAt         time.Time
	MandateStatus  string
	Notes          map[string]string
	Raw            []byte
}

func (e *Event) Note(key string) string {
	if e == nil || e.Notes == nil {
		return ""
	}
	return e.Notes[key]
}

func FamilyOf(eventType string) EventFamily {
	switch eventType {
	case EventSubscriptionAuthenticated, EventSubscriptionActivated, EventSubscriptionCharged,
		EventSubscriptionPaused, EventSubscriptionResumed, EventSubscriptionCancelled,
		EventSubscriptionHalted, EventSubscriptionPending:
		return FamilyMandate
	case EventPaymentCaptured, EventPaymentFailed, EventPaymentAuthorized, EventOrderPaid:
		return FamilyPayment
	default:
		return FamilyUnknown
	}
}

type Gateway interface {
	KeyID() string
	CreateOrder(ctx context.Context, input *CreateOrderInput) (*Order, error)
	CreateMandateSubscription(ctx context.Context, input *CreateMandateInput) (*MandateSubscription, error)
	VerifyPaymentSignature(orderID, paymentID, gatewaySubscriptionID, signature string) bool
	VerifyWebhookSignature(payload []byte, signature string) bool
	ParseWebhook(payload []byte, eventID string) (*Event, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	GetOrderPayments(ctx context.Context, orderID string) ([]Payment, error)
	GetSubscriptionPayments(ctx context.Context, gatewaySubscriptionID string) ([]Payment, error)
	GetSubscription(ctx context.Context, gatewaySubscriptionID string) (*MandateSubscription, error)
	PauseSubscription(ctx context.Context, gatewaySubscriptionID string) error
	ResumeSubscription(ctx context.Context, gatewaySubscriptionID string) error
	CancelSubscription(ctx context.Context, gatewaySubscriptionID string, atCycleEnd bool) error
}
