package types

// Wire messages shared by the HTTP and gRPC transports. Getters are nil-safe
// so handlers can read optional fields without guarding every access.

type HealthRequest struct{}

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type CreateSubscriptionRequest struct {
	SubscriberId string `json:"subscriber_id" validate:"required,max=64"`
	Plan         string `json:"plan" validate:"required,oneof=pro campaign"`
}

func (r *CreateSubscriptionRequest) GetSubscriberId() string {
	if r == nil {
		return ""
	}
	return r.SubscriberId
}

func (r *CreateSubscriptionRequest) GetPlan() string {
	if r == nil {
		return ""
	}
	return r.Plan
}

type GetSubscriptionRequest struct {
	Id uint64 `json:"id" validate:"required"`
}

func (r *GetSubscriptionRequest) GetId() uint64 {
	if r == nil {
		return 0
	}
	return r.Id
}

type VerifyPaymentRequest struct {
	SubscriptionId        uint64 `json:"subscription_id" validate:"required"`
	PaymentId             string `json:"payment_id" validate:"required,max=64"`
	OrderId               string `json:"order_id" validate:"max=64"`
	GatewaySubscriptionId string `json:"gateway_subscription_id" validate:"max=64"`
	Signature             string `json:"signature" validate:"required,hexadecimal"`
}

func (r *VerifyPaymentRequest) GetSubscriptionId() uint64 {
	if r == nil {
		return 0
	}
	return r.SubscriptionId
}

func (r *VerifyPaymentRequest) GetPaymentId() string {
	if r == nil {
		return ""
	}
	return r.PaymentId
}

func (r *VerifyPaymentRequest) GetOrderId() string {
	if r == nil {
		return ""
	}
	return r.OrderId
}

func (r *VerifyPaymentRequest) GetGatewaySubscriptionId() string {
	if r == nil {
		return ""
	}
	return r.GatewaySubscriptionId
}

func (r *VerifyPaymentRequest) GetSignature() string {
	if r == nil {
		return ""
	}
	return r.Signature
}

type PauseSubscriptionRequest struct {
	Id        uint64 `json:"id" validate:"required"`
	PauseDays int32  `json:"pause_days" validate:"min=1,max=90"`
}

func (r *PauseSubscriptionRequest) GetId() uint64 {
	if r == nil {
		return 0
	}
	return r.Id
}

func (r *PauseSubscriptionRequest) GetPauseDays() int32 {
	if r == nil {
		return 0
	}
	return r.PauseDays
}

type ResumeSubscriptionRequest struct {
	Id uint64 `json:"id" validate:"required"`
}

func (r *ResumeSubscriptionRequest) GetId() uint64 {
	if r == nil {
		return 0
	}
	return r.Id
}

type CancelSubscriptionRequest struct {
	Id     uint64 `json:"id" validate:"required"`
	Reason string `json:"reason" validate:"max=255"`
}

func (r *CancelSubscriptionRequest) GetId() uint64 {
	if r == nil {
		return 0
	}
	return r.Id
}

func (r *CancelSubscriptionRequest) GetReason() string {
	if r == nil {
		return ""
	}
	return r.Reason
}

type GetEntitlementRequest struct {
	SubscriberId string `json:"subscriber_id" validate:"required,max=64"`
}

func (r *GetEntitlementRequest) GetSubscriberId() string {
	if r == nil {
		return ""
	}
	return r.SubscriberId
}

// GatewayWebhookRequest carries the raw delivery. The payload must stay
// byte-for-byte what the gateway signed.
type GatewayWebhookRequest struct {
	Payload   []byte `json:"-" validate:"required"`
	Signature string `json:"-" validate:"required"`
	EventId   string `json:"-"`
}

func (r *GatewayWebhookRequest) GetPayload() []byte {
	if r == nil {
		return nil
	}
	return r.Payload
}

func (r *GatewayWebhookRequest) GetSignature() string {
	if r == nil {
		return ""
	}
	return r.Signature
}

func (r *GatewayWebhookRequest) GetEventId() string {
	if r == nil {
		return ""
	}
	return r.EventId
}

type Invoice struct {
	Id                 uint64           `json:"id"`
	SubscriptionId     uint64           `json:"subscription_id"`
	InvoiceNumber      string           `json:"invoice_number,omitempty"`
	AmountPaise        int64            `json:"amount_paise"`
	TaxPaise           int64            `json:"tax_paise"`
	TaxBreakdown       map[string]int64 `json:"tax_breakdown"`
	TotalPaise         int64            `json:"total_paise"`
	Currency           string           `json:"currency"`
	BillingPeriodStart string           `json:"billing_period_start"`
	BillingPeriodEnd   string           `json:"billing_period_end"`
	PaymentStatus      string           `json:"payment_status"`
	GatewayOrderId     string           `json:"gateway_order_id,omitempty"`
	GatewayPaymentId   string           `json:"gateway_payment_id,omitempty"`
	PaidAt             string           `json:"paid_at,omitempty"`
	Source             string           `json:"source"`
	CreatedAt          string           `json:"created_at"`
}

type Subscription struct {
	Id                    uint64 `json:"id"`
	SubscriberId          string `json:"subscriber_id"`
	Plan                  string `json:"plan"`
	Status                string `json:"status"`
	HasAccess             bool   `json:"has_access"`
	StartDate             string `json:"start_date,omitempty"`
	CurrentPeriodStart    string `json:"current_period_start,omitempty"`
	CurrentPeriodEnd      string `json:"current_period_end,omitempty"`
	NextBillingDate       string `json:"next_billing_date,omitempty"`
	AmountPaise           int64  `json:"amount_paise"`
	Currency              string `json:"currency"`
	AutoRenew             bool   `json:"auto_renew"`
	GatewaySubscriptionId string `json:"gateway_subscription_id,omitempty"`
	MandateStatus         string `json:"mandate_status,omitempty"`
	PauseStartDate        string `json:"pause_start_date,omitempty"`
	ResumeDate            string `json:"resume_date,omitempty"`
	CancelledAt           string `json:"cancelled_at,omitempty"`
	CancelReason          string `json:"cancel_reason,omitempty"`
	AutoChargeFailures    int32  `json:"auto_charge_failures"`
	CreatedAt             string `json:"created_at"`
	UpdatedAt             string `json:"updated_at"`
}

func (s *Subscription) GetId() uint64 {
	if s == nil {
		return 0
	}
	return s.Id
}

func (s *Subscription) GetStatus() string {
	if s == nil {
		return ""
	}
	return s.Status
}

type SubscriptionResponse struct {
	Subscription *Subscription `json:"subscription"`
	Invoices     []*Invoice    `json:"invoices,omitempty"`
}

func (r *SubscriptionResponse) GetSubscription() *Subscription {
	if r == nil {
		return nil
	}
	return r.Subscription
}

// CheckoutResponse is what the client needs to open the gateway checkout.
type CheckoutResponse struct {
	Subscription          *Subscription `json:"subscription"`
	Invoice               *Invoice      `json:"invoice"`
	KeyId                 string        `json:"key_id"`
	GatewayOrderId        string        `json:"gateway_order_id,omitempty"`
	GatewaySubscriptionId string        `json:"gateway_subscription_id,omitempty"`
	ShortUrl              string        `json:"short_url,omitempty"`
}

func (r *CheckoutResponse) GetSubscription() *Subscription {
	if r == nil {
		return nil
	}
	return r.Subscription
}

type VerifyPaymentResponse struct {
	Subscription   *Subscription `json:"subscription"`
	Invoice        *Invoice      `json:"invoice,omitempty"`
	AlreadyApplied bool          `json:"already_applied"`
}

type EntitlementResponse struct {
	SubscriberId   string `json:"subscriber_id"`
	SubscriptionId uint64 `json:"subscription_id,omitempty"`
	Plan           string `json:"plan,omitempty"`
	Status         string `json:"status,omitempty"`
	HasAccess      bool   `json:"has_access"`
	AccessUntil    string `json:"access_until,omitempty"`
}

func (r *EntitlementResponse) GetHasAccess() bool {
	return r != nil && r.HasAccess
}

type WebhookResponse struct {
	EventId   string `json:"event_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Outcome   string `json:"outcome"`
}
