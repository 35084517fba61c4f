package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	HTTPTimeout   time.Duration
	PageSize      int
}

type RazorpayProvider struct {
	cfg    RazorpayConfig
	client *resty.Client
}

func NewRazorpayProvider(cfg RazorpayConfig) *RazorpayProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.razorpay.com/v1"
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")

	return &RazorpayProvider{cfg: cfg, client: client}
}

func (p *RazorpayProvider) KeyID() string {
	return p.cfg.KeyID
}

func (p *RazorpayProvider) CreateOrder(ctx context.Context, input *CreateOrderInput) (*Order, error) {
	body := map[string]interface{}{
		"amount":   input.AmountPaise,
		"currency": strings.ToUpper(input.Currency),
		"receipt":  input.Receipt,
		"notes":    nonNilNotes(input.Notes),
	}

	var out orderEntity
	if err := p.do(ctx, http.MethodPost, "/orders", body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, fmt.Errorf("%w: order id missing in response", ErrGatewayUnavailable)
	}
	return &Order{
		ID:          out.ID,
		AmountPaise: out.Amount,
		Currency:    out.Currency,
		Receipt:     out.Receipt,
		Status:      out.Status,
	}, nil
}

func (p *RazorpayProvider) CreateMandateSubscription(ctx context.Context, input *CreateMandateInput) (*MandateSubscription, error) {
	if strings.TrimSpace(input.PlanID) == "" {
		return nil, errors.New("gateway plan id is not configured")
	}
	totalCount := input.TotalCount
	if totalCount <= 0 {
		totalCount = 120
	}
	notes := nonNilNotes(input.Notes)
	if input.PayerRef != "" {
		notes["payer_ref"] = input.PayerRef
	}

	body := map[string]interface{}{
		"plan_id":         input.PlanID,
		"total_count":     totalCount,
		"quantity":        1,
		"customer_notify": 1,
		"notes":           notes,
	}
	if input.StartAt != nil {
		body["start_at"] = input.StartAt.Unix()
	}

	var out subscriptionEntity
	if err := p.do(ctx, http.MethodPost, "/subscriptions", body, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.ID) == "" {
		return nil, fmt.Errorf("%w: subscription id missing in response", ErrGatewayUnavailable)
	}
	return out.toMandate(), nil
}

func (p *RazorpayProvider) VerifyPaymentSignature(orderID, paymentID, gatewaySubscriptionID, signature string) bool {
	if strings.TrimSpace(paymentID) == "" {
		return false
	}
	if strings.TrimSpace(orderID) == "" && strings.TrimSpace(gatewaySubscriptionID) == "" {
		return false
	}
	message := checkoutSignatureMessage(orderID, paymentID, gatewaySubscriptionID)
	return verifyHex([]byte(message), signature, p.cfg.KeySecret)
}

func (p *RazorpayProvider) VerifyWebhookSignature(payload []byte, signature string) bool {
	return verifyHex(payload, signature, p.cfg.WebhookSecret)
}

func (p *RazorpayProvider) ParseWebhook(payload []byte, eventID string) (*Event, error) {
	return parseWebhookEvent(payload, eventID)
}

func (p *RazorpayProvider) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, ErrNotFound
	}

	var out paymentEntity
	if err := p.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &out); err != nil {
		return nil, err
	}
	payment := out.toPayment()
	return &payment, nil
}

func (p *RazorpayProvider) GetOrderPayments(ctx context.Context, orderID string) ([]Payment, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, nil
	}

	var out struct {
		Items []paymentEntity `json:"items"`
	}
	if err := p.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID)+"/payments", nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	payments := make([]Payment, 0, len(out.Items))
	for _, item := range out.Items {
		payments = append(payments, item.toPayment())
	}
	return payments, nil
}

// GetSubscriptionPayments lists the payments behind the mandate's paid gateway invoices.
func (p *RazorpayProvider) GetSubscriptionPayments(ctx context.Context, gatewaySubscriptionID string) ([]Payment, error) {
	gatewaySubscriptionID = strings.TrimSpace(gatewaySubscriptionID)
	if gatewaySubscriptionID == "" {
		return nil, nil
	}

	query := map[string]string{
		"subscription_id": gatewaySubscriptionID,
		"count":           strconv.Itoa(p.cfg.PageSize),
	}
	var out struct {
		Items []gatewayInvoiceEntity `json:"items"`
	}
	if err := p.doQuery(ctx, http.MethodGet, "/invoices", query, nil, &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	payments := make([]Payment, 0, len(out.Items))
	for _, item := range out.Items {
		if strings.TrimSpace(item.PaymentID) == "" {
			continue
		}
		payments = append(payments, item.toPayment(gatewaySubscriptionID))
	}
	return payments, nil
}

func (p *RazorpayProvider) GetSubscription(ctx context.Context, gatewaySubscriptionID string) (*MandateSubscription, error) {
	var out subscriptionEntity
	if err := p.do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(gatewaySubscriptionID), nil, &out); err != nil {
		return nil, err
	}
	return out.toMandate(), nil
}

func (p *RazorpayProvider) PauseSubscription(ctx context.Context, gatewaySubscriptionID string) error {
	body := map[string]interface{}{"pause_at": "now"}
	return p.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(gatewaySubscriptionID)+"/pause", body, nil)
}

func (p *RazorpayProvider) ResumeSubscription(ctx context.Context, gatewaySubscriptionID string) error {
	body := map[string]interface{}{"resume_at": "now"}
	return p.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(gatewaySubscriptionID)+"/resume", body, nil)
}

func (p *RazorpayProvider) CancelSubscription(ctx context.Context, gatewaySubscriptionID string, atCycleEnd bool) error {
	flag := 0
	if atCycleEnd {
		flag = 1
	}
	body := map[string]interface{}{"cancel_at_cycle_end": flag}
	return p.do(ctx, http.MethodPost, "/subscriptions/"+url.PathEscape(gatewaySubscriptionID)+"/cancel", body, nil)
}

func (p *RazorpayProvider) do(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	return p.doQuery(ctx, method, path, nil, body, result)
}

func (p *RazorpayProvider) doQuery(ctx context.Context, method, path string, query map[string]string, body interface{}, result interface{}) error {
	if strings.TrimSpace(p.cfg.KeyID) == "" || strings.TrimSpace(p.cfg.KeySecret) == "" {
		return fmt.Errorf("%w: gateway credentials are not configured", ErrGatewayUnavailable)
	}

	req := p.client.R().SetContext(ctx)
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrGatewayUnavailable, method, path, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: %s %s status=%d body=%s", ErrGatewayUnavailable, method, path, resp.StatusCode(), resp.String())
	}
	return nil
}

func nonNilNotes(notes map[string]string) map[string]string {
	out := make(map[string]string, len(notes)+1)
	for k, v := range notes {
		out[k] = v
	}
	return out
}

// gatewayNotes accepts both an object and the empty array the gateway sends when no notes exist.
type gatewayNotes map[string]string

func (n *gatewayNotes) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" || strings.HasPrefix(trimmed, "[") {
		*n = gatewayNotes{}
		return nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(gatewayNotes, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
		default:
			out[k] = fmt.Sprint(t)
		}
	}
	*n = out
	return nil
}

type orderEntity struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type paymentEntity struct {
	ID        string       `json:"id"`
	Amount    int64        `json:"amount"`
	Currency  string       `json:"currency"`
	Status    string       `json:"status"`
	OrderID   string       `json:"order_id"`
	InvoiceID string       `json:"invoice_id"`
	CreatedAt int64        `json:"created_at"`
	Notes     gatewayNotes `json:"notes"`
}

func (e paymentEntity) toPayment() Payment {
	payment := Payment{
		ID:          e.ID,
		OrderID:     e.OrderID,
		InvoiceID:   e.InvoiceID,
		AmountPaise: e.Amount,
		Currency:    e.Currency,
		Status:      e.Status,
		Notes:       e.Notes,
	}
	if e.CreatedAt > 0 {
		payment.CreatedAt = time.Unix(e.CreatedAt, 0).UTC()
	}
	return payment
}

type subscriptionEntity struct {
	ID           string       `json:"id"`
	PlanID       string       `json:"plan_id"`
	Status       string       `json:"status"`
	ShortURL     string       `json:"short_url"`
	CurrentStart *int64       `json:"current_start"`
	CurrentEnd   *int64       `json:"current_end"`
	PaidCount    int          `json:"paid_count"`
	Notes        gatewayNotes `json:"notes"`
}

func (e subscriptionEntity) toMandate() *MandateSubscription {
	return &MandateSubscription{
		ID:           e.ID,
		PlanID:       e.PlanID,
		Status:       e.Status,
		ShortURL:     e.ShortURL,
		CurrentStart: unixPtr(e.CurrentStart),
		CurrentEnd:   unixPtr(e.CurrentEnd),
		PaidCount:    e.PaidCount,
	}
}

type gatewayInvoiceEntity struct {
	ID         string `json:"id"`
	PaymentID  string `json:"payment_id"`
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	AmountPaid int64  `json:"amount_paid"`
	Currency   string `json:"currency"`
	PaidAt     *int64 `json:"paid_at"`
}

func (e gatewayInvoiceEntity) toPayment(gatewaySubscriptionID string) Payment {
	amount := e.AmountPaid
	if amount == 0 {
		amount = e.Amount
	}
	status := PaymentStatusCreated
	if e.Status == "paid" {
		status = PaymentStatusCaptured
	}
	payment := Payment{
		ID:             e.PaymentID,
		OrderID:        e.OrderID,
		InvoiceID:      e.ID,
		SubscriptionID: gatewaySubscriptionID,
		AmountPaise:    amount,
		Currency:       e.Currency,
		Status:         status,
	}
	if paidAt := unixPtr(e.PaidAt); paidAt != nil {
		payment.CreatedAt = *paidAt
	}
	return payment
}

func unixPtr(v *int64) *time.Time {
	if v == nil || *v <= 0 {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}
