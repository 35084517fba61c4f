package downstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
)

type InvoiceRenderer interface {
	RenderInvoice(ctx context.Context, invoice *entity.Invoice) error
}

type Notifier interface {
	NotifyInvoicePaid(ctx context.Context, subscriberID string, invoiceID uint64) error
}

type HTTPConfig struct {
	RendererURL string
	NotifierURL string
	APIKey      string
	Timeout     time.Duration
}

type renderInvoiceRequest struct {
	InvoiceID      uint64           `json:"invoice_id"`
	InvoiceNumber  string           `json:"invoice_number"`
	SubscriptionID uint64           `json:"subscription_id"`
	SubscriberID   string           `json:"subscriber_id"`
	AmountPaise    int64            `json:"amount_paise"`
	TaxPaise       int64            `json:"tax_paise"`
	TaxBreakdown   map[string]int64 `json:"tax_breakdown"`
	TotalPaise     int64            `json:"total_paise"`
	Currency       string           `json:"currency"`
	PeriodStart    time.Time        `json:"billing_period_start"`
	PeriodEnd      time.Time        `json:"billing_period_end"`
	PaidAt         *time.Time       `json:"paid_at,omitempty"`
}

type invoicePaidNotification struct {
	SubscriberID string `json:"subscriber_id"`
	InvoiceID    uint64 `json:"invoice_id"`
	Event        string `json:"event"`
}

// HTTPClient posts invoice side effects to the renderer and notifier services.
type HTTPClient struct {
	cfg    HTTPConfig
	client *resty.Client
}

func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		client.SetHeader("X-API-Key", key)
	}
	return &HTTPClient{cfg: cfg, client: client}
}

func (c *HTTPClient) RenderInvoice(ctx context.Context, invoice *entity.Invoice) error {
	body := renderInvoiceRequest{
		InvoiceID:      invoice.ID,
		SubscriptionID: invoice.SubscriptionID,
		SubscriberID:   invoice.SubscriberID,
		AmountPaise:    invoice.AmountPaise,
		TaxPaise:       invoice.TaxPaise,
		TaxBreakdown:   invoice.TaxBreakdown,
		TotalPaise:     invoice.TotalPaise,
		Currency:       invoice.Currency,
		PeriodStart:    invoice.BillingPeriodStart,
		PeriodEnd:      invoice.BillingPeriodEnd,
		PaidAt:         invoice.PaidAt,
	}
	if invoice.InvoiceNumber != nil {
		body.InvoiceNumber = *invoice.InvoiceNumber
	}
	return c.post(ctx, c.cfg.RendererURL, body)
}

func (c *HTTPClient) NotifyInvoicePaid(ctx context.Context, subscriberID string, invoiceID uint64) error {
	return c.post(ctx, c.cfg.NotifierURL, invoicePaidNotification{
		SubscriberID: subscriberID,
		InvoiceID:    invoiceID,
		Event:        "invoice.paid",
	})
}

func (c *HTTPClient) post(ctx context.Context, endpoint string, body interface{}) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	req := c.client.R().SetContext(ctx).SetBody(body)
	if requestID, ok := ctx.Value(requestIDKey{}).(string); ok && requestID != "" {
		req.SetHeader("X-Request-ID", requestID)
	}

	resp, err := req.Post(endpoint)
	if err != nil {
		return err
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("downstream endpoint returned status=%d", resp.StatusCode())
	}
	return nil
}
