package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/provider"
)

type VerifyPaymentRequest interface {
	GetSubscriptionId() uint64
	GetPaymentId() string
	GetOrderId() string
	GetGatewaySubscriptionId() string
	GetSignature() string
}

type VerifyResult struct {
	Subscription   *entity.Subscription
	Invoice        *entity.Invoice
	AlreadyApplied bool
}

// VerifyPayment confirms a checkout the client reports as completed. The
// signature proves the gateway saw the payment; everything after that is the
// shared activation and is safe to race with the webhook.
func (s *SubscriptionService) VerifyPayment(ctx context.Context, req VerifyPaymentRequest) (*VerifyResult, error) {
	paymentID := strings.TrimSpace(req.GetPaymentId())
	orderID := strings.TrimSpace(req.GetOrderId())
	signature := strings.TrimSpace(req.GetSignature())
	if req.GetSubscriptionId() == 0 || paymentID == "" || signature == "" {
		return nil, ErrInvalidRequest
	}

	sub, err := s.requireSubscription(ctx, req.GetSubscriptionId())
	if err != nil {
		return nil, err
	}

	gatewaySubscriptionID := strings.TrimSpace(req.GetGatewaySubscriptionId())
	if orderID == "" && gatewaySubscriptionID == "" && sub.IsMandate() {
		gatewaySubscriptionID = *sub.GatewaySubscriptionID
	}
	if !s.gateway.VerifyPaymentSignature(orderID, paymentID, gatewaySubscriptionID, signature) {
		s.logger.WithField("subscription_id", sub.ID).Warn("Payment signature mismatch")
		return nil, ErrInvalidSignature
	}

	inv, err := s.locateVerifiedInvoice(ctx, sub, orderID, paymentID)
	if err != nil {
		return nil, err
	}

	logger := s.logger.WithFields(logrus.Fields{
		"subscription_id":    sub.ID,
		"invoice_id":         inv.ID,
		"gateway_payment_id": paymentID,
	})

	if err := s.recordTransaction(ctx, &entity.PaymentTransaction{
		SubscriptionID:        optionalUint64(sub.ID),
		InvoiceID:             optionalUint64(inv.ID),
		EventType:             provider.EventPaymentCaptured,
		Source:                entity.TransactionSourceVerify,
		GatewayPaymentID:      optionalString(paymentID),
		GatewayOrderID:        optionalString(orderID),
		GatewaySubscriptionID: optionalString(gatewaySubscriptionID),
		AmountPaise:           inv.TotalPaise,
		Currency:              inv.Currency,
		GatewayStatus:         provider.PaymentStatusCaptured,
	}); err != nil {
		return nil, err
	}

	if inv.IsPaid() {
		logger.Debug("Verified payment already applied")
		return &VerifyResult{Subscription: sub, Invoice: inv, AlreadyApplied: true}, nil
	}

	outcome, err := s.activate(ctx, sub, inv, paymentRef{
		PaymentID:   paymentID,
		OrderID:     orderID,
		AmountPaise: inv.TotalPaise,
		PaidAt:      s.clock.Now(),
	}, entity.TransactionSourceVerify)
	if err != nil {
		return nil, err
	}

	current, err := s.requireSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{
		Subscription:   current,
		Invoice:        outcome.Invoice,
		AlreadyApplied: !outcome.Applied,
	}, nil
}

// locateVerifiedInvoice resolves the invoice the verified payment settles. A
// signed order id must belong to sub; only a mandate checkout, which carries
// no order, may fall back to its latest open invoice.
func (s *SubscriptionService) locateVerifiedInvoice(ctx context.Context, sub *entity.Subscription, orderID, paymentID string) (*entity.Invoice, error) {
	if orderID != "" {
		inv, err := s.invoices.FindByGatewayOrderID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if inv == nil || inv.SubscriptionID != sub.ID {
			s.logger.WithFields(logrus.Fields{
				"subscription_id":  sub.ID,
				"gateway_order_id": orderID,
			}).Warn("Verified order does not belong to subscription")
			return nil, ErrInvoiceNotFound
		}
		return inv, nil
	}

	inv, err := s.invoices.FindByGatewayPaymentID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if inv != nil {
		if inv.SubscriptionID != sub.ID {
			return nil, ErrInvoiceNotFound
		}
		return inv, nil
	}

	if !sub.IsMandate() {
		return nil, ErrInvoiceNotFound
	}
	inv, err = s.invoices.FindLatestOpenBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvoiceNotFound
	}
	return inv, nil
}
