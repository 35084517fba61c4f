package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/billing"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/metrics"
	"github.com/vibast-solutions/ms-go-subscriptions/app/provider"
)

const cancelReasonMandate = "mandate_cancelled"

type WebhookRequest interface {
	GetPayload() []byte
	GetSignature() string
	GetEventId() string
}

type WebhookResult struct {
	EventID   string
	EventType string
	Outcome   string
}

// HandleGatewayWebhook applies one gateway delivery. Duplicates and unknown
// event types are successes so the gateway stops retrying them; only store
// failures come back as errors.
func (s *SubscriptionService) HandleGatewayWebhook(ctx context.Context, req WebhookRequest) (*WebhookResult, error) {
	payload := req.GetPayload()
	if len(payload) == 0 {
		return nil, ErrInvalidRequest
	}
	if !s.gateway.VerifyWebhookSignature(payload, req.GetSignature()) {
		s.logger.Warn("Webhook signature mismatch")
		return nil, ErrInvalidSignature
	}

	event, err := s.gateway.ParseWebhook(payload, req.GetEventId())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	var outcome string
	switch event.Family {
	case provider.FamilyMandate:
		outcome, err = s.handleMandateEvent(ctx, event)
	case provider.FamilyPayment:
		outcome, err = s.handlePaymentEvent(ctx, event)
	default:
		s.logger.WithField("event_type", event.Type).Debug("Ignoring unknown webhook event")
		outcome = metrics.OutcomeIgnored
	}
	if err != nil {
		s.metrics.ObserveWebhookEvent(event.Type, metrics.OutcomeFailed)
		return nil, err
	}

	s.metrics.ObserveWebhookEvent(event.Type, outcome)
	return &WebhookResult{EventID: event.ID, EventType: event.Type, Outcome: outcome}, nil
}

func (s *SubscriptionService) handleMandateEvent(ctx context.Context, event *provider.Event) (string, error) {
	sub, err := s.subscriptionForEvent(ctx, event)
	if err != nil {
		return "", err
	}
	if err := s.recordTransaction(ctx, s.transactionFromEvent(event, sub, nil)); err != nil {
		return "", err
	}

	logger := s.eventLogger(event)
	if sub == nil {
		logger.Warn("Mandate event for unknown subscription")
		return metrics.OutcomeIgnored, nil
	}
	logger = logger.WithField("subscription_id", sub.ID)

	now := s.clock.Now()
	mandateStatus := mandateStatusFor(event)
	if !sub.IsMandate() && event.SubscriptionID != "" {
		if _, err := s.subscriptions.LinkGatewaySubscription(ctx, sub.ID, event.SubscriptionID, mandateStatus, now); err != nil {
			return "", err
		}
		gatewaySubscriptionID := event.SubscriptionID
		sub.GatewaySubscriptionID = &gatewaySubscriptionID
	}
	if mandateStatus != "" {
		if err := s.subscriptions.UpdateMandateStatus(ctx, sub.ID, mandateStatus, now); err != nil {
			return "", err
		}
		sub.MandateStatus = &mandateStatus
	}

	switch event.Type {
	case provider.EventSubscriptionActivated, provider.EventSubscriptionCharged:
		if event.PaymentID == "" {
			return metrics.OutcomeProcessed, nil
		}
		return s.applyMandateCharge(ctx, sub, event)
	case provider.EventSubscriptionCancelled:
		return s.applyMandateCancelled(ctx, sub, logger)
	case provider.EventSubscriptionHalted, provider.EventSubscriptionPending:
		return s.applyMandateFailure(ctx, sub, event, logger)
	default:
		return metrics.OutcomeProcessed, nil
	}
}

func (s *SubscriptionService) applyMandateCharge(ctx context.Context, sub *entity.Subscription, event *provider.Event) (string, error) {
	inv, err := s.invoices.FindByGatewayPaymentID(ctx, event.PaymentID)
	if err != nil {
		return "", err
	}
	if inv != nil && inv.IsPaid() {
		return metrics.OutcomeDuplicate, nil
	}
	if inv != nil && inv.SubscriptionID != sub.ID {
		inv = nil
	}

	if inv == nil && isFirstPayment(sub) {
		if inv, err = s.invoices.FindLatestOpenBySubscription(ctx, sub.ID); err != nil {
			return "", err
		}
	}
	if inv == nil {
		if inv, err = s.invoiceForPeriod(ctx, sub, s.nextPeriodStart(sub), entity.InvoiceSourceWebhook); err != nil {
			return "", err
		}
	}

	return s.applyCapture(ctx, sub, inv, event)
}

func (s *SubscriptionService) applyMandateCancelled(ctx context.Context, sub *entity.Subscription, logger logrus.FieldLogger) (string, error) {
	now := s.clock.Now()
	next := *sub
	next.AutoRenew = false
	next.NextBillingDate = nil
	next.UpdatedAt = now

	if sub.Status == entity.SubscriptionStatusActive || sub.Status == entity.SubscriptionStatusPaused {
		reason := cancelReasonMandate
		next.Status = entity.SubscriptionStatusCancelled
		next.CancelledAt = &now
		next.CancelReason = &reason
	} else if !sub.AutoRenew {
		return metrics.OutcomeProcessed, nil
	}

	if _, err := s.commitTransition(ctx, sub, &next); err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			logger.Info("Subscription changed before mandate cancellation was applied")
			return metrics.OutcomeProcessed, nil
		}
		return "", err
	}
	logger.WithField("status", next.Status).Info("Mandate cancelled at gateway")
	return metrics.OutcomeProcessed, nil
}

func (s *SubscriptionService) applyMandateFailure(ctx context.Context, sub *entity.Subscription, event *provider.Event, logger logrus.FieldLogger) (string, error) {
	now := s.clock.Now()
	if _, err := s.subscriptions.IncrementAutoChargeFailures(ctx, sub.ID, now, ""); err != nil {
		return "", err
	}
	s.metrics.ObserveAutoChargeFailure(event.Type)

	if event.Type != provider.EventSubscriptionHalted {
		logger.Info("Mandate charge pending retry")
		return metrics.OutcomeProcessed, nil
	}

	logger.WithField("auto_charge_failures", sub.AutoChargeFailures+1).Warn("Mandate halted after repeated charge failures")
	if sub.Status != entity.SubscriptionStatusActive {
		return metrics.OutcomeProcessed, nil
	}
	next := *sub
	next.Status = entity.SubscriptionStatusPaymentFailed
	next.UpdatedAt = now
	if _, err := s.commitTransition(ctx, sub, &next); err != nil && !errors.Is(err, ErrInvalidStatus) {
		return "", err
	}
	return metrics.OutcomeProcessed, nil
}

func (s *SubscriptionService) handlePaymentEvent(ctx context.Context, event *provider.Event) (string, error) {
	sub, inv, err := s.locatePaymentTarget(ctx, event)
	if err != nil {
		return "", err
	}
	if err := s.recordTransaction(ctx, s.transactionFromEvent(event, sub, inv)); err != nil {
		return "", err
	}

	logger := s.eventLogger(event)
	if sub == nil {
		logger.Warn("Payment event matches no subscription")
		return metrics.OutcomeIgnored, nil
	}
	logger = logger.WithField("subscription_id", sub.ID)

	switch event.Type {
	case provider.EventPaymentCaptured, provider.EventOrderPaid:
		if event.PaymentID == "" {
			logger.Warn("Captured event carries no payment id")
			return metrics.OutcomeIgnored, nil
		}
		if inv != nil && inv.IsPaid() && inv.GatewayPaymentID != nil && *inv.GatewayPaymentID == event.PaymentID {
			return metrics.OutcomeDuplicate, nil
		}
		if inv == nil || inv.IsPaid() {
			if inv, err = s.invoiceForPeriod(ctx, sub, s.nextPeriodStart(sub), entity.InvoiceSourceWebhook); err != nil {
				return "", err
			}
		}
		return s.applyCapture(ctx, sub, inv, event)

	case provider.EventPaymentFailed:
		return s.applyPaymentFailed(ctx, sub, inv, event, logger)

	case provider.EventPaymentAuthorized:
		if inv != nil && inv.IsOpen() {
			if _, err := s.invoices.LinkGatewayRefs(ctx, inv.ID, optionalString(event.OrderID), optionalString(event.PaymentID), s.clock.Now()); err != nil {
				return "", err
			}
		}
		return metrics.OutcomeProcessed, nil
	}
	return metrics.OutcomeIgnored, nil
}

func (s *SubscriptionService) applyPaymentFailed(ctx context.Context, sub *entity.Subscription, inv *entity.Invoice, event *provider.Event, logger logrus.FieldLogger) (string, error) {
	now := s.clock.Now()
	marked := false
	if inv != nil && !inv.IsPaid() {
		var err error
		if marked, err = s.invoices.MarkFailed(ctx, inv.ID, optionalString(event.PaymentID), now); err != nil {
			return "", err
		}
	}
	if _, err := s.subscriptions.IncrementAutoChargeFailures(ctx, sub.ID, now, entity.SubscriptionStatusActive); err != nil {
		return "", err
	}

	if sub.Status == entity.SubscriptionStatusPaymentPending && (marked || inv == nil) {
		next := *sub
		next.Status = entity.SubscriptionStatusPaymentFailed
		next.UpdatedAt = now
		if _, err := s.commitTransition(ctx, sub, &next); err != nil && !errors.Is(err, ErrInvalidStatus) {
			return "", err
		}
	}
	logger.Info("Payment failed at gateway")
	return metrics.OutcomeProcessed, nil
}

func (s *SubscriptionService) applyCapture(ctx context.Context, sub *entity.Subscription, inv *entity.Invoice, event *provider.Event) (string, error) {
	if event.AmountPaise > 0 && event.AmountPaise != inv.TotalPaise {
		s.eventLogger(event).WithFields(logrus.Fields{
			"invoice_id":     inv.ID,
			"invoice_total":  inv.TotalPaise,
			"payment_amount": event.AmountPaise,
		}).Warn("Captured amount differs from invoice total")
	}

	outcome, err := s.activate(ctx, sub, inv, paymentRef{
		PaymentID:   event.PaymentID,
		OrderID:     event.OrderID,
		AmountPaise: event.AmountPaise,
		PaidAt:      event.PaidAt,
	}, entity.TransactionSourceWebhook)
	if err != nil {
		return "", err
	}
	if !outcome.Applied {
		return metrics.OutcomeDuplicate, nil
	}
	return metrics.OutcomeProcessed, nil
}

// locatePaymentTarget resolves the invoice by payment id, then order id, then
// the subscription's latest open invoice.
func (s *SubscriptionService) locatePaymentTarget(ctx context.Context, event *provider.Event) (*entity.Subscription, *entity.Invoice, error) {
	var inv *entity.Invoice
	var err error
	if event.PaymentID != "" {
		if inv, err = s.invoices.FindByGatewayPaymentID(ctx, event.PaymentID); err != nil {
			return nil, nil, err
		}
	}
	if inv == nil && event.OrderID != "" {
		if inv, err = s.invoices.FindByGatewayOrderID(ctx, event.OrderID); err != nil {
			return nil, nil, err
		}
	}
	if inv != nil {
		sub, err := s.subscriptions.FindByID(ctx, inv.SubscriptionID)
		if err != nil {
			return nil, nil, err
		}
		return sub, inv, nil
	}

	sub, err := s.subscriptionForEvent(ctx, event)
	if err != nil || sub == nil {
		return nil, nil, err
	}
	if inv, err = s.invoices.FindLatestOpenBySubscription(ctx, sub.ID); err != nil {
		return nil, nil, err
	}
	return sub, inv, nil
}

func (s *SubscriptionService) subscriptionForEvent(ctx context.Context, event *provider.Event) (*entity.Subscription, error) {
	if event.SubscriptionID != "" {
		sub, err := s.subscriptions.FindByGatewaySubscriptionID(ctx, event.SubscriptionID)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	id, err := strconv.ParseUint(event.Note("subscription_id"), 10, 64)
	if err != nil || id == 0 {
		return nil, nil
	}
	return s.subscriptions.FindByID(ctx, id)
}

// invoiceForPeriod returns the invoice covering periodStart, creating it when
// the gateway charged for a period the issuer never billed.
func (s *SubscriptionService) invoiceForPeriod(ctx context.Context, sub *entity.Subscription, periodStart time.Time, source string) (*entity.Invoice, error) {
	existing, err := s.invoices.FindBySubscriptionPeriod(ctx, sub.ID, periodStart)
	if err != nil {
		return nil, err
	}
	if existing != nil && !existing.IsPaid() {
		return existing, nil
	}

	now := s.clock.Now()
	amounts := billing.Compute(sub.AmountPaise, s.taxes)
	inv := &entity.Invoice{
		SubscriptionID:     sub.ID,
		SubscriberID:       sub.SubscriberID,
		AmountPaise:        amounts.BasePaise,
		TaxPaise:           amounts.TaxPaise,
		TaxBreakdown:       amounts.TaxBreakdown,
		TotalPaise:         amounts.TotalPaise,
		Currency:           sub.Currency,
		BillingPeriodStart: periodStart,
		BillingPeriodEnd:   periodStart.Add(s.billingCfg.Period()),
		PaymentStatus:      entity.InvoiceStatusPending,
		Source:             source,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return nil, err
	}
	s.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"invoice_id":      inv.ID,
		"source":          source,
	}).Info("Invoice synthesized for gateway charge")
	return inv, nil
}

// nextPeriodStart is where a new charge continues the paid timeline.
func (s *SubscriptionService) nextPeriodStart(sub *entity.Subscription) time.Time {
	now := s.clock.Now()
	if sub.CurrentPeriodEnd != nil && sub.CurrentPeriodEnd.After(now) {
		return *sub.CurrentPeriodEnd
	}
	return now
}

func isFirstPayment(sub *entity.Subscription) bool {
	return sub.CurrentPeriodEnd == nil || sub.Status == entity.SubscriptionStatusPaymentPending
}

func mandateStatusFor(event *provider.Event) string {
	if event.MandateStatus != "" {
		return event.MandateStatus
	}
	switch event.Type {
	case provider.EventSubscriptionAuthenticated:
		return entity.MandateStatusAuthenticated
	case provider.EventSubscriptionActivated, provider.EventSubscriptionCharged, provider.EventSubscriptionResumed:
		return entity.MandateStatusActive
	case provider.EventSubscriptionPaused:
		return entity.MandateStatusPaused
	case provider.EventSubscriptionCancelled:
		return entity.MandateStatusCancelled
	case provider.EventSubscriptionHalted:
		return entity.MandateStatusHalted
	case provider.EventSubscriptionPending:
		return entity.MandateStatusPending
	}
	return ""
}

func (s *SubscriptionService) transactionFromEvent(event *provider.Event, sub *entity.Subscription, inv *entity.Invoice) *entity.PaymentTransaction {
	tx := &entity.PaymentTransaction{
		EventType:             event.Type,
		Source:                entity.TransactionSourceWebhook,
		GatewayEventID:        optionalString(event.ID),
		GatewayPaymentID:      optionalString(event.PaymentID),
		GatewayOrderID:        optionalString(event.OrderID),
		GatewaySubscriptionID: optionalString(event.SubscriptionID),
		AmountPaise:           event.AmountPaise,
		Currency:              event.Currency,
		GatewayStatus:         event.PaymentStatus,
	}
	if tx.GatewayStatus == "" {
		tx.GatewayStatus = mandateStatusFor(event)
	}
	if sub != nil {
		tx.SubscriptionID = optionalUint64(sub.ID)
	}
	if inv != nil {
		tx.InvoiceID = optionalUint64(inv.ID)
	}
	if len(event.Raw) > 0 {
		raw := string(event.Raw)
		tx.PayloadJSON = &raw
	}
	return tx
}

func (s *SubscriptionService) eventLogger(event *provider.Event) logrus.FieldLogger {
	return s.logger.WithFields(logrus.Fields{
		"event_id":           event.ID,
		"event_type":         event.Type,
		"gateway_payment_id": event.PaymentID,
	})
}
