package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/billing"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/provider"
)

const (
	sweepInvoices        = "invoices"
	sweepStuckStatus     = "stuck_status"
	sweepMissingInvoices = "missing_invoices"

	strategyInvoicePayment  = "invoice_payment"
	strategyMandatePayments = "mandate_payments"
	strategyLedger          = "ledger"
	strategyOrderPayments   = "order_payments"
	strategyPaidInvoice     = "paid_invoice"

	cancelReasonAbandoned = "abandoned"
)

// stuckStatuses can still own a paid, unexpired invoice after a missed
// activation.
var stuckStatuses = []string{
	entity.SubscriptionStatusPaymentPending,
	entity.SubscriptionStatusPaymentFailed,
	entity.SubscriptionStatusExpired,
	entity.SubscriptionStatusInactive,
}

// renewalStatuses are where a mandate subscription sits when a renewal
// charge was captured but its webhook never arrived.
var renewalStatuses = []string{
	entity.SubscriptionStatusActive,
	entity.SubscriptionStatusPaymentFailed,
	entity.SubscriptionStatusExpired,
}

type recoveredPayment struct {
	ref      paymentRef
	strategy string
	invoice  *entity.Invoice
}

// RunReconcileBatch converges local state with what the gateway captured.
// Every sweep runs even when an earlier one fails; the first error wins.
func (s *SubscriptionService) RunReconcileBatch(ctx context.Context) error {
	var firstErr error
	firstErr = keepFirstErr(firstErr, s.reconcileInvoices(ctx))
	firstErr = keepFirstErr(firstErr, s.reconcileStuckStatuses(ctx))
	firstErr = keepFirstErr(firstErr, s.reconcileMissingInvoices(ctx))
	return firstErr
}

func (s *SubscriptionService) reconcileInvoices(ctx context.Context) error {
	now := s.clock.Now()
	items, err := s.invoices.ListUnpaidForReconcile(ctx, now.Add(-s.reconcileCfg.Lookback), now.Add(-s.reconcileCfg.GraceWindow), s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, inv := range items {
		if inv == nil {
			continue
		}
		sub, err := s.subscriptions.FindByID(ctx, inv.SubscriptionID)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if sub == nil {
			continue
		}

		found, gatewayErr := s.findInvoicePayment(ctx, sub, inv)
		if found == nil {
			if gatewayErr != nil {
				firstErr = keepFirstErr(firstErr, gatewayErr)
				continue
			}
			s.logger.WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"invoice_id":      inv.ID,
				"sweep":           sweepInvoices,
			}).Debug(ErrUnreconcilable.Error())
			s.metrics.ObserveUnresolved(sweepInvoices)
			continue
		}

		firstErr = keepFirstErr(firstErr, s.applyRecovered(ctx, sweepInvoices, sub, found))
	}
	return firstErr
}

// findInvoicePayment walks the strategies in order and stops at the first
// captured, unconsumed payment matching the invoice total. Gateway errors do
// not stop the walk.
func (s *SubscriptionService) findInvoicePayment(ctx context.Context, sub *entity.Subscription, inv *entity.Invoice) (*recoveredPayment, error) {
	var gatewayErr error

	if inv.GatewayPaymentID != nil && *inv.GatewayPaymentID != "" {
		payment, err := s.gateway.GetPayment(ctx, *inv.GatewayPaymentID)
		switch {
		case err != nil && !errors.Is(err, provider.ErrNotFound):
			gatewayErr = keepFirstErr(gatewayErr, wrapGatewayErr(err))
		case payment != nil:
			found, err := s.matchPayments(ctx, []provider.Payment{*payment}, inv.TotalPaise, strategyInvoicePayment, inv)
			if err != nil || found != nil {
				return found, err
			}
		}
	}

	if sub.IsMandate() {
		payments, err := s.gateway.GetSubscriptionPayments(ctx, *sub.GatewaySubscriptionID)
		if err != nil {
			gatewayErr = keepFirstErr(gatewayErr, wrapGatewayErr(err))
		} else {
			found, err := s.matchPayments(ctx, payments, inv.TotalPaise, strategyMandatePayments, inv)
			if err != nil || found != nil {
				return found, err
			}
		}
	}

	found, err := s.matchLedger(ctx, sub, inv.GatewayOrderID, inv.TotalPaise, inv)
	if err != nil || found != nil {
		return found, err
	}

	if inv.GatewayOrderID != nil && *inv.GatewayOrderID != "" {
		payments, err := s.gateway.GetOrderPayments(ctx, *inv.GatewayOrderID)
		if err != nil {
			gatewayErr = keepFirstErr(gatewayErr, wrapGatewayErr(err))
		} else {
			found, err := s.matchPayments(ctx, payments, inv.TotalPaise, strategyOrderPayments, inv)
			if err != nil || found != nil {
				return found, err
			}
		}
	}

	return nil, gatewayErr
}

func (s *SubscriptionService) matchPayments(ctx context.Context, payments []provider.Payment, amountPaise int64, strategy string, inv *entity.Invoice) (*recoveredPayment, error) {
	for _, payment := range payments {
		if !payment.IsCaptured() || payment.ID == "" {
			continue
		}
		if amountPaise > 0 && payment.AmountPaise != amountPaise {
			continue
		}
		consumed, err := s.invoices.FindPaidByGatewayPaymentID(ctx, payment.ID)
		if err != nil {
			return nil, err
		}
		if consumed != nil {
			continue
		}
		return &recoveredPayment{
			ref: paymentRef{
				PaymentID:   payment.ID,
				OrderID:     payment.OrderID,
				AmountPaise: payment.AmountPaise,
				PaidAt:      payment.CreatedAt,
			},
			strategy: strategy,
			invoice:  inv,
		}, nil
	}
	return nil, nil
}

func (s *SubscriptionService) matchLedger(ctx context.Context, sub *entity.Subscription, orderID *string, amountPaise int64, inv *entity.Invoice) (*recoveredPayment, error) {
	rows, err := s.transactions.ListUnappliedCaptured(ctx, sub.ID, sub.GatewaySubscriptionID, orderID, s.batchSize())
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.GatewayPaymentID == nil {
			continue
		}
		if amountPaise > 0 && row.AmountPaise != amountPaise {
			continue
		}
		ref := paymentRef{
			PaymentID:   *row.GatewayPaymentID,
			AmountPaise: row.AmountPaise,
			PaidAt:      row.CreatedAt,
		}
		if row.GatewayOrderID != nil {
			ref.OrderID = *row.GatewayOrderID
		}
		return &recoveredPayment{ref: ref, strategy: strategyLedger, invoice: inv}, nil
	}
	return nil, nil
}

func (s *SubscriptionService) applyRecovered(ctx context.Context, sweep string, sub *entity.Subscription, found *recoveredPayment) error {
	logger := s.logger.WithFields(logrus.Fields{
		"subscription_id":    sub.ID,
		"invoice_id":         found.invoice.ID,
		"gateway_payment_id": found.ref.PaymentID,
		"sweep":              sweep,
		"strategy":           found.strategy,
	})

	if err := s.recordTransaction(ctx, &entity.PaymentTransaction{
		SubscriptionID:        optionalUint64(sub.ID),
		InvoiceID:             optionalUint64(found.invoice.ID),
		EventType:             provider.EventPaymentCaptured,
		Source:                entity.TransactionSourceReconcile,
		GatewayPaymentID:      optionalString(found.ref.PaymentID),
		GatewayOrderID:        optionalString(found.ref.OrderID),
		GatewaySubscriptionID: sub.GatewaySubscriptionID,
		AmountPaise:           found.ref.AmountPaise,
		Currency:              found.invoice.Currency,
		GatewayStatus:         provider.PaymentStatusCaptured,
	}); err != nil {
		return err
	}

	outcome, err := s.activate(ctx, sub, found.invoice, found.ref, entity.TransactionSourceReconcile)
	if errors.Is(err, ErrUnreconcilable) {
		logger.WithError(err).Error("Recovered payment could not activate subscription")
		s.metrics.ObserveUnresolved(sweep)
		return nil
	}
	if err != nil {
		return err
	}
	if outcome.Applied {
		s.metrics.ObserveRecovery(sweep, found.strategy)
		logger.Info("Recovered captured payment")
	}
	return nil
}

func (s *SubscriptionService) reconcileStuckStatuses(ctx context.Context) error {
	now := s.clock.Now()
	items, err := s.subscriptions.ListStuckWithPaidInvoice(ctx, stuckStatuses, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, sub := range items {
		if sub == nil {
			continue
		}
		inv, err := s.invoices.FindLatestPaidBySubscription(ctx, sub.ID)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if inv == nil || !inv.BillingPeriodEnd.After(now) {
			continue
		}

		paidAt := now
		if inv.PaidAt != nil {
			paidAt = *inv.PaidAt
		}
		s.ensureInvoiceNumber(ctx, inv, paidAt)

		logger := s.logger.WithFields(logrus.Fields{
			"subscription_id": sub.ID,
			"invoice_id":      inv.ID,
			"sweep":           sweepStuckStatus,
			"previous_status": sub.Status,
		})
		activated, err := s.activateSubscription(ctx, sub.ID, inv)
		if errors.Is(err, ErrUnreconcilable) {
			logger.WithError(err).Error("Stuck subscription could not be reactivated")
			s.metrics.ObserveUnresolved(sweepStuckStatus)
			continue
		}
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if activated != nil && activated.Status == entity.SubscriptionStatusActive {
			s.metrics.ObserveRecovery(sweepStuckStatus, strategyPaidInvoice)
			logger.Info("Reactivated subscription from paid invoice")
		}
	}
	return firstErr
}

// reconcileMissingInvoices covers payments that never produced a PAID
// invoice: unpaid checkouts and mandate renewals whose charge went unseen.
func (s *SubscriptionService) reconcileMissingInvoices(ctx context.Context) error {
	var firstErr error
	firstErr = keepFirstErr(firstErr, s.reconcilePendingCheckouts(ctx))
	firstErr = keepFirstErr(firstErr, s.reconcileRenewals(ctx))
	return firstErr
}

func (s *SubscriptionService) reconcilePendingCheckouts(ctx context.Context) error {
	now := s.clock.Now()
	items, err := s.subscriptions.ListUnresolvedPending(ctx, now.Add(-s.reconcileCfg.GraceWindow), s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, sub := range items {
		if sub == nil {
			continue
		}
		found, err := s.findPendingPayment(ctx, sub)
		if found != nil {
			firstErr = keepFirstErr(firstErr, s.applyRecovered(ctx, sweepMissingInvoices, sub, found))
			continue
		}
		if err != nil {
			// Unpaid cannot be proven while a lookup failed.
			firstErr = keepFirstErr(firstErr, err)
			continue
		}

		s.metrics.ObserveUnresolved(sweepMissingInvoices)
		if s.reconcileCfg.AbandonAfter > 0 && sub.CreatedAt.Before(now.Add(-s.reconcileCfg.AbandonAfter)) {
			firstErr = keepFirstErr(firstErr, s.abandonPending(ctx, sub))
		}
	}
	return firstErr
}

func (s *SubscriptionService) reconcileRenewals(ctx context.Context) error {
	now := s.clock.Now()
	items, err := s.subscriptions.ListRenewalCandidates(ctx, renewalStatuses, now.Add(-s.reconcileCfg.Lookback), now.Add(s.reconcileCfg.RenewalLead), s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, sub := range items {
		if sub == nil || !sub.IsMandate() {
			continue
		}
		found, err := s.findRenewalPayment(ctx, sub)
		if err != nil {
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		if found == nil {
			continue
		}
		firstErr = keepFirstErr(firstErr, s.applyRecovered(ctx, sweepMissingInvoices, sub, found))
	}
	return firstErr
}

// findRenewalPayment compares the gateway's charge count for the mandate with
// the local PAID invoices. Only when the gateway is ahead are its payments
// listed for a captured charge no invoice has consumed.
func (s *SubscriptionService) findRenewalPayment(ctx context.Context, sub *entity.Subscription) (*recoveredPayment, error) {
	gatewaySubscriptionID := *sub.GatewaySubscriptionID
	mandate, err := s.gateway.GetSubscription(ctx, gatewaySubscriptionID)
	if errors.Is(err, provider.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapGatewayErr(err)
	}
	if mandate == nil {
		return nil, nil
	}
	s.syncMandateStatus(ctx, sub, mandate.Status)
	if mandate.Status == "" || mandate.Status == entity.MandateStatusCreated {
		return nil, nil
	}

	invoices, err := s.invoices.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	paid := 0
	for _, inv := range invoices {
		if inv.IsPaid() {
			paid++
		}
	}
	if mandate.PaidCount <= paid {
		return nil, nil
	}

	payments, err := s.gateway.GetSubscriptionPayments(ctx, gatewaySubscriptionID)
	if err != nil {
		return nil, wrapGatewayErr(err)
	}
	// Charges inside the grace window still belong to the webhook.
	cutoff := s.clock.Now().Add(-s.reconcileCfg.GraceWindow)
	settled := make([]provider.Payment, 0, len(payments))
	for _, payment := range payments {
		if payment.CreatedAt.Before(cutoff) {
			settled = append(settled, payment)
		}
	}

	expected := billing.Compute(sub.AmountPaise, s.taxes).TotalPaise
	found, err := s.matchPayments(ctx, settled, expected, strategyMandatePayments, nil)
	if err != nil || found == nil {
		return nil, err
	}
	return s.withInvoice(ctx, sub, found, nil)
}

func (s *SubscriptionService) syncMandateStatus(ctx context.Context, sub *entity.Subscription, mandateStatus string) {
	if mandateStatus == "" || (sub.MandateStatus != nil && *sub.MandateStatus == mandateStatus) {
		return
	}
	if err := s.subscriptions.UpdateMandateStatus(ctx, sub.ID, mandateStatus, s.clock.Now()); err != nil {
		s.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("Failed to mirror gateway mandate status")
	}
}

// findPendingPayment searches the mandate, the orders of the subscription's
// invoices and the ledger for a payment that should have activated sub.
func (s *SubscriptionService) findPendingPayment(ctx context.Context, sub *entity.Subscription) (*recoveredPayment, error) {
	invoices, err := s.invoices.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	target := latestUnpaid(invoices)
	expected := billing.Compute(sub.AmountPaise, s.taxes).TotalPaise
	if target != nil {
		expected = target.TotalPaise
	}

	var gatewayErr error
	if sub.IsMandate() {
		payments, err := s.gateway.GetSubscriptionPayments(ctx, *sub.GatewaySubscriptionID)
		if err != nil {
			gatewayErr = keepFirstErr(gatewayErr, wrapGatewayErr(err))
		} else if found, err := s.matchPayments(ctx, payments, expected, strategyMandatePayments, target); err != nil || found != nil {
			return s.withInvoice(ctx, sub, found, err)
		}
	}

	for _, inv := range invoices {
		if inv.GatewayOrderID == nil || *inv.GatewayOrderID == "" || inv.IsPaid() {
			continue
		}
		payments, err := s.gateway.GetOrderPayments(ctx, *inv.GatewayOrderID)
		if err != nil {
			gatewayErr = keepFirstErr(gatewayErr, wrapGatewayErr(err))
			continue
		}
		if found, err := s.matchPayments(ctx, payments, inv.TotalPaise, strategyOrderPayments, inv); err != nil || found != nil {
			return s.withInvoice(ctx, sub, found, err)
		}
	}

	found, err := s.matchLedger(ctx, sub, nil, expected, target)
	if err != nil || found != nil {
		return s.withInvoice(ctx, sub, found, err)
	}
	return nil, gatewayErr
}

func (s *SubscriptionService) withInvoice(ctx context.Context, sub *entity.Subscription, found *recoveredPayment, err error) (*recoveredPayment, error) {
	if err != nil {
		return nil, err
	}
	if found.invoice == nil {
		inv, err := s.invoiceForPeriod(ctx, sub, s.nextPeriodStart(sub), entity.InvoiceSourceReconcile)
		if err != nil {
			return nil, err
		}
		found.invoice = inv
	}
	return found, nil
}

// abandonPending frees the subscriber's slot once a checkout has gone unpaid
// past the abandonment window.
func (s *SubscriptionService) abandonPending(ctx context.Context, sub *entity.Subscription) error {
	now := s.clock.Now()
	reason := cancelReasonAbandoned
	next := *sub
	next.Status = entity.SubscriptionStatusInactive
	next.AutoRenew = false
	next.NextBillingDate = nil
	next.CancelledAt = &now
	next.CancelReason = &reason
	next.UpdatedAt = now

	logger := s.logger.WithField("subscription_id", sub.ID).WithField("sweep", sweepMissingInvoices)
	if _, err := s.commitTransition(ctx, sub, &next); err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			return nil
		}
		return err
	}
	s.cancelOpenInvoices(ctx, sub.ID, now)

	if sub.IsMandate() {
		if err := s.gateway.CancelSubscription(ctx, *sub.GatewaySubscriptionID, false); err != nil {
			logger.WithError(err).Warn("Gateway mandate cancel failed for abandoned checkout")
		}
	}
	logger.Info("Abandoned unpaid checkout")
	return nil
}

func latestUnpaid(invoices []*entity.Invoice) *entity.Invoice {
	var latest *entity.Invoice
	for _, inv := range invoices {
		if inv.IsPaid() {
			continue
		}
		if latest == nil || inv.ID > latest.ID {
			latest = inv
		}
	}
	return latest
}

func wrapGatewayErr(err error) error {
	if errors.Is(err, ErrGatewayUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}

