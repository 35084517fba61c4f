package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/repository"
)

const activationRetries = 3

type paymentRef struct {
	PaymentID   string
	OrderID     string
	AmountPaise int64
	PaidAt      time.Time
}

type activationOutcome struct {
	Applied      bool
	Subscription *entity.Subscription
	Invoice      *entity.Invoice
}

// activate settles inv with the captured payment and moves the subscription
// into its paid period. Every entry point (verify, webhook, reconcile) goes
// through here; the conditional MarkPaid decides which caller owns the side
// effects.
func (s *SubscriptionService) activate(ctx context.Context, sub *entity.Subscription, inv *entity.Invoice, ref paymentRef, source string) (*activationOutcome, error) {
	logger := s.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"invoice_id":      inv.ID,
		"payment_id":      ref.PaymentID,
		"source":          source,
	})
	outcome := &activationOutcome{Subscription: sub, Invoice: inv}

	consumed, err := s.invoices.FindPaidByGatewayPaymentID(ctx, ref.PaymentID)
	if err != nil {
		return nil, err
	}
	if consumed != nil {
		if consumed.ID != inv.ID {
			logger.WithField("paid_invoice_id", consumed.ID).Debug("Payment already settles another invoice")
		}
		outcome.Invoice = consumed
		return outcome, nil
	}

	paidAt := ref.PaidAt
	if paidAt.IsZero() {
		paidAt = s.clock.Now()
	}
	start := inv.BillingPeriodStart
	if paidAt.After(start) {
		start = paidAt
	}
	end := start.Add(s.billingCfg.Period())

	var orderID *string
	if ref.OrderID != "" {
		id := ref.OrderID
		orderID = &id
	}
	now := s.clock.Now()
	applied, err := s.invoices.MarkPaid(ctx, repository.PaidUpdate{
		InvoiceID:          inv.ID,
		GatewayPaymentID:   ref.PaymentID,
		GatewayOrderID:     orderID,
		PaidAt:             paidAt,
		BillingPeriodStart: start,
		BillingPeriodEnd:   end,
		UpdatedAt:          now,
	})
	if errors.Is(err, repository.ErrPaymentAlreadyApplied) {
		logger.Debug("Payment claimed by a concurrent settlement")
		return outcome, nil
	}
	if err != nil {
		return nil, err
	}
	if !applied {
		logger.Debug("Invoice already paid")
		return outcome, nil
	}

	settled := *inv
	paymentID := ref.PaymentID
	settled.PaymentStatus = entity.InvoiceStatusPaid
	settled.GatewayPaymentID = &paymentID
	if orderID != nil {
		settled.GatewayOrderID = orderID
	}
	settled.PaidAt = &paidAt
	settled.BillingPeriodStart = start
	settled.BillingPeriodEnd = end
	settled.UpdatedAt = now
	s.ensureInvoiceNumber(ctx, &settled, paidAt)
	outcome.Invoice = &settled
	outcome.Applied = true

	activated, err := s.activateSubscription(ctx, sub.ID, &settled)
	if err != nil {
		return nil, err
	}
	if activated != nil {
		outcome.Subscription = activated
	}

	logger.WithField("period_end", end).Info("Invoice paid")
	if s.sideEffects != nil {
		s.sideEffects.InvoicePaid(ctx, outcome.Subscription, outcome.Invoice)
	}
	return outcome, nil
}

// ensureInvoiceNumber assigns a number exactly once. Failure is left for the
// next pass since the payment itself is already durable.
func (s *SubscriptionService) ensureInvoiceNumber(ctx context.Context, inv *entity.Invoice, at time.Time) {
	if inv.InvoiceNumber != nil || s.sequence == nil {
		return
	}
	logger := s.logger.WithField("invoice_id", inv.ID)
	number, err := s.sequence.Next(ctx, at)
	if err != nil {
		logger.WithError(err).Error("Failed to allocate invoice number")
		return
	}
	assigned, err := s.invoices.AssignInvoiceNumber(ctx, inv.ID, number, s.clock.Now())
	if err != nil {
		logger.WithError(err).Error("Failed to assign invoice number")
		return
	}
	if assigned {
		inv.InvoiceNumber = &number
	}
}

// activateSubscription moves the subscription onto the invoice's period. It
// reloads and retries when a concurrent writer changes the status first.
func (s *SubscriptionService) activateSubscription(ctx context.Context, subscriptionID uint64, inv *entity.Invoice) (*entity.Subscription, error) {
	logger := s.logger.WithField("subscription_id", subscriptionID).WithField("invoice_id", inv.ID)

	for attempt := 0; attempt < activationRetries; attempt++ {
		sub, err := s.subscriptions.FindByID(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, ErrSubscriptionNotFound
		}

		switch sub.Status {
		case entity.SubscriptionStatusPaused, entity.SubscriptionStatusCancelled:
			logger.WithField("status", sub.Status).Warn("Paid invoice left subscription status unchanged")
			return sub, nil
		case entity.SubscriptionStatusActive:
			if sub.CurrentPeriodEnd != nil && !sub.CurrentPeriodEnd.Before(inv.BillingPeriodEnd) {
				return sub, nil
			}
		}

		now := s.clock.Now()
		start := inv.BillingPeriodStart
		end := inv.BillingPeriodEnd
		next := *sub
		next.Status = entity.SubscriptionStatusActive
		next.CurrentPeriodStart = &start
		next.CurrentPeriodEnd = &end
		if next.StartDate == nil {
			next.StartDate = &start
		}
		next.IsPaused = false
		next.PauseStartDate = nil
		next.ResumeDate = nil
		next.PauseDurationDays = 0
		if sub.Status == entity.SubscriptionStatusInactive {
			next.CancelledAt = nil
			next.CancelReason = nil
		}
		next.NextBillingDate = nextBillingDate(&next)
		next.UpdatedAt = now

		applied, err := s.subscriptions.Update(ctx, &next, sub.Status)
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			logger.WithError(err).Error("Paid subscription conflicts with another active subscription")
			return nil, fmt.Errorf("%w: %v", ErrUnreconcilable, err)
		}
		if err != nil {
			return nil, err
		}
		if !applied {
			continue
		}

		if err := s.subscriptions.ResetAutoChargeFailures(ctx, sub.ID, now); err != nil {
			logger.WithError(err).Warn("Failed to reset auto charge failures")
		}
		return &next, nil
	}

	logger.Warn("Subscription activation lost every compare-and-set attempt")
	return nil, fmt.Errorf("%w: subscription %d kept changing", ErrUnreconcilable, subscriptionID)
}

func (s *SubscriptionService) recordTransaction(ctx context.Context, tx *entity.PaymentTransaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.clock.Now()
	}
	if err := s.transactions.Create(ctx, tx); err != nil {
		s.logger.WithError(err).WithField("event_type", tx.EventType).Error("Failed to append payment transaction")
		return err
	}
	return nil
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func optionalUint64(v uint64) *uint64 {
	if v == 0 {
		return nil
	}
	return &v
}
