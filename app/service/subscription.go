package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/billing"
	"github.com/vibast-solutions/ms-go-subscriptions/app/clock"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
	"github.com/vibast-solutions/ms-go-subscriptions/app/factory"
	"github.com/vibast-solutions/ms-go-subscriptions/app/metrics"
	"github.com/vibast-solutions/ms-go-subscriptions/app/provider"
	"github.com/vibast-solutions/ms-go-subscriptions/app/repository"
	"github.com/vibast-solutions/ms-go-subscriptions/config"
)

const (
	defaultBatchSize   = int32(100)
	maxPauseDays       = int32(90)
	cancelReasonUser   = "user_requested"
	cancelReasonNoGate = "gateway_unavailable"
)

type CreateSubscriptionRequest interface {
	GetSubscriberId() string
	GetPlan() string
}

type PauseSubscriptionRequest interface {
	GetId() uint64
	GetPauseDays() int32
}

type CancelSubscriptionRequest interface {
	GetId() uint64
	GetReason() string
}

type subscriptionRepository interface {
	Update(ctx context.Context, sub *entity.Subscription, expectedStatus string) (bool, error)
	UpdateMandateStatus(ctx context.Context, id uint64, mandateStatus string, now time.Time) error
	LinkGatewaySubscription(ctx context.Context, id uint64, gatewaySubscriptionID, mandateStatus string, now time.Time) (bool, error)
	IncrementAutoChargeFailures(ctx context.Context, id uint64, at time.Time, unlessStatus string) (bool, error)
	ResetAutoChargeFailures(ctx context.Context, id uint64, at time.Time) error
	FindByID(ctx context.Context, id uint64) (*entity.Subscription, error)
	FindByGatewaySubscriptionID(ctx context.Context, gatewaySubscriptionID string) (*entity.Subscription, error)
	FindActiveLikeBySubscriber(ctx context.Context, subscriberID string) (*entity.Subscription, error)
	FindLatestWithAccess(ctx context.Context, subscriberID string, now time.Time) (*entity.Subscription, error)
	ListPeriodElapsed(ctx context.Context, statuses []string, before time.Time, limit int32) ([]*entity.Subscription, error)
	ListDueResume(ctx context.Context, now time.Time, limit int32) ([]*entity.Subscription, error)
	ListStuckWithPaidInvoice(ctx context.Context, statuses []string, now time.Time, limit int32) ([]*entity.Subscription, error)
	ListUnresolvedPending(ctx context.Context, createdBefore time.Time, limit int32) ([]*entity.Subscription, error)
	ListRenewalCandidates(ctx context.Context, statuses []string, from, to time.Time, limit int32) ([]*entity.Subscription, error)
}

type invoiceRepository interface {
	Create(ctx context.Context, inv *entity.Invoice) error
	MarkPaid(ctx context.Context, upd repository.PaidUpdate) (bool, error)
	MarkFailed(ctx context.Context, id uint64, gatewayPaymentID *string, now time.Time) (bool, error)
	MarkCancelled(ctx context.Context, id uint64, now time.Time) (bool, error)
	LinkGatewayRefs(ctx context.Context, id uint64, gatewayOrderID, gatewayPaymentID *string, now time.Time) (bool, error)
	AssignInvoiceNumber(ctx context.Context, id uint64, number string, now time.Time) (bool, error)
	FindByID(ctx context.Context, id uint64) (*entity.Invoice, error)
	FindByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.Invoice, error)
	FindPaidByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (*entity.Invoice, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*entity.Invoice, error)
	FindLatestOpenBySubscription(ctx context.Context, subscriptionID uint64) (*entity.Invoice, error)
	FindBySubscriptionPeriod(ctx context.Context, subscriptionID uint64, periodStart time.Time) (*entity.Invoice, error)
	FindLatestPaidBySubscription(ctx context.Context, subscriptionID uint64) (*entity.Invoice, error)
	ListBySubscription(ctx context.Context, subscriptionID uint64) ([]*entity.Invoice, error)
	ListUnpaidForReconcile(ctx context.Context, createdAfter, createdBefore time.Time, limit int32) ([]*entity.Invoice, error)
}

type transactionRepository interface {
	Create(ctx context.Context, tx *entity.PaymentTransaction) error
	ListUnappliedCaptured(ctx context.Context, subscriptionID uint64, gatewaySubscriptionID, gatewayOrderID *string, limit int32) ([]*entity.PaymentTransaction, error)
}

type invoiceSequence interface {
	Next(ctx context.Context, at time.Time) (string, error)
}

type checkoutStore interface {
	CreatePending(ctx context.Context, sub *entity.Subscription, inv *entity.Invoice) error
}

type sideEffects interface {
	InvoicePaid(ctx context.Context, sub *entity.Subscription, inv *entity.Invoice)
}

type Repositories struct {
	Subscriptions subscriptionRepository
	Invoices      invoiceRepository
	Transactions  transactionRepository
	Sequence      invoiceSequence
	Checkout      checkoutStore
}

type SubscriptionService struct {
	subscriptions subscriptionRepository
	invoices      invoiceRepository
	transactions  transactionRepository
	sequence      invoiceSequence
	checkout      checkoutStore
	gateway       provider.Gateway
	sideEffects   sideEffects
	metrics       *metrics.Metrics
	clock         clock.Clock
	billingCfg    config.BillingConfig
	gatewayCfg    config.GatewayConfig
	reconcileCfg  config.ReconcileConfig
	phaseTimeout  time.Duration
	taxes         []billing.TaxComponent
	logger        logrus.FieldLogger
}

func NewSubscriptionService(
	repos Repositories,
	gateway provider.Gateway,
	effects sideEffects,
	m *metrics.Metrics,
	clk clock.Clock,
	cfg *config.Config,
) (*SubscriptionService, error) {
	taxes, err := billing.ParseTaxComponents(cfg.Billing.TaxComponents)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.System()
	}

	return &SubscriptionService{
		subscriptions: repos.Subscriptions,
		invoices:      repos.Invoices,
		transactions:  repos.Transactions,
		sequence:      repos.Sequence,
		checkout:      repos.Checkout,
		gateway:       gateway,
		sideEffects:   effects,
		metrics:       m,
		clock:         clk,
		billingCfg:    cfg.Billing,
		gatewayCfg:    cfg.Gateway,
		reconcileCfg:  cfg.Reconcile,
		phaseTimeout:  cfg.Jobs.PhaseTimeout,
		taxes:         taxes,
		logger:        factory.NewModuleLogger("subscriptions-service"),
	}, nil
}

type CheckoutResult struct {
	Subscription          *entity.Subscription
	Invoice               *entity.Invoice
	KeyID                 string
	GatewayOrderID        string
	GatewaySubscriptionID string
	ShortURL              string
}

type SubscriptionDetails struct {
	Subscription *entity.Subscription
	Invoices     []*entity.Invoice
	HasAccess    bool
}

type Entitlement struct {
	SubscriberID   string
	SubscriptionID uint64
	Plan           string
	Status         string
	HasAccess      bool
	AccessUntil    *time.Time
}

func (s *SubscriptionService) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*CheckoutResult, error) {
	subscriberID := strings.TrimSpace(req.GetSubscriberId())
	plan := strings.ToLower(strings.TrimSpace(req.GetPlan()))
	if subscriberID == "" {
		return nil, ErrInvalidRequest
	}
	baseAmount, err := s.planAmount(plan)
	if err != nil {
		return nil, err
	}

	existing, err := s.subscriptions.FindActiveLikeBySubscriber(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrActiveSubscriptionExists
	}

	now := s.clock.Now()
	periodStart := now
	extending := false
	holder, err := s.subscriptions.FindLatestWithAccess(ctx, subscriberID, now)
	if err != nil {
		return nil, err
	}
	if holder != nil {
		if until := holder.AccessUntil(now); until != nil && until.After(now) {
			periodStart = *until
			extending = true
		}
	}

	amounts := billing.Compute(baseAmount, s.taxes)
	sub := &entity.Subscription{
		SubscriberID: subscriberID,
		Plan:         plan,
		Status:       entity.SubscriptionStatusPaymentPending,
		AmountPaise:  baseAmount,
		Currency:     s.billingCfg.Currency,
		AutoRenew:    plan == entity.PlanPro,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	inv := &entity.Invoice{
		AmountPaise:        amounts.BasePaise,
		TaxPaise:           amounts.TaxPaise,
		TaxBreakdown:       amounts.TaxBreakdown,
		TotalPaise:         amounts.TotalPaise,
		Currency:           s.billingCfg.Currency,
		BillingPeriodStart: periodStart,
		BillingPeriodEnd:   periodStart.Add(s.billingCfg.Period()),
		PaymentStatus:      entity.InvoiceStatusPending,
		Source:             entity.InvoiceSourceIssuer,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.checkout.CreatePending(ctx, sub, inv); err != nil {
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			return nil, ErrActiveSubscriptionExists
		}
		return nil, err
	}

	result := &CheckoutResult{Subscription: sub, Invoice: inv, KeyID: s.gateway.KeyID()}
	notes := map[string]string{
		"subscription_id": strconv.FormatUint(sub.ID, 10),
		"invoice_id":      strconv.FormatUint(inv.ID, 10),
		"subscriber_id":   subscriberID,
	}

	if plan == entity.PlanCampaign {
		order, err := s.gateway.CreateOrder(ctx, &provider.CreateOrderInput{
			AmountPaise: inv.TotalPaise,
			Currency:    inv.Currency,
			Receipt:     fmt.Sprintf("sub_%d_inv_%d", sub.ID, inv.ID),
			Notes:       notes,
		})
		if err != nil {
			return nil, s.abandonCheckout(ctx, sub, inv, err)
		}
		orderID := order.ID
		if _, err := s.invoices.LinkGatewayRefs(ctx, inv.ID, &orderID, nil, now); err != nil {
			return nil, err
		}
		inv.GatewayOrderID = &orderID
		result.GatewayOrderID = orderID
		return result, nil
	}

	var startAt *time.Time
	if extending {
		startAt = &periodStart
	}
	mandate, err := s.gateway.CreateMandateSubscription(ctx, &provider.CreateMandateInput{
		PlanID:     s.gatewayCfg.ProPlanID,
		PayerRef:   subscriberID,
		TotalCount: s.gatewayCfg.TotalCount,
		Notes:      notes,
		StartAt:    startAt,
	})
	if err != nil {
		return nil, s.abandonCheckout(ctx, sub, inv, err)
	}

	mandateStatus := mandate.Status
	if mandateStatus == "" {
		mandateStatus = entity.MandateStatusCreated
	}
	if _, err := s.subscriptions.LinkGatewaySubscription(ctx, sub.ID, mandate.ID, mandateStatus, now); err != nil {
		return nil, err
	}
	gatewaySubscriptionID := mandate.ID
	sub.GatewaySubscriptionID = &gatewaySubscriptionID
	sub.MandateStatus = &mandateStatus
	result.GatewaySubscriptionID = mandate.ID
	result.ShortURL = mandate.ShortURL
	return result, nil
}

// abandonCheckout tags a checkout whose gateway call failed so it can never be
// mistaken for a pending payment.
func (s *SubscriptionService) abandonCheckout(ctx context.Context, sub *entity.Subscription, inv *entity.Invoice, cause error) error {
	now := s.clock.Now()
	next := *sub
	reason := cancelReasonNoGate
	next.Status = entity.SubscriptionStatusInactive
	next.CancelledAt = &now
	next.CancelReason = &reason
	next.UpdatedAt = now

	logger := s.logger.WithField("subscription_id", sub.ID).WithField("invoice_id", inv.ID)
	if _, err := s.subscriptions.Update(ctx, &next, sub.Status); err != nil {
		logger.WithError(err).Error("Failed to abandon checkout after gateway error")
		return err
	}
	if _, err := s.invoices.MarkCancelled(ctx, inv.ID, now); err != nil {
		logger.WithError(err).Error("Failed to cancel invoice after gateway error")
		return err
	}
	logger.WithError(cause).Warn("Checkout abandoned, gateway unavailable")
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, cause)
}

func (s *SubscriptionService) GetSubscription(ctx context.Context, id uint64) (*SubscriptionDetails, error) {
	if id == 0 {
		return nil, ErrInvalidRequest
	}
	sub, err := s.subscriptions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	invoices, err := s.invoices.ListBySubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SubscriptionDetails{
		Subscription: sub,
		Invoices:     invoices,
		HasAccess:    sub.HasAccess(s.clock.Now()),
	}, nil
}

func (s *SubscriptionService) GetEntitlement(ctx context.Context, subscriberID string) (*Entitlement, error) {
	subscriberID = strings.TrimSpace(subscriberID)
	if subscriberID == "" {
		return nil, ErrInvalidRequest
	}
	now := s.clock.Now()

	activeLike, err := s.subscriptions.FindActiveLikeBySubscriber(ctx, subscriberID)
	if err != nil {
		return nil, err
	}
	withAccess, err := s.subscriptions.FindLatestWithAccess(ctx, subscriberID, now)
	if err != nil {
		return nil, err
	}

	result := &Entitlement{SubscriberID: subscriberID}
	for _, candidate := range []*entity.Subscription{activeLike, withAccess} {
		if candidate == nil || !candidate.HasAccess(now) {
			continue
		}
		fillEntitlement(result, candidate, now)
		return result, nil
	}
	if activeLike != nil {
		fillEntitlement(result, activeLike, now)
	}
	return result, nil
}

func fillEntitlement(out *Entitlement, sub *entity.Subscription, now time.Time) {
	out.SubscriptionID = sub.ID
	out.Plan = sub.Plan
	out.Status = sub.Status
	out.HasAccess = sub.HasAccess(now)
	out.AccessUntil = sub.AccessUntil(now)
}

func (s *SubscriptionService) PauseSubscription(ctx context.Context, req PauseSubscriptionRequest) (*entity.Subscription, error) {
	days := req.GetPauseDays()
	if req.GetId() == 0 || days <= 0 || days > maxPauseDays {
		return nil, ErrInvalidRequest
	}
	sub, err := s.requireSubscription(ctx, req.GetId())
	if err != nil {
		return nil, err
	}
	if sub.Status != entity.SubscriptionStatusActive || sub.CurrentPeriodEnd == nil {
		return nil, ErrInvalidStatus
	}

	if sub.IsMandate() {
		if err := s.gateway.PauseSubscription(ctx, *sub.GatewaySubscriptionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}

	now := s.clock.Now()
	pauseStart := *sub.CurrentPeriodEnd
	resumeAt := pauseStart.Add(time.Duration(days) * 24 * time.Hour)
	next := *sub
	next.Status = entity.SubscriptionStatusPaused
	next.IsPaused = true
	next.PauseStartDate = &pauseStart
	next.ResumeDate = &resumeAt
	next.PauseDurationDays = days
	next.NextBillingDate = &resumeAt
	next.UpdatedAt = now

	return s.commitTransition(ctx, sub, &next)
}

func (s *SubscriptionService) ResumeSubscription(ctx context.Context, id uint64) (*entity.Subscription, error) {
	if id == 0 {
		return nil, ErrInvalidRequest
	}
	sub, err := s.requireSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != entity.SubscriptionStatusPaused {
		return nil, ErrInvalidStatus
	}
	return s.resume(ctx, sub)
}

// resume reopens a paused subscription. Before the pause window starts the
// paid period is kept as is; otherwise a fresh period starts now.
func (s *SubscriptionService) resume(ctx context.Context, sub *entity.Subscription) (*entity.Subscription, error) {
	if sub.IsMandate() {
		if err := s.gateway.ResumeSubscription(ctx, *sub.GatewaySubscriptionID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
	}

	now := s.clock.Now()
	next := *sub
	next.Status = entity.SubscriptionStatusActive
	if sub.PauseStartDate == nil || !now.Before(*sub.PauseStartDate) {
		end := now.Add(s.billingCfg.Period())
		start := now
		next.CurrentPeriodStart = &start
		next.CurrentPeriodEnd = &end
	}
	next.IsPaused = false
	next.PauseStartDate = nil
	next.ResumeDate = nil
	next.PauseDurationDays = 0
	next.NextBillingDate = nextBillingDate(&next)
	next.UpdatedAt = now

	return s.commitTransition(ctx, sub, &next)
}

func (s *SubscriptionService) CancelSubscription(ctx context.Context, req CancelSubscriptionRequest) (*entity.Subscription, error) {
	if req.GetId() == 0 {
		return nil, ErrInvalidRequest
	}
	sub, err := s.requireSubscription(ctx, req.GetId())
	if err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(req.GetReason())
	if reason == "" {
		reason = cancelReasonUser
	}
	if len(reason) > 255 {
		reason = reason[:255]
	}

	now := s.clock.Now()
	next := *sub
	next.CancelledAt = &now
	next.CancelReason = &reason
	next.AutoRenew = false
	next.NextBillingDate = nil
	next.UpdatedAt = now

	switch sub.Status {
	case entity.SubscriptionStatusPaymentPending:
		if sub.IsMandate() {
			if err := s.gateway.CancelSubscription(ctx, *sub.GatewaySubscriptionID, false); err != nil {
				s.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("Gateway mandate cancel failed for unpaid checkout")
			}
		}
		next.Status = entity.SubscriptionStatusInactive
		updated, err := s.commitTransition(ctx, sub, &next)
		if err != nil {
			return nil, err
		}
		s.cancelOpenInvoices(ctx, sub.ID, now)
		return updated, nil
	case entity.SubscriptionStatusActive, entity.SubscriptionStatusPaused:
		if sub.IsMandate() {
			atCycleEnd := sub.Status == entity.SubscriptionStatusActive
			if err := s.gateway.CancelSubscription(ctx, *sub.GatewaySubscriptionID, atCycleEnd); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
			}
		}
		next.Status = entity.SubscriptionStatusCancelled
		return s.commitTransition(ctx, sub, &next)
	default:
		return nil, ErrInvalidStatus
	}
}

func (s *SubscriptionService) requireSubscription(ctx context.Context, id uint64) (*entity.Subscription, error) {
	sub, err := s.subscriptions.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// commitTransition persists next with a compare-and-set on the status current
// was read with. Losing the race surfaces as ErrInvalidStatus.
func (s *SubscriptionService) commitTransition(ctx context.Context, current, next *entity.Subscription) (*entity.Subscription, error) {
	if next.Status != current.Status && !current.CanTransitionTo(next.Status) {
		return nil, ErrInvalidStatus
	}
	applied, err := s.subscriptions.Update(ctx, next, current.Status)
	if err != nil {
		if errors.Is(err, repository.ErrActiveSubscriptionExists) {
			return nil, ErrActiveSubscriptionExists
		}
		return nil, err
	}
	if !applied {
		return nil, ErrInvalidStatus
	}
	return next, nil
}

func (s *SubscriptionService) cancelOpenInvoices(ctx context.Context, subscriptionID uint64, now time.Time) {
	invoices, err := s.invoices.ListBySubscription(ctx, subscriptionID)
	if err != nil {
		s.logger.WithError(err).WithField("subscription_id", subscriptionID).Warn("Failed to list invoices for cancellation")
		return
	}
	for _, inv := range invoices {
		if !inv.IsOpen() {
			continue
		}
		if _, err := s.invoices.MarkCancelled(ctx, inv.ID, now); err != nil {
			s.logger.WithError(err).WithField("invoice_id", inv.ID).Warn("Failed to cancel open invoice")
		}
	}
}

func (s *SubscriptionService) planAmount(plan string) (int64, error) {
	switch plan {
	case entity.PlanPro:
		return s.billingCfg.ProAmountPaise, nil
	case entity.PlanCampaign:
		return s.billingCfg.CampaignAmountPaise, nil
	default:
		return 0, ErrInvalidRequest
	}
}

func (s *SubscriptionService) batchSize() int32 {
	if s.reconcileCfg.JobBatchSize <= 0 {
		return defaultBatchSize
	}
	return s.reconcileCfg.JobBatchSize
}

func nextBillingDate(sub *entity.Subscription) *time.Time {
	if !sub.AutoRenew || sub.CurrentPeriodEnd == nil {
		return nil
	}
	next := *sub.CurrentPeriodEnd
	return &next
}
