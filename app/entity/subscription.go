package entity

import "time"

const (
	SubscriptionStatusPaymentPending = "PAYMENT_PENDING"
	SubscriptionStatusActive         = "ACTIVE"
	SubscriptionStatusPaused         = "PAUSED"
	SubscriptionStatusCancelled      = "CANCELLED"
	SubscriptionStatusExpired        = "EXPIRED"
	SubscriptionStatusPaymentFailed  = "PAYMENT_FAILED"
	SubscriptionStatusInactive       = "INACTIVE"
)

const (
	PlanPro      = "pro"
	PlanCampaign = "campaign"
)

const (
	MandateStatusCreated       = "created"
	MandateStatusAuthenticated = "authenticated"
	MandateStatusActive        = "active"
	MandateStatusPaused        = "paused"
	MandateStatusHalted        = "halted"
	MandateStatusPending       = "pending"
	MandateStatusCancelled     = "cancelled"
)

// ActiveLikeStatuses may hold at most one subscription per subscriber.
var ActiveLikeStatuses = []string{
	SubscriptionStatusActive,
	SubscriptionStatusPaymentPending,
	SubscriptionStatusPaused,
}

var subscriptionTransitions = map[string][]string{
	SubscriptionStatusPaymentPending: {
		SubscriptionStatusActive,
		SubscriptionStatusPaymentFailed,
		SubscriptionStatusInactive,
	},
	SubscriptionStatusActive: {
		SubscriptionStatusActive,
		SubscriptionStatusPaused,
		SubscriptionStatusCancelled,
		SubscriptionStatusExpired,
		SubscriptionStatusPaymentFailed,
	},
	SubscriptionStatusPaused: {
		SubscriptionStatusActive,
		SubscriptionStatusCancelled,
	},
	SubscriptionStatusPaymentFailed: {
		SubscriptionStatusActive,
		SubscriptionStatusExpired,
	},
	// Recovery only: a captured payment proves the subscription was paid for.
	SubscriptionStatusExpired: {
		SubscriptionStatusActive,
	},
	SubscriptionStatusInactive: {
		SubscriptionStatusActive,
	},
}

type Subscription struct {
	ID uint64

	SubscriberID string
	Plan         string
	Status       string

	StartDate          *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	NextBillingDate    *time.Time

	AmountPaise int64
	Currency    string
	AutoRenew   bool

	GatewaySubscriptionID *string
	MandateStatus         *string

	IsPaused          bool
	PauseStartDate    *time.Time
	ResumeDate        *time.Time
	PauseDurationDays int32

	CancelledAt  *time.Time
	CancelReason *string

	AutoChargeFailures    int32
	LastAutoChargeAttempt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func IsActiveLike(status string) bool {
	for _, s := range ActiveLikeStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *Subscription) CanTransitionTo(next string) bool {
	for _, candidate := range subscriptionTransitions[s.Status] {
		if candidate == next {
			return true
		}
	}
	return false
}

func (s *Subscription) IsMandate() bool {
	return s.GatewaySubscriptionID != nil && *s.GatewaySubscriptionID != ""
}

// HasAccess is derived on every read and must never be persisted.
func (s *Subscription) HasAccess(now time.Time) bool {
	if s.CurrentPeriodEnd == nil {
		return false
	}
	periodEnd := *s.CurrentPeriodEnd

	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusCancelled, SubscriptionStatusPaymentFailed:
		return now.Before(periodEnd)
	case SubscriptionStatusPaused:
		until := periodEnd
		if s.PauseStartDate != nil && s.PauseStartDate.Before(until) {
			until = *s.PauseStartDate
		}
		if now.Before(until) {
			return true
		}
		return s.ResumeDate != nil && !now.Before(*s.ResumeDate)
	default:
		return false
	}
}

// AccessUntil reports the end of the paid-for window still ahead of now, if any.
func (s *Subscription) AccessUntil(now time.Time) *time.Time {
	if !s.HasAccess(now) {
		return nil
	}
	end := *s.CurrentPeriodEnd
	if s.Status != SubscriptionStatusPaused {
		return &end
	}
	if s.ResumeDate != nil && !now.Before(*s.ResumeDate) {
		// Past the resume date the next period runs from the resume date
		// for one full period, even before the resume job has run.
		resumed := s.ResumeDate.Add(s.periodLength())
		return &resumed
	}
	if s.PauseStartDate != nil && s.PauseStartDate.Before(end) {
		end = *s.PauseStartDate
	}
	return &end
}

func (s *Subscription) periodLength() time.Duration {
	if s.CurrentPeriodStart == nil || s.CurrentPeriodEnd == nil || !s.CurrentPeriodEnd.After(*s.CurrentPeriodStart) {
		return 0
	}
	return s.CurrentPeriodEnd.Sub(*s.CurrentPeriodStart)
}
