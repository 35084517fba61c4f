package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
)

var (
	ErrSubscriptionNotFound     = errors.New("subscription not found")
	ErrActiveSubscriptionExists = errors.New("active subscription already exists for subscriber")
)

const subscriptionColumns = `
	id, subscriber_id, plan, status,
	start_date, current_period_start, current_period_end, next_billing_date,
	amount_paise, currency, auto_renew,
	gateway_subscription_id, mandate_status,
	is_paused, pause_start_date, resume_date, pause_duration_days,
	cancelled_at, cancel_reason,
	auto_charge_failures, last_auto_charge_attempt,
	created_at, updated_at
`

type SubscriptionRepository struct {
	db DBTX
}

func NewSubscriptionRepository(db DBTX) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *entity.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			subscriber_id, plan, status,
			start_date, current_period_start, current_period_end, next_billing_date,
			amount_paise, currency, auto_renew,
			gateway_subscription_id, mandate_status,
			is_paused, pause_start_date, resume_date, pause_duration_days,
			cancelled_at, cancel_reason,
			auto_charge_failures, last_auto_charge_attempt,
			created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		sub.SubscriberID,
		sub.Plan,
		sub.Status,
		nullableTimeValue(sub.StartDate),
		nullableTimeValue(sub.CurrentPeriodStart),
		nullableTimeValue(sub.CurrentPeriodEnd),
		nullableTimeValue(sub.NextBillingDate),
		sub.AmountPaise,
		sub.Currency,
		sub.AutoRenew,
		nullableStringValue(sub.GatewaySubscriptionID),
		nullableStringValue(sub.MandateStatus),
		sub.IsPaused,
		nullableTimeValue(sub.PauseStartDate),
		nullableTimeValue(sub.ResumeDate),
		sub.PauseDurationDays,
		nullableTimeValue(sub.CancelledAt),
		nullableStringValue(sub.CancelReason),
		sub.AutoChargeFailures,
		nullableTimeValue(sub.LastAutoChargeAttempt),
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return ErrActiveSubscriptionExists
		}
		return err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	sub.ID = uint64(id)
	return nil
}

// Update writes the full row only while the stored status still equals
// expectedStatus. It reports false when another writer moved the row first.
// The failure counter is not written here; it only moves through
// IncrementAutoChargeFailures and ResetAutoChargeFailures.
func (r *SubscriptionRepository) Update(ctx context.Context, sub *entity.Subscription, expectedStatus string) (bool, error) {
	query := `
		UPDATE subscriptions SET
			status = ?,
			start_date = ?,
			current_period_start = ?,
			current_period_end = ?,
			next_billing_date = ?,
			auto_renew = ?,
			gateway_subscription_id = ?,
			mandate_status = ?,
			is_paused = ?,
			pause_start_date = ?,
			resume_date = ?,
			pause_duration_days = ?,
			cancelled_at = ?,
			cancel_reason = ?,
			updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		sub.Status,
		nullableTimeValue(sub.StartDate),
		nullableTimeValue(sub.CurrentPeriodStart),
		nullableTimeValue(sub.CurrentPeriodEnd),
		nullableTimeValue(sub.NextBillingDate),
		sub.AutoRenew,
		nullableStringValue(sub.GatewaySubscriptionID),
		nullableStringValue(sub.MandateStatus),
		sub.IsPaused,
		nullableTimeValue(sub.PauseStartDate),
		nullableTimeValue(sub.ResumeDate),
		sub.PauseDurationDays,
		nullableTimeValue(sub.CancelledAt),
		nullableStringValue(sub.CancelReason),
		sub.UpdatedAt,
		sub.ID,
		expectedStatus,
	)
	if err != nil {
		if isDuplicateEntryError(err) {
			return false, ErrActiveSubscriptionExists
		}
		return false, err
	}

	return conditionalUpdateApplied(result)
}

func (r *SubscriptionRepository) UpdateMandateStatus(ctx context.Context, id uint64, mandateStatus string, now time.Time) error {
	query := `UPDATE subscriptions SET mandate_status = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.ExecContext(ctx, query, mandateStatus, now, id)
	if err != nil {
		return err
	}
	applied, err := conditionalUpdateApplied(result)
	if err != nil {
		return err
	}
	if !applied {
		return ErrSubscriptionNotFound
	}
	return nil
}

// LinkGatewaySubscription records the mandate reference once; later calls keep the first value.
func (r *SubscriptionRepository) LinkGatewaySubscription(ctx context.Context, id uint64, gatewaySubscriptionID, mandateStatus string, now time.Time) (bool, error) {
	query := `
		UPDATE subscriptions SET gateway_subscription_id = ?, mandate_status = ?, updated_at = ?
		WHERE id = ? AND gateway_subscription_id IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, gatewaySubscriptionID, mandateStatus, now, id)
	if err != nil {
		return false, err
	}
	return conditionalUpdateApplied(result)
}

// IncrementAutoChargeFailures bumps the per-row counter atomically. When
// unlessStatus is set the row is left alone while it holds that status.
func (r *SubscriptionRepository) IncrementAutoChargeFailures(ctx context.Context, id uint64, at time.Time, unlessStatus string) (bool, error) {
	query := `
		UPDATE subscriptions SET
			auto_charge_failures = auto_charge_failures + 1,
			last_auto_charge_attempt = ?,
			updated_at = ?
		WHERE id = ?
	`
	args := []interface{}{at, at, id}
	if unlessStatus != "" {
		query += " AND status <> ?"
		args = append(args, unlessStatus)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return conditionalUpdateApplied(result)
}

func (r *SubscriptionRepository) ResetAutoChargeFailures(ctx context.Context, id uint64, at time.Time) error {
	query := `
		UPDATE subscriptions SET auto_charge_failures = 0, last_auto_charge_attempt = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, query, at, at, id)
	return err
}

func (r *SubscriptionRepository) FindByID(ctx context.Context, id uint64) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`
	return r.findOne(ctx, query, id)
}

func (r *SubscriptionRepository) FindByGatewaySubscriptionID(ctx context.Context, gatewaySubscriptionID string) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE gateway_subscription_id = ? ORDER BY id DESC LIMIT 1`
	return r.findOne(ctx, query, gatewaySubscriptionID)
}

func (r *SubscriptionRepository) FindActiveLikeBySubscriber(ctx context.Context, subscriberID string) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE subscriber_id = ? AND status IN (` + placeholders(len(entity.ActiveLikeStatuses)) + `)
		ORDER BY id DESC LIMIT 1`
	args := append([]interface{}{subscriberID}, stringArgs(entity.ActiveLikeStatuses)...)
	return r.findOne(ctx, query, args...)
}

// FindLatestWithAccess returns the subscription whose paid period reaches
// furthest past now, regardless of its lifecycle status.
func (r *SubscriptionRepository) FindLatestWithAccess(ctx context.Context, subscriberID string, now time.Time) (*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE subscriber_id = ?
		  AND status IN (?, ?, ?, ?)
		  AND current_period_end > ?
		ORDER BY current_period_end DESC LIMIT 1`
	return r.findOne(ctx, query,
		subscriberID,
		entity.SubscriptionStatusActive,
		entity.SubscriptionStatusCancelled,
		entity.SubscriptionStatusPaused,
		entity.SubscriptionStatusPaymentFailed,
		now,
	)
}

// ListRenewalCandidates returns auto-renewing mandate subscriptions in one of
// statuses whose period ends inside [from, to], the window in which a renewal
// charge is expected.
func (r *SubscriptionRepository) ListRenewalCandidates(ctx context.Context, statuses []string, from, to time.Time, limit int32) ([]*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status IN (` + placeholders(len(statuses)) + `)
		  AND auto_renew = 1
		  AND gateway_subscription_id IS NOT NULL
		  AND current_period_end IS NOT NULL
		  AND current_period_end BETWEEN ? AND ?
		ORDER BY current_period_end ASC
		LIMIT ?`
	args := append(stringArgs(statuses), from, to, limit)
	return r.list(ctx, query, args...)
}

func (r *SubscriptionRepository) ListPeriodElapsed(ctx context.Context, statuses []string, before time.Time, limit int32) ([]*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status IN (` + placeholders(len(statuses)) + `)
		  AND current_period_end IS NOT NULL
		  AND current_period_end < ?
		ORDER BY current_period_end ASC
		LIMIT ?`
	args := append(stringArgs(statuses), before, limit)
	return r.list(ctx, query, args...)
}

func (r *SubscriptionRepository) ListDueResume(ctx context.Context, now time.Time, limit int32) ([]*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE status = ?
		  AND resume_date IS NOT NULL
		  AND resume_date <= ?
		ORDER BY resume_date ASC
		LIMIT ?`
	return r.list(ctx, query, entity.SubscriptionStatusPaused, now, limit)
}

// ListStuckWithPaidInvoice finds subscriptions in one of statuses that still
// own a PAID invoice whose billing period has not elapsed.
func (r *SubscriptionRepository) ListStuckWithPaidInvoice(ctx context.Context, statuses []string, now time.Time, limit int32) ([]*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions s
		WHERE s.status IN (` + placeholders(len(statuses)) + `)
		  AND EXISTS (
			SELECT 1 FROM invoices i
			WHERE i.subscription_id = s.id
			  AND i.payment_status = ?
			  AND i.billing_period_end > ?
		  )
		ORDER BY s.updated_at ASC
		LIMIT ?`
	args := append(stringArgs(statuses), entity.InvoiceStatusPaid, now, limit)
	return r.list(ctx, query, args...)
}

// ListUnresolvedPending returns PAYMENT_PENDING subscriptions created before
// the cutoff that have no PAID invoice yet.
func (r *SubscriptionRepository) ListUnresolvedPending(ctx context.Context, createdBefore time.Time, limit int32) ([]*entity.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions s
		WHERE s.status = ?
		  AND s.created_at <= ?
		  AND NOT EXISTS (
			SELECT 1 FROM invoices i
			WHERE i.subscription_id = s.id AND i.payment_status = ?
		  )
		ORDER BY s.created_at ASC
		LIMIT ?`
	return r.list(ctx, query, entity.SubscriptionStatusPaymentPending, createdBefore, entity.InvoiceStatusPaid, limit)
}

func (r *SubscriptionRepository) findOne(ctx context.Context, query string, args ...interface{}) (*entity.Subscription, error) {
	sub := &entity.Subscription{}
	if err := scanSubscription(r.db.QueryRowContext(ctx, query, args...), sub); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r *SubscriptionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*entity.Subscription, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]*entity.Subscription, 0)
	for rows.Next() {
		item := &entity.Subscription{}
		if err := scanSubscription(rows, item); err != nil {
			return nil, err
		}
		subs = append(subs, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return subs, nil
}

func scanSubscription(scan rowScanner, sub *entity.Subscription) error {
	var startDate, periodStart, periodEnd, nextBilling sql.NullTime
	var pauseStart, resumeDate, cancelledAt, lastAttempt sql.NullTime
	var gatewaySubscriptionID, mandateStatus, cancelReason sql.NullString

	err := scan.Scan(
		&sub.ID,
		&sub.SubscriberID,
		&sub.Plan,
		&sub.Status,
		&startDate,
		&periodStart,
		&periodEnd,
		&nextBilling,
		&sub.AmountPaise,
		&sub.Currency,
		&sub.AutoRenew,
		&gatewaySubscriptionID,
		&mandateStatus,
		&sub.IsPaused,
		&pauseStart,
		&resumeDate,
		&sub.PauseDurationDays,
		&cancelledAt,
		&cancelReason,
		&sub.AutoChargeFailures,
		&lastAttempt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return err
	}

	sub.StartDate = timePtrFromNull(startDate)
	sub.CurrentPeriodStart = timePtrFromNull(periodStart)
	sub.CurrentPeriodEnd = timePtrFromNull(periodEnd)
	sub.NextBillingDate = timePtrFromNull(nextBilling)
	sub.GatewaySubscriptionID = stringPtrFromNull(gatewaySubscriptionID)
	sub.MandateStatus = stringPtrFromNull(mandateStatus)
	sub.PauseStartDate = timePtrFromNull(pauseStart)
	sub.ResumeDate = timePtrFromNull(resumeDate)
	sub.CancelledAt = timePtrFromNull(cancelledAt)
	sub.CancelReason = stringPtrFromNull(cancelReason)
	sub.LastAutoChargeAttempt = timePtrFromNull(lastAttempt)

	return nil
}
