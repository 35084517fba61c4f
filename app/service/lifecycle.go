package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/entity"
)

const (
	JobExpire    = "expire"
	JobReconcile = "reconcile"
	JobResume    = "resume"
	JobDaily     = "daily"
)

var expirableStatuses = []string{
	entity.SubscriptionStatusActive,
	entity.SubscriptionStatusPaymentFailed,
}

type lifecyclePhase struct {
	name string
	run  func(context.Context) error
}

// dailyPhases runs expire, then reconcile, then resume. Reconcile must see
// the expired rows; resume must not be followed by expire in the same run.
func (s *SubscriptionService) dailyPhases() []lifecyclePhase {
	return []lifecyclePhase{
		{name: JobExpire, run: s.RunExpireBatch},
		{name: JobReconcile, run: s.RunReconcileBatch},
		{name: JobResume, run: s.RunResumeBatch},
	}
}

func (s *SubscriptionService) RunDailyLifecycle(ctx context.Context) error {
	return s.runPhases(ctx, s.dailyPhases())
}

// runPhases runs every phase to completion in order. A failed phase does not
// skip the ones after it.
func (s *SubscriptionService) runPhases(ctx context.Context, phases []lifecyclePhase) error {
	var errs []error
	for _, phase := range phases {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", phase.name, err))
			continue
		}

		phaseCtx := ctx
		cancel := func() {}
		if s.phaseTimeout > 0 {
			phaseCtx, cancel = context.WithTimeout(ctx, s.phaseTimeout)
		}
		started := time.Now()
		err := phase.run(phaseCtx)
		cancel()

		duration := time.Since(started)
		s.metrics.ObserveJob(phase.name, duration, err)
		logger := s.logger.WithFields(logrus.Fields{"job": JobDaily, "phase": phase.name, "latency": duration.String()})
		if err != nil {
			logger.WithError(err).Error("phase_failed")
			errs = append(errs, fmt.Errorf("%s: %w", phase.name, err))
			continue
		}
		logger.Info("phase_completed")
	}
	return errors.Join(errs...)
}

func (s *SubscriptionService) RunExpireBatch(ctx context.Context) error {
	now := s.clock.Now()
	items, err := s.subscriptions.ListPeriodElapsed(ctx, expirableStatuses, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, sub := range items {
		if sub == nil || sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Before(now) {
			continue
		}
		next := *sub
		next.Status = entity.SubscriptionStatusExpired
		next.NextBillingDate = nil
		next.UpdatedAt = now

		if _, err := s.commitTransition(ctx, sub, &next); err != nil {
			if errors.Is(err, ErrInvalidStatus) {
				continue
			}
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		s.logger.WithField("subscription_id", sub.ID).WithField("previous_status", sub.Status).Info("Subscription expired")
	}
	return firstErr
}

func (s *SubscriptionService) RunResumeBatch(ctx context.Context) error {
	now := s.clock.Now()
	items, err := s.subscriptions.ListDueResume(ctx, now, s.batchSize())
	if err != nil {
		return err
	}

	var firstErr error
	for _, sub := range items {
		if sub == nil || sub.Status != entity.SubscriptionStatusPaused {
			continue
		}
		if _, err := s.resume(ctx, sub); err != nil {
			if errors.Is(err, ErrInvalidStatus) {
				continue
			}
			s.logger.WithError(err).WithField("subscription_id", sub.ID).Warn("Scheduled resume failed")
			firstErr = keepFirstErr(firstErr, err)
			continue
		}
		s.logger.WithField("subscription_id", sub.ID).Info("Subscription resumed")
	}
	return firstErr
}

func keepFirstErr(current error, candidate error) error {
	if current != nil {
		return current
	}
	return candidate
}
