package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-subscriptions/app/lock"
	"github.com/vibast-solutions/ms-go-subscriptions/app/service"
	"github.com/vibast-solutions/ms-go-subscriptions/config"
)

var (
	workerMode bool
)

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Expire subscriptions whose paid period has elapsed",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			service.JobExpire,
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ExpireInterval },
			func(s *service.SubscriptionService, ctx context.Context) error {
				return s.RunExpireBatch(ctx)
			},
		)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recover payments the gateway captured but the store never applied",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			service.JobReconcile,
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(s *service.SubscriptionService, ctx context.Context) error {
				return s.RunReconcileBatch(ctx)
			},
		)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume paused subscriptions whose resume date has arrived",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			service.JobResume,
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ResumeInterval },
			func(s *service.SubscriptionService, ctx context.Context) error {
				return s.RunResumeBatch(ctx)
			},
		)
	},
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run expire, reconcile and resume in order",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			service.JobDaily,
			func(cfg *config.Config) time.Duration { return cfg.Jobs.DailyInterval },
			func(s *service.SubscriptionService, ctx context.Context) error {
				return s.RunDailyLifecycle(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(expireCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(dailyCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn func(s *service.SubscriptionService, ctx context.Context) error,
) {
	app, cleanup := mustCreateApplication()
	defer cleanup()

	locker, closeLocker := newJobLocker(app.cfg)
	defer closeLocker()

	locked := func(ctx context.Context) error {
		return lock.WithLock(ctx, locker, name, app.cfg.Jobs.LockTTL, func(ctx context.Context) error {
			return fn(app.service, ctx)
		})
	}

	if workerMode {
		runWorker(name, intervalResolver(app.cfg), locked)
		return
	}

	ctx := context.Background()
	runJob(name, func() error { return locked(ctx) })
}

// newJobLocker serializes jobs across replicas when Redis is configured.
func newJobLocker(cfg *config.Config) (lock.JobLocker, func()) {
	if cfg.Redis.Addr == "" {
		return lock.NoopLocker{}, func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	closeFn := func() {
		if err := client.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close redis client")
		}
	}
	return lock.NewRedisLocker(client, cfg.App.ServiceName+":lock:"), closeFn
}

func runWorker(name string, interval time.Duration, fn func(ctx context.Context) error) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() error { return fn(ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() error { return fn(ctx) })
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	if errors.Is(err, lock.ErrNotAcquired) {
		logrus.WithField("job", name).Info("job_skipped")
		return
	}
	if err != nil {
		logrus.WithError(err).WithField("job", name).WithField("latency", latency.String()).Error("job_failed")
		return
	}
	logrus.WithField("job", name).WithField("latency", latency.String()).Info("job_completed")
}
