package cmd

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/vibast-solutions/ms-go-subscriptions/app/clock"
	"github.com/vibast-solutions/ms-go-subscriptions/app/downstream"
	"github.com/vibast-solutions/ms-go-subscriptions/app/factory"
	"github.com/vibast-solutions/ms-go-subscriptions/app/metrics"
	"github.com/vibast-solutions/ms-go-subscriptions/app/provider"
	"github.com/vibast-solutions/ms-go-subscriptions/app/repository"
	"github.com/vibast-solutions/ms-go-subscriptions/app/service"
	"github.com/vibast-solutions/ms-go-subscriptions/config"

	_ "github.com/go-sql-driver/mysql"
)

// application holds everything a command needs after wiring.
type application struct {
	cfg        *config.Config
	db         *sql.DB
	service    *service.SubscriptionService
	dispatcher *downstream.Dispatcher
	registry   *prometheus.Registry
}

func mustLoadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := factory.ConfigureLogging(cfg.Log.Level); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}
	return cfg
}

func mustOpenDatabase(cfg *config.Config) *sql.DB {
	db, err := sql.Open("mysql", cfg.MySQL.DSN)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MySQL.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to ping database")
	}
	return db
}

func mustCreateApplication() (*application, func()) {
	cfg := mustLoadConfig()
	db := mustOpenDatabase(cfg)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	gateway := provider.NewRazorpayProvider(provider.RazorpayConfig{
		KeyID:         cfg.Gateway.KeyID,
		KeySecret:     cfg.Gateway.KeySecret,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		BaseURL:       cfg.Gateway.BaseURL,
		HTTPTimeout:   cfg.Gateway.HTTPTimeout,
		PageSize:      cfg.Reconcile.GatewayPageBy,
	})

	downstreamClient := downstream.NewHTTPClient(downstream.HTTPConfig{
		RendererURL: cfg.Downstream.RendererURL,
		NotifierURL: cfg.Downstream.NotifierURL,
		APIKey:      cfg.App.APIKey,
		Timeout:     cfg.Downstream.Timeout,
	})
	dispatcher := downstream.NewDispatcher(downstreamClient, downstreamClient, m, cfg.Downstream.Timeout)

	repos := service.Repositories{
		Subscriptions: repository.NewSubscriptionRepository(db),
		Invoices:      repository.NewInvoiceRepository(db),
		Transactions:  repository.NewPaymentTransactionRepository(db),
		Sequence:      repository.NewInvoiceSequenceRepository(db, cfg.Billing.InvoiceNumberPrefix),
		Checkout:      repository.NewCheckoutRepository(db),
	}

	subscriptionService, err := service.NewSubscriptionService(repos, gateway, dispatcher, m, clock.System(), cfg)
	if err != nil {
		_ = db.Close()
		logrus.WithError(err).Fatal("Failed to create subscription service")
	}

	app := &application{
		cfg:        cfg,
		db:         db,
		service:    subscriptionService,
		dispatcher: dispatcher,
		registry:   registry,
	}

	cleanup := func() {
		dispatcher.Wait()
		if err := db.Close(); err != nil {
			logrus.WithError(err).Warn("Failed to close database")
		}
	}

	return app, cleanup
}
