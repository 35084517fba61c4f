package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App               AppConfig
	HTTP              ServerConfig
	GRPC              ServerConfig
	MySQL             MySQLConfig
	Redis             RedisConfig
	Log               LogConfig
	InternalEndpoints InternalEndpointsConfig
	Gateway           GatewayConfig
	Billing           BillingConfig
	Reconcile         ReconcileConfig
	Jobs              JobsConfig
	Downstream        DownstreamConfig
}

type AppConfig struct {
	ServiceName string
	APIKey      string
}

type ServerConfig struct {
	Host string
	Port string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level string
}

type InternalEndpointsConfig struct {
	AuthGRPCAddr string
}

type GatewayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	ProPlanID     string
	HTTPTimeout   time.Duration
	// TotalCount bounds how many cycles a mandate may charge.
	TotalCount    int
}

type BillingConfig struct {
	PeriodDays          int
	ProAmountPaise      int64
	CampaignAmountPaise int64
	Currency            string
	// TaxComponents is a list such as "CGST:9,SGST:9" (percent of the base amount).
	TaxComponents       string
	InvoiceNumberPrefix string
}

type ReconcileConfig struct {
	GraceWindow   time.Duration
	Lookback      time.Duration
	AbandonAfter  time.Duration
	RenewalLead   time.Duration
	JobBatchSize  int32
	GatewayPageBy int
}

type JobsConfig struct {
	DailyInterval     time.Duration
	ExpireInterval    time.Duration
	ResumeInterval    time.Duration
	ReconcileInterval time.Duration
	PhaseTimeout      time.Duration
	LockTTL           time.Duration
}

type DownstreamConfig struct {
	RendererURL string
	NotifierURL string
	Timeout     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		return nil, errors.New("MYSQL_DSN environment variable is required")
	}

	return &Config{
		App: AppConfig{
			ServiceName: getEnv("APP_SERVICE_NAME", "subscriptions-service"),
			APIKey:      getEnv("APP_API_KEY", ""),
		},
		HTTP: ServerConfig{
			Host: getEnv("HTTP_HOST", "0.0.0.0"),
			Port: getEnv("HTTP_PORT", "8080"),
		},
		GRPC: ServerConfig{
			Host: getEnv("GRPC_HOST", "0.0.0.0"),
			Port: getEnv("GRPC_PORT", "9090"),
		},
		MySQL: MySQLConfig{
			DSN:             mysqlDSN,
			MaxOpenConns:    getIntEnv("MYSQL_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getIntEnv("MYSQL_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getMinutesEnv("MYSQL_CONN_MAX_LIFETIME_MINUTES", 30*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		InternalEndpoints: InternalEndpointsConfig{
			AuthGRPCAddr: getEnv("AUTH_SERVICE_GRPC_ADDR", "localhost:9090"),
		},
		Gateway: GatewayConfig{
			KeyID:         getEnv("GATEWAY_KEY_ID", ""),
			KeySecret:     getEnv("GATEWAY_KEY_SECRET", ""),
			WebhookSecret: getEnv("GATEWAY_WEBHOOK_SECRET", ""),
			BaseURL:       getEnv("GATEWAY_BASE_URL", "https://api.razorpay.com/v1"),
			ProPlanID:     getEnv("GATEWAY_PRO_PLAN_ID", ""),
			HTTPTimeout:   getSecondsEnv("GATEWAY_HTTP_TIMEOUT_SECONDS", 10*time.Second),
			TotalCount:    getIntEnv("GATEWAY_MANDATE_TOTAL_COUNT", 120),
		},
		Billing: BillingConfig{
			PeriodDays:          getIntEnv("BILLING_PERIOD_DAYS", 30),
			ProAmountPaise:      getInt64Env("BILLING_PRO_AMOUNT_PAISE", 49900),
			CampaignAmountPaise: getInt64Env("BILLING_CAMPAIGN_AMOUNT_PAISE", 99900),
			Currency:            strings.ToUpper(getEnv("BILLING_CURRENCY", "INR")),
			TaxComponents:       getEnv("BILLING_TAX_COMPONENTS", "CGST:9,SGST:9"),
			InvoiceNumberPrefix: getEnv("BILLING_INVOICE_PREFIX", "INV"),
		},
		Reconcile: ReconcileConfig{
			GraceWindow:   getMinutesEnv("RECONCILE_GRACE_MINUTES", 30*time.Minute),
			Lookback:      getHoursEnv("RECONCILE_LOOKBACK_HOURS", 7*24*time.Hour),
			AbandonAfter:  getHoursEnv("RECONCILE_ABANDON_AFTER_HOURS", 72*time.Hour),
			RenewalLead:   getHoursEnv("RECONCILE_RENEWAL_LEAD_HOURS", 48*time.Hour),
			JobBatchSize:  int32(getIntEnv("RECONCILE_JOB_BATCH_SIZE", 100)),
			GatewayPageBy: getIntEnv("RECONCILE_GATEWAY_PAGE_SIZE", 100),
		},
		Jobs: JobsConfig{
			DailyInterval:     getHoursEnv("JOBS_DAILY_INTERVAL_HOURS", 24*time.Hour),
			ExpireInterval:    getMinutesEnv("JOBS_EXPIRE_INTERVAL_MINUTES", 60*time.Minute),
			ResumeInterval:    getMinutesEnv("JOBS_RESUME_INTERVAL_MINUTES", 60*time.Minute),
			ReconcileInterval: getMinutesEnv("JOBS_RECONCILE_INTERVAL_MINUTES", 60*time.Minute),
			PhaseTimeout:      getMinutesEnv("JOBS_PHASE_TIMEOUT_MINUTES", 20*time.Minute),
			LockTTL:           getMinutesEnv("JOBS_LOCK_TTL_MINUTES", 90*time.Minute),
		},
		Downstream: DownstreamConfig{
			RendererURL: getEnv("DOWNSTREAM_RENDERER_URL", ""),
			NotifierURL: getEnv("DOWNSTREAM_NOTIFIER_URL", ""),
			Timeout:     getSecondsEnv("DOWNSTREAM_HTTP_TIMEOUT_SECONDS", 10*time.Second),
		},
	}, nil
}

func (c BillingConfig) Period() time.Duration {
	days := c.PeriodDays
	if days <= 0 {
		days = 30
	}
	return time.Duration(days) * 24 * time.Hour
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMinutesEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if minutes, err := strconv.Atoi(value); err == nil {
			return time.Duration(minutes) * time.Minute
		}
	}
	return defaultValue
}

func getHoursEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if hours, err := strconv.Atoi(value); err == nil {
			return time.Duration(hours) * time.Hour
		}
	}
	return defaultValue
}

func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
