package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Goal modes select how checkout_completed events are split into goal ids.
const (
	GoalModeSingle       = "single"
	GoalModeSubscription = "subscription"
	GoalModeFirstSale    = "first_sale"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RedisAddr     string
	StoreBackend  string
	AttributesTTL time.Duration
	ClickHouseDSN string
	PostgresDSN   string
	// ReloadInterval controls how often project goal overrides are refreshed.
	ReloadInterval time.Duration
	ServiceName    string
	Debug          bool

	// Tracking endpoint: https://{pid}.metrics.{MetricsDomain}/track
	MetricsDomain  string
	TrackingSource string
	// TrackingTimeout bounds outbound tracking calls; zero leaves them to the
	// transport's own defaults.
	TrackingTimeout time.Duration
	BeaconWorkers   int
	BeaconQueueSize int
	// ExchangeRates is an optional JSON object of currency code to rate into
	// the base currency, e.g. {"EUR":1.08}.
	ExchangeRates string

	EnablePropertyFiltering bool
	// FilterCriteria is the raw JSON criteria document; see filters.ParseCriteria.
	FilterCriteria string

	GoalMode              string
	PurchaseGoalID        string
	AddToCartGoalID       string
	CheckoutStartedGoalID string
	SubscriptionGoalID    string
	NonSubscriptionGoalID string
	FirstSaleGoalID       string
	UpsellGoalID          string

	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate int

	// Postgres pool (project goal overrides).
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse pool (delivery audit).
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration

	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Load reads the environment. Unset or unparsable variables take their
// defaults; call Validate before use.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.StoreBackend = getenv("STORE_BACKEND", "redis")
	// the storefront snippet keeps its cookie for 7 days
	cfg.AttributesTTL = envDuration("ATTRIBUTES_TTL", 7*24*time.Hour)
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "")
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 60*time.Second)
	cfg.ServiceName = getenv("SERVICE_NAME", "convertrelay")
	cfg.Debug = envBool("DEBUG", false)

	cfg.MetricsDomain = getenv("METRICS_DOMAIN", "convertexperiments.com")
	cfg.TrackingSource = getenv("TRACKING_SOURCE", "shopify")
	cfg.TrackingTimeout = envDuration("TRACKING_TIMEOUT", 0)
	cfg.BeaconWorkers = envInt("BEACON_WORKERS", 4)
	cfg.BeaconQueueSize = envInt("BEACON_QUEUE_SIZE", 256)
	cfg.ExchangeRates = getenv("EXCHANGE_RATES", "")

	cfg.EnablePropertyFiltering = envBool("ENABLE_PROPERTY_FILTERING", false)
	cfg.FilterCriteria = getenv("FILTER_CRITERIA", "")

	cfg.GoalMode = getenv("GOAL_MODE", GoalModeSingle)
	cfg.PurchaseGoalID = getenv("PURCHASE_GOAL_ID", "")
	cfg.AddToCartGoalID = getenv("ADD_TO_CART_GOAL_ID", "")
	cfg.CheckoutStartedGoalID = getenv("CHECKOUT_STARTED_GOAL_ID", "")
	cfg.SubscriptionGoalID = getenv("SUBSCRIPTION_GOAL_ID", "")
	cfg.NonSubscriptionGoalID = getenv("NON_SUBSCRIPTION_GOAL_ID", "")
	cfg.FirstSaleGoalID = getenv("FIRST_SALE_GOAL_ID", "")
	cfg.UpsellGoalID = getenv("UPSELL_GOAL_ID", "")

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 50)
	cfg.RateLimitRefillRate = envInt("RATE_LIMIT_REFILL_RATE", 5)

	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 2)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Deliveries are written one row per dispatch; async_insert batches them server side.
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 25)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 5)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// Validate rejects settings the relay cannot run with.
func (c Config) Validate() error {
	switch c.GoalMode {
	case GoalModeSingle, GoalModeSubscription, GoalModeFirstSale:
	default:
		return fmt.Errorf("GOAL_MODE %q: want %s, %s or %s", c.GoalMode, GoalModeSingle, GoalModeSubscription, GoalModeFirstSale)
	}
	switch c.StoreBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND %q: want redis or memory", c.StoreBackend)
	}
	if c.BeaconWorkers < 1 {
		return fmt.Errorf("BEACON_WORKERS must be positive, got %d", c.BeaconWorkers)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATE %v outside [0, 1]", c.TracingSampleRate)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envParse returns parse(value) for a set variable, or def when the variable
// is unset or does not parse.
func envParse[T any](key string, def T, parse func(string) (T, error)) T {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if out, err := parse(v); err == nil {
		return out
	}
	return def
}

// envDuration accepts a duration string ("5s") or a whole number of seconds.
func envDuration(key string, def time.Duration) time.Duration {
	return envParse(key, def, func(v string) (time.Duration, error) {
		if d, err := time.ParseDuration(v); err == nil {
			return d, nil
		}
		secs, err := strconv.Atoi(v)
		return time.Duration(secs) * time.Second, err
	})
}

func envBool(key string, def bool) bool { return envParse(key, def, strconv.ParseBool) }

func envInt(key string, def int) int { return envParse(key, def, strconv.Atoi) }

func envFloat(key string, def float64) float64 {
	return envParse(key, def, func(v string) (float64, error) { return strconv.ParseFloat(v, 64) })
}
