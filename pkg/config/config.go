package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Store        StoreConfig
	FeatureFlags FeatureFlagsConfig
	Pricing      PricingConfig
	Metering     MeteringConfig
	Breaker      BreakerConfig
	Flusher      FlusherConfig
	Alerts       AlertsConfig
	GCP          GCPConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case StoreBackendRedis:
		if c.Redis.URL == "" && c.Redis.Address == "" && len(c.Redis.ClusterAddrs) == 0 {
			return fmt.Errorf("one of %s, %s or %s is required for the redis store backend", EnvRedisURL, EnvRedisAddr, EnvRedisAddrs)
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvStoreBackend, StoreBackendRedis, StoreBackendMemory, c.Store.Backend)
	}
	if c.Alerts.PubSubTopic != "" && strings.TrimSpace(c.GCP.ProjectID) == "" {
		return fmt.Errorf("%s is required when %s is set", EnvGCPProjectID, EnvAlertPubSubTopic)
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio >= 1 {
		return fmt.Errorf("breaker failure ratio must be in (0,1), got %v", c.Breaker.FailureRatio)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"CREDITMETER_APP_ENV" required:"true"`
	Port         string `envconfig:"CREDITMETER_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"CREDITMETER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CREDITMETER_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"CREDITMETER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"CREDITMETER_DB_DSN"`
	Driver string `envconfig:"CREDITMETER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CREDITMETER_DB_HOST"`
	LegacyPort     int    `envconfig:"CREDITMETER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CREDITMETER_DB_USER"`
	LegacyPassword string `envconfig:"CREDITMETER_DB_PASSWORD"`
	LegacyName     string `envconfig:"CREDITMETER_DB_NAME"`
	LegacySSLMode  string `envconfig:"CREDITMETER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CREDITMETER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CREDITMETER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CREDITMETER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CREDITMETER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CREDITMETER_REDIS_URL"`
	Address      string        `envconfig:"CREDITMETER_REDIS_ADDR"`
	ClusterAddrs []string      `envconfig:"CREDITMETER_REDIS_CLUSTER_ADDRS"`
	Password     string        `envconfig:"CREDITMETER_REDIS_PASSWORD"`
	DB           int           `envconfig:"CREDITMETER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CREDITMETER_REDIS_POOL_SIZE" default:"20"`
	MinIdleConns int           `envconfig:"CREDITMETER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CREDITMETER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CREDITMETER_REDIS_READ_TIMEOUT" default:"3s"`
	WriteTimeout time.Duration `envconfig:"CREDITMETER_REDIS_WRITE_TIMEOUT" default:"3s"`
}

// StoreConfig selects the fast balance store implementation.
type StoreConfig struct {
	Backend string `envconfig:"CREDITMETER_STORE_BACKEND" default:"redis"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"CREDITMETER_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"CREDITMETER_AUTO_MIGRATE" default:"false"`
}

// PricingConfig carries rate overrides as "type:rate" pairs. Empty maps fall
// back to the built-in tables.
type PricingConfig struct {
	Rates   map[string]string `envconfig:"CREDITMETER_PRICING_RATES"`
	AdRates map[string]string `envconfig:"CREDITMETER_AD_RATES"`
}

type MeteringConfig struct {
	LowBalanceThreshold string        `envconfig:"CREDITMETER_LOW_BALANCE_THRESHOLD" default:"5"`
	SideTaskWorkers     int           `envconfig:"CREDITMETER_SIDE_TASK_WORKERS" default:"4"`
	SideTaskQueueSize   int           `envconfig:"CREDITMETER_SIDE_TASK_QUEUE_SIZE" default:"1024"`
	SideTaskTimeout     time.Duration `envconfig:"CREDITMETER_SIDE_TASK_TIMEOUT" default:"5s"`
}

type BreakerConfig struct {
	Timeout      time.Duration `envconfig:"CREDITMETER_BREAKER_TIMEOUT" default:"500ms"`
	Window       time.Duration `envconfig:"CREDITMETER_BREAKER_WINDOW" default:"10s"`
	FailureRatio float64       `envconfig:"CREDITMETER_BREAKER_FAILURE_RATIO" default:"0.5"`
	MinRequests  uint32        `envconfig:"CREDITMETER_BREAKER_MIN_REQUESTS" default:"10"`
	Cooldown     time.Duration `envconfig:"CREDITMETER_BREAKER_COOLDOWN" default:"5s"`
}

type FlusherConfig struct {
	UsageInterval      time.Duration `envconfig:"CREDITMETER_FLUSH_INTERVAL" default:"10s"`
	UsageBatchSize     int           `envconfig:"CREDITMETER_FLUSH_USAGE_BATCH_SIZE" default:"500"`
	UsageSettleGrace   time.Duration `envconfig:"CREDITMETER_FLUSH_USAGE_SETTLE_GRACE" default:"1m"`
	TxBatchSize        int           `envconfig:"CREDITMETER_FLUSH_TX_BATCH_SIZE" default:"500"`
	TxRetain           int           `envconfig:"CREDITMETER_FLUSH_TX_RETAIN" default:"1000"`
	ScanCount          int64         `envconfig:"CREDITMETER_FLUSH_SCAN_COUNT" default:"200"`
	LockTTL            time.Duration `envconfig:"CREDITMETER_FLUSH_LOCK_TTL" default:"5m"`
	ReconcileEnabled   bool          `envconfig:"CREDITMETER_RECONCILE_ENABLED" default:"false"`
	ReconcileInterval  time.Duration `envconfig:"CREDITMETER_RECONCILE_INTERVAL" default:"24h"`
	ReconcileBatchSize int           `envconfig:"CREDITMETER_RECONCILE_BATCH_SIZE" default:"500"`
	ReconcileLockTTL   time.Duration `envconfig:"CREDITMETER_RECONCILE_LOCK_TTL" default:"1h"`
}

type AlertsConfig struct {
	WebhookURL     string        `envconfig:"CREDITMETER_ALERT_WEBHOOK_URL"`
	WebhookTimeout time.Duration `envconfig:"CREDITMETER_ALERT_WEBHOOK_TIMEOUT" default:"3s"`
	RedisChannel   string        `envconfig:"CREDITMETER_ALERT_REDIS_CHANNEL"`
	Cooldown       time.Duration `envconfig:"CREDITMETER_ALERT_COOLDOWN" default:"1h"`
	// PubSubTopic is a topic id or full resource name; empty disables the leg.
	PubSubTopic string `envconfig:"CREDITMETER_ALERT_PUBSUB_TOPIC"`
}

// GCPConfig is only needed when an alert Pub/Sub topic is configured.
type GCPConfig struct {
	ProjectID              string `envconfig:"CREDITMETER_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"CREDITMETER_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"CREDITMETER_GOOGLE_APPLICATION_CREDENTIALS"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if db.DSN != "" {
		return nil
	}
	if useSQLite {
		db.DSN = "creditmeter.db"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
