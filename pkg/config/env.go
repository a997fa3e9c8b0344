package config

const (
	EnvPrefix = "CREDITMETER"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "CREDITMETER_APP_ENV"
	EnvPort     = "CREDITMETER_APP_PORT"
	EnvLogLevel = "CREDITMETER_LOG_LEVEL"

	EnvDBDSN  = "CREDITMETER_DB_DSN"
	EnvDBHost = "CREDITMETER_DB_HOST"
	EnvDBUser = "CREDITMETER_DB_USER"
	EnvDBName = "CREDITMETER_DB_NAME"

	EnvRedisURL   = "CREDITMETER_REDIS_URL"
	EnvRedisAddr  = "CREDITMETER_REDIS_ADDR"
	EnvRedisAddrs = "CREDITMETER_REDIS_CLUSTER_ADDRS"

	EnvStoreBackend = "CREDITMETER_STORE_BACKEND"
	EnvUseSQLite    = "CREDITMETER_USE_SQLITE"

	EnvPricingRates = "CREDITMETER_PRICING_RATES"
	EnvAdRates      = "CREDITMETER_AD_RATES"

	EnvLowBalanceThreshold = "CREDITMETER_LOW_BALANCE_THRESHOLD"
	EnvBreakerTimeout      = "CREDITMETER_BREAKER_TIMEOUT"
	EnvReconcileEnabled    = "CREDITMETER_RECONCILE_ENABLED"
	EnvAlertWebhookURL     = "CREDITMETER_ALERT_WEBHOOK_URL"
	EnvAlertPubSubTopic    = "CREDITMETER_ALERT_PUBSUB_TOPIC"
	EnvGCPProjectID        = "CREDITMETER_GCP_PROJECT_ID"
)

const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
