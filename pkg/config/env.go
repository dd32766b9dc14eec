package config

const EnvPrefix = "KRISHI"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	defaultSQLiteDSN = "file:krishi.db?cache=shared&_busy_timeout=5000"
)

const (
	EnvAppEnv          = "KRISHI_APP_ENV"
	EnvPort            = "KRISHI_APP_PORT"
	EnvLogLevel        = "KRISHI_LOG_LEVEL"
	EnvLogFormat       = "KRISHI_LOG_FORMAT"
	EnvDBDSN           = "KRISHI_DB_DSN"
	EnvDBHost          = "KRISHI_DB_HOST"
	EnvDBUser          = "KRISHI_DB_USER"
	EnvDBName          = "KRISHI_DB_NAME"
	EnvDBPassword      = "KRISHI_DB_PASSWORD"
	EnvRedisURL        = "KRISHI_REDIS_URL"
	EnvJWTSecret       = "KRISHI_JWT_SECRET"
	EnvJWTIssuer       = "KRISHI_JWT_ISSUER"
	EnvJWTExpMins      = "KRISHI_JWT_EXPIRATION_MINUTES"
	EnvEsewaProduct    = "KRISHI_ESEWA_PRODUCT_CODE"
	EnvEsewaSecret     = "KRISHI_ESEWA_SECRET_KEY"
	EnvEsewaFormURL    = "KRISHI_ESEWA_FORM_URL"
	EnvEsewaStatusURL  = "KRISHI_ESEWA_STATUS_URL"
	EnvBackendURL      = "KRISHI_BACKEND_URL"
	EnvFrontendURL     = "KRISHI_FRONTEND_URL"
	EnvUseSQLite       = "KRISHI_USE_SQLITE"
	EnvReservationTTL  = "KRISHI_RESERVATION_GATEWAY_HOLD_TTL"
	EnvCronInterval    = "KRISHI_CRON_INTERVAL"
	EnvKafkaBrokers    = "KRISHI_KAFKA_BROKERS"
	EnvKafkaTopic      = "KRISHI_KAFKA_TOPIC"
	EnvOutboxBatchSize = "KRISHI_OUTBOX_PUBLISH_BATCH_SIZE"

	EnvEsewaStatusTimeout = "KRISHI_ESEWA_STATUS_TIMEOUT"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
