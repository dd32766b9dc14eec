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
	JWT          JWTConfig
	Gateway      GatewayConfig
	URLs         URLConfig
	FeatureFlags FeatureFlagsConfig
	Reservation  ReservationConfig
	Cron         CronConfig
	Outbox       OutboxConfig
	Kafka        KafkaConfig
	RateLimit    RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DBDriverSQLite
		if cfg.DB.DSN == "" {
			cfg.DB.DSN = defaultSQLiteDSN
		}
	} else if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Gateway.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"KRISHI_APP_ENV" required:"true"`
	Port         string `envconfig:"KRISHI_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"KRISHI_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"KRISHI_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"KRISHI_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"KRISHI_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"KRISHI_DB_DSN"`
	Driver string `envconfig:"KRISHI_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KRISHI_DB_HOST"`
	LegacyPort     int    `envconfig:"KRISHI_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KRISHI_DB_USER"`
	LegacyPassword string `envconfig:"KRISHI_DB_PASSWORD"`
	LegacyName     string `envconfig:"KRISHI_DB_NAME"`
	LegacySSLMode  string `envconfig:"KRISHI_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KRISHI_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KRISHI_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KRISHI_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KRISHI_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the configured driver is sqlite.
func (d DBConfig) IsSQLite() bool {
	return strings.EqualFold(strings.TrimSpace(d.Driver), DBDriverSQLite)
}

type RedisConfig struct {
	URL          string        `envconfig:"KRISHI_REDIS_URL" required:"true"`
	Address      string        `envconfig:"KRISHI_REDIS_ADDR"`
	Password     string        `envconfig:"KRISHI_REDIS_PASSWORD"`
	DB           int           `envconfig:"KRISHI_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KRISHI_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KRISHI_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KRISHI_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KRISHI_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KRISHI_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"KRISHI_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"KRISHI_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"KRISHI_JWT_EXPIRATION_MINUTES" default:"60"`
}

// GatewayConfig holds the eSewa merchant settings.
type GatewayConfig struct {
	ProductCode   string        `envconfig:"KRISHI_ESEWA_PRODUCT_CODE" required:"true"`
	SecretKey     string        `envconfig:"KRISHI_ESEWA_SECRET_KEY" required:"true"`
	FormURL       string        `envconfig:"KRISHI_ESEWA_FORM_URL" required:"true"`
	StatusURL     string        `envconfig:"KRISHI_ESEWA_STATUS_URL" required:"true"`
	StatusTimeout time.Duration `envconfig:"KRISHI_ESEWA_STATUS_TIMEOUT" default:"10s"`
	// CallbackGuardTTL bounds how long a transaction uuid stays claimed while a callback is processed.
	CallbackGuardTTL time.Duration `envconfig:"KRISHI_ESEWA_CALLBACK_GUARD_TTL" default:"1m"`
}

func (g GatewayConfig) validate() error {
	for name, raw := range map[string]string{EnvEsewaFormURL: g.FormURL, EnvEsewaStatusURL: g.StatusURL} {
		if _, err := url.ParseRequestURI(raw); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if g.StatusTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvEsewaStatusTimeout)
	}
	return nil
}

type URLConfig struct {
	Backend  string `envconfig:"KRISHI_BACKEND_URL" default:"http://localhost:8080"`
	Frontend string `envconfig:"KRISHI_FRONTEND_URL" default:"http://localhost:3000"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"KRISHI_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"KRISHI_AUTO_MIGRATE" default:"false"`
}

// RateLimitConfig throttles the public gateway callback routes per client IP.
type RateLimitConfig struct {
	CallbackWindow time.Duration `envconfig:"KRISHI_RATE_LIMIT_CALLBACK_WINDOW" default:"1m"`
	CallbackPerIP  int           `envconfig:"KRISHI_RATE_LIMIT_CALLBACK_PER_IP" default:"30"`
}

type ReservationConfig struct {
	GatewayHoldTTL time.Duration `envconfig:"KRISHI_RESERVATION_GATEWAY_HOLD_TTL" default:"30m"`
	ExpiryBatch    int           `envconfig:"KRISHI_RESERVATION_EXPIRY_BATCH" default:"100"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"KRISHI_CRON_INTERVAL" default:"5m"`
	LockTTL  time.Duration `envconfig:"KRISHI_CRON_LOCK_TTL" default:"4m"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"KRISHI_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"KRISHI_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"KRISHI_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"KRISHI_OUTBOX_RETENTION_DAYS" default:"30"`
}

type KafkaConfig struct {
	Brokers  []string `envconfig:"KRISHI_KAFKA_BROKERS" default:"localhost:9092"`
	Topic    string   `envconfig:"KRISHI_KAFKA_TOPIC" default:"krishi.orders"`
	ClientID string   `envconfig:"KRISHI_KAFKA_CLIENT_ID" default:"krishi-outbox"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
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
