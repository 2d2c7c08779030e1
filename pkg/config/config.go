package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "CARDVAULT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvDBDSN  = "CARDVAULT_DB_DSN"
	EnvDBHost = "CARDVAULT_DB_HOST"
	EnvDBUser = "CARDVAULT_DB_USER"
	EnvDBName = "CARDVAULT_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	JWT     JWTConfig
	Gateway GatewayConfig
	Orders  OrdersConfig
	Sweeper SweeperConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"CARDVAULT_APP_ENV" required:"true"`
	Port         string `envconfig:"CARDVAULT_APP_PORT" default:"8080"`
	BaseURL      string `envconfig:"CARDVAULT_APP_BASE_URL" required:"true"`
	LogLevel     string `envconfig:"CARDVAULT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"CARDVAULT_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"CARDVAULT_DB_DSN"`
	Driver string `envconfig:"CARDVAULT_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"CARDVAULT_DB_HOST"`
	LegacyPort     int    `envconfig:"CARDVAULT_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"CARDVAULT_DB_USER"`
	LegacyPassword string `envconfig:"CARDVAULT_DB_PASSWORD"`
	LegacyName     string `envconfig:"CARDVAULT_DB_NAME"`
	LegacySSLMode  string `envconfig:"CARDVAULT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"CARDVAULT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"CARDVAULT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"CARDVAULT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"CARDVAULT_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	AutoMigrate bool `envconfig:"CARDVAULT_DB_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"CARDVAULT_REDIS_URL"`
	Address      string        `envconfig:"CARDVAULT_REDIS_ADDR"`
	Password     string        `envconfig:"CARDVAULT_REDIS_PASSWORD"`
	DB           int           `envconfig:"CARDVAULT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"CARDVAULT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"CARDVAULT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"CARDVAULT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"CARDVAULT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"CARDVAULT_REDIS_WRITE_TIMEOUT" default:"5s"`

	NotifyGuardTTL time.Duration `envconfig:"CARDVAULT_REDIS_NOTIFY_GUARD_TTL" default:"24h"`
}

type JWTConfig struct {
	Secret string `envconfig:"CARDVAULT_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"CARDVAULT_JWT_ISSUER" default:"cardvault"`
}

// GatewayConfig points at the upstream epay-compatible payment gateway.
type GatewayConfig struct {
	SubmitURL string `envconfig:"CARDVAULT_GATEWAY_SUBMIT_URL" default:"https://credit.linux.do/epay/pay/submit.php"`
}

type OrdersConfig struct {
	MaxQuantityPerOrder int `envconfig:"CARDVAULT_ORDERS_MAX_QTY" default:"10"`
	TitleMaxRunes       int `envconfig:"CARDVAULT_ORDERS_TITLE_MAX_RUNES" default:"20"`
}

type SweeperConfig struct {
	ReservedTTL  time.Duration `envconfig:"CARDVAULT_SWEEPER_RESERVED_TTL" default:"30m"`
	PollInterval time.Duration `envconfig:"CARDVAULT_SWEEPER_POLL_INTERVAL" default:"5m"`
	MetricsPort  string        `envconfig:"CARDVAULT_SWEEPER_METRICS_PORT" default:"9102"`
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
