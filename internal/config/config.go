package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
	_ "time/tzdata"

	"github.com/LeventeLantos/automessage-pipeline/internal/scheduler"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Broker   BrokerConfig
	Redis    RedisConfig
	Log      LogConfig
	Planner  PlannerConfig
	Scanner  ScannerConfig
	Delivery DeliveryConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type BrokerConfig struct {
	URL            string
	ConnectRetries int
	RatePerSec     int
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type PlannerConfig struct {
	Cron     string
	Location *time.Location
	MinDelay time.Duration
	MaxDelay time.Duration
}

type ScannerConfig struct {
	Interval   time.Duration
	ClaimLease time.Duration
	BatchSize  int
}

type DeliveryConfig struct {
	MaxRetries int
	RetryDelay time.Duration
}

// LoadAll reads the configuration from the environment and reports every
// missing or malformed key at once.
func LoadAll() (*Config, error) {
	var errs []error

	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: str("POSTGRES_URL"),
		},
		Broker: BrokerConfig{
			URL:            str("AMQP_URL"),
			ConnectRetries: num("AMQP_CONNECT_RETRIES", 5),
			RatePerSec:     num("PUBLISH_RATE_PER_SEC", 50),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
		},
		Planner: PlannerConfig{
			Cron:     getEnv("PLANNER_CRON", "0 2 * * *"),
			MinDelay: time.Duration(num("PLANNER_MIN_DELAY_MINUTES", 60)) * time.Minute,
			MaxDelay: time.Duration(num("PLANNER_MAX_DELAY_MINUTES", 1440)) * time.Minute,
		},
		Scanner: ScannerConfig{
			Interval:   time.Duration(num("SCANNER_INTERVAL_SECONDS", 60)) * time.Second,
			ClaimLease: time.Duration(num("SCANNER_CLAIM_LEASE_SECONDS", 30)) * time.Second,
			BatchSize:  num("SCANNER_BATCH_SIZE", 100),
		},
		Delivery: DeliveryConfig{
			MaxRetries: num("MAX_RETRIES", 3),
			RetryDelay: time.Duration(num("RETRY_DELAY_MINUTES", 5)) * time.Minute,
		},
	}

	tz := getEnv("PLANNER_TIMEZONE", "Europe/Istanbul")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid PLANNER_TIMEZONE %q: %w", tz, err))
	}
	cfg.Planner.Location = loc

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redisCfg

	if len(errs) == 0 {
		errs = append(errs, validate(cfg)...)
	}
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, dbErr := getEnvInt("REDIS_DB", 0)
	ttl, ttlErr := getEnvInt("REDIS_TTL_SECONDS", 86400)

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, joinErrors([]error{dbErr, ttlErr})
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, ok bool) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}

	positive("SCANNER_INTERVAL_SECONDS", cfg.Scanner.Interval > 0)
	positive("SCANNER_CLAIM_LEASE_SECONDS", cfg.Scanner.ClaimLease > 0)
	positive("SCANNER_BATCH_SIZE", cfg.Scanner.BatchSize > 0)
	positive("PLANNER_MIN_DELAY_MINUTES", cfg.Planner.MinDelay > 0)
	positive("PLANNER_MAX_DELAY_MINUTES", cfg.Planner.MaxDelay > 0)
	positive("PUBLISH_RATE_PER_SEC", cfg.Broker.RatePerSec > 0)
	positive("AMQP_CONNECT_RETRIES", cfg.Broker.ConnectRetries > 0)
	positive("MAX_RETRIES", cfg.Delivery.MaxRetries > 0)
	positive("RETRY_DELAY_MINUTES", cfg.Delivery.RetryDelay > 0)

	if cfg.Planner.MinDelay > cfg.Planner.MaxDelay {
		errs = append(errs, errors.New("PLANNER_MIN_DELAY_MINUTES must be <= PLANNER_MAX_DELAY_MINUTES"))
	}
	if _, err := scheduler.Parser.Parse(cfg.Planner.Cron); err != nil {
		errs = append(errs, fmt.Errorf("invalid PLANNER_CRON %q: %w", cfg.Planner.Cron, err))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}
