package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

type Config struct {
	AppPort string
	AppMode string

	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	DBSSLMode  string
	DBMaxConns int32

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	JWTSecret string

	Keys   KeysConfig
	Crypto CryptoConfig
	Cache  CacheConfig
	Relay  RelayConfig
	Log    LogConfig
}

type KeysConfig struct {
	PoolSize             int
	RefillThreshold      int
	MaxBatch             int
	SignedPreKeyRetained int
	RotationWindow       time.Duration
	SessionRetention     time.Duration
	PurgeInterval        time.Duration
	SealingSecret        string
}

type CryptoConfig struct {
	FreshnessWindow time.Duration
}

type CacheConfig struct {
	SessionTTL time.Duration
}

type RelayConfig struct {
	HeartbeatInterval     time.Duration
	IdleTimeout           time.Duration
	MaxConnectionsPerUser int
	SendBuffer            int
	MessageLimit          int
	MessageWindow         time.Duration
	UpgradeLimit          int
	UpgradeWindow         time.Duration
	Broker                string
	Membership            string
}

type LogConfig struct {
	FilePath     string
	MaxAge       time.Duration
	RotationTime time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("APP_MODE", DebugMode)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sentinal_e2ee")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 20)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "change-me")

	v.SetDefault("KEYS_POOL_SIZE", 100)
	v.SetDefault("KEYS_REFILL_THRESHOLD", 10)
	v.SetDefault("KEYS_MAX_BATCH", 1000)
	v.SetDefault("KEYS_SIGNED_PREKEY_RETAINED", 3)
	v.SetDefault("KEYS_ROTATION_WINDOW", 7*24*time.Hour)
	v.SetDefault("KEYS_SESSION_RETENTION", 30*24*time.Hour)
	v.SetDefault("KEYS_PURGE_INTERVAL", time.Hour)
	v.SetDefault("KEYS_SEALING_SECRET", "change-me-too")

	v.SetDefault("CRYPTO_FRESHNESS_WINDOW", 5*time.Minute)
	v.SetDefault("CACHE_SESSION_TTL", time.Hour)

	v.SetDefault("RELAY_HEARTBEAT_INTERVAL", 30*time.Second)
	v.SetDefault("RELAY_IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("RELAY_MAX_CONNECTIONS_PER_USER", 10)
	v.SetDefault("RELAY_SEND_BUFFER", 256)
	v.SetDefault("RELAY_MESSAGE_LIMIT", 60)
	v.SetDefault("RELAY_MESSAGE_WINDOW", time.Minute)
	v.SetDefault("RELAY_UPGRADE_LIMIT", 30)
	v.SetDefault("RELAY_UPGRADE_WINDOW", time.Minute)
	v.SetDefault("RELAY_BROKER", "redis")
	v.SetDefault("RELAY_MEMBERSHIP", "none")

	v.SetDefault("LOG_FILE_PATH", "")
	v.SetDefault("LOG_MAX_AGE", 7*24*time.Hour)
	v.SetDefault("LOG_ROTATION_TIME", 24*time.Hour)
}

// LoadConfig reads .env (if any), the optional CONFIG_FILE and the environment, in that order of precedence from low to high.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		AppPort: v.GetString("APP_PORT"),
		AppMode: v.GetString("APP_MODE"),

		DBHost:     v.GetString("DB_HOST"),
		DBUser:     v.GetString("DB_USER"),
		DBPassword: v.GetString("DB_PASSWORD"),
		DBName:     v.GetString("DB_NAME"),
		DBPort:     v.GetString("DB_PORT"),
		DBSSLMode:  v.GetString("DB_SSLMODE"),
		DBMaxConns: v.GetInt32("DB_MAX_CONNS"),

		RedisHost:     v.GetString("REDIS_HOST"),
		RedisPort:     v.GetString("REDIS_PORT"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		JWTSecret: v.GetString("JWT_SECRET"),

		Keys: KeysConfig{
			PoolSize:             v.GetInt("KEYS_POOL_SIZE"),
			RefillThreshold:      v.GetInt("KEYS_REFILL_THRESHOLD"),
			MaxBatch:             v.GetInt("KEYS_MAX_BATCH"),
			SignedPreKeyRetained: v.GetInt("KEYS_SIGNED_PREKEY_RETAINED"),
			RotationWindow:       v.GetDuration("KEYS_ROTATION_WINDOW"),
			SessionRetention:     v.GetDuration("KEYS_SESSION_RETENTION"),
			PurgeInterval:        v.GetDuration("KEYS_PURGE_INTERVAL"),
			SealingSecret:        v.GetString("KEYS_SEALING_SECRET"),
		},
		Crypto: CryptoConfig{
			FreshnessWindow: v.GetDuration("CRYPTO_FRESHNESS_WINDOW"),
		},
		Cache: CacheConfig{
			SessionTTL: v.GetDuration("CACHE_SESSION_TTL"),
		},
		Relay: RelayConfig{
			HeartbeatInterval:     v.GetDuration("RELAY_HEARTBEAT_INTERVAL"),
			IdleTimeout:           v.GetDuration("RELAY_IDLE_TIMEOUT"),
			MaxConnectionsPerUser: v.GetInt("RELAY_MAX_CONNECTIONS_PER_USER"),
			SendBuffer:            v.GetInt("RELAY_SEND_BUFFER"),
			MessageLimit:          v.GetInt("RELAY_MESSAGE_LIMIT"),
			MessageWindow:         v.GetDuration("RELAY_MESSAGE_WINDOW"),
			UpgradeLimit:          v.GetInt("RELAY_UPGRADE_LIMIT"),
			UpgradeWindow:         v.GetDuration("RELAY_UPGRADE_WINDOW"),
			Broker:                v.GetString("RELAY_BROKER"),
			Membership:            v.GetString("RELAY_MEMBERSHIP"),
		},
		Log: LogConfig{
			FilePath:     v.GetString("LOG_FILE_PATH"),
			MaxAge:       v.GetDuration("LOG_MAX_AGE"),
			RotationTime: v.GetDuration("LOG_ROTATION_TIME"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Keys.SignedPreKeyRetained < 1 {
		errs = append(errs, errors.New("KEYS_SIGNED_PREKEY_RETAINED must be at least 1"))
	}
	if c.Keys.PoolSize < 1 || c.Keys.PoolSize > c.Keys.MaxBatch {
		errs = append(errs, errors.New("KEYS_POOL_SIZE must be between 1 and KEYS_MAX_BATCH"))
	}
	if c.Keys.MaxBatch > 1000 {
		errs = append(errs, errors.New("KEYS_MAX_BATCH must not exceed 1000"))
	}
	if c.Keys.RefillThreshold < 0 || c.Keys.RefillThreshold >= c.Keys.PoolSize {
		errs = append(errs, errors.New("KEYS_REFILL_THRESHOLD must be below KEYS_POOL_SIZE"))
	}
	if c.Cache.SessionTTL >= c.Keys.SessionRetention {
		errs = append(errs, errors.New("CACHE_SESSION_TTL must be shorter than KEYS_SESSION_RETENTION"))
	}
	if c.Relay.IdleTimeout <= c.Relay.HeartbeatInterval {
		errs = append(errs, errors.New("RELAY_IDLE_TIMEOUT must exceed RELAY_HEARTBEAT_INTERVAL"))
	}
	if c.Relay.Broker != "local" && c.Relay.Broker != "redis" {
		errs = append(errs, fmt.Errorf("RELAY_BROKER %q is not one of local, redis", c.Relay.Broker))
	}
	if c.Relay.Membership != "none" && c.Relay.Membership != "redis" {
		errs = append(errs, fmt.Errorf("RELAY_MEMBERSHIP %q is not one of none, redis", c.Relay.Membership))
	}
	if c.AppMode == ReleaseMode {
		if c.JWTSecret == "" || c.JWTSecret == "change-me" {
			errs = append(errs, errors.New("JWT_SECRET must be set in release mode"))
		}
		if c.Keys.SealingSecret == "" || c.Keys.SealingSecret == "change-me-too" {
			errs = append(errs, errors.New("KEYS_SEALING_SECRET must be set in release mode"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}
