package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Auth     AuthConfig
	Relay    RelayConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	HTTPPort    int
	Environment string
}

type UpstreamConfig struct {
	FeedURL        string
	APIKey         string
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
}

type AuthConfig struct {
	// Token is the static bearer secret downstream clients must present.
	Token string
}

type RelayConfig struct {
	// ClientBufferSize is the per-client outbound queue depth. A client
	// that falls this far behind is evicted.
	ClientBufferSize int
	// ClientMsgRate / ClientMsgBurst limit inbound control messages per
	// client.
	ClientMsgRate  float64
	ClientMsgBurst int
	PairsFile      string
}

type RedisConfig struct {
	Host          string
	Port          int
	Password      string
	DB            int
	PubSubChannel string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:    getEnvInt("HTTP_PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
		},
		Upstream: UpstreamConfig{
			FeedURL:        getEnv("FEED_URL", ""),
			APIKey:         getEnv("FEED_API_KEY", ""),
			ConnectTimeout: parseDuration(getEnv("CONNECT_TIMEOUT", "5s"), 5*time.Second),
			ReconnectDelay: parseDuration(getEnv("RECONNECT_DELAY", "5s"), 5*time.Second),
		},
		Auth: AuthConfig{
			Token: getEnv("WS_AUTH_TOKEN", ""),
		},
		Relay: RelayConfig{
			ClientBufferSize: getEnvInt("CLIENT_BUFFER_SIZE", 256),
			ClientMsgRate:    getEnvFloat("CLIENT_MSG_RATE", 5),
			ClientMsgBurst:   getEnvInt("CLIENT_MSG_BURST", 10),
			PairsFile:        getEnv("PAIRS_FILE", ""),
		},
		Redis: RedisConfig{
			Host:          getEnv("REDIS_HOST", ""),
			Port:          getEnvInt("REDIS_PORT", 6379),
			Password:      getEnv("REDIS_PASSWORD", ""),
			DB:            getEnvInt("REDIS_DB", 0),
			PubSubChannel: getEnv("REDIS_PUBSUB_CHANNEL", "oracle:gateway:prices"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Upstream.FeedURL == "" {
		return fmt.Errorf("FEED_URL is required")
	}
	if c.Auth.Token == "" {
		return fmt.Errorf("WS_AUTH_TOKEN is required")
	}
	if c.Relay.ClientBufferSize <= 0 {
		return fmt.Errorf("CLIENT_BUFFER_SIZE must be positive")
	}
	return nil
}

// MirrorEnabled reports whether price updates should be re-published to
// Redis for sibling services.
func (c *Config) MirrorEnabled() bool {
	return c.Redis.Host != ""
}

func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func parseDuration(s string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}
