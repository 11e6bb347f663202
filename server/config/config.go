package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	ML        MLConfig        `json:"ml"`
	Processor ProcessorConfig `json:"processor"`
	Security  SecurityConfig  `json:"security"`
	Storage   StorageConfig   `json:"storage"`
	Redis     RedisConfig     `json:"redis"`
	Session   SessionConfig   `json:"session"`
	Logging   LoggingConfig   `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type MLConfig struct {
	BaseURL             string        `json:"base_url"`
	Timeout             time.Duration `json:"timeout"`
	MaxRetries          int           `json:"max_retries"`
	RetryDelay          time.Duration `json:"retry_delay"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

type ProcessorConfig struct {
	QueueSize int           `json:"queue_size"`
	Workers   int           `json:"workers"`
	CacheTTL  time.Duration `json:"cache_ttl"`
	CacheSize int           `json:"cache_size"`
}

type SecurityConfig struct {
	JWTSecretKey   string        `json:"jwt_secret_key"`
	AllowedOrigins []string      `json:"allowed_origins"`
	RateLimitRPS   int           `json:"rate_limit_rps"`
	RateLimitBurst int           `json:"rate_limit_burst"`
	MaxRequestSize int64         `json:"max_request_size"`
	RequestTimeout time.Duration `json:"request_timeout"`
	EnableHTTPS    bool          `json:"enable_https"`
	CertFile       string        `json:"cert_file"`
	KeyFile        string        `json:"key_file"`
}

// StorageConfig points at the report history database. An empty path
// disables history.
type StorageConfig struct {
	Path string `json:"path"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type SessionConfig struct {
	IdleTTL time.Duration `json:"idle_ttl"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func LoadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		ML: MLConfig{
			BaseURL:             getEnv("ML_BASE_URL", "http://localhost:5000"),
			Timeout:             getEnvAsDuration("ML_TIMEOUT", 10*time.Second),
			MaxRetries:          getEnvAsInt("ML_MAX_RETRIES", 0),
			RetryDelay:          getEnvAsDuration("ML_RETRY_DELAY", 1*time.Second),
			HealthCheckInterval: getEnvAsDuration("ML_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Processor: ProcessorConfig{
			QueueSize: getEnvAsInt("PROCESSOR_QUEUE_SIZE", 100),
			Workers:   getEnvAsInt("PROCESSOR_WORKERS", 4),
			CacheTTL:  getEnvAsDuration("DETECTION_CACHE_TTL", 24*time.Hour),
			CacheSize: getEnvAsInt("DETECTION_CACHE_SIZE", 1000),
		},
		Security: SecurityConfig{
			JWTSecretKey:   getEnv("JWT_SECRET_KEY", ""),
			AllowedOrigins: getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:   getEnvAsInt("RATE_LIMIT_RPS", 10),
			RateLimitBurst: getEnvAsInt("RATE_LIMIT_BURST", 20),
			MaxRequestSize: getEnvAsInt64("MAX_REQUEST_SIZE", 25*1024*1024), // two photos
			RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 45*time.Second),
			EnableHTTPS:    getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:       getEnv("CERT_FILE", ""),
			KeyFile:        getEnv("KEY_FILE", ""),
		},
		Storage: StorageConfig{
			Path: getEnv("REPORTS_DB_PATH", "reports.db"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Session: SessionConfig{
			IdleTTL: getEnvAsDuration("SESSION_IDLE_TTL", 30*time.Minute),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.ML.BaseURL == "" {
		errors = append(errors, "ML base URL is required")
	}

	if c.ML.Timeout <= 0 {
		errors = append(errors, "ML timeout must be positive")
	}

	if c.ML.MaxRetries < 0 {
		errors = append(errors, "ML max retries must not be negative")
	}

	if c.Processor.QueueSize < 1 || c.Processor.Workers < 1 {
		errors = append(errors, "processor queue size and workers must be positive")
	}

	if c.Processor.CacheSize < 1 {
		errors = append(errors, "detection cache size must be positive")
	}

	if c.Security.JWTSecretKey == "" {
		logger.Warn("JWT secret key not set, using random key")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "cert and key files are required when HTTPS is enabled")
	}

	if c.Storage.Path == "" {
		logger.Warn("Report database path not set, history is disabled")
	}

	if c.Redis.Host != "" && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		errors = append(errors, "Redis port must be between 1 and 65535")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

// NewLogger builds the service logger from the logging settings.
func (c *Config) NewLogger() (*zap.Logger, error) {
	var zcfg zap.Config
	if c.Logging.Format == "json" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	zcfg.Level = level

	return zcfg.Build()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
