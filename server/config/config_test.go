package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 0, cfg.ML.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.ML.Timeout)
	assert.Equal(t, []string{"*"}, cfg.Security.AllowedOrigins)
	assert.Empty(t, cfg.Redis.Host)
	assert.NoError(t, cfg.ValidateConfig(zap.NewNop()))
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("ML_TIMEOUT", "3s")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("ENABLE_HTTPS", "true")
	t.Setenv("PROCESSOR_WORKERS", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.ML.Timeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Security.AllowedOrigins)
	assert.True(t, cfg.Security.EnableHTTPS)
	assert.Equal(t, 4, cfg.Processor.Workers)
}

func TestValidateConfig_CollectsErrors(t *testing.T) {
	cfg := LoadConfig()
	cfg.Server.Port = 0
	cfg.ML.BaseURL = ""
	cfg.Security.EnableHTTPS = true

	err := cfg.ValidateConfig(zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server port")
	assert.Contains(t, err.Error(), "ML base URL")
	assert.Contains(t, err.Error(), "cert and key")
}

func TestNewLogger(t *testing.T) {
	cfg := LoadConfig()
	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.NotNil(t, logger)

	cfg.Logging.Level = "loud"
	_, err = cfg.NewLogger()
	assert.Error(t, err)
}
