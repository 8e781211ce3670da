package config

import (
	"testing"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, cleanenv.ReadEnv(&cfg))

	assert.Equal(t, "fern", cfg.AppName)
	assert.Equal(t, int64(1000), cfg.TokenLimit)
	assert.Equal(t, 61*time.Minute, cfg.QuotaWindow)
	assert.Equal(t, QuotaBackendPostgres, cfg.QuotaBackend)
	assert.Equal(t, 4, cfg.FetchWorkers)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, "grpc", cfg.OTLPProtocol)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("TOKEN_LIMIT", "10")
	t.Setenv("QUOTA_WINDOW", "24h")
	t.Setenv("QUOTA_BACKEND", "redis")
	t.Setenv("FETCH_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, int64(10), cfg.TokenLimit)
	assert.Equal(t, 24*time.Hour, cfg.QuotaWindow)
	assert.Equal(t, QuotaBackendRedis, cfg.QuotaBackend)
	assert.Equal(t, 8, cfg.FetchWorkers)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{QuotaBackend: QuotaBackendMemory, TokenLimit: 10, QuotaWindow: time.Hour, FetchWorkers: 4}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown backend", mutate: func(c *Config) { c.QuotaBackend = "sqlite" }, wantErr: "QUOTA_BACKEND"},
		{name: "zero limit", mutate: func(c *Config) { c.TokenLimit = 0 }, wantErr: "TOKEN_LIMIT"},
		{name: "zero window", mutate: func(c *Config) { c.QuotaWindow = 0 }, wantErr: "QUOTA_WINDOW"},
		{name: "no workers", mutate: func(c *Config) { c.FetchWorkers = 0 }, wantErr: "FETCH_WORKERS"},
		{name: "otlp over http", mutate: func(c *Config) { c.OTLPEnabled, c.OTLPProtocol = true, "http" }},
		{name: "unknown otlp protocol", mutate: func(c *Config) { c.OTLPEnabled, c.OTLPProtocol = true, "thrift" }, wantErr: "OTLP_PROTOCOL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCredentials(t *testing.T) {
	t.Setenv("DOM_RIA_API_KEYS", " key-a, ,key-b,")

	assert.Equal(t, []string{"key-a", "key-b"}, Credentials("DOM_RIA_API_KEYS"))
	assert.Empty(t, Credentials("FERN_UNSET_KEYS"))
}
