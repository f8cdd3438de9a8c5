package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pagemagic/meter/internal/domain/metering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "meter-service", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Env)
	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns)
	assert.Equal(t, time.Hour, cfg.Metering.Granularity)
	assert.Equal(t, time.Hour, cfg.Metering.GraceWindow)
	assert.Equal(t, time.Minute, cfg.Metering.SyncInterval)
	assert.True(t, cfg.Metering.SyncEnabled)
	assert.Equal(t, 0, cfg.Metering.MaxSyncAttempts)
	assert.Equal(t, time.Duration(0), cfg.Metering.RetryBaseDelay)
	assert.Equal(t, 100, cfg.Metering.QueryLimit)
	assert.Equal(t, "stripe_customer_id", cfg.Stripe.CustomerPayloadKey)
	assert.Equal(t, "pagemagic.usage.events", cfg.Kafka.Topic)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Empty(t, cfg.Meters)

	defs, err := cfg.MeterDefinitions()
	require.NoError(t, err)
	assert.Len(t, defs, len(metering.DefaultMeters()))
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("METER_APP_PORT", "9000")
	t.Setenv("METER_DATABASE_HOST", "db.internal")
	t.Setenv("METER_DATABASE_PORT", "5433")
	t.Setenv("METER_METERING_GRACE_WINDOW", "10m")
	t.Setenv("METER_METERING_SYNC_ENABLED", "false")
	t.Setenv("METER_METERING_MAX_SYNC_ATTEMPTS", "8")
	t.Setenv("METER_METERING_RETRY_BASE_DELAY", "30s")
	t.Setenv("METER_STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("METER_KAFKA_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.App.Port)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, 10*time.Minute, cfg.Metering.GraceWindow)
	assert.False(t, cfg.Metering.SyncEnabled)
	assert.Equal(t, 8, cfg.Metering.MaxSyncAttempts)
	assert.Equal(t, 30*time.Second, cfg.Metering.RetryBaseDelay)
	assert.Equal(t, "sk_test_123", cfg.Stripe.SecretKey)
	assert.True(t, cfg.Kafka.Enabled)
}

func TestLoad_MetersFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.toml")
	content := `
[app]
name = "meter-test"

[metering]
grace_window = "15m"

[[meters]]
name = "gpt4_tokens"
external_id = "mtr_gpt4"
aggregation = "sum"
event_types = ["ai_token_usage"]
value_field = "tokens"

[meters.filter]
model = "gpt-4"

[[meters]]
name = "pages"
external_id = "mtr_pages"
aggregation = "count"
event_types = ["page_generated"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "meter-test", cfg.App.Name)
	assert.Equal(t, 15*time.Minute, cfg.Metering.GraceWindow)
	require.Len(t, cfg.Meters, 2)

	defs, err := cfg.MeterDefinitions()
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "gpt4_tokens", defs[0].Name)
	assert.Equal(t, metering.AggregationSum, defs[0].Kind)
	assert.Equal(t, "tokens", defs[0].ValueField)
	assert.Equal(t, "gpt-4", defs[0].Filter.Metadata["model"])
	assert.Equal(t, metering.AggregationCount, defs[1].Kind)
}

func TestLoad_ZeroGraceWindow(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("METER_METERING_GRACE_WINDOW", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), cfg.Metering.GraceWindow)
}

func TestMeterDefinitions_Invalid(t *testing.T) {
	cfg := &Config{Meters: []MeterConfig{
		{Name: "bad_kind", ExternalID: "x", Aggregation: "median", EventTypes: []string{"a"}},
		{Name: "", ExternalID: "y", Aggregation: "sum", EventTypes: []string{"b"}},
	}}

	_, err := cfg.MeterDefinitions()
	require.Error(t, err)
	assert.ErrorIs(t, err, metering.ErrInvalidMeter)
	assert.Contains(t, err.Error(), "bad_kind")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, valid().validate())
	})

	t.Run("max idle cannot exceed max open", func(t *testing.T) {
		cfg := valid()
		cfg.Database.MaxIdleConns = cfg.Database.MaxOpenConns + 1
		assert.Error(t, cfg.validate())
	})

	t.Run("granularity below a minute", func(t *testing.T) {
		cfg := valid()
		cfg.Metering.Granularity = time.Second
		assert.Error(t, cfg.validate())
	})

	t.Run("retry base above max", func(t *testing.T) {
		cfg := valid()
		cfg.Metering.RetryBaseDelay = 2 * time.Hour
		assert.Error(t, cfg.validate())
	})

	t.Run("query limit out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Metering.QueryLimit = 5000
		assert.Error(t, cfg.validate())
	})

	t.Run("production requires secrets and tls", func(t *testing.T) {
		cfg := valid()
		cfg.App.Env = "production"
		assert.ErrorContains(t, cfg.validate(), "database.password")

		cfg.Database.Password = "secret"
		assert.ErrorContains(t, cfg.validate(), "sslmode")

		cfg.Database.SSLMode = "require"
		cfg.Metering.SyncEnabled = true
		assert.ErrorContains(t, cfg.validate(), "stripe.secret_key")

		cfg.Stripe.SecretKey = "sk_live_x"
		assert.NoError(t, cfg.validate())
	})

	t.Run("sampling ratio range", func(t *testing.T) {
		cfg := valid()
		cfg.Telemetry.SamplingRatio = 1.5
		assert.Error(t, cfg.validate())
	})
}

func TestDatabaseConfig_DSN(t *testing.T) {
	t.Run("generates valid DSN", func(t *testing.T) {
		cfg := DatabaseConfig{Host: "localhost", Port: 5432, User: "meter", Password: "pw", DBName: "pagemagic", SSLMode: "disable"}
		assert.Equal(t, "postgres://meter:pw@localhost:5432/pagemagic?sslmode=disable", cfg.DSN())
	})

	t.Run("escapes special characters in password", func(t *testing.T) {
		cfg := DatabaseConfig{Host: "db", Port: 5432, User: "meter", Password: "p@ss/word", DBName: "m", SSLMode: "require"}
		assert.Contains(t, cfg.DSN(), "p%40ss%2Fword")
	})
}

func TestRedisConfig_Addr(t *testing.T) {
	r := RedisConfig{Host: "cache", Port: 6380}
	assert.Equal(t, "cache:6380", r.Addr())
}
