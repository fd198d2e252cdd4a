package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8082", cfg.Port)
	assert.Equal(t, BackplaneRedis, cfg.BackplaneDriver)
	assert.Equal(t, StoreMemory, cfg.StoreDriver)
	assert.Equal(t, 2*time.Second, cfg.PublishTimeout)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
	assert.NotEmpty(t, cfg.InstanceID)
	assert.True(t, cfg.InstanceIDGenerated)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "*", cfg.GetCORSOrigins())
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("BACKPLANE_DRIVER", "kafka")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("INSTANCE_ID", "node-7")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "https://a.example,https://b.example", cfg.GetCORSOrigins())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "node-7", cfg.InstanceID)
	assert.False(t, cfg.InstanceIDGenerated)
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := &Config{
		Port:            "8082",
		BackplaneDriver: "carrier-pigeon",
		StoreDriver:     StorePostgres,
		PublishTimeout:  time.Second,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "unknown BACKPLANE_DRIVER")
	assert.Contains(t, err.Error(), "DATABASE_URL is required")
}

func TestSeeds(t *testing.T) {
	cfg := &Config{EmployeeSeed: []string{"42:7", " 43 : 7 ", ""}}
	seeds, err := cfg.Seeds()
	require.NoError(t, err)
	assert.Equal(t, []EmployeeSeed{{EmployeeID: 42, ShopID: 7}, {EmployeeID: 43, ShopID: 7}}, seeds)

	cfg.EmployeeSeed = []string{"42"}
	_, err = cfg.Seeds()
	assert.Error(t, err)

	cfg.EmployeeSeed = []string{"x:7"}
	_, err = cfg.Seeds()
	assert.Error(t, err)
}
