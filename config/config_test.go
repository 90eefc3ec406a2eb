package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("ADMIN_PASSWORD_HASH", "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHQ$aGFzaGhhc2g")
	t.Setenv("WEBHOOK_SECRET", "whsec")
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 5, cfg.LedgerMaxRetries)
	assert.Equal(t, "@every 1h", cfg.CronSubscriptionSweep)
	assert.Equal(t, 48*time.Hour, cfg.SettlementWindow)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	setRequired(t)
	t.Setenv("HTTP_PORT", "9000")

	content := "HTTP_PORT=7000\nKAFKA_BROKERS=k1:9092,k2:9092\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600))
	t.Cleanup(func() { os.Unsetenv("KAFKA_BROKERS") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.HTTPPort, "environment wins over .env")
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoad_MissingSecret(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ADMIN_PASSWORD_HASH", "x")
	t.Setenv("WEBHOOK_SECRET", "x")
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			HTTPPort: 8080, StoreDriver: DriverSQLite, SQLitePath: "coins.db",
			JWTSecret: "0123456789abcdef", SettlementWindow: time.Hour,
			DBMaxConns: 10, DBMinConns: 1,
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.HTTPPort = 0 }},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mysql" }},
		{"postgres without password", func(c *Config) { c.StoreDriver = DriverPostgres }},
		{"pool bounds", func(c *Config) {
			c.StoreDriver = DriverPostgres
			c.DBPassword = "pw"
			c.DBMinConns = 20
		}},
		{"negative retries", func(c *Config) { c.LedgerMaxRetries = -1 }},
		{"short jwt secret", func(c *Config) { c.JWTSecret = "short" }},
		{"kafka without topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"} }},
	}

	base := valid()
	require.NoError(t, base.Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	c := Config{DBUser: "u", DBPassword: "p", DBHost: "db", DBPort: 5432, DBName: "coins", DBSSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/coins?sslmode=disable", c.DatabaseDSN())
}
