package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BORROWING_MAX_BOOKS", "")
	t.Setenv("BORROWING_LOAN_DAYS", "")

	cfg := Load()

	assert.Equal(t, 5, cfg.MaxBooksPerRequest)
	assert.Equal(t, 14*24*time.Hour, cfg.LoanPeriod)
	assert.Equal(t, 100, cfg.MaxPageSize)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("BORROWING_MAX_BOOKS", "3")
	t.Setenv("BORROWING_LOAN_DAYS", "21")
	t.Setenv("JWT_TTL", "30m")
	t.Setenv("MIGRATE", "false")

	cfg := Load()

	assert.Equal(t, "9999", cfg.Port)
	assert.Equal(t, 3, cfg.MaxBooksPerRequest)
	assert.Equal(t, 21*24*time.Hour, cfg.LoanPeriod)
	assert.Equal(t, 30*time.Minute, cfg.JWTTTL)
	assert.False(t, cfg.Migrate)
}

func TestLoadGateway(t *testing.T) {
	t.Setenv("GATEWAY_RATE_PER_SEC", "2.5")
	t.Setenv("GATEWAY_BURST", "not-a-number")

	cfg := LoadGateway()

	assert.Equal(t, 2.5, cfg.RequestsPerSecond)
	assert.Equal(t, 40, cfg.Burst)
}

func TestJWTSecretRequiredOutsideDevMode(t *testing.T) {
	t.Setenv("DEV_MODE", "")
	t.Setenv("JWT_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.JWTSecret)
	assert.ErrorIs(t, cfg.Validate(), ErrInsecureSecret)

	t.Setenv("JWT_SECRET", DevJWTSecret)
	assert.ErrorIs(t, Load().Validate(), ErrInsecureSecret, "the development secret is refused too")

	t.Setenv("JWT_SECRET", "a-real-secret")
	require.NoError(t, Load().Validate())
}

func TestDevModeFallsBackToDevSecret(t *testing.T) {
	t.Setenv("DEV_MODE", "true")
	t.Setenv("JWT_SECRET", "")

	cfg := Load()
	assert.True(t, cfg.DevMode)
	assert.Equal(t, DevJWTSecret, cfg.JWTSecret)
	require.NoError(t, cfg.Validate())
}
