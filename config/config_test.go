package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/affiliate-ledger/ledger"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("DIRECT_RATE", "")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "sqlite3", cfg.DBDriver)
	assert.Equal(t, "0.58", cfg.DirectRate.String())
	assert.Equal(t, "200", cfg.MinWithdrawal.String())
	assert.Equal(t, time.Minute, cfg.SweepInterval)

	rates := cfg.Rates()
	assert.Equal(t, "0.17", rates.TeamRate(ledger.PackagePro).String())
	assert.Equal(t, "2999", cfg.Prices()[ledger.PackagePro].String())
}

func TestLoad_EnvThenFlags(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("MIN_WITHDRAWAL", "500")
	t.Setenv("ALLOW_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("STUCK_AFTER", "10m")

	cfg, err := Load([]string{"-port", "9100", "-db", ":memory:"})
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, ":memory:", cfg.DBDSN)
	assert.Equal(t, []string{"https://a.test", "https://b.test"}, cfg.AllowOrigins)
	assert.Equal(t, "500", cfg.Withdrawal().MinWithdrawal.String())
	assert.Equal(t, 10*time.Minute, cfg.Withdrawal().RetryAfter)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("DIRECT_RATE", "not-a-number")
	_, err := Load(nil)
	assert.Error(t, err)

	t.Setenv("DIRECT_RATE", "0.9")
	_, err = Load(nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	t.Setenv("DIRECT_RATE", "0.58")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "")
	_, err = Load(nil)
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestLoad_MalformedValuesFail(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"PORT", "abc"},
		{"TEAM_DEPTH", "two"},
		{"PAYOUT_TIMEOUT", "soon"},
		{"MAX_ATTEMPTS", "5.5"},
		{"DEV_TOKENS", "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load(nil)
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestLoad_DevTokensAreOptIn(t *testing.T) {
	// GIVEN: the default development environment
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("DEV_TOKENS", "")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.False(t, cfg.DevTools())

	// WHEN: explicitly enabled
	t.Setenv("DEV_TOKENS", "true")
	cfg, err = Load(nil)
	require.NoError(t, err)
	assert.True(t, cfg.DevTools())

	// THEN: production refuses the switch
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("JWT_SECRET", "s3cret")
	_, err = Load(nil)
	assert.ErrorContains(t, err, "DEV_TOKENS")
}
