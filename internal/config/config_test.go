package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pi-plinko-backend/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("STORE", "memory")
	t.Setenv("PI_API_KEY", "")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, config.EnvDevelopment, cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.DefaultPiAPIURL, cfg.PiAPIURL)
	assert.Equal(t, 10*time.Second, cfg.PaymentVerifyTimeout)
	assert.Equal(t, "0.01", cfg.HouseEdgeMargin.String())
	assert.Equal(t, int32(4), cfg.MoneyPrecision)
	assert.Equal(t, 10, cfg.LeaderboardSize)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("STORE", "memory")

	t.Run("port", func(t *testing.T) {
		t.Setenv("PORT", "abc")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("margin", func(t *testing.T) {
		t.Setenv("HOUSE_EDGE_MARGIN", "1.5")
		_, err := config.Load()
		assert.Error(t, err)
	})

	t.Run("production without api key", func(t *testing.T) {
		t.Setenv("ENV", config.EnvProduction)
		t.Setenv("PI_API_KEY", "")
		_, err := config.Load()
		assert.ErrorContains(t, err, "PI_API_KEY")
	})

	t.Run("store", func(t *testing.T) {
		t.Setenv("STORE", "mongo")
		_, err := config.Load()
		assert.Error(t, err)
	})
}

func TestLoadPaytable(t *testing.T) {
	def, err := config.LoadPaytable("")
	require.NoError(t, err)
	assert.Len(t, def.Bins, 5)

	path := filepath.Join(t.TempDir(), "paytable.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: coin
bins:
  - multiplier: "0"
    weight: "0.5"
  - multiplier: "1.98"
    weight: "0.5"
`), 0o600))

	table, err := config.LoadPaytable(path)
	require.NoError(t, err)
	assert.Equal(t, "coin", table.Name)

	multipliers, weights, err := table.Decimals()
	require.NoError(t, err)
	assert.Equal(t, "1.98", multipliers[1].String())
	assert.Equal(t, "0.5", weights[0].String())
}

func TestParsePaytableValidation(t *testing.T) {
	_, err := config.ParsePaytable([]byte("name: one\nbins:\n  - multiplier: \"1\"\n    weight: \"1\"\n"))
	assert.Error(t, err, "a single bin is not a game")

	_, err = config.ParsePaytable([]byte("name: bad\nbins:\n  - multiplier: \"x\"\n    weight: \"0.5\"\n  - multiplier: \"1\"\n    weight: \"0.5\"\n"))
	assert.Error(t, err)
}
