package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/triarb/internal/domain"
)

func TestDefaultsValidateInMonitorMode(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "monitor"
	assert.NoError(t, cfg.Validate())
}

func TestValidateRequiresCredentialsForTrading(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrFatalConfiguration))
	assert.Contains(t, err.Error(), "api_key")

	cfg.Exchange.APIKey = "k"
	cfg.Exchange.EncryptedSecretPath = "/tmp/secret.json"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_password")

	cfg.Exchange.SecretPassword = "pw"
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Search.MinDepth = 1
	cfg.Exchange.DepthLevel = 7

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "min_depth")
	assert.Contains(t, err.Error(), "depth_level")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
mode = "trade"

[exchange]
api_key = "file-key"
api_secret = "file-secret"
recv_window = "3s"

[search]
max_depth = 3

[exchange.fee_overrides]
BTCUSDT = 0.00075
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("TRIARB_EXCHANGE_API_KEY", "env-key")
	t.Setenv("TRIARB_ENGINE_CYCLE_INTERVAL", "250ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "trade", cfg.Mode)
	assert.Equal(t, "env-key", cfg.Exchange.APIKey)
	assert.Equal(t, "file-secret", cfg.Exchange.APISecret)
	assert.Equal(t, 3*time.Second, cfg.Exchange.RecvWindow.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.CycleInterval.Duration)
	assert.Equal(t, 3, cfg.Search.MaxDepth)
	assert.InDelta(t, 0.00075, cfg.Exchange.FeeOverrides["BTCUSDT"], 1e-12)
	assert.Len(t, cfg.Exchange.Endpoints, 5)
	assert.NoError(t, cfg.Validate())
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Exchange.APIKey = "key"
	cfg.Exchange.APISecret = "secret"
	cfg.Notify.TelegramToken = "tok"

	red := RedactedConfig(&cfg)

	assert.Equal(t, "***", red.Exchange.APIKey)
	assert.Equal(t, "***", red.Exchange.APISecret)
	assert.Equal(t, "***", red.Notify.TelegramToken)
	assert.Equal(t, "", red.Exchange.SecretPassword)
	assert.Equal(t, "secret", cfg.Exchange.APISecret)

	red.Exchange.Endpoints[0] = "changed"
	assert.NotEqual(t, "changed", cfg.Exchange.Endpoints[0])
}
