package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Order.HTTPAddr)
	assert.Equal(t, 10*time.Second, cfg.Order.GatewayTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Order.ReconcileGrace)
	assert.Equal(t, 30*time.Second, cfg.Order.RequestTimeout)
	assert.True(t, cfg.Payment.DeclineAbove.IsZero())
	assert.False(t, cfg.TracingEnabled)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "sqlite_path: /tmp/file.db\ngateway_timeout: 3s\npayment_decline_above: \"5000\"\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("GATEWAY_TIMEOUT", "7s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/file.db", cfg.Order.SQLitePath)
	assert.Equal(t, 7*time.Second, cfg.Order.GatewayTimeout)
	assert.Equal(t, "5000", cfg.Payment.DeclineAbove.String())
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("GATEWAY_TIMEOUT", "0s")
	t.Setenv("RECONCILE_RATE", "-1")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), KeyGatewayTimeout)
	assert.Contains(t, err.Error(), KeyReconcileRate)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
