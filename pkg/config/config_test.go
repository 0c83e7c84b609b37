package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, key := range []string{
		"PORT", "PROXY_ADDR", "TLS_CERT_FILE", "TLS_KEY_FILE", "DATABASE_PATH",
		"JWT_SECRET", "FRONTEND_URL", "LOG_LEVEL", "KUBECONFIG", "DEV_MODE",
		"WATCH_KUBECONFIGS", "PROBE_TIMEOUT", "WATCH_GRACE_PERIOD",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apiPort: 9000
proxyAddr: 127.0.0.1:9001
logLevel: debug
probeTimeout: 2s
watchGracePeriod: 1m
watchKubeconfigs: false
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.APIPort)
	assert.Equal(t, "127.0.0.1:9001", cfg.ProxyAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2*time.Second, cfg.ProbeTimeout)
	assert.Equal(t, time.Minute, cfg.WatchGracePeriod)
	assert.False(t, cfg.WatchKubeconfigs)
	assert.Equal(t, "./data/clusters.db", cfg.DatabasePath)

	t.Setenv("PORT", "9100")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PROBE_TIMEOUT", "750ms")
	t.Setenv("WATCH_KUBECONFIGS", "true")

	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.APIPort)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
	assert.Equal(t, 750*time.Millisecond, cfg.ProbeTimeout)
	assert.True(t, cfg.WatchKubeconfigs)
}

func TestLoad_Errors(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("apiPort: [not a number"), 0600))
	_, err := Load(path)
	assert.Error(t, err)

	t.Setenv("PORT", "eighty")
	_, err = Load("")
	assert.Error(t, err)

	t.Setenv("PORT", "")
	t.Setenv("WATCH_GRACE_PERIOD", "soon")
	_, err = Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.TLSCertFile = "/tls.crt"
	assert.Error(t, cfg.Validate())

	cfg.TLSKeyFile = "/tls.key"
	assert.NoError(t, cfg.Validate())

	cfg.LogLevel = "chatty"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.ProbeTimeout = 0
	assert.Error(t, cfg.Validate())
}
