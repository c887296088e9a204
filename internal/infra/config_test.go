package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("INSTALLATION_SECRET_DATA", strings.Repeat("s", 32))
	path := writeConfig(t, "installation:\n  id: inst-a\nauth:\n  enabled: false\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.False(t, cfg.Security.AllowDangerousPatternDecryption)
	assert.Equal(t, 300*time.Second, cfg.Validator.Interval())
	assert.Equal(t, 10, cfg.Validator.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Validator.RecordTimeout)
	assert.True(t, cfg.Validator.Enabled)
	assert.Equal(t, ":50052", cfg.Transfer.GRPCAddr)
	assert.Equal(t, []byte(strings.Repeat("s", 32)), cfg.Installation.Secret)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("INSTALLATION_SECRET_DATA", strings.Repeat("s", 32))
	t.Setenv("VALIDATOR_BATCH_SIZE", "25")
	t.Setenv("SECURITY_ALLOW_DANGEROUS_PATTERN_DECRYPTION", "true")
	path := writeConfig(t, "installation:\n  id: inst-a\nauth:\n  enabled: false\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Validator.BatchSize)
	assert.True(t, cfg.Security.AllowDangerousPatternDecryption)
}

func TestLoadConfig_SecretFromFile(t *testing.T) {
	secretPath := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("hex:"+strings.Repeat("ab", 32)), 0o600))
	path := writeConfig(t, "installation:\n  id: inst-a\n  secret_path: "+secretPath+"\nauth:\n  enabled: false\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(cfg.Installation.Secret), "hex:"))
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		path := writeConfig(t, "installation:\n  id: inst-a\nauth:\n  enabled: false\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
	})
	t.Run("auth without key", func(t *testing.T) {
		t.Setenv("INSTALLATION_SECRET_DATA", strings.Repeat("s", 32))
		path := writeConfig(t, "installation:\n  id: inst-a\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
	})
	t.Run("bad batch", func(t *testing.T) {
		t.Setenv("INSTALLATION_SECRET_DATA", strings.Repeat("s", 32))
		path := writeConfig(t, "installation:\n  id: inst-a\nauth:\n  enabled: false\nvalidator:\n  batch_size: 0\n")
		_, err := LoadConfig(path)
		require.Error(t, err)
	})
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(LoggerConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, l)

	_, err = NewLogger(LoggerConfig{Level: "loud"})
	require.Error(t, err)
}

func TestRedisKeys(t *testing.T) {
	assert.Equal(t, "trustvault:lock:validator:inst-a", GetValidatorLockKey("inst-a"))
	assert.Equal(t, "trustvault:lock:warmup:quarantine", GetWarmupLockKey("quarantine"))
}
