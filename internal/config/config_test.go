package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redirectConfigFiles points the config paths at a temp dir so Update's
// save does not touch the real state directory.
func redirectConfigFiles(t *testing.T) {
	t.Helper()
	origDir, origPath := ConfigDir, ConfigFilePath
	t.Cleanup(func() {
		ConfigDir, ConfigFilePath = origDir, origPath
	})
	ConfigDir = t.TempDir()
	ConfigFilePath = filepath.Join(ConfigDir, "config.json")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.False(t, cfg.AllowLanAccess)
	assert.Equal(t, FlowEntriesDefault, cfg.MaxFlowEntries)
}

func TestUpdateAcceptsAdminSubsetOnly(t *testing.T) {
	redirectConfigFiles(t)
	cfg := DefaultConfig()

	result, err := cfg.Update(map[string]interface{}{
		"maxFlowEntries": float64(500),
		"telemetry":      true,
		"apiKey":         "should-be-ignored",
		"port":           float64(99),
	})
	require.NoError(t, err)

	assert.False(t, result.RequiresRestart)
	assert.Equal(t, 500, cfg.GetMaxFlowEntries())
	assert.True(t, cfg.Telemetry)
	assert.Empty(t, cfg.GetAPIKey())
	assert.Equal(t, DefaultPort, cfg.GetPort())
}

func TestUpdateClampsFlowEntries(t *testing.T) {
	redirectConfigFiles(t)
	cfg := DefaultConfig()

	_, err := cfg.Update(map[string]interface{}{"maxFlowEntries": float64(5)})
	require.NoError(t, err)
	assert.Equal(t, FlowEntriesMin, cfg.GetMaxFlowEntries())

	_, err = cfg.Update(map[string]interface{}{"maxFlowEntries": float64(999999)})
	require.NoError(t, err)
	assert.Equal(t, FlowEntriesMax, cfg.GetMaxFlowEntries())
}

func TestUpdateLanAccessRequiresRestart(t *testing.T) {
	redirectConfigFiles(t)
	cfg := DefaultConfig()

	result, err := cfg.Update(map[string]interface{}{"allowLanAccess": true})
	require.NoError(t, err)
	assert.True(t, result.RequiresRestart)

	// Setting it to the same value again is not a restart
	result, err = cfg.Update(map[string]interface{}{"allowLanAccess": true})
	require.NoError(t, err)
	assert.False(t, result.RequiresRestart)
}

func TestListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())

	cfg.AllowLanAccess = true
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())

	cfg.Host = "192.168.1.10"
	cfg.Port = 9000
	assert.Equal(t, "192.168.1.10:9000", cfg.ListenAddr())

	// LAN off forces loopback regardless of host
	cfg.AllowLanAccess = false
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr())
}

func TestGetPublicRedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "sk-secret"
	cfg.RedisPassword = "hunter2"

	public := cfg.GetPublic()
	assert.Equal(t, "********", public["apiKey"])
	assert.Equal(t, "********", public["redisPassword"])
	assert.Equal(t, "", public["adminKey"])
}

func TestRedisGetters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = "localhost:6379"
	cfg.RedisPassword = "hunter2"
	cfg.RedisDB = 2

	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.Equal(t, "hunter2", cfg.GetRedisPassword())
	assert.Equal(t, 2, cfg.GetRedisDB())
}

func TestNormalizeModel(t *testing.T) {
	assert.Equal(t, "claude-opus-4-5-thinking", NormalizeModel("claude-opus-4-5"))
	assert.Equal(t, "claude-sonnet-4-5", NormalizeModel("claude-3-5-haiku"))
	assert.Equal(t, "unknown-model", NormalizeModel("unknown-model"))
}

func TestIsSupportedModel(t *testing.T) {
	assert.True(t, IsSupportedModel("claude-sonnet-4-5"))
	assert.True(t, IsSupportedModel("claude-opus-4-5-20251101")) // via alias
	assert.False(t, IsSupportedModel("gpt-4"))
}
