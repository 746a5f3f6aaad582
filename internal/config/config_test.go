package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	require.NoError(t, Save(path, cfg))
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "file", cfg.History.Backend)
	assert.Equal(t, "@daily", cfg.History.PruneSchedule)
	assert.Equal(t, 30, cfg.Render.TimeoutSeconds)
	assert.Equal(t, "cl100k_base", cfg.Tokens.Encoding)
	assert.NotEmpty(t, cfg.DataDir)

	_, err = os.Stat(path)
	require.NoError(t, err, "defaults should be written to disk")
	require.NoError(t, cfg.Validate())
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := &Config{
		DataDir:       "/tmp/test-data",
		LogLevel:      "debug",
		MaxConcurrent: 6,
	}
	original.History.Backend = "sqlite"
	original.History.RetentionDays = 14
	original.History.PruneSchedule = "0 3 * * *"
	original.Render.MaxConcurrent = 2
	original.Render.WordWrap = 80
	original.HTTP.Enabled = true
	original.HTTP.Listen = "127.0.0.1:9999"
	original.Telegram.Token = "bot-token-456"
	original.Telegram.ChatID = 424242
	original.Tokens.Encoding = "o200k_base"

	require.NoError(t, Save(path, original))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, original, loaded)
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	require.NoError(t, Save(path, &Config{LogLevel: "info"}))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not exist after successful save")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var m map[string]any
	assert.NoError(t, json.Unmarshal(data, &m))
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	t.Setenv("RESEARCHVIEW_LOG_LEVEL", "warn")
	t.Setenv("RESEARCHVIEW_HISTORY_BACKEND", "sqlite")
	t.Setenv("TELEGRAM_BOT_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "sqlite", cfg.History.Backend)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{LogLevel: "info"}
		c.History.Backend = "file"
		return c
	}
	require.NoError(t, valid().Validate())

	c := valid()
	c.History.Backend = "postgres"
	assert.Error(t, c.Validate())

	c = valid()
	c.LogLevel = "loud"
	assert.Error(t, c.Validate())

	c = valid()
	c.History.RetentionDays = -1
	assert.Error(t, c.Validate())

	c = valid()
	c.HTTP.Enabled = true
	assert.Error(t, c.Validate())
}

func TestDurations(t *testing.T) {
	c := &Config{}
	c.Render.TimeoutSeconds = 5
	c.History.RetentionDays = 2
	assert.Equal(t, "5s", c.RenderTimeout().String())
	assert.Equal(t, "48h0m0s", c.Retention().String())
}

func TestToMap(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/test", LogLevel: "debug"}
	cfg.History.Backend = "sqlite"
	cfg.Render.WordWrap = 120

	m, err := ToMap(cfg)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test", m["data_dir"])
	assert.Equal(t, "debug", m["log_level"])

	history, ok := m["history"].(map[string]any)
	require.True(t, ok, "history should be a map, got %T", m["history"])
	assert.Equal(t, "sqlite", history["backend"])

	render, ok := m["render"].(map[string]any)
	require.True(t, ok)
	// JSON numbers are float64
	assert.Equal(t, float64(120), render["word_wrap"])
}

func TestListValues(t *testing.T) {
	cfg := &Config{LogLevel: "info"}
	cfg.Telegram.Token = "bot-token-abcd"

	flat, err := ListValues(cfg, false)
	require.NoError(t, err)
	assert.Equal(t, "bot-token-abcd", flat["telegram.token"])
	assert.Equal(t, "info", flat["log_level"])

	flat, err = ListValues(cfg, true)
	require.NoError(t, err)
	assert.Equal(t, "***abcd", flat["telegram.token"])
	assert.Equal(t, "info", flat["log_level"])
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "debug", MaxConcurrent: 8}
	cfg.History.Backend = "sqlite"
	writeTestConfig(t, path, cfg)

	v, err := GetValue(path, "log_level")
	require.NoError(t, err)
	assert.Equal(t, "debug", v)

	v, err = GetValue(path, "history.backend")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", v)

	v, err = GetValue(path, "max_concurrent")
	require.NoError(t, err)
	assert.Equal(t, float64(8), v)
}

func TestGetValue_MissingFileCreatesDefaults(t *testing.T) {
	path := tempConfigPath(t)

	v, err := GetValue(path, "history.backend")
	require.NoError(t, err)
	assert.Equal(t, "file", v)
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	_, err := GetValue(path, "nonexistent.key")
	require.Error(t, err)
	assert.Equal(t, "unknown config key: nonexistent.key", err.Error())
}

func TestSetValue_String(t *testing.T) {
	path := tempConfigPath(t)

	cfg := &Config{LogLevel: "info"}
	cfg.History.Backend = "file"
	writeTestConfig(t, path, cfg)

	require.NoError(t, SetValue(path, "log_level", "debug"))

	v, err := GetValue(path, "log_level")
	require.NoError(t, err)
	assert.Equal(t, "debug", v)

	v, err = GetValue(path, "history.backend")
	require.NoError(t, err)
	assert.Equal(t, "file", v, "other values are preserved")
}

func TestSetValue_Numeric(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{MaxConcurrent: 2})

	require.NoError(t, SetValue(path, "max_concurrent", "16"))

	v, err := GetValue(path, "max_concurrent")
	require.NoError(t, err)
	assert.Equal(t, float64(16), v)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.MaxConcurrent)
}

func TestSetValue_Boolean(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	require.NoError(t, SetValue(path, "http.enabled", "true"))

	v, err := GetValue(path, "http.enabled")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestSetValue_NewNestedKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, &Config{LogLevel: "info"})

	require.NoError(t, SetValue(path, "custom.setting", "value"))

	v, err := GetValue(path, "custom.setting")
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "config.json")
	assert.Error(t, SetValue(path, "log_level", "debug"))
}
