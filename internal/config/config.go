package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: RESEARCHVIEW_LOG_LEVEL sets
// log_level and RESEARCHVIEW_HISTORY_BACKEND sets history.backend.
const EnvPrefix = "RESEARCHVIEW"

type Config struct {
	DataDir       string `json:"data_dir" mapstructure:"data_dir"`
	LogLevel      string `json:"log_level" mapstructure:"log_level"`
	MaxConcurrent int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	History       struct {
		Backend       string `json:"backend" mapstructure:"backend"`
		RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
		PruneSchedule string `json:"prune_schedule" mapstructure:"prune_schedule"`
	} `json:"history" mapstructure:"history"`
	Render struct {
		MaxConcurrent  int    `json:"max_concurrent" mapstructure:"max_concurrent"`
		TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
		WordWrap       int    `json:"word_wrap" mapstructure:"word_wrap"`
		Style          string `json:"style" mapstructure:"style"`
	} `json:"render" mapstructure:"render"`
	HTTP struct {
		Enabled bool   `json:"enabled" mapstructure:"enabled"`
		Listen  string `json:"listen" mapstructure:"listen"`
	} `json:"http" mapstructure:"http"`
	Telegram struct {
		Token  string `json:"token" mapstructure:"token"`
		ChatID int64  `json:"chat_id" mapstructure:"chat_id"`
	} `json:"telegram" mapstructure:"telegram"`
	Tokens struct {
		Encoding string `json:"encoding" mapstructure:"encoding"`
	} `json:"tokens" mapstructure:"tokens"`
}

// DefaultPath is ~/.researchview/config.json.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.json")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ".researchview")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("log_level", "info")
	v.SetDefault("max_concurrent", 4)

	v.SetDefault("history.backend", "file")
	v.SetDefault("history.retention_days", 0)
	v.SetDefault("history.prune_schedule", "@daily")

	v.SetDefault("render.max_concurrent", 4)
	v.SetDefault("render.timeout_seconds", 30)
	v.SetDefault("render.word_wrap", 100)
	v.SetDefault("render.style", "auto")

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.listen", "127.0.0.1:8484")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("tokens.encoding", "cl100k_base")
}

// Load reads the config file at path, writing one with the defaults first if
// it does not exist. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("telegram.token", EnvPrefix+"_TELEGRAM_TOKEN", "TELEGRAM_BOT_TOKEN"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if os.IsNotExist(err) {
		defaults := viper.New()
		setDefaults(defaults)
		var cfg Config
		if err := defaults.Unmarshal(&cfg); err != nil {
			return nil, fmt.Errorf("unmarshal default config: %w", err)
		}
		if err := writeAtomic(path, &cfg); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	switch c.History.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("history.backend must be file or sqlite, got %q", c.History.Backend)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.History.RetentionDays < 0 {
		return fmt.Errorf("history.retention_days must not be negative")
	}
	if c.HTTP.Enabled && c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required when http is enabled")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (c *Config) RenderTimeout() time.Duration {
	return time.Duration(c.Render.TimeoutSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.History.RetentionDays) * 24 * time.Hour
}

// Save writes cfg to path atomically, creating the directory if needed.
func Save(path string, cfg *Config) error {
	return writeAtomic(path, cfg)
}

// ToMap converts the config into a nested map using its JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config map: %w", err)
	}
	return m, nil
}

// ListValues returns every config value keyed by its dot-separated path,
// optionally with secrets masked.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue returns the value stored in the config file under a
// dot-separated key. The file is created with defaults if missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if !v.IsSet(key) {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v.Get(key), nil
}

// SetValue stores raw under a dot-separated key in an existing config file.
// Booleans and numbers are stored as JSON booleans and numbers.
func SetValue(path, key, raw string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	flat := Flatten(m)
	flat[key] = parseValue(raw)
	return writeAtomic(path, Unflatten(flat))
}

func parseValue(raw string) any {
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return b
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
