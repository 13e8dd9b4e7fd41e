package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir   string `json:"data_dir" yaml:"data_dir" env:"CHATSTREAM_DATA_DIR"`
	LogLevel  string `json:"log_level" yaml:"log_level" env:"CHATSTREAM_LOG_LEVEL"`
	LogFormat string `json:"log_format" yaml:"log_format" env:"CHATSTREAM_LOG_FORMAT"`

	HTTP struct {
		Enabled bool   `json:"enabled" yaml:"enabled" env:"CHATSTREAM_HTTP_ENABLED"`
		Listen  string `json:"listen" yaml:"listen" env:"CHATSTREAM_HTTP_LISTEN"`
	} `json:"http" yaml:"http"`

	Session struct {
		Workers              int    `json:"workers" yaml:"workers" env:"CHATSTREAM_WORKERS"`
		QueueSize            int    `json:"queue_size" yaml:"queue_size" env:"CHATSTREAM_QUEUE_SIZE"`
		PartitionPrefix      string `json:"partition_prefix" yaml:"partition_prefix" env:"CHATSTREAM_PARTITION_PREFIX"`
		SearchTimeoutSec     int    `json:"search_timeout_sec" yaml:"search_timeout_sec"`
		AnalysisTimeoutSec   int    `json:"analysis_timeout_sec" yaml:"analysis_timeout_sec"`
		GenerationTimeoutSec int    `json:"generation_timeout_sec" yaml:"generation_timeout_sec"`
	} `json:"session" yaml:"session"`

	Images struct {
		Concurrency int   `json:"concurrency" yaml:"concurrency"`
		TimeoutSec  int   `json:"timeout_sec" yaml:"timeout_sec"`
		MaxBytes    int64 `json:"max_bytes" yaml:"max_bytes"`
	} `json:"images" yaml:"images"`

	Backend struct {
		Mode       string `json:"mode" yaml:"mode" env:"CHATSTREAM_BACKEND_MODE"`
		URL        string `json:"url" yaml:"url" env:"CHATSTREAM_BACKEND_URL"`
		TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec"`
	} `json:"backend" yaml:"backend"`

	LLM struct {
		Provider         string  `json:"provider" yaml:"provider"`
		BaseURL          string  `json:"base_url" yaml:"base_url" env:"OPENAI_BASE_URL"`
		APIKey           string  `json:"api_key" yaml:"api_key" env:"OPENAI_API_KEY"`
		Model            string  `json:"model" yaml:"model" env:"CHATSTREAM_LLM_MODEL"`
		MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
		Temperature      float32 `json:"temperature" yaml:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" yaml:"output_reserve"`
		TimeoutSec       int     `json:"timeout_sec" yaml:"timeout_sec"`
	} `json:"llm" yaml:"llm"`

	// Vision falls back to the llm section for any empty field.
	Vision struct {
		Enabled   bool   `json:"enabled" yaml:"enabled" env:"CHATSTREAM_VISION_ENABLED"`
		BaseURL   string `json:"base_url" yaml:"base_url"`
		APIKey    string `json:"api_key" yaml:"api_key" env:"CHATSTREAM_VISION_API_KEY"`
		Model     string `json:"model" yaml:"model" env:"CHATSTREAM_VISION_MODEL"`
		MaxTokens int    `json:"max_tokens" yaml:"max_tokens"`
	} `json:"vision" yaml:"vision"`

	Journal struct {
		Enabled        bool   `json:"enabled" yaml:"enabled" env:"CHATSTREAM_JOURNAL_ENABLED"`
		RetentionHours int    `json:"retention_hours" yaml:"retention_hours"`
		Schedule       string `json:"schedule" yaml:"schedule"`
	} `json:"journal" yaml:"journal"`

	Telegram struct {
		Token     string `json:"token" yaml:"token" env:"TELEGRAM_BOT_TOKEN"`
		Partition string `json:"partition" yaml:"partition"`
	} `json:"telegram" yaml:"telegram"`

	Transport struct {
		KeepaliveSec   int  `json:"keepalive_sec" yaml:"keepalive_sec"`
		CoalesceText   bool `json:"coalesce_text" yaml:"coalesce_text" env:"CHATSTREAM_COALESCE_TEXT"`
		CoalesceMin    int  `json:"coalesce_min" yaml:"coalesce_min"`
		CoalesceIdleMs int  `json:"coalesce_idle_ms" yaml:"coalesce_idle_ms"`
	} `json:"transport" yaml:"transport"`
}

// Defaults returns the configuration written on first run.
func Defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".chatstream"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:8080"

	cfg.Session.Workers = 4
	cfg.Session.QueueSize = 64
	cfg.Session.SearchTimeoutSec = 30
	cfg.Session.AnalysisTimeoutSec = 60
	cfg.Session.GenerationTimeoutSec = 120

	cfg.Images.Concurrency = 4
	cfg.Images.TimeoutSec = 30
	cfg.Images.MaxBytes = 20 << 20

	cfg.Backend.Mode = "http"
	cfg.Backend.URL = "http://127.0.0.1:8000/api/chat/stream"
	cfg.Backend.TimeoutSec = 30

	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.7
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.LLM.TimeoutSec = 120

	cfg.Vision.Enabled = true
	cfg.Vision.MaxTokens = 500

	cfg.Journal.Enabled = true
	cfg.Journal.RetentionHours = 7 * 24
	cfg.Journal.Schedule = "@hourly"

	cfg.Telegram.Partition = "default"

	cfg.Transport.KeepaliveSec = 15
	cfg.Transport.CoalesceMin = 80
	cfg.Transport.CoalesceIdleMs = 2000
	return cfg
}

// Load reads the config at path over the defaults, writing the defaults
// there first if the file does not exist. Environment variables win.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := encode(path, cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ToMap converts cfg to a generic nested map keyed by the JSON field names.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg into dot-separated keys, masking secrets if asked.
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

// readRaw loads the file at path as a generic nested map.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	m := make(map[string]any)
	if err := decode(path, data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return m, nil
}

// GetValue returns the raw value stored under a dot-separated key. The
// file is created with defaults when missing.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	m, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := Flatten(m)[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue stores value under a dot-separated key in an existing file.
// Values that parse as JSON (numbers, booleans) keep their type; anything
// else is stored as a string.
func SetValue(path, key, value string) error {
	m, err := readRaw(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		parsed = value
	}

	flat := Flatten(m)
	flat[key] = parsed
	data, err := encode(path, Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeAtomic(path, data)
}

// Seconds converts a whole-second config field to a Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
