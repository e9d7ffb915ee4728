package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.huddle/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// ServerURL is the base URL of the chat REST API.
	ServerURL string `toml:"server_url"`
	// PushURL is the websocket endpoint for the push channel. If empty it
	// is derived from ServerURL.
	PushURL string `toml:"push_url"`

	RequestTimeout duration `toml:"request_timeout"`
	PageSize       int      `toml:"page_size"`
}

// duration wraps time.Duration for toml string forms like "15s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a config with production defaults filled in.
func Default() *Config {
	return &Config{
		ServerURL:      "https://api.huddle.app",
		RequestTimeout: duration{15 * time.Second},
		PageSize:       50,
	}
}

// Load reads config from the given path. Missing values fall back to
// defaults; a missing file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.RequestTimeout.Duration <= 0 {
		cfg.RequestTimeout = duration{15 * time.Second}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return cfg, nil
}

// Timeout returns the configured request timeout.
func (c *Config) Timeout() time.Duration {
	return c.RequestTimeout.Duration
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
