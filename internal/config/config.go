package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tracelane/tracelane/internal/logger"
)

// ErrRemoteStorage is returned when the workspace root is not plain local
// storage. This subsystem supervises local processes and local artifacts
// only; a remote root is a configuration error, not something to work around.
var ErrRemoteStorage = errors.New("workspace root must be local storage")

// Config is the top-level daemon configuration.
type Config struct {
	Root      string        `mapstructure:"root"`       // workspace root for run directories
	StopGrace time.Duration `mapstructure:"stop_grace"` // per-phase stop timeout
	Server    ServerConfig  `mapstructure:"server"`
	Log       logger.Config `mapstructure:"log"`
	History   HistoryConfig `mapstructure:"history"`
}

type ServerConfig struct {
	Addr     string `mapstructure:"addr"`
	BasePath string `mapstructure:"base_path"`
}

// HistoryConfig enables the optional local audit sink for terminal runs.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"` // sqlite file, defaults under Root
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Root:      filepath.Join(os.TempDir(), "tracelane"),
		StopGrace: 5 * time.Second,
		Server:    ServerConfig{Addr: ":8560", BasePath: "/api/v1"},
		Log:       logger.Config{Level: "info"},
	}
}

// Load reads path (TOML or YAML, viper decides by extension) over the
// defaults. An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return cfg, nil
}

// ResolveRoot validates and normalizes the workspace root: it must be a
// local path (URL-scheme roots like s3:// or nfs:// are rejected) and is
// created if missing.
func ResolveRoot(root string) (string, error) {
	r := strings.TrimSpace(root)
	if r == "" {
		return "", errors.New("empty workspace root")
	}
	if strings.Contains(r, "://") {
		return "", fmt.Errorf("%w: %q", ErrRemoteStorage, r)
	}
	abs, err := filepath.Abs(r)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return "", err
	}
	return abs, nil
}
