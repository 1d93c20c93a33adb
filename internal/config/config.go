// Package config loads tool settings from an optional TOML file.
// Every field has a working default; a config file only overrides
// the keys it defines.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/exptech/esprecover/internal/protocol"
)

// DefaultFileName is looked up in the user's home directory when no
// explicit config path is given.
const DefaultFileName = ".esprecover.toml"

const (
	defaultManifestURL = "https://raw.githubusercontent.com/ExpTechTW/exptech-device-recovery/refs/heads/main/firmware.json"
	defaultBaseURL     = "https://raw.githubusercontent.com/ExpTechTW/exptech-device-recovery/refs/heads/main"
	defaultCacheDir    = "firmware_cache"
)

// Config holds every tunable the tool exposes. Flag values layered on
// top of this in cmd take final precedence.
type Config struct {
	Port      string
	Baud      int
	FlashBaud int
	FlashSize uint32

	SyncAttempts   int
	BlockSize      int
	BlockRetries   int
	CommandTimeout time.Duration

	ManifestURL string
	BaseURL     string
	CacheDir    string
}

// Default returns the built-in settings used when no config file exists.
func Default() Config {
	return Config{
		Baud:           115200,
		FlashBaud:      protocol.DefaultBaudRate,
		FlashSize:      protocol.DefaultFlashSize,
		SyncAttempts:   10,
		BlockSize:      protocol.FlashBlockSize,
		BlockRetries:   3,
		CommandTimeout: 5 * time.Second,
		ManifestURL:    defaultManifestURL,
		BaseURL:        defaultBaseURL,
		CacheDir:       defaultCacheDir,
	}
}

// fileConfig maps config.toml keys onto runtime settings.
type fileConfig struct {
	Port           string `toml:"port"`
	Baud           int    `toml:"baud"`
	FlashBaud      int    `toml:"flash_baud"`
	FlashSize      int64  `toml:"flash_size"`
	SyncAttempts   int    `toml:"sync_attempts"`
	BlockSize      int    `toml:"block_size"`
	BlockRetries   int    `toml:"block_retries"`
	CommandTimeout string `toml:"command_timeout"`
	ManifestURL    string `toml:"manifest_url"`
	BaseURL        string `toml:"base_url"`
	CacheDir       string `toml:"cache_dir"`
}

// Load reads path and overlays its keys onto the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("port") {
		cfg.Port = strings.TrimSpace(raw.Port)
	}
	if meta.IsDefined("baud") {
		cfg.Baud = raw.Baud
	}
	if meta.IsDefined("flash_baud") {
		cfg.FlashBaud = raw.FlashBaud
	}
	if meta.IsDefined("flash_size") {
		cfg.FlashSize = uint32(raw.FlashSize)
	}
	if meta.IsDefined("sync_attempts") {
		cfg.SyncAttempts = raw.SyncAttempts
	}
	if meta.IsDefined("block_size") {
		cfg.BlockSize = raw.BlockSize
	}
	if meta.IsDefined("block_retries") {
		cfg.BlockRetries = raw.BlockRetries
	}
	if meta.IsDefined("command_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.CommandTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("load config: command_timeout: %w", err)
		}
		cfg.CommandTimeout = d
	}
	if meta.IsDefined("manifest_url") {
		cfg.ManifestURL = strings.TrimSpace(raw.ManifestURL)
	}
	if meta.IsDefined("base_url") {
		cfg.BaseURL = strings.TrimSpace(raw.BaseURL)
	}
	if meta.IsDefined("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(raw.CacheDir)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads ~/.esprecover.toml when present and falls back to
// the built-in defaults when it does not exist.
func LoadDefault() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Default(), nil
	}
	path := filepath.Join(home, DefaultFileName)
	if _, err := os.Stat(path); err != nil {
		return Default(), nil
	}
	return Load(path)
}

func (c Config) validate() error {
	if c.Baud <= 0 {
		return fmt.Errorf("baud must be positive, got %d", c.Baud)
	}
	if c.FlashBaud <= 0 {
		return fmt.Errorf("flash_baud must be positive, got %d", c.FlashBaud)
	}
	if c.FlashSize == 0 {
		return fmt.Errorf("flash_size must be positive")
	}
	if c.SyncAttempts <= 0 {
		return fmt.Errorf("sync_attempts must be positive, got %d", c.SyncAttempts)
	}
	if c.BlockSize <= 0 || c.BlockSize > protocol.FlashSectorSize {
		return fmt.Errorf("block_size must be in 1..%d, got %d", protocol.FlashSectorSize, c.BlockSize)
	}
	if c.BlockRetries < 0 {
		return fmt.Errorf("block_retries must not be negative, got %d", c.BlockRetries)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be positive, got %s", c.CommandTimeout)
	}
	return nil
}
