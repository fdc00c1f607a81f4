package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the CLI's persistent settings, read from a key=value file
// with the keys profile_dir, db_path, watch_addr and token.
type Config struct {
	ProfileDir string
	DBPath     string
	WatchAddr  string
	Token      string
	ConfigPath string
}

// Load reads ~/.config/ptyexpect/config on top of the defaults. A missing
// file is not an error.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	return LoadFrom(filepath.Join(homeDir, ".config", "ptyexpect", "config"))
}

// LoadFrom is Load with an explicit settings path. Defaults are placed next
// to the settings file.
func LoadFrom(path string) (*Config, error) {
	dir := filepath.Dir(path)
	cfg := &Config{
		ConfigPath: path,
		ProfileDir: filepath.Join(dir, "profiles"),
		DBPath:     filepath.Join(dir, "transcripts.db"),
		WatchAddr:  "127.0.0.1:8765",
	}

	if err := cfg.loadFromFile(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	return cfg, nil
}

// EnsureToken generates and persists a websocket token if none is set.
func (c *Config) EnsureToken() error {
	if c.Token != "" {
		return nil
	}
	token, err := generateToken()
	if err != nil {
		return fmt.Errorf("failed to generate token: %w", err)
	}
	c.Token = token
	if err := c.saveToFile(); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// Settings file keys.
const (
	keyProfileDir = "profile_dir"
	keyDBPath     = "db_path"
	keyWatchAddr  = "watch_addr"
	keyToken      = "token"
)

func (c *Config) loadFromFile() error {
	values, err := godotenv.Read(c.ConfigPath)
	if err != nil {
		return err
	}
	for key, value := range values {
		value = strings.TrimSpace(value)
		switch key {
		case keyProfileDir:
			c.ProfileDir = value
		case keyDBPath:
			c.DBPath = value
		case keyWatchAddr:
			c.WatchAddr = value
		case keyToken:
			c.Token = value
		default:
			slog.Warn("ignoring unknown settings key", "path", c.ConfigPath, "key", key)
		}
	}
	return nil
}

func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	values := map[string]string{
		keyProfileDir: c.ProfileDir,
		keyDBPath:     c.DBPath,
		keyWatchAddr:  c.WatchAddr,
		keyToken:      c.Token,
	}
	if err := godotenv.Write(values, c.ConfigPath); err != nil {
		return err
	}
	// The file holds the API token.
	return os.Chmod(c.ConfigPath, 0o600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
