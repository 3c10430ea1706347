package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rendis/secretkv/internal/secrets"
)

// Store backings selectable through Config.Backend.
const (
	backendFile   = "file"
	backendLibSQL = "libsql"
	backendMemory = "memory"
)

// Config holds all skv configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	Backend       string `json:"backend"`
	StorePath     string `json:"store_path"`
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	KDFIterations int    `json:"kdf_iterations"`
	KeyPolicy     string `json:"key_policy,omitempty"`

	// Env only, never persisted.
	Seed       string `json:"-"`
	MasterPass string `json:"-"`
}

func defaultConfig() Config {
	return Config{
		Backend:       backendFile,
		StorePath:     filepath.Join(skvDir(), "secrets.json"),
		DBPath:        "file:" + filepath.Join(skvDir(), "secrets.db"),
		LogLevel:      "warn",
		KDFIterations: secrets.DefaultIterations,
	}
}

func skvDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".skv"
	}
	return filepath.Join(home, ".skv")
}

func settingsPath() string {
	return filepath.Join(skvDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SKV_BACKEND"); v != "" {
		cfg.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("SKV_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("SKV_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SKV_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SKV_KDF_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.KDFIterations = n
		}
	}
	if v := os.Getenv("SKV_KEY_POLICY"); v != "" {
		cfg.KeyPolicy = v
	}
	cfg.Seed = os.Getenv("SKV_SEED")
	cfg.MasterPass = os.Getenv("SKV_MASTERPASS")

	if cfg.KDFIterations <= 0 {
		cfg.KDFIterations = secrets.DefaultIterations
	}
	return cfg
}

func validBackend(name string) bool {
	switch name {
	case backendFile, backendLibSQL, backendMemory:
		return true
	}
	return false
}
