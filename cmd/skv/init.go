package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rendis/secretkv/internal/logging"
)

// runInit writes settings.json from the current configuration overridden by
// flags. The seed and master password are never persisted.
func (c *cli) runInit(args []string) int {
	fs := c.newFlagSet("init")
	backend := fs.String("backend", c.cfg.Backend, "store backing: file, libsql, memory")
	storePath := fs.String("store-path", c.cfg.StorePath, "JSON store path")
	dbPath := fs.String("db-path", c.cfg.DBPath, "libSQL database path")
	logLevel := fs.String("log-level", c.cfg.LogLevel, "log level: debug, info, warn, error")
	iterations := fs.Int("kdf-iterations", c.cfg.KDFIterations, "PBKDF2 iterations")
	keyPolicy := fs.String("key-policy", c.cfg.KeyPolicy, "Expr expression new keys must satisfy")
	force := fs.Bool("force", false, "overwrite an existing settings.json")
	pos, err := parseArgs(fs, args)
	if err != nil {
		return exitUsage
	}
	if len(pos) != 0 {
		return c.usageError("init", "unexpected arguments")
	}
	if !validBackend(*backend) {
		return c.usageError("init", fmt.Sprintf("unknown backend %q", *backend))
	}
	if _, err := logging.ParseLevel(*logLevel); err != nil {
		return c.usageError("init", err.Error())
	}
	if *iterations <= 0 {
		return c.usageError("init", "kdf-iterations must be positive")
	}

	dir := skvDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(c.stderr, "Error: cannot create %s: %v\n", dir, err)
		return exitErr
	}

	path := settingsPath()
	if _, err := os.Stat(path); err == nil && !*force {
		fmt.Fprintf(c.stderr, "Error: %s already exists (use --force to overwrite)\n", path)
		return exitErr
	}

	cfg := Config{
		Backend:       *backend,
		StorePath:     *storePath,
		DBPath:        *dbPath,
		LogLevel:      *logLevel,
		KDFIterations: *iterations,
		KeyPolicy:     *keyPolicy,
	}
	data, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		fmt.Fprintf(c.stderr, "Error: cannot write %s: %v\n", path, err)
		return exitErr
	}
	fmt.Fprintf(c.stderr, "Config written to %s\n", path)
	return exitOK
}
