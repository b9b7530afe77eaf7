package config

import (
	"fmt"
	"os"
	"strings"
)

// Environment variables that override file values.
const (
	EnvSocketPath  = "PINENTRY_BOX__SOCKET_PATH"
	EnvProgramPath = "PINENTRY_BOX__PROGRAM_PATH"
	EnvProgramArgs = "PINENTRY_BOX__PROGRAM_ARGS"
	EnvLogLevel    = "PINENTRY_BOX__LOG_LEVEL"
	EnvFallback    = "PINENTRY_BOX__FALLBACK"
	// EnvConfigPath names the config file when no explicit path is given.
	EnvConfigPath = "PINENTRY_BOX__CONFIG"
)

func (c *Config) normalize() error {
	c.applyEnv()

	if err := c.normalizePaths(); err != nil {
		return err
	}

	c.Pinentry.ProgramPath = strings.TrimSpace(c.Pinentry.ProgramPath)
	c.Pinentry.ProgramArgs = strings.TrimSpace(c.Pinentry.ProgramArgs)
	c.Server.Fallback = strings.TrimSpace(c.Server.Fallback)
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	return nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{EnvSocketPath, &c.Pinentry.SocketPath},
		{EnvProgramPath, &c.Pinentry.ProgramPath},
		{EnvProgramArgs, &c.Pinentry.ProgramArgs},
		{EnvLogLevel, &c.Logging.Level},
		{EnvFallback, &c.Server.Fallback},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(o.key); ok {
			*o.target = value
		}
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Pinentry.SocketPath, err = expandPath(strings.TrimSpace(c.Pinentry.SocketPath)); err != nil {
		return fmt.Errorf("socket_path: %w", err)
	}
	if file := strings.TrimSpace(c.Logging.File); file != "" {
		if c.Logging.File, err = expandPath(file); err != nil {
			return fmt.Errorf("logging.file: %w", err)
		}
	}
	// Bare names are looked up on PATH at launch; only expand explicit paths.
	if p := strings.TrimSpace(c.Pinentry.ProgramPath); strings.ContainsRune(p, '/') || strings.HasPrefix(p, "~") {
		if c.Pinentry.ProgramPath, err = expandPath(p); err != nil {
			return fmt.Errorf("program_path: %w", err)
		}
	}
	return nil
}
