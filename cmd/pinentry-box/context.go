package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/config"
	"pinentrybox/internal/launcher"
	"pinentrybox/internal/logging"
	"pinentrybox/internal/supervisor"
)

type commandContext struct {
	socketFlag *string
	configFlag *string
	sessionID  string

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(socketFlag, configFlag *string) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
		sessionID:  uuid.NewString(),
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if socket := c.socketOverride(); socket != "" {
			expanded, err := config.ExpandPath(socket)
			if err != nil {
				c.configErr = fmt.Errorf("resolve socket path: %w", err)
				return
			}
			cfg.Pinentry.SocketPath = expanded
			if err := cfg.Validate(); err != nil {
				c.configErr = err
				return
			}
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

func (c *commandContext) socketOverride() string {
	if c.socketFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.socketFlag)
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		logger, err := logging.NewFromConfig(cfg, c.sessionID)
		if err != nil {
			c.loggerErr = fmt.Errorf("init logger: %w", err)
			return
		}
		c.logger = logger
	})
	return c.logger, c.loggerErr
}

func (c *commandContext) supervisor() (*supervisor.Supervisor, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	return supervisor.FromConfig(cfg, launcher.New(launcher.Options{Logger: logger}), logger)
}

func wrapDialError(err error, socket string) error {
	switch {
	case errors.Is(err, assuan.ErrNotFound):
		return fmt.Errorf("connect to helper: socket %s not found; start the helper with `pinentry-box start`", socket)
	case errors.Is(err, assuan.ErrConnectionRefused):
		return fmt.Errorf("connect to helper: socket %s refused the connection; verify the helper is running", socket)
	case errors.Is(err, supervisor.ErrStaleRetriesExhausted):
		return fmt.Errorf("connect to helper: socket %s keeps refusing connections; remove it and retry: %w", socket, err)
	case errors.Is(err, launcher.ErrExecutableNotFound):
		return fmt.Errorf("launch helper: %w; check pinentry.program_path", err)
	default:
		return fmt.Errorf("connect to helper: %w", err)
	}
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
