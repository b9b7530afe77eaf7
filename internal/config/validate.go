package config

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// maxSocketPath is the usable length of sockaddr_un.sun_path, leaving room for the terminator.
var maxSocketPath = len(unix.RawSockaddrUnix{}.Path) - 1

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePinentry(); err != nil {
		return err
	}
	if err := c.validateSupervisor(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePinentry() error {
	if c.Pinentry.ProgramPath == "" {
		return errors.New("pinentry.program_path must be set")
	}
	if c.Pinentry.SocketPath == "" {
		return errors.New("pinentry.socket_path must be set")
	}
	if n := len(c.Pinentry.SocketPath); n > maxSocketPath {
		return fmt.Errorf("pinentry.socket_path is %d bytes; unix sockets allow at most %d", n, maxSocketPath)
	}
	return nil
}

func (c *Config) validateSupervisor() error {
	s := c.Supervisor
	if s.LaunchProbes < 1 {
		return errors.New("supervisor.launch_probes must be at least 1")
	}
	if s.StaleRetries < 0 {
		return errors.New("supervisor.stale_retries must be non-negative")
	}
	if s.LockTimeoutMS < 0 {
		return errors.New("supervisor.lock_timeout_ms must be non-negative")
	}
	if s.PollAttempts < 1 {
		return errors.New("supervisor.poll_attempts must be at least 1")
	}
	if s.PollBackoffMS < 0 {
		return errors.New("supervisor.poll_backoff_ms must be non-negative")
	}
	if s.PollMaxBackoffMS < s.PollBackoffMS {
		return errors.New("supervisor.poll_max_backoff_ms must be at least poll_backoff_ms")
	}
	return nil
}

func (c *Config) validateClient() error {
	if c.Client.DialTimeoutMS < 0 {
		return errors.New("client.dial_timeout_ms must be non-negative")
	}
	if c.Client.ReadTimeoutMS < 0 {
		return errors.New("client.read_timeout_ms must be non-negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error", "critical":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
