package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Pinentry describes the helper process and the socket it serves.
type Pinentry struct {
	// ProgramPath is resolved through PATH when it contains no separator.
	ProgramPath string `toml:"program_path"`
	// ProgramArgs is split on whitespace into argv.
	ProgramArgs string `toml:"program_args"`
	SocketPath  string `toml:"socket_path"`
}

// Supervisor bounds the launch and stale-socket recovery logic.
type Supervisor struct {
	LaunchProbes     int `toml:"launch_probes"`
	StaleRetries     int `toml:"stale_retries"`
	LockTimeoutMS    int `toml:"lock_timeout_ms"`
	PollAttempts     int `toml:"poll_attempts"`
	PollBackoffMS    int `toml:"poll_backoff_ms"`
	PollMaxBackoffMS int `toml:"poll_max_backoff_ms"`
}

// Client contains Assuan client timeouts. A zero read timeout disables it.
type Client struct {
	DialTimeoutMS int `toml:"dial_timeout_ms"`
	ReadTimeoutMS int `toml:"read_timeout_ms"`
}

// Server contains helper server settings.
type Server struct {
	Fallback string `toml:"fallback"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	File   string `toml:"file"`
}

// Config encapsulates all configuration values for pinentry-box.
type Config struct {
	Pinentry   Pinentry   `toml:"pinentry"`
	Supervisor Supervisor `toml:"supervisor"`
	Client     Client     `toml:"client"`
	Server     Server     `toml:"server"`
	Logging    Logging    `toml:"logging"`

	// source is the file Load read, empty when defaults were used.
	source string
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file).DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	if exists {
		cfg.source = resolvedPath
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		info, err := os.Stat(expanded)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", expanded, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", expanded)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs(defaultProjectConfig)
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the socket's parent directory so the helper can bind.
func (c *Config) EnsureDirectories() error {
	dir := filepath.Dir(c.Pinentry.SocketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create socket directory %q: %w", dir, err)
	}
	return nil
}

// LaunchArgs splits the configured program arguments on whitespace.
func (c *Config) LaunchArgs() []string {
	return strings.Fields(c.Pinentry.ProgramArgs)
}

// LaunchEnv is the environment handed to a launched helper so it serves the
// same socket and reads the same file as this process, whatever overrides
// produced them.
func (c *Config) LaunchEnv() []string {
	env := []string{EnvSocketPath + "=" + c.Pinentry.SocketPath}
	if c.source != "" {
		env = append(env, EnvConfigPath+"="+c.source)
	}
	return env
}

// LockPath is the advisory lock guarding helper launches for this socket.
func (c *Config) LockPath() string {
	return c.Pinentry.SocketPath + ".lock"
}

// DialTimeout returns the client connect timeout.
func (c *Config) DialTimeout() time.Duration {
	return millis(c.Client.DialTimeoutMS)
}

// ReadTimeout returns the per-line read timeout, zero when disabled.
func (c *Config) ReadTimeout() time.Duration {
	return millis(c.Client.ReadTimeoutMS)
}

// LockTimeout returns how long a probe waits for the launch lock.
func (c *Config) LockTimeout() time.Duration {
	return millis(c.Supervisor.LockTimeoutMS)
}

// PollBackoff returns the initial delay between readiness polls.
func (c *Config) PollBackoff() time.Duration {
	return millis(c.Supervisor.PollBackoffMS)
}

// PollMaxBackoff caps the delay between readiness polls.
func (c *Config) PollMaxBackoff() time.Duration {
	return millis(c.Supervisor.PollMaxBackoffMS)
}

func millis(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}
