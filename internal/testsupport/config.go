package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"pinentrybox/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config whose socket lives in a fresh temp directory.
// The directory is created under os.TempDir rather than t.TempDir so socket
// paths stay below the sun_path limit.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base, err := os.MkdirTemp("", "pinentry-box")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(base) })

	cfgVal := config.Default()
	cfgVal.Pinentry.SocketPath = filepath.Join(base, "box.sock")
	cfgVal.Supervisor.PollBackoffMS = 10
	cfgVal.Supervisor.PollMaxBackoffMS = 50
	cfgVal.Supervisor.LockTimeoutMS = 500

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithProgram overrides the helper program and its arguments.
func WithProgram(path, args string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pinentry.ProgramPath = path
		b.cfg.Pinentry.ProgramArgs = args
	}
}

// WithFallback sets the fallback pinentry the helper forwards to.
func WithFallback(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.Fallback = path
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, a stub pinentry-box is written.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"pinentry-box"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		for _, name := range names {
			WriteExecutable(b.t, filepath.Join(binDir, name), "exit 0")
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Pinentry.SocketPath)
}
