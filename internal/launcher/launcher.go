package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pinentrybox/internal/logging"
)

var (
	// ErrExecutableNotFound reports a program that is missing or not executable.
	ErrExecutableNotFound = errors.New("launcher: executable not found")
	// ErrSpawnFailed reports that the OS could not start the helper.
	ErrSpawnFailed = errors.New("launcher: spawn failed")
)

// The intermediate shell backgrounds the helper, prints its PID, and exits.
// Positional parameters: $1 output path, then the helper argv.
const detachScript = `out="$1"; shift; "$@" </dev/null >>"$out" 2>&1 & echo $!`

const defaultShell = "/bin/sh"

// Spec is the helper program and its arguments.
type Spec struct {
	Executable string
	Args       []string
	// Env entries ("KEY=value") are added to the inherited environment and
	// take precedence over it.
	Env []string
}

// Handle describes a spawned helper. It carries no control over the process.
type Handle struct {
	PID        int
	Executable string
	Args       []string
	StartedAt  time.Time
}

// Options configures a Launcher.
type Options struct {
	// CaptureOutput appends the helper's stdout and stderr to this file instead
	// of discarding them.
	CaptureOutput string
	Logger        *slog.Logger
}

// Launcher spawns detached helper processes.
type Launcher struct {
	captureOutput string
	shell         string
	logger        *slog.Logger
}

// New constructs a Launcher.
func New(opts Options) *Launcher {
	return &Launcher{
		captureOutput: strings.TrimSpace(opts.CaptureOutput),
		shell:         defaultShell,
		logger:        logging.NewComponentLogger(opts.Logger, "launcher"),
	}
}

// Resolve looks the executable up on PATH and checks that the current user may
// execute it. It returns an absolute path.
func Resolve(spec Spec) (string, error) {
	name := strings.TrimSpace(spec.Executable)
	if name == "" {
		return "", fmt.Errorf("%w: empty program path", ErrExecutableNotFound)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, name, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, name, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrExecutableNotFound, abs)
	}
	if err := unix.Access(abs, unix.X_OK); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrExecutableNotFound, abs, err)
	}
	return abs, nil
}

// Spawn resolves spec and starts it detached. It returns once the intermediate
// shell has exited.
func (l *Launcher) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	executable, err := Resolve(spec)
	if err != nil {
		return Handle{}, err
	}

	output := os.DevNull
	if l.captureOutput != "" {
		if err := os.MkdirAll(filepath.Dir(l.captureOutput), 0o700); err != nil {
			return Handle{}, fmt.Errorf("%w: create output directory: %w", ErrSpawnFailed, err)
		}
		output = l.captureOutput
	}

	args := append([]string{"-c", detachScript, "pinentry-box-launch", output, executable}, spec.Args...)
	cmd := exec.CommandContext(ctx, l.shell, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	out, err := cmd.Output()
	if err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return Handle{}, fmt.Errorf("%w: %s: %w (%s)", ErrSpawnFailed, executable, err, detail)
		}
		return Handle{}, fmt.Errorf("%w: %s: %w", ErrSpawnFailed, executable, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || pid <= 0 {
		return Handle{}, fmt.Errorf("%w: %s: unexpected pid output %q", ErrSpawnFailed, executable, strings.TrimSpace(string(out)))
	}

	handle := Handle{
		PID:        pid,
		Executable: executable,
		Args:       append([]string(nil), spec.Args...),
		StartedAt:  started,
	}
	l.logger.Info("helper launched",
		logging.String(logging.FieldEventType, "helper_launched"),
		logging.Int(logging.FieldPID, pid),
		logging.String(logging.FieldExecutable, executable),
		logging.Strings("args", handle.Args))
	return handle, nil
}
