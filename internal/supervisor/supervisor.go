package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/config"
	"pinentrybox/internal/launcher"
	"pinentrybox/internal/logging"
)

var (
	// ErrSocketUnlinkFailed reports that a stale socket file could not be removed.
	ErrSocketUnlinkFailed = errors.New("supervisor: failed to remove stale socket")
	// ErrSocketNotReady reports a launched helper whose socket never appeared.
	ErrSocketNotReady = errors.New("supervisor: helper socket did not appear")
	// ErrStaleRetriesExhausted reports a socket that kept refusing connections.
	ErrStaleRetriesExhausted = errors.New("supervisor: stale socket retries exhausted")
)

const lockRetryDelay = 25 * time.Millisecond

// Launcher spawns the helper process.
type Launcher interface {
	Spawn(ctx context.Context, spec launcher.Spec) (launcher.Handle, error)
}

// Options configures a Supervisor.
type Options struct {
	SocketPath string
	// LockPath defaults to SocketPath + ".lock".
	LockPath string
	Spec     launcher.Spec
	// LaunchProbes is how many probes may report Started for one launch.
	LaunchProbes int
	// StaleRetries is how many refused connections may be recovered from.
	StaleRetries int
	LockTimeout  time.Duration
	Client       assuan.Options
	Launcher     Launcher
	Logger       *slog.Logger
}

// Supervisor tracks one helper socket. Its methods are safe for concurrent use.
type Supervisor struct {
	socketPath   string
	lockPath     string
	spec         launcher.Spec
	launchProbes int
	staleRetries int
	lockTimeout  time.Duration
	clientOpts   assuan.Options
	launcher     Launcher
	logger       *slog.Logger

	mu            sync.Mutex
	pending       *launcher.Handle
	pendingProbes int
	stale         bool
	staleCount    int
}

// New validates opts and constructs a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.SocketPath == "" {
		return nil, errors.New("supervisor requires socket path")
	}
	if opts.Launcher == nil {
		return nil, errors.New("supervisor requires launcher")
	}
	if opts.LaunchProbes < 1 {
		opts.LaunchProbes = 1
	}
	if opts.StaleRetries < 0 {
		opts.StaleRetries = 0
	}
	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = opts.SocketPath + ".lock"
	}
	logger := logging.NewComponentLogger(opts.Logger, "supervisor")
	if opts.Client.Logger == nil {
		opts.Client.Logger = logger
	}
	return &Supervisor{
		socketPath:   opts.SocketPath,
		lockPath:     lockPath,
		spec: launcher.Spec{
			Executable: opts.Spec.Executable,
			Args:       append([]string(nil), opts.Spec.Args...),
			Env:        append([]string(nil), opts.Spec.Env...),
		},
		launchProbes: opts.LaunchProbes,
		staleRetries: opts.StaleRetries,
		lockTimeout:  opts.LockTimeout,
		clientOpts:   opts.Client,
		launcher:     opts.Launcher,
		logger:       logger.With(logging.String(logging.FieldSocket, opts.SocketPath)),
	}, nil
}

// FromConfig builds a Supervisor from loaded configuration.
func FromConfig(cfg *config.Config, l Launcher, logger *slog.Logger) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.New("supervisor requires config")
	}
	return New(Options{
		SocketPath:   cfg.Pinentry.SocketPath,
		LockPath:     cfg.LockPath(),
		Spec:         launcher.Spec{Executable: cfg.Pinentry.ProgramPath, Args: cfg.LaunchArgs(), Env: cfg.LaunchEnv()},
		LaunchProbes: cfg.Supervisor.LaunchProbes,
		StaleRetries: cfg.Supervisor.StaleRetries,
		LockTimeout:  cfg.LockTimeout(),
		Client: assuan.Options{
			DialTimeout: cfg.DialTimeout(),
			ReadTimeout: cfg.ReadTimeout(),
		},
		Launcher: l,
		Logger:   logger,
	})
}

// SocketPath returns the supervised socket path.
func (s *Supervisor) SocketPath() string {
	return s.socketPath
}

// Probe reports whether the helper socket exists, launching the helper when it
// does not. Repeated probes after a launch report the same handle until the
// socket appears or the probe budget is spent.
func (s *Supervisor) Probe(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return failed(err)
	}
	if unlock == nil {
		// Another process holds the launch lock; report without launching.
		state, err := s.observe()
		s.logProbe(state, err, false)
		return state, err
	}
	defer unlock()

	if s.stale {
		if state, done, err := s.removeStale(); done {
			return state, err
		}
	}

	exists, err := s.socketExists()
	if err != nil {
		return failed(err)
	}
	if exists {
		s.pending = nil
		s.pendingProbes = 0
		s.logProbe(ready(), nil, true)
		return ready(), nil
	}

	if s.pending != nil {
		s.pendingProbes++
		if s.pendingProbes > s.launchProbes {
			pid := s.pending.PID
			s.pending = nil
			s.pendingProbes = 0
			err := fmt.Errorf("%w: pid %d after %d probes", ErrSocketNotReady, pid, s.launchProbes)
			logging.WarnWithContext(s.logger, "helper socket never appeared", "helper_socket_missing",
				logging.Int(logging.FieldPID, pid),
				logging.Error(err),
				logging.String(logging.FieldImpact, "pinentry requests cannot be served"),
				logging.String(logging.FieldErrorHint, "run the helper in the foreground with `pinentry-box serve` to see why it fails"))
			return failed(err)
		}
		state := started(*s.pending)
		s.logProbe(state, nil, true)
		return state, nil
	}

	handle, err := s.launcher.Spawn(ctx, s.spec)
	if err != nil {
		logging.ErrorWithContext(s.logger, "helper launch failed", "helper_launch_failed",
			logging.String(logging.FieldExecutable, s.spec.Executable),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check pinentry.program_path and pinentry.program_args"))
		return failed(err)
	}
	s.pending = &handle
	s.pendingProbes = 0
	state := started(handle)
	s.logProbe(state, nil, true)
	return state, nil
}

// Connect dials the helper socket. A refused connection marks the socket stale
// so the next Probe removes it. Other failures, including permission errors,
// are returned unchanged.
func (s *Supervisor) Connect(ctx context.Context) (*assuan.Client, error) {
	client, err := assuan.Dial(ctx, s.socketPath, s.clientOpts)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.stale = false
		s.staleCount = 0
		s.pending = nil
		s.pendingProbes = 0
		s.logger.Debug("connected to helper")
		return client, nil
	}
	if !errors.Is(err, assuan.ErrConnectionRefused) {
		return nil, err
	}
	if s.staleCount >= s.staleRetries {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrStaleRetriesExhausted, s.staleCount, err)
	}
	s.staleCount++
	s.stale = true
	logging.WarnWithContext(s.logger, "helper socket refused connection", "stale_socket_detected",
		logging.Int(logging.FieldAttempt, s.staleCount),
		logging.String(logging.FieldImpact, "socket will be removed and the helper relaunched"),
		logging.String(logging.FieldErrorHint, "a previous helper likely exited without cleaning up"))
	return nil, err
}

// Status reports the socket state without launching or modifying anything.
func (s *Supervisor) Status() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observe()
}

func (s *Supervisor) observe() (State, error) {
	exists, err := s.socketExists()
	switch {
	case err != nil:
		return failed(err)
	case exists:
		return ready(), nil
	case s.pending != nil:
		return started(*s.pending), nil
	default:
		return State{Kind: KindUninitialized}, nil
	}
}

// removeStale unlinks the recorded stale socket. done reports that Probe must
// return the given state instead of continuing.
func (s *Supervisor) removeStale() (State, bool, error) {
	s.stale = false
	s.pending = nil
	s.pendingProbes = 0

	if s.acceptsConnections() {
		s.logger.Debug("socket recovered before removal")
		return ready(), true, nil
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		err = fmt.Errorf("%w: %s: %w", ErrSocketUnlinkFailed, s.socketPath, err)
		logging.ErrorWithContext(s.logger, "stale socket removal failed", "stale_socket_unlink_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
		state, err := failed(err)
		return state, true, err
	}
	s.logger.Info("stale socket removed",
		logging.String(logging.FieldEventType, "stale_socket_removed"))
	return State{}, false, nil
}

// acceptsConnections guards against removing a socket whose helper finished
// binding after the refused connect.
func (s *Supervisor) acceptsConnections() bool {
	conn, err := net.DialTimeout("unix", s.socketPath, 200*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (s *Supervisor) socketExists() (bool, error) {
	_, err := os.Lstat(s.socketPath)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("inspect socket: %w", err)
}

// acquireLock takes the launch lock. A nil unlock func with a nil error means
// the lock is held elsewhere.
func (s *Supervisor) acquireLock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lock := flock.New(s.lockPath)

	var (
		ok  bool
		err error
	)
	if s.lockTimeout > 0 {
		lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
		ok, err = lock.TryLockContext(lockCtx, lockRetryDelay)
		cancel()
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	} else {
		ok, err = lock.TryLock()
	}
	if err != nil {
		return nil, fmt.Errorf("acquire launch lock: %w", err)
	}
	if !ok {
		s.logger.Debug("launch lock busy", logging.String("lock_path", s.lockPath))
		return nil, nil
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Debug("release launch lock failed", logging.Error(err))
		}
	}, nil
}

func (s *Supervisor) logProbe(state State, err error, locked bool) {
	attrs := []logging.Attr{
		logging.String(logging.FieldState, state.Kind.String()),
		logging.Bool("locked", locked),
	}
	if state.Kind == KindStarted {
		attrs = append(attrs, logging.Int(logging.FieldPID, state.Handle.PID))
	}
	if err != nil {
		attrs = append(attrs, logging.Error(err))
	}
	s.logger.Debug("probe", logging.Args(attrs...)...)
}
