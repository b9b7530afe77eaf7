package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/config"
	"pinentrybox/internal/logging"
)

const peerCheckTimeout = 500 * time.Millisecond

// Run serves the helper socket until ctx is canceled. It returns nil without
// serving when another live helper already owns the socket.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg == nil {
		return errors.New("helper requires config")
	}
	logger = logging.NewComponentLogger(logger, "helper")
	path := cfg.Pinentry.SocketPath
	logger = logger.With(logging.String(logging.FieldSocket, path))

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	handler := newCommands(path, cfg.Server.Fallback, cfg.DialTimeout(), logger)
	srv, owned, err := bind(ctx, path, handler, logger)
	if err != nil {
		return err
	}
	if !owned {
		logger.Info("helper already running",
			logging.String(logging.FieldEventType, "helper_already_running"))
		return nil
	}

	srv.Serve()
	logger.Info("helper listening",
		logging.String(logging.FieldEventType, "helper_listening"),
		logging.Int(logging.FieldPID, os.Getpid()))

	<-ctx.Done()
	srv.Close()
	logger.Info("helper stopped",
		logging.String(logging.FieldEventType, "helper_stopped"))
	return nil
}

// bind listens on path. owned is false when a live peer already serves it.
// A socket file that refuses connections is removed and the bind retried once.
func bind(ctx context.Context, path string, handler assuan.Handler, logger *slog.Logger) (*assuan.Server, bool, error) {
	opts := assuan.ServerOptions{Greeting: "pinentry-box ready", Logger: logger}
	srv, err := assuan.Listen(ctx, path, handler, opts)
	if err == nil {
		return srv, true, nil
	}
	if !errors.Is(err, unix.EADDRINUSE) {
		return nil, false, err
	}

	if peerAlive(path) {
		return nil, false, nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("remove stale socket: %w", err)
	}
	logging.WarnWithContext(logger, "removed stale socket before bind", "stale_socket_removed",
		logging.String(logging.FieldImpact, "a previous helper exited without cleanup"),
		logging.String(logging.FieldErrorHint, "no action needed"))

	srv, err = assuan.Listen(ctx, path, handler, opts)
	if err == nil {
		return srv, true, nil
	}
	// Lost the bind race to a helper started in the meantime.
	if errors.Is(err, unix.EADDRINUSE) && peerAlive(path) {
		return nil, false, nil
	}
	return nil, false, err
}

func peerAlive(path string) bool {
	conn, err := net.DialTimeout("unix", path, peerCheckTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
