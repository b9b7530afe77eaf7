package helper

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/logging"
)

// Version is reported by GETINFO version. Release builds override it with -ldflags.
var Version = "dev"

var helpLines = []string{
	"GETINFO pid|version|socket_name|fallback",
	"OPTION <name>[=<value>]",
	"NOP",
	"RESET",
	"HELP",
	"BYE",
}

const fallbackHelp = "other commands are forwarded to the fallback pinentry"

// commands answers the built-in verbs. It opens one session per connection,
// which owns that connection's fallback pinentry.
type commands struct {
	socketPath   string
	fallback     string
	greetTimeout time.Duration
	pid          int
	logger       *slog.Logger
}

func newCommands(socketPath, fallback string, greetTimeout time.Duration, logger *slog.Logger) *commands {
	return &commands{
		socketPath:   socketPath,
		fallback:     strings.TrimSpace(fallback),
		greetTimeout: greetTimeout,
		pid:          os.Getpid(),
		logger:       logger,
	}
}

// ServeAssuan runs cmd in a session of its own.
func (c *commands) ServeAssuan(ctx context.Context, cmd assuan.Command, w *assuan.ResponseWriter) error {
	s := c.NewSession(ctx)
	defer s.Close()
	return s.ServeAssuan(ctx, cmd, w)
}

func (c *commands) NewSession(ctx context.Context) assuan.Session {
	s := &session{commands: c}
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	return s
}

type session struct {
	*commands
	stop func() bool

	mu      sync.Mutex
	options []string
	proc    *fallbackProc
	closed  bool
}

func (s *session) ServeAssuan(ctx context.Context, cmd assuan.Command, w *assuan.ResponseWriter) error {
	switch cmd.Verb {
	case "GETINFO":
		return s.getInfo(cmd.Args, w)
	case "OPTION":
		name, _, _ := strings.Cut(cmd.Args, "=")
		logging.WithContext(ctx, s.logger).Debug("option accepted", logging.String("option", strings.TrimSpace(name)))
		if s.running() {
			return s.forward(ctx, cmd, w)
		}
		s.mu.Lock()
		s.options = append(s.options, cmd.Args)
		s.mu.Unlock()
		return nil
	case "NOP":
		return nil
	case "RESET":
		if s.running() {
			return s.forward(ctx, cmd, w)
		}
		return nil
	case "HELP":
		lines := helpLines
		if s.fallback != "" {
			lines = append(lines[:len(lines):len(lines)], fallbackHelp)
		}
		for _, line := range lines {
			if err := w.Comment(line); err != nil {
				return err
			}
		}
		return nil
	case "BYE":
		s.dropFallback()
		w.Close()
		return w.OK("closing connection")
	default:
		if s.fallback == "" {
			return w.Err(assuan.CodeUnknownCmd, "Unknown IPC command")
		}
		return s.forward(ctx, cmd, w)
	}
}

func (s *session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// Close stops the fallback, if one was started.
func (s *session) Close() error {
	if s.stop != nil {
		s.stop()
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.dropFallback()
	return nil
}

func (c *commands) getInfo(what string, w *assuan.ResponseWriter) error {
	switch strings.ToLower(strings.TrimSpace(what)) {
	case "pid":
		return w.Data([]byte(strconv.Itoa(c.pid)))
	case "version":
		return w.Data([]byte(Version))
	case "socket_name":
		return w.Data([]byte(c.socketPath))
	case "fallback":
		return w.Data([]byte(c.fallback))
	default:
		return w.Err(assuan.CodeParameter, "Unknown value for WHAT")
	}
}
