package helper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/launcher"
	"pinentrybox/internal/logging"
)

const fallbackExitTimeout = 2 * time.Second

// stdioConn joins the parent ends of the fallback's stdin and stdout pipes.
type stdioConn struct {
	r *os.File
	w *os.File
}

func (c stdioConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c stdioConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c stdioConn) SetReadDeadline(t time.Time) error { return c.r.SetReadDeadline(t) }

func (c stdioConn) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	return errors.Join(werr, rerr)
}

// fallbackProc is a running fallback pinentry spoken to over its stdio.
type fallbackProc struct {
	cmd    *exec.Cmd
	client *assuan.Client
	done   chan error
}

// startFallback runs program with piped stdio and waits for its greeting.
func startFallback(program string, greetTimeout time.Duration, logger *slog.Logger) (*fallbackProc, error) {
	path, err := launcher.Resolve(launcher.Spec{Executable: program})
	if err != nil {
		return nil, err
	}

	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("fallback stdin pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("fallback stdout pipe: %w", err)
	}

	cmd := exec.Command(path)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{childIn, childOut, parentIn, parentOut} {
			f.Close()
		}
		return nil, fmt.Errorf("%w: %s: %w", launcher.ErrSpawnFailed, path, err)
	}
	childIn.Close()
	childOut.Close()

	proc := &fallbackProc{cmd: cmd, done: make(chan error, 1)}
	go func() { proc.done <- cmd.Wait() }()

	client, err := assuan.NewClient(stdioConn{r: parentIn, w: parentOut}, assuan.Options{
		DialTimeout: greetTimeout,
		Logger:      logger,
	})
	if err != nil {
		parentIn.Close()
		parentOut.Close()
		proc.stop()
		return nil, fmt.Errorf("fallback %s: %w", path, err)
	}
	proc.client = client
	logger.Debug("fallback started",
		logging.String(logging.FieldExecutable, path),
		logging.Int(logging.FieldPID, cmd.Process.Pid))
	return proc, nil
}

// relay forwards one command line and copies the fallback's records to w
// until its terminal record. INQUIREs are passed through to w's peer. When
// the peer's inquire reply is rejected, the fallback's answer is swallowed and
// the rejection returned instead.
func (p *fallbackProc) relay(line string, w *assuan.ResponseWriter) error {
	if err := p.client.Send(line); err != nil {
		return err
	}
	// Answering records are still drained after a write to w fails so the
	// fallback stays in sync.
	var werr error
	keep := func(err error) {
		if werr == nil {
			werr = err
		}
	}
	for resp, err := range p.client.Responses() {
		if err != nil {
			return err
		}
		switch resp.Kind {
		case assuan.KindData:
			keep(w.Data(resp.Payload))
		case assuan.KindStatus:
			keep(w.Status(resp.Keyword, resp.Rest))
		case assuan.KindComment:
			keep(w.Comment(resp.Text))
		case assuan.KindInquire:
			if werr != nil {
				continue // cancelled by Responses
			}
			data, ierr := w.Inquire(resp.Keyword, resp.Rest)
			if ierr != nil {
				if !errors.Is(ierr, assuan.ErrInquireCanceled) {
					keep(ierr)
				}
				continue
			}
			if err := p.client.Reply(data); err != nil {
				return err
			}
		case assuan.KindOK:
			if werr == nil {
				werr = w.OK(resp.Text)
			}
		case assuan.KindErr:
			if werr == nil {
				werr = w.Err(resp.Code, resp.Message)
			}
		}
	}
	return werr
}

// stop closes the fallback's stdio and waits for it to exit, killing it after
// fallbackExitTimeout.
func (p *fallbackProc) stop() error {
	if p.client != nil {
		_ = p.client.Close()
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(fallbackExitTimeout):
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill fallback: %w", err)
	}
	<-p.done
	return nil
}

// ensureFallback starts the fallback on first use and replays the options the
// peer set before it ran.
func (s *session) ensureFallback(ctx context.Context) (*fallbackProc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, context.Canceled
	}
	if s.proc != nil {
		return s.proc, nil
	}

	logger := logging.WithContext(ctx, s.logger)
	proc, err := startFallback(s.fallback, s.greetTimeout, logger)
	if err != nil {
		logging.WarnWithContext(logger, "fallback pinentry unavailable", "fallback_start_failed",
			logging.String(logging.FieldExecutable, s.fallback),
			logging.Error(err),
			logging.String(logging.FieldImpact, "commands outside the built-in set fail"),
			logging.String(logging.FieldErrorHint, "check server.fallback in the config"))
		return nil, err
	}
	for _, opt := range s.options {
		if _, err := proc.client.Transact("OPTION " + opt); err != nil {
			var serverErr *assuan.ServerError
			if errors.As(err, &serverErr) {
				logger.Debug("fallback rejected option", logging.Int("code", serverErr.Code))
				continue
			}
			_ = proc.stop()
			return nil, fmt.Errorf("replay options: %w", err)
		}
	}
	s.proc = proc
	return proc, nil
}

// forward relays cmd to the fallback. A fallback that breaks mid-command is
// stopped and restarted by the next forwarded command.
func (s *session) forward(ctx context.Context, cmd assuan.Command, w *assuan.ResponseWriter) error {
	proc, err := s.ensureFallback(ctx)
	if err != nil {
		return &assuan.ServerError{Code: assuan.CodeGeneral, Message: "fallback pinentry unavailable"}
	}

	logger := logging.WithContext(ctx, s.logger)
	// Arguments are never logged. GETPIN ones may describe the secret.
	logger.Debug("forwarding to fallback",
		logging.String(logging.FieldCommand, cmd.Verb),
		logging.Bool("args_redacted", cmd.Args != ""))

	line := cmd.Verb
	if cmd.Args != "" {
		line += " " + cmd.Args
	}
	err = proc.relay(line, w)
	if err == nil || proc.client.Usable() {
		return err
	}
	logging.WarnWithContext(logger, "fallback pinentry failed", "fallback_broken",
		logging.String(logging.FieldCommand, cmd.Verb),
		logging.Error(err),
		logging.String(logging.FieldImpact, "fallback restarted on next command"))
	s.dropFallback()
	return &assuan.ServerError{Code: assuan.CodeGeneral, Message: "fallback pinentry failed"}
}

func (s *session) dropFallback() {
	s.mu.Lock()
	proc := s.proc
	s.proc = nil
	s.mu.Unlock()
	if proc != nil {
		if err := proc.stop(); err != nil {
			s.logger.Debug("fallback stop failed", logging.Error(err))
		}
	}
}
