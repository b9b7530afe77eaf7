package assuan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pinentrybox/internal/logging"
)

// Command is one request line received by the server.
type Command struct {
	Verb string
	Args string
}

// Handler serves one command. Returning without writing a terminal record
// sends OK, or ERR when the handler returned an error.
type Handler interface {
	ServeAssuan(ctx context.Context, cmd Command, w *ResponseWriter) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd Command, w *ResponseWriter) error

func (f HandlerFunc) ServeAssuan(ctx context.Context, cmd Command, w *ResponseWriter) error {
	return f(ctx, cmd, w)
}

// Session is handler state owned by one connection.
type Session interface {
	Handler
	Close() error
}

// SessionFactory is implemented by handlers that keep per-connection state.
// The server opens one Session per accepted connection, routes that
// connection's commands to it, and closes it when the connection ends.
type SessionFactory interface {
	NewSession(ctx context.Context) Session
}

// ServerOptions configures a Server.
type ServerOptions struct {
	// Greeting is the text of the OK line sent on connect.
	Greeting string
	Logger   *slog.Logger
}

// Server accepts Assuan connections on a listener.
type Server struct {
	path     string
	listener net.Listener
	handler  Handler
	greeting string
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Listen binds a Unix socket at path. It does not remove an existing file.
func Listen(ctx context.Context, path string, handler Handler, opts ServerOptions) (*Server, error) {
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("restrict socket permissions: %w", err)
	}
	srv, err := NewServer(ctx, listener, handler, opts)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	srv.path = path
	return srv, nil
}

// NewServer serves handler on an existing listener.
func NewServer(ctx context.Context, listener net.Listener, handler Handler, opts ServerOptions) (*Server, error) {
	if handler == nil {
		return nil, errors.New("assuan server requires handler")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	greeting := opts.Greeting
	if greeting == "" {
		greeting = "Pleased to meet you"
	}
	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		listener: listener,
		handler:  handler,
		greeting: greeting,
		logger:   logger,
		ctx:      serverCtx,
		cancel:   cancel,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve starts accepting connections until the server is closed.
func (s *Server) Serve() {
	s.logger.Debug("assuan server listening", logging.String(logging.FieldSocket, s.listener.Addr().String()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "assuan_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "pinentry clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "check socket permissions and restart the helper if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.ServeConn(s.ctx, c)
			}(conn)
		}
	}()
}

// Done is closed once the server context ends.
func (s *Server) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close stops the server, waits for open connections, and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if s.path == "" {
		return
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.WarnWithContext(s.logger, "failed to remove socket", "assuan_socket_cleanup_failed",
			logging.String(logging.FieldSocket, s.path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "stale socket may be treated as a live helper"),
			logging.String(logging.FieldErrorHint, "remove the socket file manually"))
	}
}

// ServeConn runs the command loop on conn until the peer disconnects, a
// handler closes the connection, or ctx ends.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	ctx = logging.WithConnID(ctx, uuid.NewString())
	logger := logging.WithContext(ctx, s.logger)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	handler := s.handler
	if factory, ok := handler.(SessionFactory); ok {
		session := factory.NewSession(ctx)
		defer func() {
			if err := session.Close(); err != nil {
				logger.Debug("session close failed", logging.Error(err))
			}
		}()
		handler = session
	}

	reader := newLineReader(conn)
	w := &ResponseWriter{conn: conn, reader: reader}
	if err := w.OK(s.greeting); err != nil {
		logger.Debug("greeting failed", logging.Error(err))
		return
	}
	logger.Debug("connection accepted")

	for {
		line, err := readLine(reader)
		if errors.Is(err, errLineTooLong) {
			if err := discardLine(reader); err != nil {
				return
			}
			if err := w.Err(CodeLineTooLong, "Line too long"); err != nil {
				return
			}
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read failed", logging.Error(err))
			}
			return
		}
		text := strings.TrimSuffix(string(line), "\r")
		if len(text) > MaxLineLength {
			if err := w.Err(CodeLineTooLong, "Line too long"); err != nil {
				return
			}
			continue
		}
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}

		verb, args, _ := strings.Cut(text, " ")
		cmd := Command{Verb: strings.ToUpper(verb), Args: strings.TrimSpace(args)}
		logger.Debug("assuan command", logging.String(logging.FieldCommand, cmd.Verb))

		w.reset()
		herr := handler.ServeAssuan(ctx, cmd, w)
		if w.failed != nil {
			logger.Debug("connection write failed", logging.Error(w.failed))
			return
		}
		if !w.terminated {
			if herr != nil {
				code, message := errorRecord(herr)
				_ = w.Err(code, message)
			} else {
				_ = w.OK("")
			}
		}
		if w.failed != nil || w.closing {
			return
		}
	}
}

func errorRecord(err error) (int, string) {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code, serverErr.Message
	}
	if errors.Is(err, ErrInquireCanceled) {
		return CodeCanceled, "Operation cancelled"
	}
	if errors.Is(err, ErrProtocol) {
		// The offending line may carry inquired secrets.
		return CodeSyntax, "Syntax error"
	}
	return CodeGeneral, err.Error()
}

// ResponseWriter writes the records answering one command.
type ResponseWriter struct {
	conn       net.Conn
	reader     *bufio.Reader
	terminated bool
	closing    bool
	failed     error
}

func (w *ResponseWriter) reset() {
	w.terminated = false
}

func (w *ResponseWriter) write(r Response) error {
	if w.failed != nil {
		return w.failed
	}
	if w.terminated {
		return fmt.Errorf("%w: response already terminated", ErrCommandMisuse)
	}
	if err := writeLine(w.conn, r.Line()); err != nil {
		w.failed = err
		return err
	}
	if r.Terminal() {
		w.terminated = true
	}
	return nil
}

// Data writes payload as one or more D lines.
func (w *ResponseWriter) Data(payload []byte) error {
	for _, line := range dataLines(payload) {
		if w.failed != nil {
			return w.failed
		}
		if w.terminated {
			return fmt.Errorf("%w: response already terminated", ErrCommandMisuse)
		}
		if err := writeLine(w.conn, line); err != nil {
			w.failed = err
			return err
		}
	}
	return nil
}

// Status writes an S line.
func (w *ResponseWriter) Status(keyword, rest string) error {
	return w.write(Response{Kind: KindStatus, Keyword: keyword, Rest: rest})
}

// Comment writes a # line.
func (w *ResponseWriter) Comment(text string) error {
	return w.write(Response{Kind: KindComment, Text: text})
}

// OK terminates the response successfully.
func (w *ResponseWriter) OK(text string) error {
	return w.write(Response{Kind: KindOK, Text: text})
}

// Err terminates the response with an error record.
func (w *ResponseWriter) Err(code int, message string) error {
	return w.write(Response{Kind: KindErr, Code: code, Message: message})
}

// Close asks the server to drop the connection after this command.
func (w *ResponseWriter) Close() {
	w.closing = true
}

// Inquire asks the client for data and returns its concatenated D payloads.
// A CAN reply yields ErrInquireCanceled. A malformed or over-long reply line is
// reported after the rest of the reply has been consumed, so the next command
// line is read in sync.
func (w *ResponseWriter) Inquire(keyword, params string) ([]byte, error) {
	if err := w.write(Response{Kind: KindInquire, Keyword: keyword, Rest: params}); err != nil {
		return nil, err
	}
	var data []byte
	for {
		line, err := readLine(w.reader)
		if errors.Is(err, errLineTooLong) {
			if err := discardLine(w.reader); err != nil {
				w.failed = err
				return nil, fmt.Errorf("read inquire reply: %w", err)
			}
			return nil, w.drainInquire(&ServerError{Code: CodeLineTooLong, Message: "Line too long"})
		}
		if err != nil {
			w.failed = err
			return nil, fmt.Errorf("read inquire reply: %w", err)
		}
		text := strings.TrimSuffix(string(line), "\r")
		switch {
		case text == "END":
			return data, nil
		case text == "CAN":
			return nil, ErrInquireCanceled
		case text == "D" || strings.HasPrefix(text, "D "):
			chunk, err := Unescape(strings.TrimPrefix(strings.TrimPrefix(text, "D"), " "))
			if err != nil {
				return nil, w.drainInquire(&ParseError{Line: text, Reason: err.Error()})
			}
			data = append(data, chunk...)
		default:
			return nil, w.drainInquire(&ParseError{Line: text, Reason: "unexpected line in inquire reply"})
		}
	}
}

// drainInquire skips reply lines up to END or CAN and returns cause.
func (w *ResponseWriter) drainInquire(cause error) error {
	for {
		line, err := readLine(w.reader)
		if errors.Is(err, errLineTooLong) {
			if err := discardLine(w.reader); err != nil {
				w.failed = err
				return fmt.Errorf("read inquire reply: %w", err)
			}
			continue
		}
		if err != nil {
			w.failed = err
			return fmt.Errorf("read inquire reply: %w", err)
		}
		switch strings.TrimSuffix(string(line), "\r") {
		case "END", "CAN":
			return cause
		}
	}
}
