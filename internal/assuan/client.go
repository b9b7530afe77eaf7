package assuan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"pinentrybox/internal/logging"
)

const defaultDialTimeout = 2 * time.Second

// Options configures a Client.
type Options struct {
	// DialTimeout bounds the connect. Zero uses a two second default.
	DialTimeout time.Duration
	// ReadTimeout bounds each line read. Zero disables it.
	ReadTimeout time.Duration
	Logger      *slog.Logger
}

// Client owns one Assuan connection.
type Client struct {
	conn        io.ReadWriteCloser
	reader      *bufio.Reader
	readTimeout time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	pending   bool // a command was sent and its terminal record is outstanding
	iterating bool
	inquiring bool
	broken    bool
	closed    bool
}

// Transcript is the collected outcome of one command.
type Transcript struct {
	Data     []byte
	Status   []Response
	Comments []string
	Terminal Response
}

// Dial connects to the socket at endpoint and consumes the server greeting.
func Dial(ctx context.Context, endpoint string, opts Options) (*Client, error) {
	if err := checkEndpoint(endpoint); err != nil {
		return nil, err
	}

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "unix", endpoint)
	if err != nil {
		return nil, classifyDialError(endpoint, err)
	}

	// Cancelling ctx interrupts a greeting that never arrives.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	client, err := NewClient(conn, Options{DialTimeout: timeout, ReadTimeout: opts.ReadTimeout, Logger: opts.Logger})
	stopped := stop()
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("read greeting: %w", ctxErr)
		}
		return nil, err
	}
	if !stopped {
		_ = client.Close()
		return nil, fmt.Errorf("read greeting: %w", ctx.Err())
	}
	return client, nil
}

func checkEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: empty socket path", ErrNotFound)
	}
	if len(endpoint) >= len(unix.RawSockaddrUnix{}.Path) {
		return fmt.Errorf("%w: socket path %q is too long", ErrNotFound, endpoint)
	}
	info, err := os.Stat(endpoint)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, endpoint)
		}
		return fmt.Errorf("stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s is not a socket", ErrNotFound, endpoint)
	}
	return nil
}

func classifyDialError(endpoint string, err error) error {
	switch {
	case errors.Is(err, unix.ECONNREFUSED):
		return fmt.Errorf("%w: %s: %w", ErrConnectionRefused, endpoint, err)
	case errors.Is(err, unix.ENOENT):
		return fmt.Errorf("%w: %s: %w", ErrNotFound, endpoint, err)
	default:
		return fmt.Errorf("dial %s: %w", endpoint, err)
	}
}

// readDeadliner is implemented by connections and pollable pipes.
type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// NewClient wraps an established connection and reads the greeting. The client
// takes ownership of conn. When conn supports read deadlines the greeting is
// bounded by ReadTimeout, or by DialTimeout when ReadTimeout is zero.
func NewClient(conn io.ReadWriteCloser, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Client{
		conn:        conn,
		reader:      newLineReader(conn),
		readTimeout: opts.ReadTimeout,
		logger:      logger,
	}
	if d, ok := conn.(readDeadliner); ok && c.readTimeout <= 0 {
		timeout := opts.DialTimeout
		if timeout <= 0 {
			timeout = defaultDialTimeout
		}
		if err := d.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set greeting deadline: %w", err)
		}
		defer d.SetReadDeadline(time.Time{}) //nolint:errcheck
	}
	if err := c.readGreeting(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) readGreeting() error {
	for {
		resp, err := c.readResponse()
		if err != nil {
			return fmt.Errorf("read greeting: %w", err)
		}
		switch resp.Kind {
		case KindComment:
			continue
		case KindOK:
			c.logger.Debug("assuan greeting received", logging.String("greeting", resp.Text))
			return nil
		case KindErr:
			return fmt.Errorf("server rejected connection: %w", resp.Err())
		default:
			return &ParseError{Line: resp.Line(), Reason: "unexpected greeting"}
		}
	}
}

// Send writes one command line. The previous command's responses must have
// reached their terminal record.
func (c *Client) Send(command string) error {
	if strings.ContainsAny(command, "\r\n") {
		return fmt.Errorf("%w: embedded line terminator", ErrInvalidCommand)
	}
	if strings.TrimSpace(command) == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidCommand)
	}
	if len(command) > MaxLineLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidCommand, len(command), MaxLineLength)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case c.broken:
		return fmt.Errorf("%w: connection is out of sync", ErrCommandMisuse)
	case c.pending:
		return fmt.Errorf("%w: previous responses not drained", ErrCommandMisuse)
	}

	verb, _, _ := strings.Cut(command, " ")
	c.logger.Debug("assuan send", logging.String(logging.FieldCommand, verb))
	if err := writeLine(c.conn, command); err != nil {
		c.broken = true
		return fmt.Errorf("write command: %w", err)
	}
	c.pending = true
	c.iterating = false
	return nil
}

// Responses returns the response sequence of the command just sent. The
// sequence ends after the first OK or ERR record, or with a final error. It can
// be ranged over once. Stopping early leaves the connection unusable for further
// commands. An INQUIRE left unanswered by the loop body is cancelled.
func (c *Client) Responses() iter.Seq2[Response, error] {
	return func(yield func(Response, error) bool) {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			yield(Response{}, ErrClosed)
			return
		case !c.pending || c.iterating:
			c.mu.Unlock()
			yield(Response{}, fmt.Errorf("%w: no command awaiting responses", ErrCommandMisuse))
			return
		}
		c.iterating = true
		c.mu.Unlock()

		for {
			resp, err := c.readResponse()
			if err != nil {
				c.markBroken()
				yield(Response{}, err)
				return
			}
			if resp.Terminal() {
				c.finish()
				yield(resp, nil)
				return
			}
			if resp.Kind == KindInquire {
				c.setInquiring(true)
			}
			if !yield(resp, nil) {
				c.markBroken()
				return
			}
			if resp.Kind == KindInquire && c.isInquiring() {
				if err := c.CancelInquire(); err != nil {
					c.markBroken()
					yield(Response{}, err)
					return
				}
			}
		}
	}
}

// Reply answers the current INQUIRE with data followed by END.
func (c *Client) Reply(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inquiring {
		return fmt.Errorf("%w: no inquire to answer", ErrCommandMisuse)
	}
	c.inquiring = false

	for _, line := range dataLines(data) {
		if err := writeLine(c.conn, line); err != nil {
			c.broken = true
			return fmt.Errorf("write inquire data: %w", err)
		}
	}
	if err := writeLine(c.conn, "END"); err != nil {
		c.broken = true
		return fmt.Errorf("write inquire end: %w", err)
	}
	return nil
}

// CancelInquire declines the current INQUIRE.
func (c *Client) CancelInquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inquiring {
		return fmt.Errorf("%w: no inquire to cancel", ErrCommandMisuse)
	}
	c.inquiring = false
	if err := writeLine(c.conn, "CAN"); err != nil {
		c.broken = true
		return fmt.Errorf("write inquire cancel: %w", err)
	}
	return nil
}

// Transact sends command and collects its responses. An ERR terminal is
// returned as *ServerError together with the transcript.
func (c *Client) Transact(command string) (Transcript, error) {
	var tr Transcript
	if err := c.Send(command); err != nil {
		return tr, err
	}
	for resp, err := range c.Responses() {
		if err != nil {
			return tr, err
		}
		switch resp.Kind {
		case KindData:
			tr.Data = append(tr.Data, resp.Payload...)
		case KindStatus:
			tr.Status = append(tr.Status, resp)
		case KindComment:
			tr.Comments = append(tr.Comments, resp.Text)
		case KindOK, KindErr:
			tr.Terminal = resp
		}
	}
	return tr, tr.Terminal.Err()
}

// Usable reports whether the connection can carry another command.
func (c *Client) Usable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.broken && !c.pending
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *Client) readResponse() (Response, error) {
	if d, ok := c.conn.(readDeadliner); ok && c.readTimeout > 0 {
		if err := d.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return Response{}, fmt.Errorf("set read deadline: %w", err)
		}
	}
	line, err := readLine(c.reader)
	switch {
	case errors.Is(err, errLineTooLong):
		return Response{}, &ParseError{Line: string(line[:32]) + "...", Reason: "line too long"}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrClosed):
		return Response{}, ErrUnexpectedEOF
	case err != nil:
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return ParseLine(line)
}

func (c *Client) finish() {
	c.mu.Lock()
	c.pending = false
	c.iterating = false
	c.inquiring = false
	c.mu.Unlock()
}

func (c *Client) markBroken() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func (c *Client) setInquiring(v bool) {
	c.mu.Lock()
	c.inquiring = v
	c.mu.Unlock()
}

func (c *Client) isInquiring() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inquiring
}

// dataLines splits data into escaped D lines that fit the line limit.
func dataLines(data []byte) []string {
	const limit = MaxLineLength - len("D ")
	var lines []string
	buf := make([]byte, 0, limit)
	for _, b := range data {
		if len(buf)+3 > limit {
			lines = append(lines, "D "+string(buf))
			buf = buf[:0]
		}
		buf = appendEscaped(buf, b)
	}
	if len(buf) > 0 {
		lines = append(lines, "D "+string(buf))
	}
	return lines
}
