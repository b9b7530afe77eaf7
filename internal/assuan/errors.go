package assuan

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionRefused reports that the socket exists but nothing accepts on it.
	ErrConnectionRefused = errors.New("assuan: connection refused")
	// ErrNotFound reports a missing or malformed socket endpoint.
	ErrNotFound = errors.New("assuan: endpoint not found")
	// ErrProtocol is wrapped by every *ParseError.
	ErrProtocol = errors.New("assuan: protocol error")
	// ErrUnexpectedEOF reports a peer that closed before the terminal record.
	ErrUnexpectedEOF = errors.New("assuan: unexpected end of stream")
	// ErrCommandMisuse reports a call that violates the half-duplex contract.
	ErrCommandMisuse = errors.New("assuan: command misuse")
	// ErrInvalidCommand reports a command line that cannot be sent.
	ErrInvalidCommand = errors.New("assuan: invalid command line")
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("assuan: client closed")
	// ErrInquireCanceled is returned by ResponseWriter.Inquire when the client sends CAN.
	ErrInquireCanceled = errors.New("assuan: inquire canceled")
)

// Error codes used by the server. Values follow libgpg-error without an error source.
const (
	CodeGeneral     = 257
	CodeLineTooLong = 263
	CodeUnknownCmd  = 275
	CodeSyntax      = 276
	CodeCanceled    = 277
	CodeParameter   = 280
)

// ParseError describes a line outside the protocol grammar.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("assuan: malformed line: %s", e.Reason)
	}
	return fmt.Sprintf("assuan: malformed line %q: %s", e.Line, e.Reason)
}

func (e *ParseError) Unwrap() error { return ErrProtocol }

// ServerError is an ERR record returned by the peer.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("assuan: server error %d", e.Code)
	}
	return fmt.Sprintf("assuan: server error %d: %s", e.Code, e.Message)
}
