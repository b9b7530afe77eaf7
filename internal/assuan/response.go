package assuan

import (
	"bytes"
	"strconv"
	"strings"
)

// MaxLineLength is the longest line, excluding the terminating LF, either side may send.
const MaxLineLength = 1000

// Kind identifies the record type of a Response.
type Kind int

const (
	KindOK Kind = iota + 1
	KindErr
	KindData
	KindStatus
	KindComment
	KindInquire
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "OK"
	case KindErr:
		return "ERR"
	case KindData:
		return "D"
	case KindStatus:
		return "S"
	case KindComment:
		return "#"
	case KindInquire:
		return "INQUIRE"
	default:
		return "unknown"
	}
}

// Response is one parsed record. Only the fields relevant to Kind are set.
type Response struct {
	Kind Kind
	// Text is the trailing text of OK and comment records.
	Text string
	// Code and Message describe an ERR record.
	Code    int
	Message string
	// Payload is the unescaped content of a D record.
	Payload []byte
	// Keyword and Rest describe S and INQUIRE records.
	Keyword string
	Rest    string
}

// Terminal reports whether r ends a command's response sequence.
func (r Response) Terminal() bool {
	return r.Kind == KindOK || r.Kind == KindErr
}

// Err returns the ERR record as a *ServerError, or nil for any other kind.
func (r Response) Err() error {
	if r.Kind != KindErr {
		return nil
	}
	return &ServerError{Code: r.Code, Message: r.Message}
}

// Line renders r in wire format without the terminating LF.
func (r Response) Line() string {
	switch r.Kind {
	case KindOK:
		return joinWords("OK", r.Text)
	case KindErr:
		return joinWords("ERR", strconv.Itoa(r.Code), r.Message)
	case KindData:
		return "D " + Escape(r.Payload)
	case KindStatus:
		return joinWords("S", r.Keyword, r.Rest)
	case KindComment:
		return joinWords("#", r.Text)
	case KindInquire:
		return joinWords("INQUIRE", r.Keyword, r.Rest)
	default:
		return ""
	}
}

func (r Response) String() string {
	return r.Line()
}

func joinWords(words ...string) string {
	var b strings.Builder
	for _, w := range words {
		if w == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	return b.String()
}

// ParseLine parses a single protocol line. A trailing LF (or CRLF) is ignored.
// Lines that do not match one of the known record prefixes return a *ParseError.
func ParseLine(line []byte) (Response, error) {
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	raw := string(line)

	if len(raw) > MaxLineLength {
		return Response{}, &ParseError{Line: raw[:32] + "...", Reason: "line exceeds " + strconv.Itoa(MaxLineLength) + " bytes"}
	}
	if raw == "" {
		return Response{}, &ParseError{Reason: "empty line"}
	}

	if raw[0] == '#' {
		return Response{Kind: KindComment, Text: strings.TrimPrefix(raw[1:], " ")}, nil
	}

	verb, rest, _ := strings.Cut(raw, " ")
	switch verb {
	case "OK":
		return Response{Kind: KindOK, Text: rest}, nil
	case "ERR":
		return parseErr(raw, rest)
	case "D":
		payload, err := Unescape(rest)
		if err != nil {
			return Response{}, &ParseError{Line: raw, Reason: err.Error()}
		}
		return Response{Kind: KindData, Payload: payload}, nil
	case "S":
		keyword, tail, _ := strings.Cut(rest, " ")
		if keyword == "" {
			return Response{}, &ParseError{Line: raw, Reason: "status without keyword"}
		}
		return Response{Kind: KindStatus, Keyword: keyword, Rest: tail}, nil
	case "INQUIRE":
		keyword, params, _ := strings.Cut(rest, " ")
		if keyword == "" {
			return Response{}, &ParseError{Line: raw, Reason: "inquire without keyword"}
		}
		return Response{Kind: KindInquire, Keyword: keyword, Rest: params}, nil
	default:
		return Response{}, &ParseError{Line: raw, Reason: "unknown record prefix"}
	}
}

func parseErr(raw, rest string) (Response, error) {
	codeText, message, _ := strings.Cut(rest, " ")
	if codeText == "" {
		return Response{}, &ParseError{Line: raw, Reason: "error without code"}
	}
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 0 || codeText[0] == '+' {
		return Response{}, &ParseError{Line: raw, Reason: "non-numeric error code"}
	}
	return Response{Kind: KindErr, Code: code, Message: message}, nil
}
