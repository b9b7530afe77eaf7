package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"pinentrybox/internal/deps"
	"pinentrybox/internal/supervisor"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 12
	statusIndent     = "  "
)

func (k statusKind) String() string {
	switch k {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (k statusKind) color() string {
	switch k {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	default:
		return ansiBlue
	}
}

// statusLine is one "Label: [KIND] detail" entry of the status report. An
// empty label renders detail as an indented note.
type statusLine struct {
	label  string
	kind   statusKind
	detail string
}

func (l statusLine) render(colorize bool) string {
	if l.label == "" {
		return statusIndent + l.detail
	}
	text := fmt.Sprintf("[%s]", l.kind)
	if l.detail != "" {
		text += " " + l.detail
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, l.label+":", text)
	if colorize {
		return l.kind.color() + base + ansiReset
	}
	return base
}

// helperStateLine reports a probe result. A Ready state is only trusted once
// the helper has answered, so the caller passes the pid it obtained or the
// query error.
func helperStateLine(state supervisor.State, pid int, queryErr error) statusLine {
	switch state.Kind {
	case supervisor.KindReady:
		if queryErr != nil {
			return statusLine{"Helper", statusWarn, "Socket present but not answering: " + queryErr.Error()}
		}
		return statusLine{"Helper", statusOK, fmt.Sprintf("Running (pid %d)", pid)}
	case supervisor.KindStarted:
		return statusLine{"Helper", statusInfo, fmt.Sprintf("Starting (pid %d)", state.Handle.PID)}
	case supervisor.KindFailed:
		detail := "probe failed"
		if state.Err != nil {
			detail = state.Err.Error()
		}
		return statusLine{"Helper", statusError, detail}
	default:
		return statusLine{"Helper", statusWarn, "Not running"}
	}
}

// dependencyLine reports one binary check. Missing optional binaries warn.
func dependencyLine(dep deps.Status) statusLine {
	if dep.Available {
		detail := "Ready"
		if dep.Resolved != "" {
			detail = fmt.Sprintf("Ready (command: %s)", dep.Resolved)
		}
		return statusLine{dep.Name, statusOK, detail}
	}
	detail := dep.Detail
	if detail == "" {
		detail = "not available"
	}
	if dep.Optional {
		return statusLine{dep.Name, statusWarn, detail}
	}
	return statusLine{dep.Name, statusError, detail}
}

// writeSection prints a titled block of status lines followed by a blank line.
func writeSection(w io.Writer, title string, lines []statusLine, colorize bool) {
	header := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(header))
	if colorize {
		header = ansiBlue + header + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	fmt.Fprintln(w, header)
	fmt.Fprintln(w, rule)
	for _, line := range lines {
		fmt.Fprintln(w, line.render(colorize))
	}
	fmt.Fprintln(w)
}

// shouldColorize reports whether writer is a terminal and NO_COLOR is unset.
func shouldColorize(writer io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
