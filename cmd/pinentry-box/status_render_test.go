package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/deps"
	"pinentrybox/internal/launcher"
	"pinentrybox/internal/supervisor"
)

func TestStatusLineRenderNoColor(t *testing.T) {
	got := statusLine{"Helper", statusError, "Not running"}.render(false)
	want := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, "Helper:", "[ERROR] Not running")
	if got != want {
		t.Fatalf("render mismatch\n got: %q\nwant: %q", got, want)
	}
	if got := (statusLine{detail: "note"}).render(true); got != statusIndent+"note" {
		t.Fatalf("unlabelled line = %q", got)
	}
}

func TestStatusLineRenderWithColor(t *testing.T) {
	got := statusLine{"Helper", statusOK, "Running"}.render(true)
	if !strings.HasPrefix(got, ansiGreen) {
		t.Fatalf("expected green prefix, got %q", got)
	}
	if !strings.HasSuffix(got, ansiReset) {
		t.Fatalf("expected reset suffix, got %q", got)
	}
}

func TestHelperStateLine(t *testing.T) {
	tests := []struct {
		name     string
		state    supervisor.State
		pid      int
		queryErr error
		kind     statusKind
		detail   string
	}{
		{"answering", supervisor.State{Kind: supervisor.KindReady}, 42, nil, statusOK, "Running (pid 42)"},
		{"silent", supervisor.State{Kind: supervisor.KindReady}, 0, errors.New("read timeout"), statusWarn, "Socket present but not answering: read timeout"},
		{"starting", supervisor.State{Kind: supervisor.KindStarted, Handle: launcher.Handle{PID: 7}}, 0, nil, statusInfo, "Starting (pid 7)"},
		{"failed", supervisor.State{Kind: supervisor.KindFailed, Err: errors.New("socket is a regular file")}, 0, nil, statusError, "socket is a regular file"},
		{"absent", supervisor.State{Kind: supervisor.KindUninitialized}, 0, nil, statusWarn, "Not running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := helperStateLine(tt.state, tt.pid, tt.queryErr)
			if got.label != "Helper" || got.kind != tt.kind || got.detail != tt.detail {
				t.Fatalf("helperStateLine = %+v, want %s %q", got, tt.kind, tt.detail)
			}
		})
	}
}

func renderLines(lines []statusLine) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line.render(false)
	}
	return out
}

func TestDependencyLines(t *testing.T) {
	statuses := []deps.Status{
		{Name: "Helper", Available: false, Detail: `binary "pinentry-box" not found`},
		{Name: "Shell", Available: true, Resolved: "/bin/sh"},
		{Name: "Fallback", Available: false, Optional: true, Detail: "command not configured"},
	}
	lines := renderLines(dependencyLines(statuses))
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "[ERROR]") || !strings.Contains(lines[0], "Summary") {
		t.Fatalf("expected summary line first, got %q", lines[0])
	}
	if !strings.Contains(lines[1], `[ERROR] binary "pinentry-box" not found`) {
		t.Fatalf("expected error detail in second line, got %q", lines[1])
	}
	if !strings.Contains(lines[2], "[OK] Ready (command: /bin/sh)") {
		t.Fatalf("expected ready detail in third line, got %q", lines[2])
	}
	if !strings.Contains(lines[3], "[WARN] command not configured") {
		t.Fatalf("expected warn detail in fourth line, got %q", lines[3])
	}
	if !strings.Contains(lines[4], "Missing dependencies: Helper") {
		t.Fatalf("expected missing dependencies summary, got %q", lines[4])
	}
}

func TestDependencyLinesAllPresent(t *testing.T) {
	lines := renderLines(dependencyLines([]deps.Status{{Name: "Shell", Available: true}}))
	if len(lines) != 2 || !strings.Contains(lines[0], "[OK]") || !strings.Contains(lines[1], "[OK] Ready") {
		t.Fatalf("unexpected lines %q", lines)
	}
}

func TestWriteSection(t *testing.T) {
	var buf bytes.Buffer
	writeSection(&buf, " Helper ", []statusLine{{"Socket", statusInfo, "/run/box.sock"}}, false)
	want := "== Helper ==\n------------\n" + statusLine{"Socket", statusInfo, "/run/box.sock"}.render(false) + "\n\n"
	if buf.String() != want {
		t.Fatalf("writeSection mismatch\n got: %q\nwant: %q", buf.String(), want)
	}
}

func TestShouldColorizeNonFile(t *testing.T) {
	if shouldColorize(io.Discard) {
		t.Fatalf("expected non-file writer to disable color")
	}
}

func TestRenderTranscript(t *testing.T) {
	long := strings.Repeat("x", contentWidth*2)
	out := renderTranscript([]exchange{
		{command: "GETINFO pid", responses: []assuan.Response{
			{Kind: assuan.KindData, Payload: []byte(long)},
			{Kind: assuan.KindOK},
		}},
		{command: "SETDESC secret words", responses: []assuan.Response{
			{Kind: assuan.KindErr, Code: 275, Message: "Unknown IPC command"},
		}},
	}, false)

	if strings.Contains(out, long) {
		t.Fatalf("expected long content to wrap:\n%s", out)
	}
	if strings.Contains(out, "secret") {
		t.Fatalf("command arguments leaked into the table:\n%s", out)
	}
	if strings.Count(out, "GETINFO") != 1 {
		t.Fatalf("command label should appear once per exchange:\n%s", out)
	}
	for _, want := range []string{"SETDESC", "275 Unknown IPC command", "ERR"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in table:\n%s", want, out)
		}
	}
	if renderTranscript(nil, false) != "" {
		t.Fatal("expected empty output without exchanges")
	}
}

func TestKindCellColor(t *testing.T) {
	if got := kindCell(assuan.KindErr, false); got != "ERR" {
		t.Fatalf("plain kind cell = %q", got)
	}
	if got := kindCell(assuan.KindErr, true); got != ansiRed+"ERR"+ansiReset {
		t.Fatalf("colored kind cell = %q", got)
	}
	if got := kindCell(assuan.KindData, true); got != "D" {
		t.Fatalf("data kind cell should stay plain, got %q", got)
	}
}
