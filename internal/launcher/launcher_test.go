package launcher_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"pinentrybox/internal/launcher"
)

func writeStub(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}
	return path
}

func waitForFile(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && strings.HasSuffix(string(data), "\n") {
			return string(data)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", path)
	return ""
}

func TestResolveMissingExecutable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	_, err := launcher.Resolve(launcher.Spec{Executable: "clearly-not-present-binary"})
	if !errors.Is(err, launcher.ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
	if _, err := launcher.Resolve(launcher.Spec{Executable: "  "}); !errors.Is(err, launcher.ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound for empty name, got %v", err)
	}
}

func TestResolveRejectsNonExecutable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helper")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := launcher.Resolve(launcher.Spec{Executable: path}); !errors.Is(err, launcher.ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
	if _, err := launcher.Resolve(launcher.Spec{Executable: dir}); !errors.Is(err, launcher.ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound for directory, got %v", err)
	}
}

func TestResolveSearchesPath(t *testing.T) {
	dir := t.TempDir()
	want := writeStub(t, dir, "pinentry-box", "exit 0")
	t.Setenv("PATH", dir)

	got, err := launcher.Resolve(launcher.Spec{Executable: "pinentry-box"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestSpawnDetachesHelper(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")
	t.Setenv("BOX_MARKER", marker)
	stub := writeStub(t, dir, "helper", `sleep 0.1; echo "$$ $*" > "$BOX_MARKER.tmp" && mv "$BOX_MARKER.tmp" "$BOX_MARKER"`)

	l := launcher.New(launcher.Options{})
	start := time.Now()
	handle, err := l.Spawn(context.Background(), launcher.Spec{Executable: stub, Args: []string{"--start-server", "--flag"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Spawn should return promptly, took %v", elapsed)
	}
	if handle.PID <= 0 || handle.Executable != stub || handle.StartedAt.IsZero() {
		t.Fatalf("unexpected handle %+v", handle)
	}

	fields := strings.Fields(waitForFile(t, marker))
	if len(fields) != 3 {
		t.Fatalf("unexpected marker contents %v", fields)
	}
	if pid, _ := strconv.Atoi(fields[0]); pid != handle.PID {
		t.Fatalf("helper pid %s does not match handle pid %d", fields[0], handle.PID)
	}
	if fields[1] != "--start-server" || fields[2] != "--flag" {
		t.Fatalf("helper received args %v", fields[1:])
	}
}

func TestSpawnAddsEnvironment(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "env")
	t.Setenv("BOX_SOCKET", "inherited")
	stub := writeStub(t, dir, "helper", `echo "$BOX_SOCKET $BOX_EXTRA" > "$1.tmp" && mv "$1.tmp" "$1"`)

	l := launcher.New(launcher.Options{})
	spec := launcher.Spec{
		Executable: stub,
		Args:       []string{marker},
		Env:        []string{"BOX_SOCKET=/run/override.sock", "BOX_EXTRA=1"},
	}
	if _, err := l.Spawn(context.Background(), spec); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if got := strings.TrimSpace(waitForFile(t, marker)); got != "/run/override.sock 1" {
		t.Fatalf("helper saw environment %q", got)
	}
}

func TestSpawnCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	stub := writeStub(t, dir, "helper", `echo "hello from helper"; echo "oops" >&2`)
	logPath := filepath.Join(dir, "logs", "helper.log")

	l := launcher.New(launcher.Options{CaptureOutput: logPath})
	if _, err := l.Spawn(context.Background(), launcher.Spec{Executable: stub}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(logPath)
		if strings.Contains(string(data), "hello from helper") && strings.Contains(string(data), "oops") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("helper output was not captured")
}

func TestSpawnMissingExecutable(t *testing.T) {
	l := launcher.New(launcher.Options{})
	_, err := l.Spawn(context.Background(), launcher.Spec{Executable: filepath.Join(t.TempDir(), "absent")})
	if !errors.Is(err, launcher.ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}
