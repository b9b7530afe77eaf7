package helper_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"pinentrybox/internal/assuan"
	"pinentrybox/internal/config"
	"pinentrybox/internal/helper"
	"pinentrybox/internal/testsupport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return testsupport.NewConfig(t, testsupport.WithFallback("/usr/bin/pinentry-curses"))
}

// startHelper runs the helper until the test ends and waits for it to accept.
func startHelper(t *testing.T, cfg *config.Config) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- helper.Run(ctx, cfg, nil) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("helper did not stop")
		}
	})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		client, err := assuan.Dial(context.Background(), cfg.Pinentry.SocketPath, assuan.Options{})
		if err == nil {
			client.Close()
			return done
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("helper never accepted on %s", cfg.Pinentry.SocketPath)
	return nil
}

func connect(t *testing.T, cfg *config.Config) *assuan.Client {
	t.Helper()
	client, err := assuan.Dial(context.Background(), cfg.Pinentry.SocketPath, assuan.Options{ReadTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGetInfo(t *testing.T) {
	cfg := testConfig(t)
	startHelper(t, cfg)
	client := connect(t, cfg)

	tests := map[string]string{
		"GETINFO pid":         strconv.Itoa(os.Getpid()),
		"GETINFO version":     helper.Version,
		"GETINFO socket_name": cfg.Pinentry.SocketPath,
		"GETINFO fallback":    "/usr/bin/pinentry-curses",
	}
	for command, want := range tests {
		tr, err := client.Transact(command)
		if err != nil {
			t.Fatalf("%s: %v", command, err)
		}
		if string(tr.Data) != want {
			t.Fatalf("%s = %q, want %q", command, tr.Data, want)
		}
	}

	_, err := client.Transact("GETINFO nonsense")
	var serverErr *assuan.ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != assuan.CodeParameter {
		t.Fatalf("expected parameter error, got %v", err)
	}
}

func TestBuiltinsAndUnknownCommand(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	startHelper(t, cfg)
	client := connect(t, cfg)

	for _, command := range []string{"OPTION ttyname=/dev/pts/1", "NOP", "RESET", "nop"} {
		if _, err := client.Transact(command); err != nil {
			t.Fatalf("%s: %v", command, err)
		}
	}

	tr, err := client.Transact("HELP")
	if err != nil {
		t.Fatalf("HELP: %v", err)
	}
	if len(tr.Comments) == 0 || !strings.HasPrefix(tr.Comments[0], "GETINFO") {
		t.Fatalf("unexpected HELP comments %v", tr.Comments)
	}

	_, err = client.Transact("GETPIN")
	var serverErr *assuan.ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != assuan.CodeUnknownCmd || serverErr.Message != "Unknown IPC command" {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestByeClosesConnection(t *testing.T) {
	cfg := testConfig(t)
	startHelper(t, cfg)
	client := connect(t, cfg)

	tr, err := client.Transact("BYE")
	if err != nil {
		t.Fatalf("BYE: %v", err)
	}
	if tr.Terminal.Kind != assuan.KindOK {
		t.Fatalf("expected OK, got %v", tr.Terminal)
	}
	if err := client.Send("NOP"); err != nil {
		return // peer already gone
	}
	for resp, err := range client.Responses() {
		if err == nil {
			t.Fatalf("server should not answer after BYE, got %v", resp)
		}
	}
}

func TestSecondHelperDefersToLivePeer(t *testing.T) {
	cfg := testConfig(t)
	startHelper(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := helper.Run(ctx, cfg, nil); err != nil {
		t.Fatalf("second Run should succeed without serving, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("second Run should return immediately")
	}

	// The first helper still serves.
	client := connect(t, cfg)
	if _, err := client.Transact("NOP"); err != nil {
		t.Fatalf("NOP: %v", err)
	}
}

func TestHelperReplacesStaleSocket(t *testing.T) {
	cfg := testConfig(t)
	listener, err := net.Listen("unix", cfg.Pinentry.SocketPath)
	if err != nil {
		t.Skipf("skipping socket test: %v", err)
	}
	listener.(*net.UnixListener).SetUnlinkOnClose(false)
	listener.Close()

	startHelper(t, cfg)
	client := connect(t, cfg)
	if _, err := client.Transact("NOP"); err != nil {
		t.Fatalf("NOP: %v", err)
	}
}

func TestHelperRemovesSocketOnShutdown(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- helper.Run(ctx, cfg, nil) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Lstat(cfg.Pinentry.SocketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("helper did not stop")
	}
	if _, err := os.Lstat(cfg.Pinentry.SocketPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("socket should be removed on shutdown, stat err=%v", err)
	}
}

// stubFallback writes a minimal pinentry that logs OPTION lines and inquire
// replies to the returned log path and records its pid.
func stubFallback(t *testing.T) (program, logPath, pidPath string) {
	t.Helper()
	dir := t.TempDir()
	program = filepath.Join(dir, "pinentry-stub")
	logPath = filepath.Join(dir, "stub.log")
	pidPath = filepath.Join(dir, "stub.pid")
	testsupport.WriteExecutable(t, program, fmt.Sprintf(`log=%q
echo $$ >%q
echo "OK stub ready"
while IFS= read -r line; do
  case "$line" in
    OPTION\ *) echo "$line" >>"$log"; echo "OK" ;;
    SETDESC\ *) echo "OK" ;;
    GETPIN) echo "S PINENTRY_LAUNCHED 1"; echo "D 1234%%25"; echo "OK" ;;
    CONFIRM)
      echo "INQUIRE CONFIRMATION yes/no"
      IFS= read -r data
      if [ "$data" = CAN ]; then
        echo "CAN" >>"$log"; echo "ERR 277 Operation cancelled"
      else
        IFS= read -r end; echo "$data $end" >>"$log"; echo "OK"
      fi ;;
    QUIT) exit 0 ;;
    *) echo "ERR 275 stub does not know" ;;
  esac
done`, logPath, pidPath))
	return program, logPath, pidPath
}

func readStubLog(t *testing.T, path string) []string {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stub log: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func stubPID(t *testing.T, path string) int {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stub pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("parse stub pid %q: %v", raw, err)
	}
	return pid
}

func waitGone(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := unix.Kill(pid, 0); errors.Is(err, unix.ESRCH) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("fallback pid %d still running", pid)
}

func TestForwardsToFallback(t *testing.T) {
	program, _, _ := stubFallback(t)
	cfg := testsupport.NewConfig(t, testsupport.WithFallback(program))
	startHelper(t, cfg)
	client := connect(t, cfg)

	if _, err := client.Transact("SETDESC Enter passphrase for key"); err != nil {
		t.Fatalf("SETDESC: %v", err)
	}
	tr, err := client.Transact("GETPIN")
	if err != nil {
		t.Fatalf("GETPIN: %v", err)
	}
	if string(tr.Data) != "1234%" {
		t.Fatalf("GETPIN data = %q, want %q", tr.Data, "1234%")
	}
	if len(tr.Status) != 1 || tr.Status[0].Keyword != "PINENTRY_LAUNCHED" {
		t.Fatalf("unexpected status records %v", tr.Status)
	}

	_, err = client.Transact("SETKEYINFO n/ABC")
	var serverErr *assuan.ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != assuan.CodeUnknownCmd || serverErr.Message != "stub does not know" {
		t.Fatalf("expected the fallback's own error, got %v", err)
	}

	// Built-ins are still answered locally.
	tr, err = client.Transact("GETINFO socket_name")
	if err != nil || string(tr.Data) != cfg.Pinentry.SocketPath {
		t.Fatalf("GETINFO socket_name = %q, %v", tr.Data, err)
	}
}

func TestFallbackReplaysOptions(t *testing.T) {
	program, logPath, _ := stubFallback(t)
	cfg := testsupport.NewConfig(t, testsupport.WithFallback(program))
	startHelper(t, cfg)
	client := connect(t, cfg)

	for _, command := range []string{"OPTION ttyname=/dev/pts/1", "SETDESC hi", "OPTION lc-ctype=C"} {
		if _, err := client.Transact(command); err != nil {
			t.Fatalf("%s: %v", command, err)
		}
	}
	got := readStubLog(t, logPath)
	want := []string{"OPTION ttyname=/dev/pts/1", "OPTION lc-ctype=C"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("fallback saw options %q, want %q", got, want)
	}
}

func TestFallbackInquireRoundTrip(t *testing.T) {
	program, logPath, _ := stubFallback(t)
	cfg := testsupport.NewConfig(t, testsupport.WithFallback(program))
	startHelper(t, cfg)
	client := connect(t, cfg)

	tests := []struct {
		name   string
		cancel bool
		want   string
	}{
		{name: "reply", want: "D yes END"},
		{name: "cancel", cancel: true, want: "CAN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := client.Send("CONFIRM"); err != nil {
				t.Fatalf("Send: %v", err)
			}
			var terminal assuan.Response
			for resp, err := range client.Responses() {
				if err != nil {
					t.Fatalf("Responses: %v", err)
				}
				switch resp.Kind {
				case assuan.KindInquire:
					if resp.Keyword != "CONFIRMATION" || resp.Rest != "yes/no" {
						t.Fatalf("unexpected inquire %v", resp)
					}
					if tt.cancel {
						err = client.CancelInquire()
					} else {
						err = client.Reply([]byte("yes"))
					}
					if err != nil {
						t.Fatalf("answer inquire: %v", err)
					}
				default:
					terminal = resp
				}
			}
			if tt.cancel {
				if terminal.Kind != assuan.KindErr || terminal.Code != assuan.CodeCanceled {
					t.Fatalf("expected cancel error, got %v", terminal)
				}
			} else if terminal.Kind != assuan.KindOK {
				t.Fatalf("expected OK, got %v", terminal)
			}
			got := readStubLog(t, logPath)
			if got[len(got)-1] != tt.want {
				t.Fatalf("fallback read %q, want %q", got[len(got)-1], tt.want)
			}
		})
	}
}

func TestFallbackStopsWithConnection(t *testing.T) {
	tests := []struct {
		name string
		end  func(t *testing.T, client *assuan.Client)
	}{
		{name: "bye", end: func(t *testing.T, client *assuan.Client) {
			if _, err := client.Transact("BYE"); err != nil {
				t.Fatalf("BYE: %v", err)
			}
		}},
		{name: "disconnect", end: func(t *testing.T, client *assuan.Client) {
			client.Close()
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			program, _, pidPath := stubFallback(t)
			cfg := testsupport.NewConfig(t, testsupport.WithFallback(program))
			startHelper(t, cfg)
			client := connect(t, cfg)

			if _, err := client.Transact("SETDESC hi"); err != nil {
				t.Fatalf("SETDESC: %v", err)
			}
			pid := stubPID(t, pidPath)
			tt.end(t, client)
			waitGone(t, pid)
		})
	}
}

func TestFallbackFailures(t *testing.T) {
	t.Run("missing program", func(t *testing.T) {
		cfg := testsupport.NewConfig(t, testsupport.WithFallback(filepath.Join(t.TempDir(), "absent")))
		startHelper(t, cfg)
		client := connect(t, cfg)

		_, err := client.Transact("GETPIN")
		var serverErr *assuan.ServerError
		if !errors.As(err, &serverErr) || serverErr.Code != assuan.CodeGeneral || serverErr.Message != "fallback pinentry unavailable" {
			t.Fatalf("expected unavailable error, got %v", err)
		}
		if _, err := client.Transact("NOP"); err != nil {
			t.Fatalf("connection should stay usable: %v", err)
		}
	})

	t.Run("exits mid-command", func(t *testing.T) {
		program, _, _ := stubFallback(t)
		cfg := testsupport.NewConfig(t, testsupport.WithFallback(program))
		startHelper(t, cfg)
		client := connect(t, cfg)

		_, err := client.Transact("QUIT")
		var serverErr *assuan.ServerError
		if !errors.As(err, &serverErr) || serverErr.Code != assuan.CodeGeneral || serverErr.Message != "fallback pinentry failed" {
			t.Fatalf("expected failed error, got %v", err)
		}
		// The next forwarded command starts a fresh fallback.
		if _, err := client.Transact("SETDESC again"); err != nil {
			t.Fatalf("SETDESC after restart: %v", err)
		}
	})
}
