package testsupport

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteExecutable writes a /bin/sh script with the given body to path and
// marks it executable.
func WriteExecutable(t testing.TB, path, body string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
