package scripts

import (
	"bytes"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func runStack(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	cmd := exec.Command("bash", append([]string{filepath.Join(filepath.Dir(thisFile), "stack.sh")}, args...)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func TestStackScriptDryRunUp(t *testing.T) {
	out, stderr, err := runStack(t, "up", "--dry-run")
	if err != nil {
		t.Fatalf("stack up dry-run failed: %v\nstdout:\n%s\nstderr:\n%s", err, out, stderr)
	}
	for _, token := range []string{
		"[dry-run] docker compose",
		"go run ./cmd/tabletalk-migrate -direction up",
		"[dry-run] nohup env",
		"TABLETALK_SESSIONSTORE_DRIVER=postgres",
		"TABLETALK_OBJECTSTORE_ENABLED=true",
		"go run ./cmd/tabletalk-api",
		"stack is up",
	} {
		if !strings.Contains(out, token) {
			t.Fatalf("output missing %q\noutput:\n%s", token, out)
		}
	}
}

func TestStackScriptDryRunDown(t *testing.T) {
	out, stderr, err := runStack(t, "down", "--dry-run")
	if err != nil {
		t.Fatalf("stack down dry-run failed: %v\nstdout:\n%s\nstderr:\n%s", err, out, stderr)
	}
	for _, token := range []string{"[dry-run] docker compose", "down", "stack is down"} {
		if !strings.Contains(out, token) {
			t.Fatalf("output missing %q\noutput:\n%s", token, out)
		}
	}
}

func TestStackScriptRejectsUnknownInput(t *testing.T) {
	for _, args := range [][]string{{"not-a-command"}, {"up", "--force"}} {
		_, stderr, err := runStack(t, args...)
		if err == nil {
			t.Fatalf("args %v: expected non-zero exit", args)
		}
		if !strings.Contains(stderr, "unknown") {
			t.Fatalf("args %v: stderr = %s", args, stderr)
		}
	}
}
