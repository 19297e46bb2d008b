package scriptbridge

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "decompose.sh")
	if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestDecomposeParsesScriptOutput(t *testing.T) {
	script := writeScript(t, "cat >/dev/null\necho '[\"fetch prices\", {\"description\": \"write summary\"}]'\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	specs, err := client.Decompose(context.Background(), "fetch prices and summarise")
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(specs) != 2 || specs[0].Description != "fetch prices" || specs[1].Description != "write summary" {
		t.Fatalf("unexpected specs %+v", specs)
	}
}

func TestDecomposeScriptFailure(t *testing.T) {
	script := writeScript(t, "echo broken >&2\nexit 3\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Decompose(context.Background(), "x"); err == nil {
		t.Fatal("expected script failure")
	}
}

func TestDecomposeScriptTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 5\n")
	client, err := NewClient("sh", script, "")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Decompose(ctx, "x")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestNewClientRequiresScript(t *testing.T) {
	if _, err := NewClient("", "", ""); err == nil {
		t.Fatal("expected error without script path")
	}
}
