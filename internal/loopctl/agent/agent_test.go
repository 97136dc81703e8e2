package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loopctl/loopctl/internal/loopctl/prompt"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestInvokeDecomposer_ParsesValidOutput(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.json")
	script := writeScript(t, `#!/bin/sh
cat > "$LOOPCTL_OUTPUT_PATH" <<'JSON'
{"summary":"split into two","children":[
  {"title":"a","goal":"do a","next":"execute"},
  {"title":"b","goal":"do b","next":"execute"}
]}
JSON
`)
	out, dispatch, err := InvokeDecomposer(context.Background(), Config{
		Argv:        []string{"/bin/sh", script},
		OutputPath:  outPath,
		MaxLogBytes: 4096,
	}, prompt.Input{Contract: "c", SelectedNode: "s"})
	if err != nil {
		t.Fatalf("InvokeDecomposer: %v (dispatch=%+v)", err, dispatch)
	}
	if out.Summary != "split into two" || len(out.Children) != 2 {
		t.Fatalf("unexpected output: %+v", out)
	}
	if dispatch.InvocationID == "" {
		t.Fatalf("expected non-empty invocation id")
	}
}

func TestInvokeDecomposer_RejectsSchemaViolation(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.json")
	script := writeScript(t, `#!/bin/sh
echo '{"summary":"no children field"}' > "$LOOPCTL_OUTPUT_PATH"
`)
	_, _, err := InvokeDecomposer(context.Background(), Config{
		Argv:        []string{"/bin/sh", script},
		OutputPath:  outPath,
		MaxLogBytes: 4096,
	}, prompt.Input{Contract: "c", SelectedNode: "s"})
	if err == nil {
		t.Fatalf("expected schema violation error")
	}
}

func TestInvokeExecutor_ParsesValidOutput(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.json")
	script := writeScript(t, `#!/bin/sh
echo '{"status":"done","summary":"did it"}' > "$LOOPCTL_OUTPUT_PATH"
`)
	out, _, err := InvokeExecutor(context.Background(), Config{
		Argv:        []string{"/bin/sh", script},
		OutputPath:  outPath,
		MaxLogBytes: 4096,
	}, prompt.Input{Contract: "c", SelectedNode: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != "done" {
		t.Fatalf("expected status=done, got %s", out.Status)
	}
}

func TestInvokeExecutor_FailsOnNonZeroExit(t *testing.T) {
	script := writeScript(t, `#!/bin/sh
exit 1
`)
	_, dispatch, err := InvokeExecutor(context.Background(), Config{
		Argv:        []string{"/bin/sh", script},
		MaxLogBytes: 4096,
	}, prompt.Input{Contract: "c", SelectedNode: "s"})
	if err == nil {
		t.Fatalf("expected error on non-zero exit")
	}
	if !strings.Contains(err.Error(), "exit=1") {
		t.Fatalf("expected exit code in error, got %v (dispatch=%+v)", err, dispatch)
	}
}
