package procexec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRun_CapturesStdoutAndExitCode(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Argv:      []string{"/bin/sh", "-c", "echo hello; exit 0"},
		MaxStdout: 1024,
		MaxStderr: 1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello" {
		t.Fatalf("stdout: got %q", res.Stdout)
	}
	if res.ExitCode != 0 || res.RunErr != nil {
		t.Fatalf("expected success, got exit=%d err=%v", res.ExitCode, res.RunErr)
	}
}

func TestRun_NonZeroExitCode(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Argv:      []string{"/bin/sh", "-c", "exit 7"},
		MaxStdout: 1024,
		MaxStderr: 1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %d", res.ExitCode)
	}
}

func TestRun_DeadlineKillsProcessGroup(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Argv:      []string{"/bin/sh", "-c", "sleep 30"},
		Deadline:  time.Now().Add(200 * time.Millisecond),
		KillGrace: 100 * time.Millisecond,
		MaxStdout: 1024,
		MaxStderr: 1024,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.TimedOut {
		t.Fatalf("expected TimedOut=true")
	}
}

func TestRun_CapsOutputWithTruncationMarker(t *testing.T) {
	res, err := Run(context.Background(), Spec{
		Argv:      []string{"/bin/sh", "-c", "yes A | head -c 100000"},
		MaxStdout: 100,
		MaxStderr: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(res.Stdout), "[stdout truncated") {
		t.Fatalf("expected truncation marker, got %q", res.Stdout)
	}
}
