package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/hexley-dev/kmd/internal/project"
)

func TestStopParsesLeaseWrittenPIDFile(t *testing.T) {
	dir := t.TempDir()
	paths, err := project.Resolve(dir)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := paths.EnsureLayout(); err != nil {
		t.Fatalf("layout: %v", err)
	}

	// The lease writer terminates the pid file with a newline; stop must
	// accept exactly that format. The pid itself is past pid_max, so the
	// process is guaranteed gone.
	if err := os.WriteFile(paths.PIDFile(), []byte(strconv.Itoa(1<<30)+"\n"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	err = runStop(context.Background(), cliConfig{projectPath: paths.Root})
	if err == nil {
		t.Fatalf("stop of a dead pid should report not running")
	}
	if strings.Contains(err.Error(), "invalid pid file") {
		t.Fatalf("pid file rejected: %v", err)
	}
	if !isNotRunning(err) {
		t.Fatalf("stop = %v, want a not-running exit", err)
	}
}
