package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hexley-dev/kmd/internal/protocol"
)

func TestInvokeFeedsTriggerOnStdin(t *testing.T) {
	inv := NewInvoker(nil)

	result, err := inv.Invoke(context.Background(), Invocation{
		Agent:     "echo-agent",
		Command:   "sh",
		Args:      []string{"-c", "cat"},
		TriggerID: "high_123_abcd",
		Trigger: protocol.Trigger{
			Agent:     "echo-agent",
			EventType: protocol.EventRuleFired,
		},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit = %d, stderr %q", result.ExitCode, result.Stderr)
	}
	if !strings.Contains(result.Stdout, `"trigger_id":"high_123_abcd"`) {
		t.Fatalf("stdin document not echoed: %q", result.Stdout)
	}
	// The echoed activation happens to be the last stdout line, so it
	// parses as the output document too.
	if result.Output["trigger_id"] != "high_123_abcd" {
		t.Fatalf("output = %v", result.Output)
	}
}

func TestInvokeParsesTailJSON(t *testing.T) {
	inv := NewInvoker(nil)

	result, err := inv.Invoke(context.Background(), Invocation{
		Agent:   "worker",
		Command: "sh",
		Args:    []string{"-c", `echo "progress line"; echo '{"partial": true, "done": 3}'`},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !result.Partial {
		t.Fatalf("partial flag not picked up, output %v", result.Output)
	}
	if result.Output["done"] != float64(3) {
		t.Fatalf("output = %v", result.Output)
	}
}

func TestInvokeNonJSONStdout(t *testing.T) {
	inv := NewInvoker(nil)

	result, err := inv.Invoke(context.Background(), Invocation{
		Agent:   "chatty",
		Command: "sh",
		Args:    []string{"-c", "echo just text"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.Output != nil || result.Partial {
		t.Fatalf("unexpected output parse: %+v", result)
	}
}

func TestInvokeNonZeroExit(t *testing.T) {
	inv := NewInvoker(nil)

	result, err := inv.Invoke(context.Background(), Invocation{
		Agent:   "failing",
		Command: "sh",
		Args:    []string{"-c", "echo broken >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "broken") {
		t.Fatalf("stderr = %q", result.Stderr)
	}
}

func TestInvokeTimeoutKills(t *testing.T) {
	inv := NewInvoker(nil)

	start := time.Now()
	_, err := inv.Invoke(context.Background(), Invocation{
		Agent:   "hung",
		Command: "sleep",
		Args:    []string{"30"},
		Timeout: 100 * time.Millisecond,
	})
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout did not kill the process promptly")
	}
}

func TestInvokeMissingCommand(t *testing.T) {
	inv := NewInvoker(nil)

	_, err := inv.Invoke(context.Background(), Invocation{
		Agent:   "ghost",
		Command: "/no/such/binary",
	})
	if err == nil {
		t.Fatalf("expected error for missing command")
	}
}

func TestParseTailJSON(t *testing.T) {
	cases := []struct {
		stdout string
		want   bool
	}{
		{`{"ok": true}`, true},
		{"line one\n{\"ok\": true}", true},
		{"not json", false},
		{"", false},
		{"{broken", false},
	}
	for _, tc := range cases {
		got := parseTailJSON(tc.stdout)
		if (got != nil) != tc.want {
			t.Fatalf("parseTailJSON(%q) = %v", tc.stdout, got)
		}
	}
}
