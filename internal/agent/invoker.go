// Package agent invokes external agent processes and captures their
// results. The agent model and prompts are external; this package only
// runs a configured command with the activation context on stdin.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/protocol"
)

const (
	maxOutputSize  = 1 << 20 // 1MB per stream
	defaultTimeout = 10 * time.Minute
)

// Invocation describes one agent activation.
type Invocation struct {
	Agent     string
	Command   string
	Args      []string
	Env       []string
	Dir       string
	Timeout   time.Duration
	TriggerID string
	Trigger   protocol.Trigger
}

// Result is the typed outcome of one invocation.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Truncated bool
	Partial   bool           // agent reported a partial result
	Output    map[string]any // parsed JSON from stdout, when present
}

// Invoker runs agent subprocesses.
type Invoker struct {
	logger *zap.Logger
}

// NewInvoker creates an invoker.
func NewInvoker(logger *zap.Logger) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{logger: logger.Named("agent")}
}

// Invoke runs the agent command, feeding the trigger document on stdin
// and capturing both streams. The subprocess is killed at the timeout.
// No locks may be held across this call.
func (inv *Invoker) Invoke(ctx context.Context, call Invocation) (*Result, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdin, err := json.Marshal(map[string]any{
		"trigger_id": call.TriggerID,
		"trigger":    call.Trigger,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal activation: %w", err)
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(execCtx, call.Command, call.Args...)
	c.Dir = call.Dir
	c.Env = call.Env
	c.Stdin = bytes.NewReader(stdin)
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	runErr := c.Run()

	result := &Result{
		Duration:  time.Since(start),
		Stdout:    truncate(stdout.String(), maxOutputSize),
		Stderr:    truncate(stderr.String(), maxOutputSize),
		Truncated: stdout.Len() > maxOutputSize || stderr.Len() > maxOutputSize,
	}

	if runErr != nil {
		if execCtx.Err() != nil {
			result.ExitCode = -1
			return result, fmt.Errorf("agent %s timed out after %s", call.Agent, timeout)
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			return result, fmt.Errorf("invoke agent %s: %w", call.Agent, runErr)
		}
	}

	// Agents may emit a JSON object as their last stdout line; a
	// "partial": true field keeps the ticket in place and retries.
	if parsed := parseTailJSON(result.Stdout); parsed != nil {
		result.Output = parsed
		if partial, ok := parsed["partial"].(bool); ok {
			result.Partial = partial
		}
	}

	inv.logger.Info("agent invoked",
		zap.String("agent", call.Agent),
		zap.String("trigger_id", call.TriggerID),
		zap.Int("exit_code", result.ExitCode),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

func parseTailJSON(stdout string) map[string]any {
	lines := bytes.Split(bytes.TrimSpace([]byte(stdout)), []byte("\n"))
	if len(lines) == 0 {
		return nil
	}
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 || last[0] != '{' {
		return nil
	}
	var out map[string]any
	if json.Unmarshal(last, &out) != nil {
		return nil
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}
