package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hexley-dev/kmd/internal/agent"
	"github.com/hexley-dev/kmd/internal/protocol"
	"github.com/hexley-dev/kmd/internal/registry"
	"github.com/hexley-dev/kmd/internal/triggerbus"
)

func TestCheckTransition(t *testing.T) {
	cases := []struct {
		name string
		from protocol.TicketState
		to   protocol.TicketState
		role string
		ok   bool
	}{
		{"planner plans", protocol.TicketCreated, protocol.TicketPlanned, "planner", true},
		{"architect designs", protocol.TicketPlanned, protocol.TicketDesigned, "architect", true},
		{"builder implements", protocol.TicketDesigned, protocol.TicketImplemented, "builder", true},
		{"reviewer sends back", protocol.TicketImplemented, protocol.TicketDesigned, "architect", true},
		{"tester rejects", protocol.TicketTested, protocol.TicketImplemented, "builder", true},
		{"integrator completes", protocol.TicketIntegrated, protocol.TicketCompleted, "integrator", true},
		{"anyone blocks", protocol.TicketImplemented, protocol.TicketBlocked, "random-agent", true},
		{"anyone cancels", protocol.TicketPlanned, protocol.TicketCancelled, "random-agent", true},
		{"system fails blocked", protocol.TicketBlocked, protocol.TicketFailed, "system", true},

		{"wrong role", protocol.TicketCreated, protocol.TicketPlanned, "builder", false},
		{"skipped stage", protocol.TicketCreated, protocol.TicketImplemented, "builder", false},
		{"backwards jump", protocol.TicketTested, protocol.TicketPlanned, "planner", false},
		{"from terminal", protocol.TicketCompleted, protocol.TicketPlanned, "planner", false},
		{"non-system fail", protocol.TicketBlocked, protocol.TicketFailed, "builder", false},
	}
	for _, tc := range cases {
		err := CheckTransition(tc.from, tc.to, tc.role)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
}

func TestKeyedLocksSerializeAndDrop(t *testing.T) {
	k := keyedLocks{locks: make(map[string]*lockEntry)}

	unlock := k.lock("TCK-000001")
	acquired := make(chan struct{})
	go func() {
		u := k.lock("TCK-000001")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatalf("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second lock never acquired")
	}

	// Entries are dropped once unused.
	deadline := time.Now().Add(time.Second)
	for {
		k.mu.Lock()
		n := len(k.locks)
		k.mu.Unlock()
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("lock entry leaked: %d remaining", n)
		}
		time.Sleep(time.Millisecond)
	}
}

type fakeRunner struct {
	mu      sync.Mutex
	results []*agent.Result
	errs    []error
	calls   int
}

func (r *fakeRunner) Run(ctx context.Context, c *triggerbus.Claimed) (*agent.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	var result *agent.Result
	if i < len(r.results) {
		result = r.results[i]
	}
	return result, err
}

type sinkRecorder struct {
	mu     sync.Mutex
	nextID int64
	events []protocol.Event
}

func (r *sinkRecorder) Append(evt protocol.Event) (protocol.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	evt.ID = r.nextID
	evt.TSWall = time.Now().UTC()
	r.events = append(r.events, evt)
	return r.events[len(r.events)-1], nil
}

func (r *sinkRecorder) has(t protocol.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, evt := range r.events {
		if evt.Type == t {
			return true
		}
	}
	return false
}

func testHarness(t *testing.T, runner Runner) (*Orchestrator, *triggerbus.Bus, *registry.Store, *sinkRecorder) {
	t.Helper()
	dir := t.TempDir()

	triggers := filepath.Join(dir, "triggers")
	for _, sub := range []string{"", "claimed", "done", "failed", "malformed"} {
		if err := os.MkdirAll(filepath.Join(triggers, sub), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	sink := &sinkRecorder{}
	bus := triggerbus.New(triggers, triggerbus.Config{MaxAttempts: 3}, sink, nil)

	store, err := registry.Open(filepath.Join(dir, "registry.db"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	o := New(Config{Workers: 2}, bus, store, sink, runner, nil, nil)
	return o, bus, store, sink
}

func claimOne(t *testing.T, bus *triggerbus.Bus, agentName string) *triggerbus.Claimed {
	t.Helper()
	if _, err := bus.Submit(protocol.Trigger{
		Agent:     agentName,
		EventType: protocol.EventRuleFired,
	}, protocol.PriorityMedium); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c, err := bus.Claim("worker-test")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return c
}

func TestProcessSuccessAppliesTicketTransition(t *testing.T) {
	runner := &fakeRunner{}
	o, bus, store, sink := testHarness(t, runner)

	ticket, err := store.CreateTicket("wire the parser", "feature")
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}

	runner.results = []*agent.Result{{
		ExitCode: 0,
		Output: map[string]any{
			"ticket_id": ticket.ID,
			"to_state":  "PLANNED",
			"role":      "planner",
			"artifacts": []any{"docs/plan.md"},
		},
	}}

	c := claimOne(t, bus, "planner")
	o.process(context.Background(), c)

	if counts := bus.Counts(); counts[protocol.TriggerDone] != 1 {
		t.Fatalf("counts = %v, want 1 done", counts)
	}
	got, err := store.GetTicket(ticket.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.State != protocol.TicketPlanned {
		t.Fatalf("ticket state = %s, want PLANNED", got.State)
	}
	if !sink.has(protocol.EventTicketTransition) {
		t.Fatalf("no TICKET_TRANSITION event recorded")
	}
	history, err := store.ListTransitions(ticket.ID)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(history) != 1 || history[0].Outputs[0] != "docs/plan.md" {
		t.Fatalf("history = %+v", history)
	}
}

func TestProcessPartialResultRetries(t *testing.T) {
	runner := &fakeRunner{results: []*agent.Result{{
		ExitCode: 0,
		Partial:  true,
		Output:   map[string]any{"partial": true, "progress": "3 of 7 files"},
	}}}
	o, bus, _, sink := testHarness(t, runner)

	c := claimOne(t, bus, "builder")
	o.process(context.Background(), c)

	if !sink.has(protocol.EventPartialResult) {
		t.Fatalf("no PARTIAL_RESULT event recorded")
	}
	// The trigger goes back to pending for another attempt.
	counts := bus.Counts()
	if counts[protocol.TriggerPending] != 1 || counts[protocol.TriggerFailed] != 0 {
		t.Fatalf("counts after partial = %v", counts)
	}
}

func TestProcessNonRetryableExitDeadLetters(t *testing.T) {
	runner := &fakeRunner{results: []*agent.Result{{
		ExitCode: 2,
		Stderr:   "unknown agent",
		Output:   map[string]any{"retryable": false},
	}}}
	o, bus, _, _ := testHarness(t, runner)

	c := claimOne(t, bus, "ghost")
	o.process(context.Background(), c)

	counts := bus.Counts()
	if counts[protocol.TriggerFailed] != 1 || counts[protocol.TriggerPending] != 0 {
		t.Fatalf("counts = %v, want 1 failed", counts)
	}
	dead, err := bus.DeadLetters()
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	msg, _ := dead[0]["error"].(string)
	if !strings.Contains(msg, "exited 2") {
		t.Fatalf("dead letter error = %q", msg)
	}
}

func TestProcessInvalidTransitionFailsTrigger(t *testing.T) {
	runner := &fakeRunner{}
	o, bus, store, _ := testHarness(t, runner)

	ticket, err := store.CreateTicket("skip stages", "")
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	// CREATED -> TESTED is not an edge; the trigger must not retry.
	runner.results = []*agent.Result{{
		ExitCode: 0,
		Output:   map[string]any{"ticket_id": ticket.ID, "to_state": "TESTED", "role": "tester"},
	}}

	c := claimOne(t, bus, "tester")
	o.process(context.Background(), c)

	if counts := bus.Counts(); counts[protocol.TriggerFailed] != 1 {
		t.Fatalf("counts = %v, want 1 failed", counts)
	}
	got, err := store.GetTicket(ticket.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.State != protocol.TicketCreated {
		t.Fatalf("ticket moved to %s", got.State)
	}
}

func TestRetryableExitHonorsAgentFlag(t *testing.T) {
	if !retryableExit(&agent.Result{ExitCode: 1}) {
		t.Fatalf("plain non-zero exit should retry")
	}
	if retryableExit(&agent.Result{ExitCode: 1, Output: map[string]any{"retryable": false}}) {
		t.Fatalf("explicit retryable=false should not retry")
	}
	if !retryableExit(&agent.Result{ExitCode: 1, Output: map[string]any{"retryable": true}}) {
		t.Fatalf("explicit retryable=true should retry")
	}
}

func TestClassSemaphoresNeverZero(t *testing.T) {
	for _, workers := range []int{1, 2, 8} {
		sems := classSemaphores(workers)
		for priority, sem := range sems {
			if cap(sem) < 1 {
				t.Fatalf("workers=%d: %s semaphore has zero capacity", workers, priority)
			}
		}
		if cap(sems[protocol.PriorityCritical]) != workers {
			t.Fatalf("critical capacity = %d, want %d", cap(sems[protocol.PriorityCritical]), workers)
		}
	}
}
