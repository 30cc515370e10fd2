package triggerbus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hexley-dev/kmd/internal/protocol"
)

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
	return evt, nil
}

func (r *sinkRecorder) ofType(t protocol.EventType) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

func testBus(t *testing.T, cfg Config) (*Bus, *sinkRecorder) {
	t.Helper()
	dir := t.TempDir()
	for _, sub := range []string{"claimed", "done", "failed", "malformed"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", sub, err)
		}
	}
	sink := &sinkRecorder{}
	return New(dir, cfg, sink, nil), sink
}

func submit(t *testing.T, b *Bus, agent string, priority protocol.Priority) string {
	t.Helper()
	id, err := b.Submit(protocol.Trigger{
		Agent:     agent,
		EventType: protocol.EventRuleFired,
		Payload:   map[string]any{"agent": agent, "n": fmt.Sprint(time.Now().UnixNano())},
	}, priority)
	if err != nil {
		t.Fatalf("submit %s: %v", agent, err)
	}
	return id
}

func TestClaimOrderFollowsPriority(t *testing.T) {
	b, _ := testBus(t, Config{})

	submit(t, b, "low-agent", protocol.PriorityLow)
	submit(t, b, "medium-agent", protocol.PriorityMedium)
	submit(t, b, "critical-agent", protocol.PriorityCritical)
	submit(t, b, "high-agent", protocol.PriorityHigh)

	want := []string{"critical-agent", "high-agent", "medium-agent", "low-agent"}
	for _, agent := range want {
		c, err := b.Claim("worker-0")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if c.Trigger.Agent != agent {
			t.Fatalf("claimed %s, want %s", c.Trigger.Agent, agent)
		}
		if err := b.Complete(c, nil); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
	if _, err := b.Claim("worker-0"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("claim on empty queue = %v, want ErrNoPending", err)
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	b, _ := testBus(t, Config{})

	trigger := protocol.Trigger{
		Agent:     "builder",
		EventType: protocol.EventCodeCommitted,
		Payload:   map[string]any{"sha": "abc"},
	}
	id1, err := b.Submit(trigger, protocol.PriorityMedium)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	id2, err := b.Submit(trigger, protocol.PriorityMedium)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("idempotent submit returned new id: %s vs %s", id1, id2)
	}
	if counts := b.Counts(); counts[protocol.TriggerPending] != 1 {
		t.Fatalf("pending = %d, want 1", counts[protocol.TriggerPending])
	}

	// Completed triggers still dedup inside the window.
	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Complete(c, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	id3, err := b.Submit(trigger, protocol.PriorityMedium)
	if err != nil {
		t.Fatalf("submit after done: %v", err)
	}
	if id3 != id1 {
		t.Fatalf("done-window dedup failed: %s vs %s", id3, id1)
	}
}

func TestFailRetryableBacksOff(t *testing.T) {
	b, _ := testBus(t, Config{MaxAttempts: 3})

	submit(t, b, "flaky", protocol.PriorityHigh)
	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Fail(c, errors.New("transient"), true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	counts := b.Counts()
	if counts[protocol.TriggerPending] != 1 || counts[protocol.TriggerFailed] != 0 {
		t.Fatalf("counts after retryable fail = %v", counts)
	}

	// The backoff window makes it invisible to an immediate claim.
	if _, err := b.Claim("worker-0"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("claim during backoff = %v, want ErrNoPending", err)
	}
}

func TestFailExhaustedDeadLetters(t *testing.T) {
	b, sink := testBus(t, Config{MaxAttempts: 1})

	submit(t, b, "doomed", protocol.PriorityMedium)
	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Fail(c, errors.New("boom"), true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	counts := b.Counts()
	if counts[protocol.TriggerFailed] != 1 || counts[protocol.TriggerPending] != 0 {
		t.Fatalf("counts after exhaustion = %v", counts)
	}

	dead, err := b.DeadLetters()
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0]["error"] != "boom" {
		t.Fatalf("dead letters = %+v", dead)
	}
	if len(sink.ofType(protocol.EventTriggerFailed)) != 1 {
		t.Fatalf("no TRIGGER_FAILED event recorded")
	}
}

func TestNonRetryableFailGoesStraightToFailed(t *testing.T) {
	b, _ := testBus(t, Config{MaxAttempts: 5})

	submit(t, b, "fatal", protocol.PriorityMedium)
	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Fail(c, errors.New("bad input"), false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if counts := b.Counts(); counts[protocol.TriggerFailed] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestRecoverOrphansRequeues(t *testing.T) {
	b, _ := testBus(t, Config{})

	submit(t, b, "orphaned", protocol.PriorityHigh)
	if _, err := b.Claim("worker-crashed"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := b.RecoverOrphans()
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim after recovery: %v", err)
	}
	if c.Trigger.Attempts != 1 {
		t.Fatalf("attempts after recovery = %d, want 1", c.Trigger.Attempts)
	}
	if c.Trigger.ClaimedBy != "worker-0" {
		t.Fatalf("claimed_by = %q", c.Trigger.ClaimedBy)
	}
}

func TestExpiredClaimIsSwept(t *testing.T) {
	b, _ := testBus(t, Config{ClaimTTL: time.Millisecond})

	submit(t, b, "slow", protocol.PriorityMedium)
	if _, err := b.Claim("worker-0"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	c, err := b.Claim("worker-1")
	if err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
	if c.Trigger.ClaimedBy != "worker-1" {
		t.Fatalf("claimed_by = %q, want worker-1", c.Trigger.ClaimedBy)
	}
	if c.Trigger.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", c.Trigger.Attempts)
	}
}

func TestHighWatermarkThrottlesAndEvicts(t *testing.T) {
	b, sink := testBus(t, Config{HighWatermark: 2})

	submit(t, b, "low-1", protocol.PriorityLow)
	submit(t, b, "low-2", protocol.PriorityLow)

	_, err := b.Submit(protocol.Trigger{Agent: "medium", EventType: protocol.EventRuleFired}, protocol.PriorityMedium)
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("over-watermark submit = %v, want ErrThrottled", err)
	}

	// Critical work evicts low-priority backlog instead.
	if _, err := b.Submit(protocol.Trigger{Agent: "pager", EventType: protocol.EventRuleFired}, protocol.PriorityCritical); err != nil {
		t.Fatalf("critical submit: %v", err)
	}
	if evicted := sink.ofType(protocol.EventTriggerEvicted); len(evicted) == 0 {
		t.Fatalf("no eviction events recorded")
	}

	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c.Trigger.Agent != "pager" {
		t.Fatalf("claimed %s, want pager", c.Trigger.Agent)
	}
}

func TestEvictionDropsOldestLowsFirst(t *testing.T) {
	b, _ := testBus(t, Config{HighWatermark: 6})

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		if _, err := b.Submit(protocol.Trigger{
			Agent:     "janitor",
			EventType: protocol.EventRuleFired,
			Payload:   map[string]any{"n": fmt.Sprint(i)},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}, protocol.PriorityLow); err != nil {
			t.Fatalf("submit low %d: %v", i, err)
		}
	}

	if _, err := b.Submit(protocol.Trigger{Agent: "pager", EventType: protocol.EventRuleFired}, protocol.PriorityCritical); err != nil {
		t.Fatalf("critical submit: %v", err)
	}

	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim critical: %v", err)
	}
	if c.Trigger.Agent != "pager" {
		t.Fatalf("claimed %s, want pager", c.Trigger.Agent)
	}
	if err := b.Complete(c, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// The five oldest lows were evicted; only the newest survives.
	c, err = b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim survivor: %v", err)
	}
	if c.Trigger.Payload["n"] != "5" {
		t.Fatalf("surviving low = %v, want the newest (n=5)", c.Trigger.Payload)
	}
	if _, err := b.Claim("worker-0"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("claim = %v, want ErrNoPending", err)
	}
}

func TestResubmitAfterDeadLetterRejected(t *testing.T) {
	b, _ := testBus(t, Config{MaxAttempts: 1})

	trigger := protocol.Trigger{
		Agent:     "doomed",
		EventType: protocol.EventCodeCommitted,
		Payload:   map[string]any{"sha": "abc"},
	}
	if _, err := b.Submit(trigger, protocol.PriorityMedium); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Fail(c, errors.New("boom"), true); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if _, err := b.Submit(trigger, protocol.PriorityMedium); !errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("resubmit of dead-lettered trigger = %v, want ErrMaxAttempts", err)
	}

	// A different trigger from the same agent is unaffected.
	other := protocol.Trigger{Agent: "doomed", EventType: protocol.EventCodeCommitted, Payload: map[string]any{"sha": "def"}}
	if _, err := b.Submit(other, protocol.PriorityMedium); err != nil {
		t.Fatalf("unrelated submit: %v", err)
	}
}

func TestDependencyGating(t *testing.T) {
	b, _ := testBus(t, Config{})

	firstID, err := b.Submit(protocol.Trigger{Agent: "builder", EventType: protocol.EventRuleFired}, protocol.PriorityMedium)
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	if _, err := b.Submit(protocol.Trigger{
		Agent:          "tester",
		EventType:      protocol.EventRuleFired,
		AfterTriggerID: firstID,
	}, protocol.PriorityCritical); err != nil {
		t.Fatalf("submit dependent: %v", err)
	}

	// The dependent outranks the predecessor but cannot run yet.
	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c.Trigger.Agent != "builder" {
		t.Fatalf("claimed %s before dependency resolved", c.Trigger.Agent)
	}
	if err := b.Complete(c, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	c, err = b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim dependent: %v", err)
	}
	if c.Trigger.Agent != "tester" {
		t.Fatalf("claimed %s, want tester", c.Trigger.Agent)
	}
}

func TestFailedDependencyFailsDependent(t *testing.T) {
	b, _ := testBus(t, Config{MaxAttempts: 1})

	firstID, err := b.Submit(protocol.Trigger{Agent: "builder", EventType: protocol.EventRuleFired}, protocol.PriorityMedium)
	if err != nil {
		t.Fatalf("submit first: %v", err)
	}
	if _, err := b.Submit(protocol.Trigger{
		Agent:          "tester",
		EventType:      protocol.EventRuleFired,
		AfterTriggerID: firstID,
	}, protocol.PriorityMedium); err != nil {
		t.Fatalf("submit dependent: %v", err)
	}

	c, err := b.Claim("worker-0")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Fail(c, errors.New("build broke"), false); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// Claiming now cascades the failure to the dependent.
	if _, err := b.Claim("worker-0"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("claim = %v, want ErrNoPending", err)
	}
	if counts := b.Counts(); counts[protocol.TriggerFailed] != 2 {
		t.Fatalf("failed count = %d, want 2", counts[protocol.TriggerFailed])
	}
}

func TestMalformedTriggerQuarantined(t *testing.T) {
	b, sink := testBus(t, Config{})

	name := protocol.TriggerName(protocol.PriorityHigh, time.Now().UTC(), "deadbeef")
	if err := os.WriteFile(filepath.Join(b.dir, name), []byte("not json"), 0o644); err != nil {
		t.Fatalf("plant malformed trigger: %v", err)
	}

	if _, err := b.Claim("worker-0"); !errors.Is(err, ErrNoPending) {
		t.Fatalf("claim = %v, want ErrNoPending", err)
	}
	if counts := b.Counts(); counts[protocol.TriggerMalformed] != 1 {
		t.Fatalf("malformed count = %d, want 1", counts[protocol.TriggerMalformed])
	}
	if len(sink.ofType(protocol.EventTriggerMalformed)) != 1 {
		t.Fatalf("no TRIGGER_MALFORMED event recorded")
	}
}

func TestDeriveKeyDistinguishesContent(t *testing.T) {
	a := DeriveKey(protocol.Trigger{Agent: "x", EventType: protocol.EventRuleFired, Payload: map[string]any{"n": 1}})
	b := DeriveKey(protocol.Trigger{Agent: "x", EventType: protocol.EventRuleFired, Payload: map[string]any{"n": 2}})
	if a == b {
		t.Fatalf("different payloads produced the same key")
	}
	if a != DeriveKey(protocol.Trigger{Agent: "x", EventType: protocol.EventRuleFired, Payload: map[string]any{"n": 1}}) {
		t.Fatalf("key is not deterministic")
	}
}
