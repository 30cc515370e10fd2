// Package triggerbus implements the durable, file-based queue of agent
// activations. Trigger files move between the pending directory and
// claimed/, done/, failed/ and malformed/ as they are processed; every
// move is an atomic rename under the claim lock.
package triggerbus

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/fsq"
	"github.com/hexley-dev/kmd/internal/protocol"
)

var (
	// ErrThrottled is returned when the pending queue is over the high
	// watermark and the submitted trigger is not critical.
	ErrThrottled = errors.New("trigger bus over high watermark")
	// ErrUnresolvedDependency marks a trigger whose after_trigger_id
	// never completed within the dependency wait.
	ErrUnresolvedDependency = errors.New("unresolved trigger dependency")
	// ErrNoPending is returned by Claim when nothing is eligible.
	ErrNoPending = errors.New("no pending trigger")
	// ErrMaxAttempts rejects resubmission of a trigger that was
	// dead-lettered after exhausting its attempt budget.
	ErrMaxAttempts = errors.New("trigger dead-lettered after max attempts")
)

const (
	claimLockName   = ".claim.lock"
	dedupWindow     = 24 * time.Hour
	evictBatchLimit = 5
	lockTimeout     = 5 * time.Second
)

// EventSink is where the bus records its lifecycle events. Satisfied by
// *eventlog.Log.
type EventSink interface {
	Append(protocol.Event) (protocol.Event, error)
}

// Config tunes the bus.
type Config struct {
	MaxAttempts    int
	ClaimTTL       time.Duration
	DependencyWait time.Duration
	HighWatermark  int
}

// Bus manages one project's triggers directory.
type Bus struct {
	dir       string // pending triggers live at the top level
	claimed   string
	done      string
	failed    string
	malformed string
	lockPath  string

	cfg    Config
	sink   EventSink
	logger *zap.Logger
}

// Claimed is a trigger handed to a worker, with its file identity.
type Claimed struct {
	ID       string
	Priority protocol.Priority
	Trigger  protocol.Trigger
}

// New creates a bus over an existing triggers directory tree.
func New(dir string, cfg Config, sink EventSink, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 5 * time.Minute
	}
	if cfg.DependencyWait <= 0 {
		cfg.DependencyWait = 10 * time.Minute
	}
	if cfg.HighWatermark <= 0 {
		cfg.HighWatermark = 500
	}
	return &Bus{
		dir:       dir,
		claimed:   filepath.Join(dir, "claimed"),
		done:      filepath.Join(dir, "done"),
		failed:    filepath.Join(dir, "failed"),
		malformed: filepath.Join(dir, "malformed"),
		lockPath:  filepath.Join(dir, claimLockName),
		cfg:       cfg,
		sink:      sink,
		logger:    logger.Named("triggerbus"),
	}
}

// Submit writes a trigger file atomically. Submission is idempotent on
// the idempotency key: if a same-key trigger is pending or completed
// within the dedup window, the existing id is returned.
func (b *Bus) Submit(t protocol.Trigger, priority protocol.Priority) (string, error) {
	if strings.TrimSpace(t.Agent) == "" {
		return "", fmt.Errorf("agent is required")
	}
	if t.EventType == "" {
		return "", fmt.Errorf("event_type is required")
	}
	if !priority.Valid() {
		return "", fmt.Errorf("unknown priority %q", priority)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.IdempotencyKey == "" {
		t.IdempotencyKey = DeriveKey(t)
	}

	var id string
	err := fsq.WithLock(b.lockPath, lockTimeout, func() error {
		if existing := b.findByKey(t.IdempotencyKey); existing != "" {
			id = existing
			return nil
		}
		if b.deadLetteredKey(t.IdempotencyKey) {
			return fmt.Errorf("%w: key %s", ErrMaxAttempts, t.IdempotencyKey)
		}

		pending, err := b.listPending()
		if err != nil {
			return err
		}
		if len(pending) >= b.cfg.HighWatermark {
			if priority != protocol.PriorityCritical {
				return fmt.Errorf("%w: %d pending", ErrThrottled, len(pending))
			}
			b.evictLowPriorityLocked(pending)
		}

		name := protocol.TriggerName(priority, t.CreatedAt, randSuffix())
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal trigger: %w", err)
		}
		if err := fsq.AtomicWrite(filepath.Join(b.dir, name), data, 0o644); err != nil {
			return err
		}
		id = protocol.TriggerID(name)
		return nil
	})
	if err != nil {
		return "", err
	}

	b.record(protocol.EventTriggerSubmitted, protocol.Source{Kind: protocol.SourceSystem, Name: "triggerbus"}, map[string]any{
		"trigger_id": id,
		"agent":      t.Agent,
		"priority":   string(priority),
	})
	return id, nil
}

// Claim picks the highest-priority oldest eligible pending trigger and
// moves it into claimed/ with the claimant's identity and a deadline.
// Expired claims are swept back to pending first.
func (b *Bus) Claim(claimant string) (*Claimed, error) {
	var out *Claimed
	err := fsq.WithLock(b.lockPath, lockTimeout, func() error {
		b.sweepExpiredLocked()

		pending, err := b.listPending()
		if err != nil {
			return err
		}
		sortPending(pending)

		now := time.Now().UTC()
		for _, name := range pending {
			trigger, err := b.readTrigger(filepath.Join(b.dir, name))
			if err != nil {
				b.quarantineLocked(name, err)
				continue
			}
			if trigger.NotBefore != nil && now.Before(*trigger.NotBefore) {
				continue
			}
			if eligible, err := b.dependencySatisfiedLocked(name, trigger); err != nil || !eligible {
				continue
			}

			priority, _, err := protocol.ParseTriggerName(name)
			if err != nil {
				b.quarantineLocked(name, err)
				continue
			}

			src := filepath.Join(b.dir, name)
			dst := filepath.Join(b.claimed, name)
			if err := fsq.Rename(src, dst); err != nil {
				return fmt.Errorf("claim %s: %w", name, err)
			}

			deadline := now.Add(b.cfg.ClaimTTL)
			trigger.ClaimedBy = claimant
			trigger.ClaimDeadline = &deadline
			data, _ := json.Marshal(trigger)
			if err := fsq.AtomicWrite(dst, data, 0o644); err != nil {
				return err
			}

			out = &Claimed{ID: protocol.TriggerID(name), Priority: priority, Trigger: *trigger}
			return nil
		}
		return ErrNoPending
	})
	if err != nil {
		return nil, err
	}

	b.record(protocol.EventTriggerClaimed, protocol.Source{Kind: protocol.SourceSystem, Name: claimant}, map[string]any{
		"trigger_id": out.ID,
		"agent":      out.Trigger.Agent,
	})
	return out, nil
}

// Complete moves a claimed trigger into done/ and records the result.
func (b *Bus) Complete(c *Claimed, result map[string]any) error {
	err := fsq.WithLock(b.lockPath, lockTimeout, func() error {
		name := c.ID + ".json"
		return fsq.Rename(filepath.Join(b.claimed, name), filepath.Join(b.done, name))
	})
	if err != nil {
		return err
	}

	b.record(protocol.EventTriggerCompleted, protocol.Source{Kind: protocol.SourceAgent, Name: c.Trigger.Agent}, map[string]any{
		"trigger_id": c.ID,
		"result":     result,
	})
	return nil
}

// Fail moves a claimed trigger into failed/ with a sibling .err file.
// Retryable failures under the attempt cap are resubmitted to pending
// with exponential backoff instead.
func (b *Bus) Fail(c *Claimed, failure error, retryable bool) error {
	attempts := c.Trigger.Attempts + 1

	if retryable && attempts < b.cfg.MaxAttempts {
		return b.resubmit(c, attempts, failure)
	}

	err := fsq.WithLock(b.lockPath, lockTimeout, func() error {
		name := c.ID + ".json"
		t := c.Trigger
		t.Attempts = attempts
		t.ClaimedBy = ""
		t.ClaimDeadline = nil
		data, _ := json.Marshal(t)
		if err := fsq.AtomicWrite(filepath.Join(b.failed, name), data, 0o644); err != nil {
			return err
		}
		if err := os.Remove(filepath.Join(b.claimed, name)); err != nil {
			return err
		}
		errObj, _ := json.Marshal(map[string]any{
			"error":    failure.Error(),
			"attempts": attempts,
			"at":       time.Now().UTC().Format(time.RFC3339Nano),
		})
		return fsq.AtomicWrite(filepath.Join(b.failed, c.ID+".err"), errObj, 0o644)
	})
	if err != nil {
		return err
	}

	b.record(protocol.EventTriggerFailed, protocol.Source{Kind: protocol.SourceAgent, Name: c.Trigger.Agent}, map[string]any{
		"trigger_id": c.ID,
		"error":      failure.Error(),
		"attempts":   attempts,
	})
	return nil
}

// resubmit returns a failed-but-retryable trigger to pending under its
// original name with attempts incremented and a backoff delay.
func (b *Bus) resubmit(c *Claimed, attempts int, failure error) error {
	backoff := backoffDelay(attempts)
	notBefore := time.Now().UTC().Add(backoff)

	t := c.Trigger
	t.Attempts = attempts
	t.NotBefore = &notBefore
	t.ClaimedBy = ""
	t.ClaimDeadline = nil

	err := fsq.WithLock(b.lockPath, lockTimeout, func() error {
		name := c.ID + ".json"
		data, _ := json.Marshal(t)
		if err := fsq.AtomicWrite(filepath.Join(b.dir, name), data, 0o644); err != nil {
			return err
		}
		return os.Remove(filepath.Join(b.claimed, name))
	})
	if err != nil {
		return err
	}

	b.logger.Info("trigger resubmitted",
		zap.String("trigger_id", c.ID),
		zap.Int("attempts", attempts),
		zap.Duration("backoff", backoff),
		zap.String("error", failure.Error()),
	)
	return nil
}

// RecoverOrphans returns every claimed trigger to pending with its
// attempt count incremented. Called on startup: any claim found then
// belonged to a crashed worker.
func (b *Bus) RecoverOrphans() (int, error) {
	recovered := 0
	err := fsq.WithLock(b.lockPath, lockTimeout, func() error {
		entries, err := os.ReadDir(b.claimed)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			if err := b.releaseClaimLocked(e.Name()); err != nil {
				b.logger.Warn("failed to recover claimed trigger", zap.String("name", e.Name()), zap.Error(err))
				continue
			}
			recovered++
		}
		return nil
	})
	return recovered, err
}

// sweepExpiredLocked returns claims whose deadline passed to pending.
func (b *Bus) sweepExpiredLocked() {
	entries, err := os.ReadDir(b.claimed)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		trigger, err := b.readTrigger(filepath.Join(b.claimed, e.Name()))
		if err != nil {
			// A torn claim rewrite: no deadline survives, so expire it.
			_ = b.releaseClaimLocked(e.Name())
			continue
		}
		if trigger.ClaimDeadline == nil || now.After(*trigger.ClaimDeadline) {
			_ = b.releaseClaimLocked(e.Name())
		}
	}
}

// releaseClaimLocked moves one claimed trigger back to pending,
// incrementing attempts and stripping claim metadata.
func (b *Bus) releaseClaimLocked(name string) error {
	src := filepath.Join(b.claimed, name)
	trigger, err := b.readTrigger(src)
	if err != nil {
		// Keep whatever bytes exist; the pending copy is re-parsed on
		// the next claim and quarantined if still unreadable.
		return fsq.Rename(src, filepath.Join(b.dir, name))
	}
	trigger.Attempts++
	trigger.ClaimedBy = ""
	trigger.ClaimDeadline = nil
	data, _ := json.Marshal(trigger)
	if err := fsq.AtomicWrite(filepath.Join(b.dir, name), data, 0o644); err != nil {
		return err
	}
	return os.Remove(src)
}

// dependencySatisfiedLocked resolves after_trigger_id gating. A trigger
// whose predecessor failed is failed immediately; one whose predecessor
// is unknown past the dependency wait fails with UnresolvedDependency.
func (b *Bus) dependencySatisfiedLocked(name string, t *protocol.Trigger) (bool, error) {
	dep := t.AfterTriggerID
	if dep == "" {
		return true, nil
	}
	if _, err := os.Stat(filepath.Join(b.done, dep+".json")); err == nil {
		return true, nil
	}
	if _, err := os.Stat(filepath.Join(b.failed, dep+".json")); err == nil {
		b.failPendingLocked(name, t, fmt.Errorf("predecessor %s failed", dep))
		return false, nil
	}

	pendingExists := false
	if _, err := os.Stat(filepath.Join(b.dir, dep+".json")); err == nil {
		pendingExists = true
	}
	if _, err := os.Stat(filepath.Join(b.claimed, dep+".json")); err == nil {
		pendingExists = true
	}
	if !pendingExists && time.Since(t.CreatedAt) > b.cfg.DependencyWait {
		b.failPendingLocked(name, t, fmt.Errorf("%w: %s", ErrUnresolvedDependency, dep))
		return false, nil
	}
	return false, nil
}

// failPendingLocked moves a pending trigger straight to failed/.
func (b *Bus) failPendingLocked(name string, t *protocol.Trigger, cause error) {
	if err := fsq.Rename(filepath.Join(b.dir, name), filepath.Join(b.failed, name)); err != nil {
		b.logger.Warn("failed to dead-letter trigger", zap.String("name", name), zap.Error(err))
		return
	}
	errObj, _ := json.Marshal(map[string]any{
		"error": cause.Error(),
		"at":    time.Now().UTC().Format(time.RFC3339Nano),
	})
	_ = fsq.AtomicWrite(filepath.Join(b.failed, protocol.TriggerID(name)+".err"), errObj, 0o644)

	b.record(protocol.EventTriggerFailed, protocol.Source{Kind: protocol.SourceSystem, Name: "triggerbus"}, map[string]any{
		"trigger_id": protocol.TriggerID(name),
		"error":      cause.Error(),
		"attempts":   t.Attempts,
	})
}

// quarantineLocked moves an unparseable trigger file to malformed/.
func (b *Bus) quarantineLocked(name string, cause error) {
	if err := fsq.Rename(filepath.Join(b.dir, name), filepath.Join(b.malformed, name)); err != nil {
		b.logger.Warn("failed to quarantine trigger", zap.String("name", name), zap.Error(err))
		return
	}
	b.record(protocol.EventTriggerMalformed, protocol.Source{Kind: protocol.SourceSystem, Name: "triggerbus"}, map[string]any{
		"trigger_id": protocol.TriggerID(name),
		"error":      cause.Error(),
	})
}

// evictLowPriorityLocked drops the oldest low-priority pending triggers
// to admit a critical one. Bounded per call; every eviction is audited.
func (b *Bus) evictLowPriorityLocked(pending []string) {
	victims := make([]string, 0, evictBatchLimit)
	sortPending(pending)
	for _, name := range pending {
		if len(victims) == evictBatchLimit {
			break
		}
		if strings.HasPrefix(name, string(protocol.PriorityLow)+"_") {
			victims = append(victims, name)
		}
	}
	for _, name := range victims {
		if err := fsq.Rename(filepath.Join(b.dir, name), filepath.Join(b.failed, name)); err != nil {
			continue
		}
		errObj, _ := json.Marshal(map[string]any{"error": "evicted under backpressure"})
		_ = fsq.AtomicWrite(filepath.Join(b.failed, protocol.TriggerID(name)+".err"), errObj, 0o644)
		b.record(protocol.EventTriggerEvicted, protocol.Source{Kind: protocol.SourceSystem, Name: "triggerbus"}, map[string]any{
			"trigger_id": protocol.TriggerID(name),
		})
	}
}

// deadLetteredKey reports whether a same-key trigger exhausted its
// attempt budget within the dedup window. Evicted and non-retryable
// failures do not count; only attempt exhaustion is a policy rejection.
func (b *Bus) deadLetteredKey(key string) bool {
	entries, err := os.ReadDir(b.failed)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if info, err := e.Info(); err != nil || time.Since(info.ModTime()) > dedupWindow {
			continue
		}
		trigger, err := b.readTrigger(filepath.Join(b.failed, e.Name()))
		if err != nil {
			continue
		}
		if trigger.IdempotencyKey == key && trigger.Attempts >= b.cfg.MaxAttempts {
			return true
		}
	}
	return false
}

// findByKey scans pending and the recent done window for a trigger with
// the same idempotency key.
func (b *Bus) findByKey(key string) string {
	for _, dir := range []string{b.dir, b.done} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			if dir == b.done {
				if info, err := e.Info(); err != nil || time.Since(info.ModTime()) > dedupWindow {
					continue
				}
			}
			trigger, err := b.readTrigger(filepath.Join(dir, e.Name()))
			if err != nil {
				continue
			}
			if trigger.IdempotencyKey == key {
				return protocol.TriggerID(e.Name())
			}
		}
	}
	return ""
}

func (b *Bus) readTrigger(path string) (*protocol.Trigger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var t protocol.Trigger
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trigger %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(t.Agent) == "" {
		return nil, fmt.Errorf("trigger %s has no agent", filepath.Base(path))
	}
	return &t, nil
}

func (b *Bus) listPending() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, e.Name())
	}
	return out, nil
}

// Counts reports queue depths per state for status output.
func (b *Bus) Counts() map[protocol.TriggerState]int {
	counts := map[protocol.TriggerState]int{}
	if pending, err := b.listPending(); err == nil {
		counts[protocol.TriggerPending] = len(pending)
	}
	for state, dir := range map[protocol.TriggerState]string{
		protocol.TriggerClaimed:   b.claimed,
		protocol.TriggerDone:      b.done,
		protocol.TriggerFailed:    b.failed,
		protocol.TriggerMalformed: b.malformed,
	} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		n := 0
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".json") {
				n++
			}
		}
		counts[state] = n
	}
	return counts
}

// DeadLetters lists failed triggers with their error summaries.
func (b *Bus) DeadLetters() ([]map[string]any, error) {
	entries, err := os.ReadDir(b.failed)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := protocol.TriggerID(e.Name())
		item := map[string]any{"trigger_id": id, "err_file": filepath.Join(b.failed, id+".err")}
		if errData, err := os.ReadFile(filepath.Join(b.failed, id+".err")); err == nil {
			var errObj map[string]any
			if json.Unmarshal(errData, &errObj) == nil {
				item["error"] = errObj["error"]
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func (b *Bus) record(t protocol.EventType, src protocol.Source, payload map[string]any) {
	if b.sink == nil {
		return
	}
	if _, err := b.sink.Append(protocol.Event{Type: t, Source: src, Payload: payload}); err != nil {
		b.logger.Warn("failed to record trigger event", zap.String("type", string(t)), zap.Error(err))
	}
}

// DeriveKey computes the default idempotency key for a trigger:
// (agent, event type, content hash).
func DeriveKey(t protocol.Trigger) string {
	payload, _ := json.Marshal(t.Payload)
	paths := strings.Join(t.ChangedPaths, "\x00")
	return fsq.SHA256Hex([]byte(t.Agent + "\x00" + string(t.EventType) + "\x00" + string(payload) + "\x00" + paths))
}

// sortPending orders names by priority rank, then creation time, then
// name for a total order.
func sortPending(names []string) {
	sort.Slice(names, func(i, j int) bool {
		pi, ti, erri := protocol.ParseTriggerName(names[i])
		pj, tj, errj := protocol.ParseTriggerName(names[j])
		if erri != nil || errj != nil {
			return names[i] < names[j]
		}
		if pi.Rank() != pj.Rank() {
			return pi.Rank() < pj.Rank()
		}
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return names[i] < names[j]
	})
}

func backoffDelay(attempts int) time.Duration {
	delay := 5 * time.Second
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}

func randSuffix() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}
