// Package ambient runs the background rule engine: a single-threaded
// cooperative loop that evaluates a fixed, data-driven set of rules
// each tick and emits triggers when they fire. Rules carry cooldown and
// debounce policies and a per-rule failure budget; a rule that keeps
// failing is disabled until an operator resets it.
package ambient

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/protocol"
	"github.com/hexley-dev/kmd/internal/registry"
	"github.com/hexley-dev/kmd/internal/telemetry"
	"github.com/hexley-dev/kmd/internal/triggerbus"
)

const (
	snapshotWindow  = time.Hour
	snapshotMaxSize = 2000
	failureBudget   = 3
)

// Snapshot is the read-only view a predicate evaluates over.
type Snapshot struct {
	Now    time.Time
	Events []protocol.Event // recent events, oldest first
	Queue  map[protocol.TriggerState]int
}

// CountSince counts events of one type newer than now-window.
func (s Snapshot) CountSince(t protocol.EventType, window time.Duration) int {
	cutoff := s.Now.Add(-window)
	n := 0
	for _, evt := range s.Events {
		if evt.Type == t && evt.TSWall.After(cutoff) {
			n++
		}
	}
	return n
}

// LastOf returns the newest event of a type, or nil.
func (s Snapshot) LastOf(t protocol.EventType) *protocol.Event {
	for i := len(s.Events) - 1; i >= 0; i-- {
		if s.Events[i].Type == t {
			return &s.Events[i]
		}
	}
	return nil
}

// Rule pairs a predicate with the trigger it emits.
type Rule struct {
	Name       string
	Agent      string
	EventType  protocol.EventType
	Priority   protocol.Priority
	Cooldown   time.Duration
	Debounce   time.Duration // quiet period required on the rule's input events
	DebounceOn protocol.EventType
	Schedule   string // optional cron expression gating evaluation
	Silent     bool   // silent rules log at debug only

	// Predicate returns whether to fire plus a structured reason.
	Predicate func(Snapshot) (bool, string)

	schedule cron.Schedule
}

// EventSource supplies recent events for snapshots and records the
// engine's own lifecycle events. Satisfied by *eventlog.Log.
type EventSource interface {
	Tail(sinceID int64, limit int) ([]protocol.Event, error)
	Append(protocol.Event) (protocol.Event, error)
}

// Engine evaluates rules on a fixed tick.
type Engine struct {
	rules    []Rule
	breakers map[string]*gobreaker.CircuitBreaker

	store  *registry.Store
	bus    *triggerbus.Bus
	source EventSource
	logger *zap.Logger

	tick    time.Duration
	ticking bool // previous tick still running; used for backpressure

	lastSeenID int64
	window     []protocol.Event
}

// NewEngine creates an engine with no rules registered.
func NewEngine(store *registry.Store, bus *triggerbus.Bus, source EventSource, tick time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Engine{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		store:    store,
		bus:      bus,
		source:   source,
		logger:   logger.Named("ambient"),
		tick:     tick,
	}
}

// Register appends a rule. Evaluation order is registration order and
// is deterministic per tick.
func (e *Engine) Register(rule Rule) error {
	if rule.Name == "" || rule.Agent == "" || rule.Predicate == nil {
		return fmt.Errorf("rule needs name, agent and predicate")
	}
	if !rule.Priority.Valid() {
		return fmt.Errorf("rule %s: unknown priority %q", rule.Name, rule.Priority)
	}
	if rule.Schedule != "" {
		sched, err := cron.ParseStandard(rule.Schedule)
		if err != nil {
			return fmt.Errorf("rule %s: parse schedule: %w", rule.Name, err)
		}
		rule.schedule = sched
	}

	e.breakers[rule.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: rule.Name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureBudget
		},
		Timeout: 24 * time.Hour, // effectively "until operator reset"
	})
	e.rules = append(e.rules, rule)
	return nil
}

// Run drives the tick loop until ctx is cancelled. Ticks are skipped
// while the previous tick is still running.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("ambient engine starting",
		zap.Duration("tick", e.tick),
		zap.Int("rules", len(e.rules)),
	)

	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("ambient engine stopping")
			return
		case <-ticker.C:
			if e.ticking {
				e.logger.Warn("skipping tick; previous still running")
				continue
			}
			e.ticking = true
			e.runTick(ctx)
			e.ticking = false
		}
	}
}

// runTick refreshes the snapshot and evaluates every rule in order.
// Firings are serialized; a panicking or erroring rule is isolated and
// charged against its failure budget.
func (e *Engine) runTick(ctx context.Context) {
	snap, err := e.snapshot()
	if err != nil {
		e.logger.Error("snapshot failed", zap.Error(err))
		return
	}

	for i := range e.rules {
		if ctx.Err() != nil {
			return
		}
		e.evaluate(ctx, &e.rules[i], snap)
	}
}

func (e *Engine) evaluate(ctx context.Context, rule *Rule, snap Snapshot) {
	state, err := e.store.GetRuleState(rule.Name)
	if err != nil {
		e.logger.Error("load rule state", zap.String("rule", rule.Name), zap.Error(err))
		return
	}
	if state.Disabled {
		return
	}

	// Cooldown: consecutive firings must be >= Cooldown apart.
	if rule.Cooldown > 0 && state.LastFired != nil && snap.Now.Sub(*state.LastFired) < rule.Cooldown {
		return
	}

	// Cron gate: only evaluate when the schedule has come due since the
	// last firing.
	if rule.schedule != nil {
		since := snap.Now.Add(-e.tick)
		if state.LastFired != nil {
			since = *state.LastFired
		}
		if rule.schedule.Next(since).After(snap.Now) {
			return
		}
	}

	// Debounce: require a quiet period on the rule's input events.
	if rule.Debounce > 0 && rule.DebounceOn != "" {
		if last := snap.LastOf(rule.DebounceOn); last != nil && snap.Now.Sub(last.TSWall) < rule.Debounce {
			return
		}
	}

	breaker := e.breakers[rule.Name]
	_, err = breaker.Execute(func() (any, error) {
		return nil, e.fire(ctx, rule, snap, &state)
	})
	if err != nil {
		state.Failures++
		if breaker.State() == gobreaker.StateOpen && !state.Disabled {
			state.Disabled = true
			e.logger.Error("rule disabled after exhausting failure budget",
				zap.String("rule", rule.Name),
				zap.Int("failures", state.Failures),
			)
			e.append(protocol.Event{
				Type:   protocol.EventRuleDisabled,
				Source: protocol.Source{Kind: protocol.SourceSystem, Name: "ambient"},
				Payload: map[string]any{
					"rule":     rule.Name,
					"failures": state.Failures,
				},
			})
		}
		if perr := e.store.PutRuleState(state); perr != nil {
			e.logger.Error("persist rule state", zap.String("rule", rule.Name), zap.Error(perr))
		}
	}
}

// fire runs the predicate and, when it holds, submits the rule's
// trigger and stamps last-fired.
func (e *Engine) fire(ctx context.Context, rule *Rule, snap Snapshot, state *registry.RuleState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule.Name, r)
		}
	}()

	fired, reason := rule.Predicate(snap)
	if !fired {
		return nil
	}

	_, span := telemetry.StartRuleSpan(ctx, rule.Name)
	defer span.End()

	triggerID, err := e.bus.Submit(protocol.Trigger{
		Agent:     rule.Agent,
		EventType: rule.EventType,
		Payload: map[string]any{
			"rule":   rule.Name,
			"reason": reason,
		},
	}, rule.Priority)
	if err != nil {
		return fmt.Errorf("submit trigger for rule %s: %w", rule.Name, err)
	}

	now := snap.Now
	state.LastFired = &now
	state.Failures = 0
	if err := e.store.PutRuleState(*state); err != nil {
		return err
	}

	e.append(protocol.Event{
		Type:   protocol.EventRuleFired,
		Source: protocol.Source{Kind: protocol.SourceSystem, Name: "ambient"},
		Payload: map[string]any{
			"rule":       rule.Name,
			"reason":     reason,
			"trigger_id": triggerID,
		},
	})

	if rule.Silent {
		e.logger.Debug("rule fired", zap.String("rule", rule.Name), zap.String("trigger_id", triggerID))
	} else {
		e.logger.Info("rule fired",
			zap.String("rule", rule.Name),
			zap.String("reason", reason),
			zap.String("trigger_id", triggerID),
		)
	}
	return nil
}

// append records an engine lifecycle event best-effort; rule outcomes
// do not depend on it.
func (e *Engine) append(evt protocol.Event) {
	if _, err := e.source.Append(evt); err != nil {
		e.logger.Warn("failed to record ambient event", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

// ResetRule clears a rule's failure budget and re-enables it.
func (e *Engine) ResetRule(name string) error {
	state, err := e.store.GetRuleState(name)
	if err != nil {
		return err
	}
	state.Failures = 0
	state.Disabled = false
	if err := e.store.PutRuleState(state); err != nil {
		return err
	}
	// Recreate the breaker: gobreaker has no manual close.
	e.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureBudget
		},
		Timeout: 24 * time.Hour,
	})
	return nil
}

// snapshot pulls new events into the sliding window and reads queue
// depths.
func (e *Engine) snapshot() (Snapshot, error) {
	fresh, err := e.source.Tail(e.lastSeenID, snapshotMaxSize)
	if err != nil {
		return Snapshot{}, err
	}
	if len(fresh) > 0 {
		e.lastSeenID = fresh[len(fresh)-1].ID
		e.window = append(e.window, fresh...)
	}

	// Trim by age and size.
	cutoff := time.Now().UTC().Add(-snapshotWindow)
	start := 0
	for start < len(e.window) && e.window[start].TSWall.Before(cutoff) {
		start++
	}
	if over := len(e.window) - start - snapshotMaxSize; over > 0 {
		start += over
	}
	e.window = append([]protocol.Event(nil), e.window[start:]...)

	return Snapshot{
		Now:    time.Now().UTC(),
		Events: e.window,
		Queue:  e.bus.Counts(),
	}, nil
}
