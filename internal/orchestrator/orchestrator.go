// Package orchestrator drives agent work: it claims triggers off the
// bus, invokes the matching agent subprocess under per-priority
// concurrency caps, applies any ticket transition the agent reports and
// settles the trigger as done or failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/agent"
	"github.com/hexley-dev/kmd/internal/metrics"
	"github.com/hexley-dev/kmd/internal/protocol"
	"github.com/hexley-dev/kmd/internal/registry"
	"github.com/hexley-dev/kmd/internal/telemetry"
	"github.com/hexley-dev/kmd/internal/triggerbus"
)

const pollInterval = 15 * time.Second

var errPartialResult = errors.New("agent reported a partial result")

// Runner executes one claimed trigger. The default runner shells out to
// the configured agent command; tests substitute their own.
type Runner interface {
	Run(ctx context.Context, c *triggerbus.Claimed) (*agent.Result, error)
}

// Config tunes the orchestrator.
type Config struct {
	Workers      int
	AgentCommand string   // command invoked for every agent
	AgentArgs    []string // static args; the agent name is appended
	AgentEnv     []string
	AgentDir     string
	AgentTimeout time.Duration
}

// Orchestrator owns the worker pool.
type Orchestrator struct {
	cfg     Config
	bus     *triggerbus.Bus
	store   *registry.Store
	sink    triggerbus.EventSink
	runner  Runner
	metrics *metrics.Metrics
	logger  *zap.Logger

	sems    map[protocol.Priority]chan struct{}
	tickets keyedLocks
}

// New wires an orchestrator. A nil runner gets the subprocess default.
func New(cfg Config, bus *triggerbus.Bus, store *registry.Store, sink triggerbus.EventSink, runner Runner, m *metrics.Metrics, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if runner == nil {
		runner = &execRunner{cfg: cfg, invoker: agent.NewInvoker(logger)}
	}
	return &Orchestrator{
		cfg:     cfg,
		bus:     bus,
		store:   store,
		sink:    sink,
		runner:  runner,
		metrics: m,
		logger:  logger.Named("orchestrator"),
		sems:    classSemaphores(cfg.Workers),
		tickets: keyedLocks{locks: make(map[string]*lockEntry)},
	}
}

// classSemaphores caps concurrent executions per priority class so a
// flood of low-priority work never starves critical triggers of workers.
func classSemaphores(workers int) map[protocol.Priority]chan struct{} {
	sem := func(n int) chan struct{} {
		if n < 1 {
			n = 1
		}
		return make(chan struct{}, n)
	}
	return map[protocol.Priority]chan struct{}{
		protocol.PriorityCritical: sem(workers),
		protocol.PriorityHigh:     sem(workers * 3 / 4),
		protocol.PriorityMedium:   sem(workers / 2),
		protocol.PriorityLow:      sem(1),
	}
}

// Run recovers orphaned claims, then runs the worker pool until ctx is
// cancelled. Workers sleep on the trigger-dir watcher between bursts and
// poll on a coarse interval as a safety net.
func (o *Orchestrator) Run(ctx context.Context) error {
	recovered, err := o.bus.RecoverOrphans()
	if err != nil {
		return fmt.Errorf("recover orphaned claims: %w", err)
	}
	if recovered > 0 {
		o.logger.Info("recovered orphaned claims", zap.Int("count", recovered))
	}

	watcher, err := o.bus.Watch(ctx)
	if err != nil {
		return err
	}

	o.logger.Info("orchestrator starting", zap.Int("workers", o.cfg.Workers))

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			o.worker(ctx, id, watcher.Wake())
		}(i)
	}
	wg.Wait()
	return nil
}

func (o *Orchestrator) worker(ctx context.Context, id int, wake <-chan struct{}) {
	claimant := fmt.Sprintf("worker-%d", id)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		o.drain(ctx, claimant)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

// drain claims and processes triggers until the queue is empty.
func (o *Orchestrator) drain(ctx context.Context, claimant string) {
	for ctx.Err() == nil {
		claimed, err := o.bus.Claim(claimant)
		if errors.Is(err, triggerbus.ErrNoPending) {
			return
		}
		if err != nil {
			o.logger.Error("claim failed", zap.Error(err))
			return
		}
		o.process(ctx, claimed)
	}
}

func (o *Orchestrator) process(ctx context.Context, c *triggerbus.Claimed) {
	sem := o.sems[c.Priority]
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		_ = o.bus.Fail(c, ctx.Err(), true)
		return
	}
	defer func() { <-sem }()

	ctx, span := telemetry.StartTriggerSpan(ctx, c.ID, c.Trigger.Agent, string(c.Priority))
	defer span.End()

	start := time.Now()
	invokeCtx, invokeSpan := telemetry.StartInvokeSpan(ctx, c.Trigger.Agent)
	result, err := o.runner.Run(invokeCtx, c)
	exitCode, partial := -1, false
	if result != nil {
		exitCode, partial = result.ExitCode, result.Partial
	}
	telemetry.EndInvokeSpan(invokeSpan, exitCode, partial)
	o.observe(c.Trigger.Agent, time.Since(start), err, result)

	switch {
	case err != nil:
		o.settle(c, o.bus.Fail(c, err, true))

	case result.Partial:
		o.recordPartial(c, result)
		o.settle(c, o.bus.Fail(c, errPartialResult, true))

	case result.ExitCode != 0:
		failure := fmt.Errorf("agent %s exited %d: %s", c.Trigger.Agent, result.ExitCode, tail(result.Stderr, 512))
		o.settle(c, o.bus.Fail(c, failure, retryableExit(result)))

	default:
		if err := o.applyOutput(c, result); err != nil {
			o.settle(c, o.bus.Fail(c, err, false))
			return
		}
		o.settle(c, o.bus.Complete(c, result.Output))
	}
}

func (o *Orchestrator) settle(c *triggerbus.Claimed, err error) {
	if err != nil {
		o.logger.Error("failed to settle trigger", zap.String("trigger_id", c.ID), zap.Error(err))
	}
}

// applyOutput performs the ticket transition an agent requested in its
// result document, if any. The ticket is locked for the duration so two
// agents finishing at once cannot interleave their transitions.
func (o *Orchestrator) applyOutput(c *triggerbus.Claimed, result *agent.Result) error {
	ticketID, _ := result.Output["ticket_id"].(string)
	toState, _ := result.Output["to_state"].(string)
	if ticketID == "" || toState == "" {
		return nil
	}
	role, _ := result.Output["role"].(string)
	if role == "" {
		role = c.Trigger.Agent
	}

	unlock := o.tickets.lock(ticketID)
	defer unlock()

	ticket, err := o.store.GetTicket(ticketID)
	if err != nil {
		return fmt.Errorf("load ticket %s: %w", ticketID, err)
	}
	to := protocol.TicketState(toState)
	if err := CheckTransition(ticket.State, to, role); err != nil {
		return fmt.Errorf("ticket %s: %w", ticketID, err)
	}

	transition, err := o.store.RecordTransition(registry.Transition{
		TicketID: ticketID,
		From:     ticket.State,
		To:       to,
		Agent:    c.Trigger.Agent,
		Outputs:  asStrings(result.Output["artifacts"]),
	})
	if err != nil {
		return fmt.Errorf("record transition for %s: %w", ticketID, err)
	}

	if o.sink != nil {
		_, err = o.sink.Append(protocol.Event{
			Type:     protocol.EventTicketTransition,
			TicketID: &ticketID,
			Source:   protocol.Source{Kind: protocol.SourceAgent, Name: c.Trigger.Agent},
			Payload: map[string]any{
				"from":          string(ticket.State),
				"to":            string(to),
				"transition_id": transition.ID,
			},
		})
		if err != nil {
			o.logger.Warn("failed to record transition event", zap.String("ticket_id", ticketID), zap.Error(err))
		}
	}
	if o.metrics != nil {
		o.metrics.TicketTransitions.WithLabelValues(string(to)).Inc()
	}

	o.logger.Info("ticket transitioned",
		zap.String("ticket_id", ticketID),
		zap.String("from", string(ticket.State)),
		zap.String("to", string(to)),
		zap.String("agent", c.Trigger.Agent),
	)
	return nil
}

// recordPartial persists the partial result so a later attempt can pick
// up where this one stopped.
func (o *Orchestrator) recordPartial(c *triggerbus.Claimed, result *agent.Result) {
	if o.sink == nil {
		return
	}
	_, err := o.sink.Append(protocol.Event{
		Type:   protocol.EventPartialResult,
		Source: protocol.Source{Kind: protocol.SourceAgent, Name: c.Trigger.Agent},
		Payload: map[string]any{
			"trigger_id": c.ID,
			"output":     result.Output,
		},
	})
	if err != nil {
		o.logger.Warn("failed to record partial result", zap.String("trigger_id", c.ID), zap.Error(err))
	}
}

func (o *Orchestrator) observe(agentName string, d time.Duration, err error, result *agent.Result) {
	if o.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
	case result != nil && result.Partial:
		outcome = "partial"
	case result != nil && result.ExitCode != 0:
		outcome = "nonzero_exit"
	}
	o.metrics.AgentInvocations.WithLabelValues(agentName, outcome).Inc()
	o.metrics.AgentDuration.WithLabelValues(agentName).Observe(d.Seconds())
}

// retryableExit honors an explicit "retryable": false in the agent's
// output; any other non-zero exit is retried.
func retryableExit(result *agent.Result) bool {
	if result.Output != nil {
		if retryable, ok := result.Output["retryable"].(bool); ok {
			return retryable
		}
	}
	return true
}

func asStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}

// execRunner shells out to the configured agent command.
type execRunner struct {
	cfg     Config
	invoker *agent.Invoker
}

func (r *execRunner) Run(ctx context.Context, c *triggerbus.Claimed) (*agent.Result, error) {
	if r.cfg.AgentCommand == "" {
		return nil, fmt.Errorf("no agent command configured")
	}
	return r.invoker.Invoke(ctx, agent.Invocation{
		Agent:     c.Trigger.Agent,
		Command:   r.cfg.AgentCommand,
		Args:      append(append([]string{}, r.cfg.AgentArgs...), c.Trigger.Agent),
		Env:       r.cfg.AgentEnv,
		Dir:       r.cfg.AgentDir,
		Timeout:   r.cfg.AgentTimeout,
		TriggerID: c.ID,
		Trigger:   c.Trigger,
	})
}

// keyedLocks hands out one mutex per ticket id, dropping entries once
// unused.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
