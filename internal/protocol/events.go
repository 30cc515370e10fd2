// Package protocol defines the on-disk and wire formats shared by the
// Knowledge Manager, the orchestrator, the trigger bus and the bridge.
// Every component imports this package to ensure type safety.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies event log records.
type EventType string

const (
	// Written by git hooks and agents
	EventCodeCommitted  EventType = "CODE_COMMITTED"
	EventFileRegistered EventType = "FILE_REGISTERED"
	EventAPIRegistered  EventType = "API_REGISTERED"

	// Written by the trigger bus
	EventTriggerSubmitted EventType = "TRIGGER_SUBMITTED"
	EventTriggerClaimed   EventType = "TRIGGER_CLAIMED"
	EventTriggerCompleted EventType = "TRIGGER_COMPLETED"
	EventTriggerFailed    EventType = "TRIGGER_FAILED"
	EventTriggerEvicted   EventType = "TRIGGER_EVICTED"
	EventTriggerMalformed EventType = "TRIGGER_MALFORMED"

	// Written by the orchestrator
	EventTicketCreated    EventType = "TICKET_CREATED"
	EventTicketTransition EventType = "TICKET_TRANSITION"
	EventPartialResult    EventType = "PARTIAL"

	// Written by the ambient engine
	EventRuleFired    EventType = "RULE_FIRED"
	EventRuleDisabled EventType = "RULE_DISABLED"

	// Written by the runtime itself
	EventKMStarted     EventType = "KM_STARTED"
	EventKMStopped     EventType = "KM_STOPPED"
	EventIntegrityFail EventType = "INTEGRITY_FAIL"
	EventLogRotated    EventType = "LOG_ROTATED"
)

// SourceKind identifies what kind of actor produced an event.
type SourceKind string

const (
	SourceAgent  SourceKind = "agent"
	SourceSystem SourceKind = "system"
	SourceHook   SourceKind = "hook"
)

// Source identifies the producer of an event.
type Source struct {
	Kind SourceKind `json:"kind"`
	Name string     `json:"name"`
}

// Event is one immutable record in a project's event log.
// Hash is SHA-256 over PrevHash concatenated with the record's canonical
// bytes (the record serialized without the hash field).
type Event struct {
	ID       int64          `json:"id"`
	TSWall   time.Time      `json:"ts_wall"`
	TSMono   int64          `json:"ts_mono"`
	TicketID *string        `json:"ticket_id"`
	Type     EventType      `json:"type"`
	Source   Source         `json:"source"`
	Payload  map[string]any `json:"payload,omitempty"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash,omitempty"`
}

// CanonicalBytes serializes the event without its hash field. Map keys
// are sorted by encoding/json, so the output is deterministic.
func (e Event) CanonicalBytes() ([]byte, error) {
	shadow := struct {
		ID       int64          `json:"id"`
		TSWall   time.Time      `json:"ts_wall"`
		TSMono   int64          `json:"ts_mono"`
		TicketID *string        `json:"ticket_id"`
		Type     EventType      `json:"type"`
		Source   Source         `json:"source"`
		Payload  map[string]any `json:"payload,omitempty"`
		PrevHash string         `json:"prev_hash"`
	}{e.ID, e.TSWall, e.TSMono, e.TicketID, e.Type, e.Source, e.Payload, e.PrevHash}

	data, err := json.Marshal(shadow)
	if err != nil {
		return nil, fmt.Errorf("canonicalize event %d: %w", e.ID, err)
	}
	return data, nil
}

// Health is the response body of GET /health.
type Health struct {
	Status      string `json:"status"`
	ProjectPath string `json:"project_path"`
	ProjectID   string `json:"project_id,omitempty"`
	Version     string `json:"version"`
	UptimeS     int64  `json:"uptime_s"`
}

// Runtime status strings reported by `kmd status`.
const (
	StatusRunning       = "RUNNING"
	StatusStale         = "STALE"
	StatusStopped       = "STOPPED"
	StatusPortExhausted = "PORT_EXHAUSTED"
	StatusIntegrityFail = "INTEGRITY_FAIL"
)
