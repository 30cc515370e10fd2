package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Priority orders trigger claims. Critical claims first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the claim order of a priority; lower claims first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 4
}

// TriggerState tracks where a trigger file lives.
type TriggerState string

const (
	TriggerPending   TriggerState = "pending"
	TriggerClaimed   TriggerState = "claimed"
	TriggerDone      TriggerState = "done"
	TriggerFailed    TriggerState = "failed"
	TriggerMalformed TriggerState = "malformed"
)

// Trigger is the content of one trigger file. The file name carries the
// priority and creation time; everything else lives in the JSON body.
type Trigger struct {
	Agent          string         `json:"agent"`
	EventType      EventType      `json:"event_type"`
	Payload        map[string]any `json:"payload,omitempty"`
	ChangedPaths   []string       `json:"changed_paths,omitempty"`
	IdempotencyKey string         `json:"idempotency_key"`
	CreatedAt      time.Time      `json:"created_at"`
	Attempts       int            `json:"attempts"`
	AfterTriggerID string         `json:"after_trigger_id,omitempty"`

	// Earliest claim time, set when a retry is scheduled with backoff.
	NotBefore *time.Time `json:"not_before,omitempty"`

	// Claim metadata, present only while the trigger is claimed.
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimDeadline *time.Time `json:"claim_deadline,omitempty"`
}

// TriggerName builds the file name for a trigger:
// <priority>_<timestamp_ms>_<rand>.json
func TriggerName(p Priority, createdAt time.Time, rand string) string {
	return fmt.Sprintf("%s_%d_%s.json", p, createdAt.UnixMilli(), rand)
}

// ParseTriggerName extracts priority and creation time from a trigger
// file name. The name without the .json suffix is the trigger id.
func ParseTriggerName(name string) (Priority, time.Time, error) {
	base := strings.TrimSuffix(name, ".json")
	parts := strings.SplitN(base, "_", 3)
	if len(parts) != 3 {
		return "", time.Time{}, fmt.Errorf("malformed trigger name %q", name)
	}
	p := Priority(parts[0])
	if !p.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown priority in trigger name %q", name)
	}
	ms, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("bad timestamp in trigger name %q: %w", name, err)
	}
	return p, time.UnixMilli(ms).UTC(), nil
}

// TriggerID strips the .json suffix off a trigger file name.
func TriggerID(name string) string {
	return strings.TrimSuffix(name, ".json")
}

// TicketState is one node of the per-ticket state machine.
type TicketState string

const (
	TicketCreated     TicketState = "CREATED"
	TicketPlanned     TicketState = "PLANNED"
	TicketDesigned    TicketState = "DESIGNED"
	TicketImplemented TicketState = "IMPLEMENTED"
	TicketReviewed    TicketState = "REVIEWED"
	TicketTested      TicketState = "TESTED"
	TicketIntegrated  TicketState = "INTEGRATED"
	TicketCompleted   TicketState = "COMPLETED"
	TicketBlocked     TicketState = "BLOCKED"
	TicketFailed      TicketState = "FAILED"
	TicketCancelled   TicketState = "CANCELLED"
)

// Terminal reports whether a ticket state accepts no further transitions.
// FAILED is terminal unless an explicit reopen event is appended.
func (s TicketState) Terminal() bool {
	return s == TicketCompleted || s == TicketCancelled || s == TicketFailed
}
