package orchestrator

import (
	"fmt"

	"github.com/hexley-dev/kmd/internal/protocol"
)

// transitionTable is the ticket state machine. A ticket only moves along
// these edges; everything else is rejected before touching the store.
var transitionTable = map[protocol.TicketState][]protocol.TicketState{
	protocol.TicketCreated:     {protocol.TicketPlanned, protocol.TicketBlocked, protocol.TicketCancelled},
	protocol.TicketPlanned:     {protocol.TicketDesigned, protocol.TicketBlocked, protocol.TicketCancelled},
	protocol.TicketDesigned:    {protocol.TicketImplemented, protocol.TicketBlocked, protocol.TicketCancelled},
	protocol.TicketImplemented: {protocol.TicketReviewed, protocol.TicketDesigned, protocol.TicketBlocked, protocol.TicketCancelled},
	protocol.TicketReviewed:    {protocol.TicketTested, protocol.TicketImplemented, protocol.TicketBlocked, protocol.TicketCancelled},
	protocol.TicketTested:      {protocol.TicketIntegrated, protocol.TicketImplemented, protocol.TicketBlocked, protocol.TicketCancelled},
	protocol.TicketIntegrated:  {protocol.TicketCompleted, protocol.TicketBlocked, protocol.TicketCancelled},
	protocol.TicketBlocked:     {protocol.TicketPlanned, protocol.TicketDesigned, protocol.TicketImplemented, protocol.TicketFailed, protocol.TicketCancelled},
}

// roleTable gates who may move a ticket into each state. The empty role
// means any agent; "system" transitions are reserved to the runtime.
var roleTable = map[protocol.TicketState]string{
	protocol.TicketPlanned:     "planner",
	protocol.TicketDesigned:    "architect",
	protocol.TicketImplemented: "builder",
	protocol.TicketReviewed:    "reviewer",
	protocol.TicketTested:      "tester",
	protocol.TicketIntegrated:  "integrator",
	protocol.TicketCompleted:   "integrator",
	protocol.TicketFailed:      "system",
	protocol.TicketCancelled:   "",
	protocol.TicketBlocked:     "",
}

// CheckTransition validates one edge of the ticket state machine for the
// given actor role.
func CheckTransition(from, to protocol.TicketState, role string) error {
	if from.Terminal() {
		return fmt.Errorf("ticket state %s is terminal", from)
	}
	allowed := false
	for _, next := range transitionTable[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("transition %s -> %s is not allowed", from, to)
	}
	if required := roleTable[to]; required != "" && required != role {
		return fmt.Errorf("role %q may not move a ticket to %s (needs %s)", role, to, required)
	}
	return nil
}
