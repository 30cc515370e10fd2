package eventlog

import (
	"fmt"
	"sync"

	"github.com/hexley-dev/kmd/internal/protocol"
)

// Validator checks an event's payload before it is appended. The
// payload stays an opaque map on the wire for forward compatibility;
// validators enforce per-type structure at the log boundary.
type Validator func(protocol.Event) error

var (
	validatorMu sync.RWMutex
	validators  = map[protocol.EventType]Validator{}
)

func init() {
	none := func(protocol.Event) error { return nil }
	for _, t := range []protocol.EventType{
		protocol.EventFileRegistered,
		protocol.EventAPIRegistered,
		protocol.EventTriggerSubmitted,
		protocol.EventTriggerClaimed,
		protocol.EventTriggerEvicted,
		protocol.EventTriggerMalformed,
		protocol.EventTicketCreated,
		protocol.EventPartialResult,
		protocol.EventRuleDisabled,
		protocol.EventKMStarted,
		protocol.EventKMStopped,
		protocol.EventIntegrityFail,
		protocol.EventLogRotated,
	} {
		validators[t] = none
	}

	validators[protocol.EventCodeCommitted] = requirePayload("changed_paths")
	validators[protocol.EventTriggerCompleted] = requirePayload("trigger_id")
	validators[protocol.EventTriggerFailed] = requirePayload("trigger_id")
	validators[protocol.EventTicketTransition] = requirePayload("from", "to")
	validators[protocol.EventRuleFired] = requirePayload("rule")
}

func requirePayload(keys ...string) Validator {
	return func(evt protocol.Event) error {
		for _, k := range keys {
			if _, ok := evt.Payload[k]; !ok {
				return fmt.Errorf("event type %s requires payload field %q", evt.Type, k)
			}
		}
		return nil
	}
}

// RegisterEventType adds or replaces the validator for an event type.
// Appending an event whose type was never registered fails; extending
// the vocabulary goes through here, not ad hoc.
func RegisterEventType(t protocol.EventType, v Validator) {
	if v == nil {
		v = func(protocol.Event) error { return nil }
	}
	validatorMu.Lock()
	defer validatorMu.Unlock()
	validators[t] = v
}

func knownType(t protocol.EventType) bool {
	validatorMu.RLock()
	defer validatorMu.RUnlock()
	_, ok := validators[t]
	return ok
}

func validate(evt protocol.Event) error {
	validatorMu.RLock()
	v, ok := validators[evt.Type]
	validatorMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
	}
	return v(evt)
}
