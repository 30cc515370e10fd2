package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestPriorityRankOrder(t *testing.T) {
	ordered := []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Rank() >= ordered[i].Rank() {
			t.Fatalf("%s should rank before %s", ordered[i-1], ordered[i])
		}
	}
	if Priority("urgent").Valid() {
		t.Fatalf("unknown priority reported valid")
	}
}

func TestTriggerNameRoundTrip(t *testing.T) {
	created := time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	name := TriggerName(PriorityHigh, created, "a1b2c3d4")
	if !strings.HasPrefix(name, "high_") || !strings.HasSuffix(name, "_a1b2c3d4.json") {
		t.Fatalf("name = %q", name)
	}

	p, ts, err := ParseTriggerName(name)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p != PriorityHigh {
		t.Fatalf("priority = %s, want high", p)
	}
	if !ts.Equal(created) {
		t.Fatalf("timestamp = %s, want %s", ts, created)
	}
	if TriggerID(name) != strings.TrimSuffix(name, ".json") {
		t.Fatalf("id = %q", TriggerID(name))
	}
}

func TestParseTriggerNameRejectsGarbage(t *testing.T) {
	for _, name := range []string{
		"nope.json",
		"urgent_123_aa.json",
		"high_notanumber_aa.json",
		"high_123.json",
	} {
		if _, _, err := ParseTriggerName(name); err == nil {
			t.Fatalf("parse %q: expected error", name)
		}
	}
}

func TestCanonicalBytesExcludeHash(t *testing.T) {
	evt := Event{
		ID:       7,
		TSWall:   time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		Type:     EventCodeCommitted,
		Source:   Source{Kind: SourceHook, Name: "post-commit"},
		Payload:  map[string]any{"changed_paths": []string{"main.go"}},
		PrevHash: "abc",
	}

	withHash := evt
	withHash.Hash = "deadbeef"

	a, err := evt.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	b, err := withHash.CanonicalBytes()
	if err != nil {
		t.Fatalf("canonical with hash: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("hash leaked into canonical bytes")
	}
	if strings.Contains(string(a), "deadbeef") {
		t.Fatalf("canonical bytes contain the hash")
	}
}

func TestTicketStateTerminal(t *testing.T) {
	for state, terminal := range map[TicketState]bool{
		TicketCompleted:   true,
		TicketCancelled:   true,
		TicketFailed:      true,
		TicketCreated:     false,
		TicketImplemented: false,
		TicketBlocked:     false,
	} {
		if state.Terminal() != terminal {
			t.Fatalf("%s.Terminal() = %v, want %v", state, state.Terminal(), terminal)
		}
	}
}

func TestRPCErrorIsError(t *testing.T) {
	resp := NewError(json.RawMessage(`1`), CodeThrottled, "too busy")
	if resp.Error == nil || resp.Error.Code != CodeThrottled {
		t.Fatalf("error response = %+v", resp)
	}
	var err error = resp.Error
	if err.Error() != "too busy" {
		t.Fatalf("message = %q", err.Error())
	}
}
