package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hexley-dev/kmd/internal/protocol"
)

// Ticket is a long-lived unit of work.
type Ticket struct {
	ID               string               `json:"id"`
	Description      string               `json:"description"`
	Mode             string               `json:"mode,omitempty"`
	State            protocol.TicketState `json:"state"`
	CreatedAt        time.Time            `json:"created_at"`
	LastTransitionAt time.Time            `json:"last_transition_at"`
}

// Transition is one recorded state change of a ticket.
type Transition struct {
	ID       int64                `json:"id"`
	TicketID string               `json:"ticket_id"`
	From     protocol.TicketState `json:"from"`
	To       protocol.TicketState `json:"to"`
	Agent    string               `json:"agent"`
	Inputs   []int64              `json:"inputs"`  // consumed event ids
	Outputs  []string             `json:"outputs"` // produced artifact paths
	At       time.Time            `json:"at"`
}

// CreateTicket inserts a new ticket in state CREATED and returns it.
// Ids are sequential in the form TCK-000042.
func (s *Store) CreateTicket(description, mode string) (*Ticket, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, fmt.Errorf("description is required")
	}

	var ticket *Ticket
	err := s.write(func(db *sql.DB) error {
		var maxSeq sql.NullInt64
		if err := db.QueryRow(`SELECT MAX(CAST(SUBSTR(id, 5) AS INTEGER)) FROM tickets`).Scan(&maxSeq); err != nil {
			return err
		}
		now := time.Now().UTC()
		ticket = &Ticket{
			ID:               fmt.Sprintf("TCK-%06d", maxSeq.Int64+1),
			Description:      description,
			Mode:             mode,
			State:            protocol.TicketCreated,
			CreatedAt:        now,
			LastTransitionAt: now,
		}
		_, err := db.Exec(`INSERT INTO tickets (id, description, mode, state, created_at, last_transition_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ticket.ID, ticket.Description, ticket.Mode, string(ticket.State),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return ticket, nil
}

// GetTicket returns one ticket by id.
func (s *Store) GetTicket(id string) (*Ticket, error) {
	var (
		ticket    Ticket
		state     string
		createdAt string
		lastAt    string
	)
	err := s.db.QueryRow(`SELECT id, description, mode, state, created_at, last_transition_at FROM tickets WHERE id = ?`, id).
		Scan(&ticket.ID, &ticket.Description, &ticket.Mode, &state, &createdAt, &lastAt)
	if err != nil {
		return nil, err
	}
	ticket.State = protocol.TicketState(state)
	ticket.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	ticket.LastTransitionAt, _ = time.Parse(time.RFC3339Nano, lastAt)
	return &ticket, nil
}

// ListTickets returns tickets, optionally filtered by state.
func (s *Store) ListTickets(state protocol.TicketState) ([]Ticket, error) {
	stmt := `SELECT id, description, mode, state, created_at, last_transition_at FROM tickets`
	args := []any{}
	if state != "" {
		stmt += ` WHERE state = ?`
		args = append(args, string(state))
	}
	stmt += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Ticket, 0)
	for rows.Next() {
		var (
			ticket    Ticket
			st        string
			createdAt string
			lastAt    string
		)
		if err := rows.Scan(&ticket.ID, &ticket.Description, &ticket.Mode, &st, &createdAt, &lastAt); err != nil {
			return nil, err
		}
		ticket.State = protocol.TicketState(st)
		ticket.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		ticket.LastTransitionAt, _ = time.Parse(time.RFC3339Nano, lastAt)
		out = append(out, ticket)
	}
	return out, rows.Err()
}

// RecordTransition atomically advances a ticket's state and appends the
// transition record. The expected from-state guards against concurrent
// advancement; a mismatch returns sql.ErrNoRows.
func (s *Store) RecordTransition(t Transition) (*Transition, error) {
	if t.TicketID == "" {
		return nil, fmt.Errorf("ticket_id is required")
	}
	if t.At.IsZero() {
		t.At = time.Now().UTC()
	}

	inputsJSON, _ := json.Marshal(orEmptyInt64(t.Inputs))
	outputsJSON, _ := json.Marshal(orEmptyStrings(t.Outputs))

	err := s.write(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.Exec(`UPDATE tickets SET state = ?, last_transition_at = ? WHERE id = ? AND state = ?`,
			string(t.To), t.At.Format(time.RFC3339Nano), t.TicketID, string(t.From))
		if err != nil {
			return err
		}
		rows, _ := res.RowsAffected()
		if rows == 0 {
			return sql.ErrNoRows
		}

		result, err := tx.Exec(`INSERT INTO transitions (ticket_id, from_state, to_state, agent, inputs, outputs, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.TicketID, string(t.From), string(t.To), t.Agent,
			string(inputsJSON), string(outputsJSON), t.At.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		t.ID, _ = result.LastInsertId()
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransitions returns a ticket's transitions in order.
func (s *Store) ListTransitions(ticketID string) ([]Transition, error) {
	rows, err := s.db.Query(`SELECT id, ticket_id, from_state, to_state, agent, inputs, outputs, at
		FROM transitions WHERE ticket_id = ? ORDER BY id`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Transition, 0)
	for rows.Next() {
		var (
			t           Transition
			from, to    string
			inputsJSON  string
			outputsJSON string
			at          string
		)
		if err := rows.Scan(&t.ID, &t.TicketID, &from, &to, &t.Agent, &inputsJSON, &outputsJSON, &at); err != nil {
			return nil, err
		}
		t.From = protocol.TicketState(from)
		t.To = protocol.TicketState(to)
		_ = json.Unmarshal([]byte(inputsJSON), &t.Inputs)
		_ = json.Unmarshal([]byte(outputsJSON), &t.Outputs)
		t.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// RuleState is the persisted half of an ambient rule.
type RuleState struct {
	Name      string     `json:"name"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	Failures  int        `json:"failures"`
	Disabled  bool       `json:"disabled"`
}

// GetRuleState returns a rule's state, zero-valued if never recorded.
func (s *Store) GetRuleState(name string) (RuleState, error) {
	var (
		state     RuleState
		lastFired sql.NullString
		disabled  int
	)
	err := s.db.QueryRow(`SELECT name, last_fired, failures, disabled FROM rule_state WHERE name = ?`, name).
		Scan(&state.Name, &lastFired, &state.Failures, &disabled)
	if IsNotFound(err) {
		return RuleState{Name: name}, nil
	}
	if err != nil {
		return RuleState{}, err
	}
	if lastFired.Valid && lastFired.String != "" {
		if ts, err := time.Parse(time.RFC3339Nano, lastFired.String); err == nil {
			state.LastFired = &ts
		}
	}
	state.Disabled = disabled == 1
	return state, nil
}

// PutRuleState upserts a rule's state.
func (s *Store) PutRuleState(state RuleState) error {
	disabled := 0
	if state.Disabled {
		disabled = 1
	}
	var lastFired sql.NullString
	if state.LastFired != nil {
		lastFired = sql.NullString{String: state.LastFired.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`INSERT INTO rule_state (name, last_fired, failures, disabled) VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				last_fired = excluded.last_fired,
				failures = excluded.failures,
				disabled = excluded.disabled`,
			state.Name, lastFired, state.Failures, disabled,
		)
		return err
	})
}

func orEmptyInt64(v []int64) []int64 {
	if v == nil {
		return []int64{}
	}
	return v
}

func orEmptyStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
