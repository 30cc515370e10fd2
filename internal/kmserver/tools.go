package kmserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/eventlog"
	"github.com/hexley-dev/kmd/internal/protocol"
	"github.com/hexley-dev/kmd/internal/registry"
	"github.com/hexley-dev/kmd/internal/telemetry"
	"github.com/hexley-dev/kmd/internal/triggerbus"
)

// projectHeader lets callers assert which project they meant to reach.
// A mismatch means a stale port file pointed them at the wrong KM.
const projectHeader = "X-KM-Project"

type toolHandler func(params json.RawMessage) (any, *protocol.RPCError)

func (s *Server) tools() map[string]toolHandler {
	return map[string]toolHandler{
		"save":           s.toolSave,
		"query":          s.toolQuery,
		"get_file_path":  s.toolGetFilePath,
		"record_file":    s.toolRecordFile,
		"register_api":   s.toolRegisterAPI,
		"get_api":        s.toolGetAPI,
		"create_task":    s.toolCreateTask,
		"get_ticket":     s.toolGetTicket,
		"list_tickets":   s.toolListTickets,
		"submit_trigger": s.toolSubmitTrigger,
		"record_event":   s.toolRecordEvent,
		"tail_events":    s.toolTailEvents,
		"verify_log":     s.toolVerifyLog,
	}
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	s.touch()

	if claimed := r.Header.Get(projectHeader); claimed != "" && claimed != s.paths.Root {
		writeJSON(w, http.StatusOK, protocol.NewError(nil, protocol.CodeProjectMismatch,
			fmt.Sprintf("this km serves %s, not %s", s.paths.Root, claimed)))
		return
	}

	var req protocol.RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, protocol.NewError(nil, protocol.CodeParse, "malformed request: "+err.Error()))
		return
	}

	handler, ok := s.tools()[req.Method]
	if !ok {
		writeJSON(w, http.StatusOK, protocol.NewError(req.ID, protocol.CodeMethodNotFound, "unknown method "+req.Method))
		return
	}

	if s.metrics != nil {
		s.metrics.ToolCalls.WithLabelValues(req.Method).Inc()
	}
	_, span := telemetry.StartToolCallSpan(r.Context(), req.Method)
	defer span.End()

	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		if s.metrics != nil {
			s.metrics.ToolErrors.WithLabelValues(req.Method).Inc()
		}
		s.logger.Warn("tool call failed",
			zap.String("method", req.Method),
			zap.Int("code", rpcErr.Code),
			zap.String("error", rpcErr.Message),
		)
		writeJSON(w, http.StatusOK, protocol.RPCResponse{JSONRPC: "2.0", ID: req.ID, Error: rpcErr})
		return
	}
	writeJSON(w, http.StatusOK, protocol.NewResult(req.ID, result))
}

func (s *Server) handleSpec(w http.ResponseWriter, r *http.Request) {
	s.touch()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.version,
		"tools":   toolSpecs,
	})
}

func (s *Server) toolSave(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		Category  string         `json:"category"`
		Content   string         `json:"content"`
		Metadata  map[string]any `json:"metadata"`
		Embedding []byte         `json:"embedding"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	id, err := s.store.SaveKnowledge(p.Category, p.Content, p.Metadata, p.Embedding)
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"id": id}, nil
}

func (s *Server) toolQuery(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		Category string `json:"category"`
		Filter   string `json:"filter"`
		Limit    int    `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	items, err := s.store.QueryKnowledge(p.Category, p.Filter, p.Limit)
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"items": items}, nil
}

func (s *Server) toolGetFilePath(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		LogicalName string `json:"logical_name"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	path, err := s.store.GetFilePath(p.LogicalName)
	if registry.IsNotFound(err) {
		return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "unknown logical name " + p.LogicalName}
	}
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"path": path}, nil
}

func (s *Server) toolRecordFile(params json.RawMessage) (any, *protocol.RPCError) {
	var entry registry.FileEntry
	if err := decodeParams(params, &entry); err != nil {
		return nil, err
	}
	if err := s.store.RegisterFile(entry); err != nil {
		return nil, toolError(err)
	}
	s.append(protocol.Event{
		Type:   protocol.EventFileRegistered,
		Source: protocol.Source{Kind: protocol.SourceAgent, Name: entry.OwnerAgent},
		Payload: map[string]any{
			"path":         entry.Path,
			"logical_name": entry.LogicalName,
		},
	})
	return map[string]any{"ok": true}, nil
}

func (s *Server) toolRegisterAPI(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		Name   string         `json:"name"`
		Schema map[string]any `json:"schema"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	version, err := s.store.RegisterAPI(p.Name, p.Schema)
	if errors.Is(err, registry.ErrIncompatibleContract) {
		return nil, &protocol.RPCError{Code: protocol.CodeContractIncompatible, Message: err.Error()}
	}
	if err != nil {
		return nil, toolError(err)
	}
	s.append(protocol.Event{
		Type:   protocol.EventAPIRegistered,
		Source: protocol.Source{Kind: protocol.SourceAgent, Name: "register_api"},
		Payload: map[string]any{
			"name":    p.Name,
			"version": version,
		},
	})
	return map[string]any{"version": version}, nil
}

func (s *Server) toolGetAPI(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		Name    string `json:"name"`
		Version int    `json:"version"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	contract, err := s.store.GetAPI(p.Name, p.Version)
	if registry.IsNotFound(err) {
		return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "unknown api " + p.Name}
	}
	if err != nil {
		return nil, toolError(err)
	}
	return contract, nil
}

func (s *Server) toolCreateTask(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		Description string `json:"description"`
		Mode        string `json:"mode"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ticket, err := s.store.CreateTicket(p.Description, p.Mode)
	if err != nil {
		return nil, toolError(err)
	}
	s.append(protocol.Event{
		Type:     protocol.EventTicketCreated,
		TicketID: &ticket.ID,
		Source:   protocol.Source{Kind: protocol.SourceSystem, Name: "create_task"},
		Payload:  map[string]any{"description": ticket.Description, "mode": ticket.Mode},
	})
	return ticket, nil
}

func (s *Server) toolGetTicket(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		ID string `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	ticket, err := s.store.GetTicket(p.ID)
	if registry.IsNotFound(err) {
		return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "unknown ticket " + p.ID}
	}
	if err != nil {
		return nil, toolError(err)
	}
	transitions, err := s.store.ListTransitions(p.ID)
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"ticket": ticket, "transitions": transitions}, nil
}

func (s *Server) toolListTickets(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		State string `json:"state"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	tickets, err := s.store.ListTickets(protocol.TicketState(p.State))
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"tickets": tickets}, nil
}

func (s *Server) toolSubmitTrigger(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		protocol.Trigger
		Priority string `json:"priority"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	priority := protocol.Priority(p.Priority)
	if p.Priority == "" {
		priority = protocol.PriorityMedium
	}
	id, err := s.bus.Submit(p.Trigger, priority)
	if errors.Is(err, triggerbus.ErrThrottled) {
		return nil, &protocol.RPCError{Code: protocol.CodeThrottled, Message: err.Error()}
	}
	if errors.Is(err, triggerbus.ErrMaxAttempts) {
		return nil, &protocol.RPCError{Code: protocol.CodeMaxAttemptsExceeded, Message: err.Error()}
	}
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"trigger_id": id}, nil
}

// toolRecordEvent is the append path for hooks: a post-commit hook posts
// CODE_COMMITTED here.
func (s *Server) toolRecordEvent(params json.RawMessage) (any, *protocol.RPCError) {
	var evt protocol.Event
	if err := decodeParams(params, &evt); err != nil {
		return nil, err
	}
	if evt.Source.Kind == "" {
		evt.Source.Kind = protocol.SourceHook
	}
	out, err := s.log.Append(evt)
	if errors.Is(err, eventlog.ErrSealed) {
		return nil, &protocol.RPCError{Code: protocol.CodeIntegrityFailure, Message: err.Error()}
	}
	if errors.Is(err, eventlog.ErrUnknownEventType) {
		return nil, &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"id": out.ID, "hash": out.Hash}, nil
}

func (s *Server) toolTailEvents(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		SinceID int64 `json:"since_id"`
		Limit   int   `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	out, err := s.log.Tail(p.SinceID, p.Limit)
	if err != nil {
		return nil, toolError(err)
	}
	return map[string]any{"events": out}, nil
}

func (s *Server) toolVerifyLog(params json.RawMessage) (any, *protocol.RPCError) {
	var p struct {
		FromID int64 `json:"from_id"`
		ToID   int64 `json:"to_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	badID, err := s.log.Verify(p.FromID, p.ToID)
	if err != nil {
		return nil, toolError(err)
	}
	if badID != 0 && s.metrics != nil {
		s.metrics.IntegrityFailures.Inc()
	}
	return map[string]any{"ok": badID == 0, "first_bad_id": badID}, nil
}

// append records an event best-effort; tool results do not depend on it.
func (s *Server) append(evt protocol.Event) {
	if _, err := s.log.Append(evt); err != nil {
		s.logger.Warn("failed to append event", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

func decodeParams(params json.RawMessage, into any) *protocol.RPCError {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, into); err != nil {
		return &protocol.RPCError{Code: protocol.CodeInvalidParams, Message: "bad params: " + err.Error()}
	}
	return nil
}

func toolError(err error) *protocol.RPCError {
	return &protocol.RPCError{Code: protocol.CodeInternal, Message: err.Error()}
}

var toolSpecs = []protocol.ToolSpec{
	{
		Name:        "save",
		Description: "Store a knowledge item under a category; duplicate content is deduplicated.",
		Params:      map[string]any{"category": "string", "content": "string", "metadata": "object?", "embedding": "bytes?"},
		Returns:     map[string]any{"id": "string"},
	},
	{
		Name:        "query",
		Description: "Query knowledge items by category with an optional content filter.",
		Params:      map[string]any{"category": "string", "filter": "string?", "limit": "int?"},
		Returns:     map[string]any{"items": "array"},
	},
	{
		Name:        "get_file_path",
		Description: "Resolve a logical file name to its registered path.",
		Params:      map[string]any{"logical_name": "string"},
		Returns:     map[string]any{"path": "string"},
	},
	{
		Name:        "record_file",
		Description: "Register or refresh a file's ownership and checksum.",
		Params:      map[string]any{"path": "string", "logical_name": "string?", "owner_agent": "string", "checksum": "string"},
		Returns:     map[string]any{"ok": "bool"},
	},
	{
		Name:        "register_api",
		Description: "Register an API contract schema; compatible changes bump the version.",
		Params:      map[string]any{"name": "string", "schema": "object"},
		Returns:     map[string]any{"version": "int"},
	},
	{
		Name:        "get_api",
		Description: "Fetch an API contract, latest version by default.",
		Params:      map[string]any{"name": "string", "version": "int?"},
	},
	{
		Name:        "create_task",
		Description: "Create a ticket in state CREATED.",
		Params:      map[string]any{"description": "string", "mode": "string?"},
	},
	{
		Name:        "get_ticket",
		Description: "Fetch a ticket and its transition history.",
		Params:      map[string]any{"id": "string"},
	},
	{
		Name:        "list_tickets",
		Description: "List tickets, optionally filtered by state.",
		Params:      map[string]any{"state": "string?"},
	},
	{
		Name:        "submit_trigger",
		Description: "Submit an agent trigger; idempotent on the idempotency key.",
		Params:      map[string]any{"agent": "string", "event_type": "string", "payload": "object?", "changed_paths": "array?", "priority": "string?", "idempotency_key": "string?", "after_trigger_id": "string?"},
		Returns:     map[string]any{"trigger_id": "string"},
	},
	{
		Name:        "record_event",
		Description: "Append an event to the project event log.",
		Params:      map[string]any{"type": "string", "source": "object?", "ticket_id": "string?", "payload": "object?"},
		Returns:     map[string]any{"id": "int", "hash": "string"},
	},
	{
		Name:        "tail_events",
		Description: "Read events after an id, archives included.",
		Params:      map[string]any{"since_id": "int?", "limit": "int?"},
		Returns:     map[string]any{"events": "array"},
	},
	{
		Name:        "verify_log",
		Description: "Recompute the event log hash chain and report the first bad id.",
		Params:      map[string]any{"from_id": "int?", "to_id": "int?"},
		Returns:     map[string]any{"ok": "bool", "first_bad_id": "int"},
	},
}
