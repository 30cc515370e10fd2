package protocol

import "encoding/json"

// JSON-RPC 2.0 error codes. Domain-specific codes live in the
// -32000..-32099 range reserved for implementations.
const (
	CodeParse          = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeNoLocalKM            = -32000
	CodeProjectMismatch      = -32001
	CodeThrottled            = -32002
	CodeIntegrityFailure     = -32003
	CodeContractIncompatible = -32004
	CodeMaxAttemptsExceeded  = -32005
)

// RPCRequest is a JSON-RPC 2.0 request as posted to /mcp.
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// RPCError is the error member of a failed response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return e.Message
}

// RPCResponse is a JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewResult builds a success response for id.
func NewResult(id json.RawMessage, result any) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

// NewError builds a failure response for id.
func NewError(id json.RawMessage, code int, message string) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// ToolSpec describes one tool exposed on /mcp/spec.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
	Returns     map[string]any `json:"returns,omitempty"`
}
