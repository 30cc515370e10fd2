// Package bridge is the stdio-to-HTTP MCP adapter. Agent frontends
// speak MCP over stdin/stdout; the bridge discovers the project's KM,
// mirrors its tool surface and proxies every call over loopback HTTP.
// The bridge holds no state: killing it loses nothing.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/hexley-dev/kmd/internal/config"
	"github.com/hexley-dev/kmd/internal/project"
	"github.com/hexley-dev/kmd/internal/protocol"
)

// Bridge proxies one stdio MCP session to a project's KM.
type Bridge struct {
	paths   project.Paths
	cfg     config.Config
	version string
	logger  *zap.Logger

	httpClient *http.Client
	port       int
	nextID     int64
}

// New creates a bridge for the given project.
func New(paths project.Paths, cfg config.Config, version string, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		paths:      paths,
		cfg:        cfg,
		version:    version,
		logger:     logger.Named("bridge"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Run discovers the KM, mirrors its tools and serves MCP on stdio until
// the client closes the stream. Exits cleanly on EOF.
func (b *Bridge) Run(ctx context.Context) error {
	deadline := time.Duration(b.cfg.BridgeDiscoverTimeoutMS) * time.Millisecond
	port, err := discover(ctx, b.paths, b.cfg.PortMin, b.cfg.PortMax, deadline, b.logger)
	if err != nil {
		return err
	}
	b.port = port

	specs, err := b.fetchSpec(ctx)
	if err != nil {
		return fmt.Errorf("fetch tool spec: %w", err)
	}

	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "kmd-bridge",
		Version: b.version,
	}, nil)

	for _, spec := range specs {
		b.addTool(server, spec)
	}

	b.logger.Info("bridge connected",
		zap.Int("port", port),
		zap.Int("tools", len(specs)),
		zap.String("project", b.paths.Root),
	)

	err = server.Run(ctx, &mcpsdk.StdioTransport{})
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (b *Bridge) addTool(server *mcpsdk.Server, spec protocol.ToolSpec) {
	tool := &mcpsdk.Tool{
		Name:        spec.Name,
		Description: spec.Description,
	}
	server.AddTool(tool, func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		result, rpcErr := b.call(ctx, spec.Name, req.Params.Arguments)
		if rpcErr != nil {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{
					Text: fmt.Sprintf("km error %d: %s", rpcErr.Code, rpcErr.Message),
				}},
			}, nil
		}
		text, err := json.Marshal(result)
		if err != nil {
			return nil, err
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		}, nil
	})
}

// fetchSpec mirrors GET /mcp/spec.
func (b *Bridge) fetchSpec(ctx context.Context) ([]protocol.ToolSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url("/mcp/spec"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Tools []protocol.ToolSpec `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	return body.Tools, nil
}

// call proxies one tool call as a JSON-RPC request to POST /mcp. A
// connection failure triggers one rediscovery: the KM may have restarted
// on a different port mid-session.
func (b *Bridge) call(ctx context.Context, method string, params json.RawMessage) (any, *protocol.RPCError) {
	resp, err := b.post(ctx, method, params)
	if err != nil {
		deadline := time.Duration(b.cfg.BridgeDiscoverTimeoutMS) * time.Millisecond
		port, derr := discover(ctx, b.paths, b.cfg.PortMin, b.cfg.PortMax, deadline, b.logger)
		if derr != nil {
			return nil, &protocol.RPCError{Code: protocol.CodeNoLocalKM, Message: "no local km: " + err.Error()}
		}
		b.port = port
		if resp, err = b.post(ctx, method, params); err != nil {
			return nil, &protocol.RPCError{Code: protocol.CodeNoLocalKM, Message: "no local km: " + err.Error()}
		}
	}

	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (b *Bridge) post(ctx context.Context, method string, params json.RawMessage) (*protocol.RPCResponse, error) {
	b.nextID++
	id, _ := json.Marshal(b.nextID)
	payload, err := json.Marshal(protocol.RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url("/mcp"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-KM-Project", b.paths.Root)

	httpResp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var resp protocol.RPCResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (b *Bridge) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", b.port, path)
}
