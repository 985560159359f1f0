// Package mcp serves the working memory tools over MCP stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/working-memory/internal/memory"
	"github.com/xiy/working-memory/internal/store"
)

const (
	jsonRPCVersion         = "2.0"
	defaultProtocolVersion = "2024-11-05"

	codeParseError     = -32700
	codeMethodNotFound = -32601
)

// RequestLogSink receives summarized MCP request events.
type RequestLogSink interface {
	InsertMCPRequestLog(ctx context.Context, rec store.MCPRequestLog) error
}

// Server handles MCP JSON-RPC messages.
type Server struct {
	svc     *memory.Service
	logger  *log.Logger
	sink    RequestLogSink
	name    string
	version string
	tools   map[string]tool

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewServer creates an MCP server. sink may be nil.
func NewServer(svc *memory.Service, logger *log.Logger, sink RequestLogSink, name, version string) *Server {
	s := &Server{
		svc:     svc,
		logger:  logger,
		sink:    sink,
		name:    name,
		version: version,
		tools:   map[string]tool{},
	}
	for _, t := range toolset() {
		s.tools[t.def.Name] = t
	}
	return s
}

// Serve reads requests from in until EOF or ctx is done. Each response uses
// the framing of the request that produced it.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	w := newWire(in, out)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, mode, err := w.read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Warn("invalid JSON-RPC request", "error", err)
			resp := errorResponse(nil, codeParseError, "parse error", err.Error())
			s.recordRequest(ctx, request{Method: "parse_error"}, resp, 0)
			if err := w.write(resp, mode); err != nil {
				return err
			}
			continue
		}

		started := time.Now()
		resp, reply := s.handle(ctx, req)
		s.recordRequest(ctx, req, resp, time.Since(started))
		if !reply {
			continue
		}
		if err := w.write(resp, mode); err != nil {
			return err
		}
	}
}

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// handle dispatches one request. The bool reports whether a reply is owed;
// notifications get none.
func (s *Server) handle(ctx context.Context, req request) (response, bool) {
	s.requests.Add(1)
	hasID := len(req.ID) > 0
	id := decodeID(req.ID)
	ok := func(result any) (response, bool) {
		return response{JSONRPC: jsonRPCVersion, ID: id, Result: result}, hasID
	}

	switch req.Method {
	case "notifications/initialized":
		return response{}, false
	case "initialize":
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &p)
		pv := strings.TrimSpace(p.ProtocolVersion)
		if pv == "" {
			pv = defaultProtocolVersion
		}
		return ok(map[string]any{
			"protocolVersion": pv,
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": false}},
			"serverInfo":      map[string]any{"name": s.name, "version": s.version},
		})
	case "ping":
		return ok(map[string]any{})
	case "tools/list":
		return ok(map[string]any{"tools": toolDefinitions()})
	case "tools/call":
		res, err := s.callTool(ctx, req.Params)
		if err != nil {
			s.failures.Add(1)
			return ok(toolError(err))
		}
		return ok(res)
	default:
		if !hasID {
			return response{}, false
		}
		return errorResponse(id, codeMethodNotFound, "method not found", req.Method), true
	}
}

func (s *Server) recordRequest(ctx context.Context, req request, resp response, took time.Duration) {
	if s.sink == nil {
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = "unknown"
	}
	success, errText := outcome(resp)
	rec := store.MCPRequestLog{
		Method:     method,
		ToolName:   toolName(req),
		Success:    success,
		ErrorText:  errText,
		DurationMS: took.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.sink.InsertMCPRequestLog(ctx, rec); err != nil {
		s.logger.Warn("failed to persist MCP request log", "error", err)
	}
}

func toolName(req request) string {
	if req.Method != "tools/call" || len(req.Params) == 0 {
		return ""
	}
	var p struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return ""
	}
	return strings.TrimSpace(p.Name)
}

// outcome reports whether resp succeeded and, if not, a short error text.
func outcome(resp response) (bool, string) {
	if resp.Error != nil {
		return false, strings.TrimSpace(resp.Error.Message)
	}
	res, ok := resp.Result.(toolResult)
	if !ok || !res.IsError {
		return true, ""
	}
	if len(res.Content) > 0 {
		if text := strings.TrimSpace(res.Content[0].Text); text != "" {
			return false, text
		}
	}
	return false, "tool call failed"
}

func errorResponse(id any, code int, msg string, data any) response {
	return response{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg, Data: data},
	}
}

func decodeID(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// Snapshot returns server counters for dashboards.
func (s *Server) Snapshot() map[string]any {
	return map[string]any{
		"requests": s.requests.Load(),
		"errors":   s.failures.Load(),
		"ts":       time.Now().UTC(),
	}
}
