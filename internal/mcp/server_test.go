package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"github.com/xiy/working-memory/internal/config"
	"github.com/xiy/working-memory/internal/memory"
	"github.com/xiy/working-memory/internal/store"
	"github.com/xiy/working-memory/internal/workingmemory"
)

type captureSink struct {
	rows []store.MCPRequestLog
}

func (c *captureSink) InsertMCPRequestLog(_ context.Context, rec store.MCPRequestLog) error {
	c.rows = append(c.rows, rec)
	return nil
}

func newTestServer(t *testing.T, sink RequestLogSink) *Server {
	t.Helper()
	logger := log.NewWithOptions(io.Discard, log.Options{})
	st, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "wm.db"), logger)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	cfg := config.Default()
	engine, err := workingmemory.New(cfg.Tables(), cfg.Params())
	if err != nil {
		t.Fatalf("workingmemory.New() error = %v", err)
	}
	svc, err := memory.NewService(st, engine, cfg, logger)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return NewServer(svc, logger, sink, "working-memory", "test")
}

func call(t *testing.T, srv *Server, name string, args any) toolResult {
	t.Helper()
	params, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	resp, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`7`), Method: "tools/call", Params: params})
	if !ok {
		t.Fatal("expected response")
	}
	res, isTool := resp.Result.(toolResult)
	if !isTool {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	return res
}

func TestHandle_ToolsList(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	resp, ok := srv.handle(context.Background(), request{JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: "tools/list"})
	if !ok {
		t.Fatal("expected response")
	}
	result, _ := resp.Result.(map[string]any)
	tools, _ := result["tools"].([]ToolDefinition)
	var names []string
	for _, d := range tools {
		names = append(names, d.Name)
	}
	want := "wm_context_pack,wm_get,wm_ingest,wm_restore,wm_search,wm_sweep,wm_trigger"
	if got := strings.Join(names, ","); got != want {
		t.Fatalf("tools = %s, want %s", got, want)
	}
}

func TestHandle_NotificationsAndUnknownMethods(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	if _, ok := srv.handle(context.Background(), request{Method: "notifications/initialized"}); ok {
		t.Fatal("notifications must not be answered")
	}
	if _, ok := srv.handle(context.Background(), request{Method: "nope"}); ok {
		t.Fatal("unknown notification must not be answered")
	}
	resp, ok := srv.handle(context.Background(), request{ID: json.RawMessage(`"a"`), Method: "nope"})
	if !ok || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got %+v", resp)
	}
}

func TestTools_IngestTriggerRestoreFlow(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	res := call(t, srv, "wm_ingest", map[string]any{
		"id":               "n1",
		"namespace":        "org/repo",
		"content":          "the build cache lives in /var/cache/ci",
		"content_category": "fact",
	})
	if res.IsError {
		t.Fatalf("wm_ingest failed: %s", res.Content[0].Text)
	}

	res = call(t, srv, "wm_trigger", map[string]any{"item_id": "n1", "type": "explicit_save"})
	if res.IsError || !strings.Contains(res.Content[0].Text, `"promoted": true`) {
		t.Fatalf("expected promotion, got %s", res.Content[0].Text)
	}

	res = call(t, srv, "wm_trigger", map[string]any{"item_id": "n1", "type": "user_viewed"})
	if !res.IsError {
		t.Fatal("expected trigger on promoted item to fail")
	}

	res = call(t, srv, "wm_restore", map[string]any{"item_id": "n1"})
	if !res.IsError {
		t.Fatal("expected restore of promoted item to fail")
	}

	res = call(t, srv, "wm_get", map[string]any{"item_id": "n1"})
	if res.IsError || !strings.Contains(res.Content[0].Text, `"status": "promoted"`) {
		t.Fatalf("expected promoted item, got %s", res.Content[0].Text)
	}

	res = call(t, srv, "wm_sweep", nil)
	if res.IsError || !strings.Contains(res.Content[0].Text, `"evaluated": 0`) {
		t.Fatalf("expected empty sweep, got %s", res.Content[0].Text)
	}
}

func TestTools_UnknownToolAndBadArguments(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	if res := call(t, srv, "memory_write", map[string]any{}); !res.IsError {
		t.Fatal("expected unknown tool error")
	}
	if res := call(t, srv, "wm_get", []int{1}); !res.IsError || !strings.Contains(res.Content[0].Text, "invalid wm_get arguments") {
		t.Fatalf("expected argument error, got %+v", res)
	}
	if got := srv.Snapshot()["errors"].(uint64); got != 2 {
		t.Fatalf("expected 2 failures counted, got %d", got)
	}
}

func TestReadWriteFramedMessage(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := newWire(nil, &buf)
	if err := w.write(response{JSONRPC: "2.0", ID: 1, Result: map[string]any{"ok": true}}, wireModeFramed); err != nil {
		t.Fatalf("write() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "Content-Length: ") {
		t.Fatalf("expected framed output, got %q", buf.String())
	}

	payload, mode, err := readMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if mode != wireModeFramed {
		t.Fatalf("expected framed mode, got %v", mode)
	}
	var got map[string]any
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if got["jsonrpc"] != "2.0" {
		t.Fatalf("expected jsonrpc 2.0, got %v", got["jsonrpc"])
	}
}

func TestReadMessage_JSONLine(t *testing.T) {
	t.Parallel()
	br := bufio.NewReader(strings.NewReader("\n\n{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"ping\"}\n"))

	payload, mode, err := readMessage(br)
	if err != nil {
		t.Fatalf("readMessage() error = %v", err)
	}
	if mode != wireModeJSONLine {
		t.Fatalf("expected JSON-line mode, got %v", mode)
	}
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		t.Fatalf("json.Unmarshal(payload) error = %v", err)
	}
	if req.Method != "ping" {
		t.Fatalf("expected method ping, got %q", req.Method)
	}
	if _, _, err := readMessage(br); err != io.EOF {
		t.Fatalf("expected io.EOF after last message, got %v", err)
	}
}

func TestReadFramed_MissingLength(t *testing.T) {
	t.Parallel()
	if _, err := readFramed(bufio.NewReader(strings.NewReader("X-Other: 1\r\n\r\n{}"))); err == nil {
		t.Fatal("expected error for missing Content-Length")
	}
}

func TestServe_JSONLineInitialize(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, nil)

	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"initialize\",\"params\":{\"protocolVersion\":\"2025-03-26\"}}\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	line := bytes.TrimSpace(out.Bytes())
	if bytes.Contains(line, []byte("Content-Length:")) {
		t.Fatalf("expected JSON-line response, got framed output: %q", string(line))
	}
	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
			ServerInfo      struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("json.Unmarshal(response) error = %v", err)
	}
	if resp.Result.ProtocolVersion != "2025-03-26" || resp.Result.ServerInfo.Name != "working-memory" {
		t.Fatalf("unexpected initialize result: %+v", resp.Result)
	}
}

func TestServe_LogsRequestEvents(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	srv := newTestServer(t, sink)

	in := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"method\":\"tools/call\",\"params\":{\"name\":\"wm_search\",\"arguments\":{\"query\":\"deploy\"}}}\nnot json\n")
	var out bytes.Buffer
	if err := srv.Serve(context.Background(), in, &out); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	if len(sink.rows) != 2 {
		t.Fatalf("expected 2 request log rows, got %d", len(sink.rows))
	}
	got := sink.rows[0]
	if got.Method != "tools/call" || got.ToolName != "wm_search" {
		t.Fatalf("unexpected log row: %+v", got)
	}
	if got.Success || got.ErrorText == "" {
		t.Fatalf("expected failed request due to missing namespace, got %+v", got)
	}
	if sink.rows[1].Method != "parse_error" || sink.rows[1].Success {
		t.Fatalf("expected failed parse_error row, got %+v", sink.rows[1])
	}
}
