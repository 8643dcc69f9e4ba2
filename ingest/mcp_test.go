package ingest

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/examforge/ingest/internal/session"
	"github.com/hazyhaar/examforge/ingest/internal/store"
)

var testMCPImpl = &mcp.Implementation{Name: "examforge-test", Version: "0.1.0"}

func mcpSession(t *testing.T, h *harness) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(testMCPImpl, nil)
	ctx := context.Background()
	h.o.RegisterMCP(ctx, srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { cs.Close() })
	return cs
}

func mcpCall(t *testing.T, cs *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_ListTools(t *testing.T) {
	cs := mcpSession(t, newHarness(t, respond()))
	res, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"examforge_enqueue": true,
		"examforge_status":  true,
		"examforge_pause":   true,
		"examforge_cancel":  true,
		"examforge_retry":   true,
	}
	for _, tool := range res.Tools {
		delete(want, tool.Name)
	}
	for name := range want {
		t.Errorf("missing tool %s", name)
	}
}

func TestMCP_EnqueueAndStatus(t *testing.T) {
	h := newHarness(t, respond(candidate("Through MCP?", 2)))
	cs := mcpSession(t, h)

	text, isErr := mcpCall(t, cs, "examforge_enqueue", map[string]any{
		"sources": []string{h.writeSource(t, "mcp.txt", 2)},
		"subject": "history",
		"run":     true,
	})
	if isErr {
		t.Fatalf("enqueue tool error: %s", text)
	}
	var b store.Batch
	if err := json.Unmarshal([]byte(text), &b); err != nil {
		t.Fatal(err)
	}
	h.o.Wait()

	text, isErr = mcpCall(t, cs, "examforge_status", map[string]any{"batch_id": b.ID})
	if isErr {
		t.Fatalf("status tool error: %s", text)
	}
	var rep BatchReport
	if err := json.Unmarshal([]byte(text), &rep); err != nil {
		t.Fatal(err)
	}
	if rep.Batch.Status != store.BatchDone || rep.Batch.Inserted != 1 {
		t.Errorf("batch = %+v", rep.Batch)
	}
	if len(rep.Sessions) != 1 || rep.Sessions[0].Subject != "history" {
		t.Errorf("sessions = %+v", rep.Sessions)
	}
}

func TestMCP_Commands(t *testing.T) {
	h := newHarness(t, respond())
	cs := mcpSession(t, h)
	b, err := h.o.Enqueue(context.Background(), []Document{{Source: h.writeSource(t, "cmd.txt", 1)}})
	if err != nil {
		t.Fatal(err)
	}

	text, isErr := mcpCall(t, cs, "examforge_cancel", map[string]any{"batch_id": b.ID})
	if isErr {
		t.Fatalf("cancel tool error: %s", text)
	}
	var got store.Batch
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != store.BatchCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	text, isErr = mcpCall(t, cs, "examforge_retry", map[string]any{"session_id": "ses_1"})
	if isErr {
		t.Fatalf("retry tool error: %s", text)
	}
	var ss session.Session
	if err := json.Unmarshal([]byte(text), &ss); err != nil {
		t.Fatal(err)
	}
	if ss.Stage != session.Queued {
		t.Errorf("stage = %s, want queued", ss.Stage)
	}
}

func TestMCP_Errors(t *testing.T) {
	cs := mcpSession(t, newHarness(t, respond()))

	tests := []struct {
		tool string
		args map[string]any
		want string
	}{
		{"examforge_status", map[string]any{"batch_id": "bat_404"}, "not found"},
		{"examforge_pause", map[string]any{"batch_id": "bat_404"}, "not found"},
		{"examforge_retry", map[string]any{"session_id": "ses_404"}, "not found"},
		{"examforge_enqueue", map[string]any{"sources": []string{}}, "no documents"},
		{"examforge_enqueue", map[string]any{"sources": []string{"/etc/passwd"}}, "local source not allowed"},
	}
	for _, tt := range tests {
		text, isErr := mcpCall(t, cs, tt.tool, tt.args)
		if !isErr {
			t.Errorf("%s(%v): expected tool error, got %s", tt.tool, tt.args, text)
			continue
		}
		if !strings.Contains(text, tt.want) {
			t.Errorf("%s(%v) = %q, want %q", tt.tool, tt.args, text, tt.want)
		}
	}
}
