package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/examforge/kit"
)

// RegisterMCP registers the examforge tools on an MCP server. Batches started
// through examforge_enqueue run under base.
func (o *Orchestrator) RegisterMCP(base context.Context, srv *mcp.Server) {
	o.registerEnqueueTool(base, srv)
	o.registerStatusTool(srv)
	o.registerBatchCommandTool(srv, "examforge_pause",
		"Pause a batch. The running document stops at its next chunk boundary and resumes where it stopped.",
		o.Pause)
	o.registerBatchCommandTool(srv, "examforge_cancel",
		"Cancel a batch. Documents not yet persisting are cancelled; stored artifacts and questions are kept.",
		o.Cancel)
	o.registerRetryTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (o *Orchestrator) tool(name string, ep kit.Endpoint) kit.Endpoint {
	return kit.Chain(kit.Logging(o.logger, name), o.callMetrics(name))(ep)
}

func (o *Orchestrator) callMetrics(name string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			status := "ok"
			if err != nil {
				status = "error"
			}
			o.count("mcp_calls", 1, "tool", name, "status", status)
			o.duration("mcp_call_duration", time.Since(start), "tool", name)
			return resp, err
		}
	}
}

// --- enqueue ---

type enqueueReq struct {
	Sources  []string `json:"sources"`
	Subject  string   `json:"subject"`
	Category string   `json:"category"`
	Run      bool     `json:"run"`
}

func (o *Orchestrator) registerEnqueueTool(base context.Context, srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "examforge_enqueue",
		Description: "Create a batch of exam documents (http(s) URLs, or paths under the server's source directory) and optionally start it.",
		InputSchema: inputSchema(map[string]any{
			"sources":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Document paths or URLs, in processing order"},
			"subject":  map[string]any{"type": "string", "description": "Subject hint for every document"},
			"category": map[string]any{"type": "string", "description": "Category hint for every document"},
			"run":      map[string]any{"type": "boolean", "description": "Start the batch immediately"},
		}, []string{"sources"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*enqueueReq)
		docs := make([]Document, len(r.Sources))
		for i, src := range r.Sources {
			docs[i] = Document{Source: src, Subject: r.Subject, Category: r.Category}
		}
		if err := o.checkRemoteSources(docs); err != nil {
			return nil, err
		}
		b, err := o.Enqueue(ctx, docs)
		if err != nil {
			return nil, err
		}
		if r.Run {
			if err := o.Start(base, b.ID); err != nil {
				return nil, err
			}
		}
		return b, nil
	}
	kit.RegisterMCPTool(srv, tool, o.tool(tool.Name, endpoint), kit.DecodeJSON[enqueueReq]())
}

// --- status ---

type batchReq struct {
	BatchID string `json:"batch_id"`
}

func (o *Orchestrator) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "examforge_status",
		Description: "Show a batch's status, aggregate counters and per-document sessions.",
		InputSchema: inputSchema(map[string]any{
			"batch_id": map[string]any{"type": "string", "description": "Batch ID"},
		}, []string{"batch_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*batchReq)
		if r.BatchID == "" {
			return nil, errors.New("batch_id is required")
		}
		return o.Status(ctx, r.BatchID)
	}
	kit.RegisterMCPTool(srv, tool, o.tool(tool.Name, endpoint), kit.DecodeJSON[batchReq]())
}

// --- pause / cancel ---

func (o *Orchestrator) registerBatchCommandTool(srv *mcp.Server, name, description string, fn func(context.Context, string) error) {
	tool := &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema(map[string]any{
			"batch_id": map[string]any{"type": "string", "description": "Batch ID"},
		}, []string{"batch_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*batchReq)
		if r.BatchID == "" {
			return nil, errors.New("batch_id is required")
		}
		if err := fn(ctx, r.BatchID); err != nil {
			return nil, err
		}
		return o.batch(ctx, r.BatchID)
	}
	kit.RegisterMCPTool(srv, tool, o.tool(name, endpoint), kit.DecodeJSON[batchReq]())
}

// --- retry ---

type retryReq struct {
	SessionID string `json:"session_id"`
}

func (o *Orchestrator) registerRetryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "examforge_retry",
		Description: "Retry one failed or cancelled document from the stage it stopped in. Run the batch again to process it.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session ID of the document"},
		}, []string{"session_id"}),
	}
	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*retryReq)
		if r.SessionID == "" {
			return nil, errors.New("session_id is required")
		}
		return o.Retry(ctx, r.SessionID)
	}
	kit.RegisterMCPTool(srv, tool, o.tool(tool.Name, endpoint), kit.DecodeJSON[retryReq]())
}
