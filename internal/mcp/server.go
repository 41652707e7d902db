// Package mcp builds the MCP server: client sessions are mirrored into the
// session registry and every tool call is written to the audit trail.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/pkg/kit"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/horoswatch/pkg/audit"
	"github.com/hazyhaar/horoswatch/pkg/session"
)

// Auditor is the audit surface the server needs.
type Auditor interface {
	Record(ctx context.Context, ev audit.Event)
	Stats() audit.Stats
}

// RecentLister reads back persisted records. Optional.
type RecentLister interface {
	Recent(ctx context.Context, limit int) ([]audit.Record, error)
}

// Options wires the collaborators of NewServer.
type Options struct {
	Version  string
	Registry *session.Registry
	Audit    Auditor
	Recent   RecentLister
}

// Transport is the registry handle of an MCP client session. Closing it
// unregisters the session from the MCP server.
type Transport struct {
	Session    server.ClientSession
	unregister func(ctx context.Context, sessionID string)
}

func (t *Transport) Close(ctx context.Context) error {
	if t.unregister != nil {
		t.unregister(ctx, t.Session.SessionID())
	}
	return nil
}

// NewServer creates an MCPServer with session tracking, tool auditing and
// the introspection tools registered.
func NewServer(opts Options) *server.MCPServer {
	var srv *server.MCPServer

	hooks := &server.Hooks{}
	hooks.AddOnRegisterSession(func(ctx context.Context, cs server.ClientSession) {
		opts.Registry.Add(cs.SessionID(), &Transport{
			Session:    cs,
			unregister: func(ctx context.Context, id string) { srv.UnregisterSession(ctx, id) },
		})
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, cs server.ClientSession) {
		opts.Registry.Remove(cs.SessionID())
	})
	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		recordError(ctx, opts.Audit, string(method), err)
	})

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	srv = server.NewMCPServer(
		"horoswatch",
		version,
		server.WithToolCapabilities(true),
		server.WithHooks(hooks),
		server.WithToolHandlerMiddleware(ToolAudit(opts.Registry, opts.Audit)),
	)

	registerListSessions(srv, opts.Registry)
	registerAuditStats(srv, opts.Audit)
	if opts.Recent != nil {
		registerRecentAudit(srv, opts.Recent)
	}
	return srv
}

// ToolAudit refreshes the caller's session and records a tool_call event
// for every tool invocation.
func ToolAudit(reg *session.Registry, auditor Auditor) server.ToolHandlerMiddleware {
	return func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var sessionID string
			if cs := server.ClientSessionFromContext(ctx); cs != nil {
				sessionID = cs.SessionID()
				reg.Get(sessionID)
			}

			start := time.Now()
			res, err := next(ctx, req)

			ev := audit.Event{
				Type:       audit.EventToolCall,
				SessionID:  sessionID,
				ToolName:   req.Params.Name,
				DurationMs: audit.Ms(time.Since(start)),
				Status:     audit.StatusSuccess,
			}
			if args := req.GetArguments(); len(args) > 0 {
				ev.Metadata = map[string]any{"arguments": args}
			}
			switch {
			case err != nil:
				ev.Status = audit.StatusError
				ev.Error = err.Error()
			case res != nil && res.IsError:
				ev.Status = audit.StatusError
				ev.Error = resultText(res)
			}
			audit.RequestInfoFrom(ctx).Apply(&ev)
			auditor.Record(ctx, ev)

			return res, err
		}
	}
}

func recordError(ctx context.Context, auditor Auditor, method string, err error) {
	if err == nil {
		return
	}
	ev := audit.Event{
		Type:     audit.EventError,
		Status:   audit.StatusError,
		Error:    err.Error(),
		Metadata: map[string]any{"method": method},
	}
	if cs := server.ClientSessionFromContext(ctx); cs != nil {
		ev.SessionID = cs.SessionID()
	}
	audit.RequestInfoFrom(ctx).Apply(&ev)
	auditor.Record(ctx, ev)
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "tool returned an error result"
}

// --- list_sessions ---

func registerListSessions(srv *server.MCPServer, reg *session.Registry) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max session IDs to return", "default": 100},
		},
	})
	tool := mcp.NewToolWithRawSchema("list_sessions", "List live MCP sessions known to this instance", schema)

	kit.RegisterMCPTool(srv, tool, listSessionsEndpoint(reg), func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &listSessionsReq{Limit: intArg(req.GetArguments(), "limit", 100)}}, nil
	})
}

type listSessionsReq struct {
	Limit int `json:"limit"`
}

type listSessionsResp struct {
	Count int      `json:"count"`
	IDs   []string `json:"session_ids"`
}

func listSessionsEndpoint(reg *session.Registry) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		r := request.(*listSessionsReq)
		ids := reg.IDs()
		total := len(ids)
		if r.Limit > 0 && len(ids) > r.Limit {
			ids = ids[:r.Limit]
		}
		return &listSessionsResp{Count: total, IDs: ids}, nil
	}
}

// --- audit_stats ---

func registerAuditStats(srv *server.MCPServer, auditor Auditor) {
	tool := mcp.NewTool("audit_stats", mcp.WithDescription("Report audit buffer state: pending, persisted, failed flushes, dropped"))

	kit.RegisterMCPTool(srv, tool, auditStatsEndpoint(auditor), func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: struct{}{}}, nil
	})
}

func auditStatsEndpoint(auditor Auditor) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		return auditor.Stats(), nil
	}
}

// --- recent_audit ---

func registerRecentAudit(srv *server.MCPServer, recent RecentLister) {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max records", "default": 20},
		},
	})
	tool := mcp.NewToolWithRawSchema("recent_audit", "Get the most recent persisted audit records", schema)

	kit.RegisterMCPTool(srv, tool, recentAuditEndpoint(recent), func(req mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &recentAuditReq{Limit: intArg(req.GetArguments(), "limit", 20)}}, nil
	})
}

type recentAuditReq struct {
	Limit int `json:"limit"`
}

func recentAuditEndpoint(recent RecentLister) kit.Endpoint {
	return func(ctx context.Context, request any) (any, error) {
		records, err := recent.Recent(ctx, request.(*recentAuditReq).Limit)
		if err != nil {
			return nil, fmt.Errorf("recent_audit: %w", err)
		}
		if records == nil {
			records = []audit.Record{}
		}
		return records, nil
	}
}

// --- helpers ---

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return def
	}
}
