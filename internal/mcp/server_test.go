package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hazyhaar/horoswatch/pkg/audit"
	"github.com/hazyhaar/horoswatch/pkg/session"
)

type fakeSession struct {
	id     string
	notify chan mcp.JSONRPCNotification
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, notify: make(chan mcp.JSONRPCNotification, 1)}
}

func (s *fakeSession) Initialize()                                         {}
func (s *fakeSession) Initialized() bool                                   { return true }
func (s *fakeSession) NotificationChannel() chan<- mcp.JSONRPCNotification { return s.notify }
func (s *fakeSession) SessionID() string                                   { return s.id }

type fakeAuditor struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *fakeAuditor) Record(_ context.Context, ev audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *fakeAuditor) Stats() audit.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return audit.Stats{Pending: len(a.events), State: "idle"}
}

func (a *fakeAuditor) Events() []audit.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Event(nil), a.events...)
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func TestSessionHooksMirrorRegistry(t *testing.T) {
	reg := session.NewRegistry()
	srv := NewServer(Options{Registry: reg, Audit: &fakeAuditor{}})
	ctx := context.Background()

	if err := srv.RegisterSession(ctx, newFakeSession("s-1")); err != nil {
		t.Fatalf("register s-1: %v", err)
	}
	if err := srv.RegisterSession(ctx, newFakeSession("s-2")); err != nil {
		t.Fatalf("register s-2: %v", err)
	}
	if reg.Count() != 2 {
		t.Fatalf("registry count = %d, want 2", reg.Count())
	}
	h, ok := reg.Get("s-1")
	if !ok {
		t.Fatal("s-1 missing from registry")
	}
	if tr, ok := h.(*Transport); !ok || tr.Session.SessionID() != "s-1" {
		t.Errorf("handle = %#v", h)
	}

	srv.UnregisterSession(ctx, "s-2")
	if reg.Exists("s-2") {
		t.Error("s-2 still registered after unregister")
	}

	report := reg.CloseAll(ctx)
	if report.Closed != 1 || report.Failed != 0 {
		t.Errorf("report = %+v, want 1 closed", report)
	}
	if reg.Count() != 0 {
		t.Errorf("registry count = %d, want 0", reg.Count())
	}
	// Closing the handle released the session on the MCP side too.
	if err := srv.RegisterSession(ctx, newFakeSession("s-1")); err != nil {
		t.Errorf("re-register s-1 after CloseAll: %v", err)
	}
}

func TestToolAuditRecordsCalls(t *testing.T) {
	reg := session.NewRegistry()
	auditor := &fakeAuditor{}
	srv := NewServer(Options{Registry: reg, Audit: auditor})
	mw := ToolAudit(reg, auditor)

	sess := newFakeSession("s-9")
	if err := srv.RegisterSession(context.Background(), sess); err != nil {
		t.Fatalf("register: %v", err)
	}
	ctx := srv.WithContext(context.Background(), sess)
	ctx = audit.WithRequestInfo(ctx, audit.RequestInfo{IP: "203.0.113.5", UserAgent: "agent/2", UserID: "u-3"})

	ok := mw(func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("fine"), nil
	})
	if _, err := ok(ctx, callRequest("search", map[string]any{"q": "x", "api_token": "t"})); err != nil {
		t.Fatalf("call: %v", err)
	}

	failing := mw(func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("no such table"), nil
	})
	failing(ctx, callRequest("query", nil))

	broken := mw(func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return nil, errors.New("handler exploded")
	})
	if _, err := broken(ctx, callRequest("explode", nil)); err == nil {
		t.Error("middleware swallowed handler error")
	}

	events := auditor.Events()
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	first := events[0]
	if first.Type != audit.EventToolCall || first.ToolName != "search" || first.SessionID != "s-9" ||
		first.Status != audit.StatusSuccess || first.IP != "203.0.113.5" || first.UserID != "u-3" || first.DurationMs == nil {
		t.Errorf("first event = %+v", first)
	}
	if args, _ := first.Metadata["arguments"].(map[string]any); args["q"] != "x" {
		t.Errorf("metadata = %v", first.Metadata)
	}
	if events[1].Status != audit.StatusError || events[1].Error != "no such table" {
		t.Errorf("error result event = %+v", events[1])
	}
	if events[2].Status != audit.StatusError || events[2].Error != "handler exploded" {
		t.Errorf("handler error event = %+v", events[2])
	}
}

func TestToolAuditRefreshesSession(t *testing.T) {
	reg := session.NewRegistry()
	auditor := &fakeAuditor{}
	srv := NewServer(Options{Registry: reg, Audit: auditor})
	sess := newFakeSession("s-live")
	srv.RegisterSession(context.Background(), sess)

	before, _ := reg.LastActivity("s-live")
	ctx := srv.WithContext(context.Background(), sess)
	ToolAudit(reg, auditor)(func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultText("ok"), nil
	})(ctx, callRequest("noop", nil))

	after, _ := reg.LastActivity("s-live")
	if after.Before(before) {
		t.Errorf("last activity went backwards: %v -> %v", before, after)
	}
}

func TestListSessionsEndpoint(t *testing.T) {
	reg := session.NewRegistry()
	reg.Add("b", nil)
	reg.Add("a", nil)
	reg.Add("c", nil)

	resp, err := listSessionsEndpoint(reg)(context.Background(), &listSessionsReq{Limit: 2})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	out := resp.(*listSessionsResp)
	if out.Count != 3 || len(out.IDs) != 2 || out.IDs[0] != "a" {
		t.Errorf("out = %+v", out)
	}

	data, _ := json.Marshal(out)
	if string(data) != `{"count":3,"session_ids":["a","b"]}` {
		t.Errorf("json = %s", data)
	}
}

func TestAuditStatsEndpoint(t *testing.T) {
	auditor := &fakeAuditor{}
	auditor.Record(context.Background(), audit.Event{Type: audit.EventLogin})

	resp, err := auditStatsEndpoint(auditor)(context.Background(), struct{}{})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if st := resp.(audit.Stats); st.Pending != 1 || st.State != "idle" {
		t.Errorf("stats = %+v", st)
	}
}

type recentFunc func(ctx context.Context, limit int) ([]audit.Record, error)

func (f recentFunc) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	return f(ctx, limit)
}

func TestRecentAuditEndpoint(t *testing.T) {
	var gotLimit int
	ep := recentAuditEndpoint(recentFunc(func(_ context.Context, limit int) ([]audit.Record, error) {
		gotLimit = limit
		return nil, nil
	}))
	resp, err := ep(context.Background(), &recentAuditReq{Limit: 20})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out := resp.([]audit.Record); gotLimit != 20 || out == nil || len(out) != 0 {
		t.Errorf("limit = %d out = %#v", gotLimit, out)
	}

	ep = recentAuditEndpoint(recentFunc(func(context.Context, int) ([]audit.Record, error) {
		return nil, errors.New("db locked")
	}))
	if _, err := ep(context.Background(), &recentAuditReq{Limit: 5}); err == nil {
		t.Error("lister error swallowed")
	}
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"f": float64(7), "i": 3, "n": json.Number("9"), "s": "x"}
	for key, want := range map[string]int{"f": 7, "i": 3, "n": 9, "s": 20, "missing": 20} {
		if got := intArg(args, key, 20); got != want {
			t.Errorf("intArg(%s) = %d, want %d", key, got, want)
		}
	}
}

func TestErrorHookRecordsEvent(t *testing.T) {
	auditor := &fakeAuditor{}
	recordError(context.Background(), auditor, "tools/call", errors.New("invalid params"))
	recordError(context.Background(), auditor, "tools/call", nil)

	events := auditor.Events()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Type != audit.EventError || events[0].Error != "invalid params" || events[0].Metadata["method"] != "tools/call" {
		t.Errorf("event = %+v", events[0])
	}
}

var _ server.ClientSession = (*fakeSession)(nil)
