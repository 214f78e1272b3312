package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/go-voxbridge/pkg/protocol"
	"github.com/voxbridge/go-voxbridge/pkg/toolcall"
)

// eventRecorder captures agent transcript and tool-call events in arrival
// order so tests can assert the transcript always precedes the tools.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
	tools  int
}

func (r *eventRecorder) attach(s *Session) {
	s.OnAgentTranscript = func(_, text string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, "say:"+text)
	}
	s.OnToolCalls = func(_ string, calls []toolcall.Call, _ string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, c := range calls {
			r.events = append(r.events, "tool:"+c.Name)
		}
		r.tools++
	}
}

func (r *eventRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *eventRecorder) toolEvents() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tools
}

func newGatewaySession(t *testing.T) (*Session, *fakeConn, *eventRecorder) {
	t.Helper()
	cfg := testSessionConfig()
	cfg.GatewayTimeout = time.Second
	s, conn := newConnectedSession(t, cfg)
	rec := &eventRecorder{}
	rec.attach(s)
	err := s.StartSession(context.Background(), "call-1", SessionOptions{
		PolicyOverride: protocol.PolicyCompatible,
		AllowedTools:   []string{"hangup_call", "lookup_account"},
		Tools: []protocol.ToolSchema{
			{Name: "hangup_call", Description: "End the call"},
			{Name: "lookup_account", Description: "Look up an account"},
		},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	return s, conn, rec
}

func awaitToolRequest(t *testing.T, conn *fakeConn) *protocol.LLMToolRequest {
	t.Helper()
	var req *protocol.LLMToolRequest
	waitUntil(t, time.Second, func() bool {
		msgs := conn.writtenMessages(t, protocol.TypeLLMToolRequest)
		if len(msgs) == 0 {
			return false
		}
		req = msgs[0].(*protocol.LLMToolRequest)
		return true
	})
	return req
}

func TestGatewayResponseFirst(t *testing.T) {
	_, conn, rec := newGatewaySession(t)

	conn.push(t, &protocol.LLMResponse{
		Type: protocol.TypeLLMResponse, CallID: "call-1",
		Text: "Let me check that for you.",
	})

	req := awaitToolRequest(t, conn)
	if req.ToolPolicy != protocol.PolicyCompatible {
		t.Errorf("tool request policy = %q, want compatible", req.ToolPolicy)
	}
	if len(req.AllowedTools) != 2 || len(req.Tools) != 2 {
		t.Errorf("tool request carries %d/%d tools, want 2/2", len(req.AllowedTools), len(req.Tools))
	}

	conn.push(t, &protocol.LLMToolResponse{
		Type: protocol.TypeLLMToolResponse, RequestID: req.RequestID, CallID: "call-1",
		Text: "Let me check that for you.",
		ToolCalls: []protocol.ToolCallPayload{
			{Name: "lookup_account", Parameters: map[string]any{"account": "42"}},
		},
	})

	waitUntil(t, time.Second, func() bool { return rec.toolEvents() == 1 })
	events := rec.snapshot()
	if len(events) != 2 || events[0] != "say:Let me check that for you." || events[1] != "tool:lookup_account" {
		t.Fatalf("events = %v, want transcript then tool", events)
	}

	// The late timeout path must not produce a second round of events.
	time.Sleep(50 * time.Millisecond)
	if rec.toolEvents() != 1 {
		t.Errorf("tool events = %d after settling, want exactly 1", rec.toolEvents())
	}
}

func TestGatewayTimeoutFallsBackToParser(t *testing.T) {
	_, conn, rec := newGatewaySession(t)

	conn.push(t, &protocol.LLMResponse{
		Type: protocol.TypeLLMResponse, CallID: "call-1",
		Text: `<tool_call>{"name": "hangup_call", "parameters": {"farewell_message": "Goodbye!"}}</tool_call>`,
	})
	req := awaitToolRequest(t, conn)

	// No tool response arrives; the timeout claims the request and the text
	// parser recovers the call, with the farewell replacing the spoken text.
	waitUntil(t, 3*time.Second, func() bool { return rec.toolEvents() == 1 })
	events := rec.snapshot()
	if len(events) != 2 || events[0] != "say:Goodbye!" || events[1] != "tool:hangup_call" {
		t.Fatalf("events = %v, want farewell then hangup", events)
	}

	// A straggler response for the claimed request is stale and dropped.
	conn.push(t, &protocol.LLMToolResponse{
		Type: protocol.TypeLLMToolResponse, RequestID: req.RequestID, CallID: "call-1",
		Text:      "stale",
		ToolCalls: []protocol.ToolCallPayload{{Name: "lookup_account"}},
	})
	time.Sleep(50 * time.Millisecond)
	if rec.toolEvents() != 1 {
		t.Errorf("tool events = %d after stale response, want 1", rec.toolEvents())
	}
}

func TestGatewayDisallowedToolDropped(t *testing.T) {
	_, conn, rec := newGatewaySession(t)

	conn.push(t, &protocol.LLMResponse{
		Type: protocol.TypeLLMResponse, CallID: "call-1", Text: "Doing that now.",
	})
	req := awaitToolRequest(t, conn)
	conn.push(t, &protocol.LLMToolResponse{
		Type: protocol.TypeLLMToolResponse, RequestID: req.RequestID, CallID: "call-1",
		Text:      "Doing that now.",
		ToolCalls: []protocol.ToolCallPayload{{Name: "delete_everything"}},
	})

	waitUntil(t, time.Second, func() bool { return len(rec.snapshot()) > 0 })
	events := rec.snapshot()
	if len(events) != 1 || events[0] != "say:Doing that now." {
		t.Fatalf("events = %v, want transcript only", events)
	}
}

func TestGatewaySuppressesUnpromptedTransfer(t *testing.T) {
	cfg := testSessionConfig()
	cfg.GatewayTimeout = time.Second
	s, conn := newConnectedSession(t, cfg)
	rec := &eventRecorder{}
	rec.attach(s)
	err := s.StartSession(context.Background(), "call-1", SessionOptions{
		PolicyOverride: protocol.PolicyCompatible,
		AllowedTools:   []string{"live_agent_transfer"},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// The caller asked about hours; a transfer call here is hallucinated.
	conn.push(t, &protocol.STTResult{
		Type: protocol.TypeSTTResult, CallID: "call-1",
		Text: "what are your opening hours", IsFinal: true,
	})
	waitUntil(t, time.Second, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.lastTranscript["call-1"] != ""
	})

	conn.push(t, &protocol.LLMResponse{
		Type: protocol.TypeLLMResponse, CallID: "call-1", Text: "Transferring you now.",
	})
	req := awaitToolRequest(t, conn)
	conn.push(t, &protocol.LLMToolResponse{
		Type: protocol.TypeLLMToolResponse, RequestID: req.RequestID, CallID: "call-1",
		Text:      "Transferring you now.",
		ToolCalls: []protocol.ToolCallPayload{{Name: "live_agent_transfer"}},
	})

	waitUntil(t, time.Second, func() bool { return len(rec.snapshot()) > 0 })
	time.Sleep(20 * time.Millisecond)
	events := rec.snapshot()
	if len(events) != 1 || events[0] != "say:Transferring you now." {
		t.Fatalf("events = %v, want suppressed transfer", events)
	}
}

func TestPolicyOffSkipsGateway(t *testing.T) {
	cfg := testSessionConfig()
	s, conn := newConnectedSession(t, cfg)
	rec := &eventRecorder{}
	rec.attach(s)
	err := s.StartSession(context.Background(), "call-1", SessionOptions{
		PolicyOverride: protocol.PolicyOff,
		AllowedTools:   []string{"hangup_call"},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	conn.push(t, &protocol.LLMResponse{
		Type: protocol.TypeLLMResponse, CallID: "call-1",
		Text: `Sure. <tool_call>{"name": "hangup_call", "parameters": {}}</tool_call>`,
	})

	waitUntil(t, time.Second, func() bool { return len(rec.snapshot()) > 0 })
	if n := len(conn.writtenMessages(t, protocol.TypeLLMToolRequest)); n != 0 {
		t.Errorf("wrote %d tool requests with policy off, want 0", n)
	}
	events := rec.snapshot()
	if len(events) != 1 || events[0] != "say:Sure." {
		t.Fatalf("events = %v, want markup-stripped transcript only", events)
	}
}

func TestRepairRecoversMangledCall(t *testing.T) {
	cfg := testSessionConfig()
	cfg.GatewayEnabled = false
	s, conn := newConnectedSession(t, cfg)
	rec := &eventRecorder{}
	rec.attach(s)
	err := s.StartSession(context.Background(), "call-1", SessionOptions{
		PolicyOverride: protocol.PolicyCompatible,
		AllowedTools:   []string{"hangup_call"},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Answer the repair request with a clean bare JSON object.
	conn.mu.Lock()
	conn.onWrite = func(c *fakeConn, data []byte) {
		msg, err := protocol.Decode(data)
		if err != nil {
			return
		}
		req, ok := msg.(*protocol.LLMRequest)
		if !ok {
			return
		}
		resp, _ := protocol.Encode(&protocol.LLMResponse{
			Type: protocol.TypeLLMResponse, RequestID: req.RequestID, CallID: "call-1",
			Text: `{"name": "hangup_call", "parameters": {"farewell_message": "Goodbye now"}}`,
		})
		c.inbound <- fakeFrame{websocket.TextMessage, resp}
	}
	conn.mu.Unlock()

	conn.push(t, &protocol.LLMResponse{
		Type: protocol.TypeLLMResponse, CallID: "call-1",
		Text: `I'll end the call {hangup_call with a goodbye`,
	})

	waitUntil(t, 3*time.Second, func() bool { return rec.toolEvents() == 1 })
	events := rec.snapshot()
	if len(events) != 2 || events[0] != "say:Goodbye now" || events[1] != "tool:hangup_call" {
		t.Fatalf("events = %v, want repaired farewell then hangup", events)
	}
	if n := len(conn.writtenMessages(t, protocol.TypeLLMRequest)); n != 1 {
		t.Errorf("wrote %d repair requests, want 1", n)
	}
}

func TestRepairGivesUpOnGarbage(t *testing.T) {
	cfg := testSessionConfig()
	cfg.GatewayEnabled = false
	cfg.ResponseTimeout = 50 * time.Millisecond
	s, conn := newConnectedSession(t, cfg)
	rec := &eventRecorder{}
	rec.attach(s)
	err := s.StartSession(context.Background(), "call-1", SessionOptions{
		PolicyOverride: protocol.PolicyCompatible,
		AllowedTools:   []string{"hangup_call"},
	})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	conn.mu.Lock()
	conn.onWrite = func(c *fakeConn, data []byte) {
		msg, err := protocol.Decode(data)
		if err != nil {
			return
		}
		req, ok := msg.(*protocol.LLMRequest)
		if !ok {
			return
		}
		resp, _ := protocol.Encode(&protocol.LLMResponse{
			Type: protocol.TypeLLMResponse, RequestID: req.RequestID, CallID: "call-1",
			Text: "sorry, I cannot do that",
		})
		c.inbound <- fakeFrame{websocket.TextMessage, resp}
	}
	conn.mu.Unlock()

	conn.push(t, &protocol.LLMResponse{
		Type: protocol.TypeLLMResponse, CallID: "call-1",
		Text: `I'll end the call {hangup_call with a goodbye`,
	})

	waitUntil(t, time.Second, func() bool { return len(rec.snapshot()) > 0 })
	time.Sleep(20 * time.Millisecond)
	if rec.toolEvents() != 0 {
		t.Errorf("tool events = %d, want 0 when repair yields nothing", rec.toolEvents())
	}
}
