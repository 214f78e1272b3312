package provider

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/go-voxbridge/pkg/protocol"
	"github.com/voxbridge/go-voxbridge/pkg/toolcall"
)

// dispatchGateway sends the model text to the backend's structured tool
// gateway. Returns false when the request could not be sent, in which case
// the caller falls back to text parsing. Each request is finished exactly
// once: the first of response or timeout claims it, the loser is a no-op.
func (s *Session) dispatchGateway(text, callID string) bool {
	if s.currentConn() == nil {
		return false
	}

	s.mu.Lock()
	allowed := append([]string(nil), s.allowed...)
	schemas := append([]protocol.ToolSchema(nil), s.schemas...)
	policy := s.policy
	s.mu.Unlock()

	requestID := "tool-gateway-" + uuid.NewString()
	ctx, cancel := context.WithCancel(s.ctx)
	s.gwMu.Lock()
	s.pendingGateway[requestID] = &gatewayPending{callID: callID, text: text, cancel: cancel}
	s.gwMu.Unlock()

	msg := protocol.NewLLMToolRequest(requestID, callID, text, allowed, schemas, policy)
	if err := s.write(msg); err != nil {
		s.gwMu.Lock()
		delete(s.pendingGateway, requestID)
		s.gwMu.Unlock()
		cancel()
		s.logger.Warn("tool gateway send failed", "call_id", callID, "error", err)
		return false
	}

	go s.gatewayTimeout(ctx, requestID)
	return true
}

// gatewayTimeout claims the pending request after the deadline and runs the
// text-parsing fallback. A response that already claimed the request cancels
// the context first, making this a no-op.
func (s *Session) gatewayTimeout(ctx context.Context, requestID string) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.cfg.gatewayTimeout()):
	}

	s.gwMu.Lock()
	p, ok := s.pendingGateway[requestID]
	if ok {
		delete(s.pendingGateway, requestID)
	}
	s.gwMu.Unlock()
	if !ok {
		return
	}
	s.logger.Warn("tool gateway timed out, using parser fallback",
		"call_id", p.callID, "request_id", requestID)
	s.processText(p.text, p.callID, "parser-timeout")
}

// handleToolResponse finishes a structured tool request. Responses arriving
// after the timeout already claimed the request are stale and dropped.
func (s *Session) handleToolResponse(m *protocol.LLMToolResponse) {
	s.gwMu.Lock()
	p, ok := s.pendingGateway[m.RequestID]
	if ok {
		delete(s.pendingGateway, m.RequestID)
	}
	s.gwMu.Unlock()
	if !ok {
		s.logger.Debug("stale tool response dropped", "request_id", m.RequestID)
		return
	}
	p.cancel()

	calls := make([]toolcall.Call, 0, len(m.ToolCalls))
	for _, tc := range m.ToolCalls {
		if strings.TrimSpace(tc.Name) == "" {
			continue
		}
		calls = append(calls, toolcall.Call{Name: tc.Name, Parameters: tc.Parameters})
	}
	spoken, extra := toolcall.Parse(m.Text)
	calls = append(calls, extra...)

	path := m.ToolPath
	if path == "" {
		path = "gateway"
	}
	s.finalize(p.callID, spoken, calls, path)
}

// processText runs the text-parsing tool path on a raw model completion.
// When parsing finds no calls but the text looks like a mangled tool call, a
// single repair turn asks the model to restate it as clean JSON.
func (s *Session) processText(text, callID, path string) {
	s.mu.Lock()
	policy := s.policy
	allowed := append([]string(nil), s.allowed...)
	s.mu.Unlock()

	spoken, calls := toolcall.Parse(text)
	if policy == protocol.PolicyOff {
		s.finalize(callID, spoken, nil, path)
		return
	}
	if len(calls) == 0 && toolcall.LooksLikeFailedToolCall(text, allowed) {
		if repaired := s.attemptRepair(text, callID, allowed); len(repaired) > 0 {
			calls = repaired
			path = path + "+repair"
		}
	}
	s.finalize(callID, spoken, calls, path)
}

// attemptRepair runs one model turn asking for the intended tool call as a
// bare JSON object. Anything unparseable comes back empty; there is no
// second attempt.
func (s *Session) attemptRepair(text, callID string, allowed []string) []toolcall.Call {
	requestID := "tool-repair-" + uuid.NewString()
	ch := make(chan string, 1)
	s.gwMu.Lock()
	s.pendingRepair[requestID] = ch
	s.gwMu.Unlock()

	prompt := "The following output contains a malformed tool call:\n" + text +
		"\nRespond with ONLY a JSON object of the form" +
		` {"name": "<tool>", "parameters": {...}} using one of: ` +
		strings.Join(allowed, ", ")
	if err := s.write(protocol.NewLLMRequest(requestID, callID, prompt)); err != nil {
		s.gwMu.Lock()
		delete(s.pendingRepair, requestID)
		s.gwMu.Unlock()
		return nil
	}

	wait := s.cfg.ResponseTimeout
	if wait > 2500*time.Millisecond {
		wait = 2500 * time.Millisecond
	}
	var reply string
	select {
	case reply = <-ch:
	case <-time.After(wait):
		s.gwMu.Lock()
		delete(s.pendingRepair, requestID)
		s.gwMu.Unlock()
		return nil
	case <-s.ctx.Done():
		return nil
	}

	_, calls := toolcall.Parse(reply)
	if len(calls) > 0 {
		return calls
	}
	// The repair prompt asks for a bare object, which carries no markup for
	// the parser to latch onto.
	var obj struct {
		Name       string         `json:"name"`
		Parameters map[string]any `json:"parameters"`
	}
	trimmed := strings.TrimSpace(reply)
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj.Name != "" {
		return []toolcall.Call{{Name: obj.Name, Parameters: obj.Parameters}}
	}
	return nil
}

// finalize validates tool calls and emits the turn's events. The agent
// transcript always precedes the tool-call event so downstream consumers see
// what was said before acting on it. A hangup farewell replaces the spoken
// text.
func (s *Session) finalize(callID, spoken string, calls []toolcall.Call, path string) {
	s.mu.Lock()
	allowed := append([]string(nil), s.allowed...)
	transcript := s.lastTranscript[callID]
	s.mu.Unlock()

	if len(calls) > 0 {
		calls = filterAllowed(calls, allowed)
		calls = suppressTransfers(calls, transcript, s.cfg.TransferPhrases)
	}
	if farewell, ok := extractFarewell(calls); ok {
		spoken = farewell
	}

	s.emitAgentTranscript(callID, spoken)
	if len(calls) > 0 {
		s.logger.Info("tool calls", "call_id", callID, "count", len(calls), "path", path)
		if s.OnToolCalls != nil {
			s.OnToolCalls(callID, calls, spoken)
		}
	}
}
