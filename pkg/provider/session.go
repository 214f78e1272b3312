// Package provider maintains the websocket session to the speech backend.
// It streams caller audio up, receives synthesized audio and transcripts
// down, and runs the structured tool-call gateway with text-parsing
// fallback.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxbridge/go-voxbridge/internal/log"
	"github.com/voxbridge/go-voxbridge/pkg/audio"
	"github.com/voxbridge/go-voxbridge/pkg/protocol"
	"github.com/voxbridge/go-voxbridge/pkg/toolcall"
)

// State represents the session connection state.
type State int32

const (
	StateDisconnected State = iota
	StateProbing
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Connection retry schedule. Backend restarts take a few seconds, model
// reloads take tens of seconds.
var backoffSchedule = []time.Duration{
	2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second,
	30 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
}

const (
	probeTimeout      = 500 * time.Millisecond
	reprobeTimeout    = 300 * time.Millisecond
	reconnectInterval = 30 * time.Second
	reconnectWindow   = 12 * time.Minute
	audioQueueDepth   = 64
)

// wsConn is the subset of *websocket.Conn the session uses. Tests inject
// fakes through it.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// SessionOptions carries per-call settings for StartSession.
type SessionOptions struct {
	// Prompt overrides the configured system prompt for this call.
	Prompt string

	// AllowedTools lists tool names the call may invoke.
	AllowedTools []string

	// Tools carries schemas for the allowed tools, sent with structured
	// tool requests.
	Tools []protocol.ToolSchema

	// PolicyOverride forces a tool policy for this call.
	PolicyOverride string
}

// Session is a connection to the speech backend serving one call at a time.
// Callback fields must be set before Connect.
type Session struct {
	// OnAudio receives synthesized agent audio.
	OnAudio func(callID string, data []byte, encoding string, sampleRate int)

	// OnAudioDone fires when the agent is estimated to have finished
	// speaking the most recent audio.
	OnAudioDone func(callID string)

	// OnTranscript receives caller speech transcripts.
	OnTranscript func(callID, text string, final bool)

	// OnAgentTranscript receives the agent's spoken text.
	OnAgentTranscript func(callID, text string)

	// OnToolCalls receives validated tool calls. It always fires after the
	// OnAgentTranscript for the same turn.
	OnToolCalls func(callID string, calls []toolcall.Call, spoken string)

	// OnError receives asynchronous session errors.
	OnError func(err error)

	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	conn         wsConn
	connGen      int
	wasConnected bool
	closed       bool
	sessionActive bool

	wsMu sync.Mutex

	state atomic.Int32

	callID         string
	allowed        []string
	schemas        []protocol.ToolSchema
	policy         string
	capability     string
	promptDigest   string
	lastTranscript map[string]string
	lastAudioMeta  *protocol.TTSAudio
	doneTimer      *time.Timer

	audioQueue    chan []byte
	resampleState *audio.State

	gwMu           sync.Mutex
	pendingGateway map[string]*gatewayPending
	pendingRepair  map[string]chan string

	statusMu   sync.Mutex
	statusCh   chan *protocol.StatusResponse
	lastStatus *protocol.StatusResponse

	reconnecting atomic.Bool

	dial    func(url string, timeout time.Duration) (wsConn, error)
	probe   func(host string, timeout time.Duration) bool
	backoff []time.Duration
}

type gatewayPending struct {
	callID string
	text   string
	cancel context.CancelFunc
}

// NewSession creates a provider session. Connect must be called before use.
func NewSession(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:            cfg,
		logger:         log.Component("provider"),
		ctx:            ctx,
		cancel:         cancel,
		lastTranscript: make(map[string]string),
		audioQueue:     make(chan []byte, audioQueueDepth),
		pendingGateway: make(map[string]*gatewayPending),
		pendingRepair:  make(map[string]chan string),
		backoff:        backoffSchedule,
	}
	s.dial = func(url string, timeout time.Duration) (wsConn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, _, err := dialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	s.probe = func(host string, timeout time.Duration) bool {
		c, err := net.DialTimeout("tcp", host, timeout)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}
	return s, nil
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Connect probes the backend and establishes an authenticated websocket.
// A closed backend port fails immediately with ErrServiceUnavailable so call
// setup is not held hostage by a full retry schedule.
func (s *Session) Connect(ctx context.Context) error {
	s.state.Store(int32(StateProbing))
	if !s.probe(s.cfg.host(), probeTimeout) {
		s.state.Store(int32(StateDisconnected))
		return ErrServiceUnavailable
	}

	var lastErr error
	for i := 0; ; i++ {
		s.state.Store(int32(StateConnecting))
		conn, err := s.dial(s.cfg.URL, s.cfg.ConnectTimeout)
		if err == nil {
			if err := s.authenticate(conn); err != nil {
				conn.Close()
				s.state.Store(int32(StateDisconnected))
				return err
			}
			s.adopt(conn)
			s.logger.Info("backend connected", "url", s.cfg.URL, "attempts", i+1)
			return nil
		}
		lastErr = err
		s.logger.Warn("backend dial failed", "attempt", i+1, "error", err)

		if i >= len(s.backoff) {
			break
		}
		if !s.probe(s.cfg.host(), reprobeTimeout) {
			s.state.Store(int32(StateDisconnected))
			return ErrServiceUnavailable
		}
		select {
		case <-ctx.Done():
			s.state.Store(int32(StateDisconnected))
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrSessionClosed
		case <-time.After(s.backoff[i]):
		}
	}
	s.state.Store(int32(StateDisconnected))
	return NewConnectionError("retries exhausted", lastErr, false)
}

// authenticate performs the auth handshake on a fresh connection. Rejection
// is fatal and must not be retried.
func (s *Session) authenticate(conn wsConn) error {
	data, err := protocol.Encode(protocol.NewAuth(s.cfg.AuthToken))
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return NewConnectionError("auth send", err, true)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return NewConnectionError("auth read", err, true)
	}
	msg, err := protocol.Decode(raw)
	if err != nil {
		return NewConnectionError("auth decode", err, true)
	}
	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		return NewConnectionError(fmt.Sprintf("unexpected %s during auth", msg.MsgType()), nil, true)
	}
	if resp.Status != protocol.StatusOK {
		s.logger.Error("authentication rejected", "reason", resp.Reason)
		return ErrAuthRejected
	}
	return nil
}

// adopt installs a new connection and starts its pump goroutines.
func (s *Session) adopt(conn wsConn) {
	s.mu.Lock()
	s.conn = conn
	s.connGen++
	gen := s.connGen
	first := !s.wasConnected
	s.wasConnected = true
	s.mu.Unlock()

	s.state.Store(int32(StateAuthenticated))
	go s.receiveLoop(conn, gen)
	if first {
		go s.sendLoop()
	}
}

// currentConn returns the live connection, or nil.
func (s *Session) currentConn() wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// write encodes and sends one protocol message. Writes are serialized since
// the send loop, dispatch handlers and callers all share the socket.
func (s *Session) write(msg protocol.Message) error {
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleDisconnect tears down the given connection generation and, if we had
// ever been connected, starts the background reconnect watcher. Newer
// generations are left alone so a reconnect is not undone by its
// predecessor's dying read loop.
func (s *Session) handleDisconnect(gen int, cause error) {
	s.mu.Lock()
	if gen != s.connGen || s.closed {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	wasConnected := s.wasConnected
	s.mu.Unlock()

	s.state.Store(int32(StateDisconnected))
	s.logger.Warn("backend connection lost", "error", cause)
	s.emitError(NewConnectionError("connection lost", cause, true))

	if wasConnected && s.reconnecting.CompareAndSwap(false, true) {
		go s.reconnectWatcher()
	}
}

// reconnectWatcher polls the backend after an unexpected drop. It gives up
// after the reconnect window so a permanently dead backend does not leak a
// goroutine forever.
func (s *Session) reconnectWatcher() {
	defer s.reconnecting.Store(false)
	deadline := time.Now().Add(reconnectWindow)
	ticker := time.NewTicker(reconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			s.logger.Error("backend reconnect window expired")
			return
		}
		if s.State() == StateAuthenticated {
			return
		}
		if !s.probe(s.cfg.host(), probeTimeout) {
			continue
		}
		conn, err := s.dial(s.cfg.URL, s.cfg.ConnectTimeout)
		if err != nil {
			continue
		}
		if err := s.authenticate(conn); err != nil {
			conn.Close()
			if err == ErrAuthRejected {
				s.emitError(err)
				return
			}
			continue
		}
		s.adopt(conn)
		s.logger.Info("backend reconnected")
		return
	}
}

// reconnectOnce makes a single immediate reconnect attempt. Used by the send
// loop to resend a batch over a freshly closed socket.
func (s *Session) reconnectOnce() bool {
	if !s.probe(s.cfg.host(), reprobeTimeout) {
		return false
	}
	conn, err := s.dial(s.cfg.URL, s.cfg.ConnectTimeout)
	if err != nil {
		return false
	}
	if err := s.authenticate(conn); err != nil {
		conn.Close()
		return false
	}
	s.adopt(conn)
	return true
}

// StartSession binds the session to a call, resolves the tool policy and
// applies the system prompt. The greeting, when configured, is spoken
// immediately.
func (s *Session) StartSession(ctx context.Context, callID string, opts SessionOptions) error {
	if s.State() != StateAuthenticated {
		return ErrNotConnected
	}

	// The status probe is only worth a round trip when the policy actually
	// depends on the backend's capability level.
	var capability string
	needsCapability := s.cfg.ToolPolicy == "" || s.cfg.ToolPolicy == "auto"
	switch opts.PolicyOverride {
	case protocol.PolicyStrict, protocol.PolicyCompatible, protocol.PolicyOff:
		needsCapability = false
	}
	if needsCapability {
		capability = s.capabilityLevel(ctx)
	}
	policy := resolvePolicy(opts.PolicyOverride, s.cfg.ToolPolicy, capability)

	s.mu.Lock()
	s.callID = callID
	s.allowed = append([]string(nil), opts.AllowedTools...)
	s.schemas = append([]protocol.ToolSchema(nil), opts.Tools...)
	s.policy = policy
	s.capability = capability
	s.sessionActive = true
	s.resampleState = nil
	s.mu.Unlock()

	prompt := opts.Prompt
	if prompt == "" {
		prompt = s.cfg.Instructions
	}
	if err := s.applyPrompt(prompt); err != nil {
		s.logger.Warn("prompt apply failed", "call_id", callID, "error", err)
	}

	s.logger.Info("session started",
		"call_id", callID, "policy", policy, "capability", capability,
		"tools", len(opts.AllowedTools))

	if s.cfg.Greeting != "" {
		if err := s.write(protocol.NewTTSRequest(callID, s.cfg.Greeting)); err != nil {
			s.logger.Warn("greeting request failed", "call_id", callID, "error", err)
		} else {
			s.emitAgentTranscript(callID, s.cfg.Greeting)
		}
	}
	return nil
}

// applyPrompt pushes the system prompt to the backend, skipping the round
// trip when the prompt has not changed since last applied.
func (s *Session) applyPrompt(prompt string) error {
	if prompt == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(prompt))
	digest := hex.EncodeToString(sum[:])

	s.mu.Lock()
	if digest == s.promptDigest {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.write(protocol.NewSystemPrompt(prompt)); err != nil {
		return err
	}
	s.mu.Lock()
	s.promptDigest = digest
	s.mu.Unlock()
	return nil
}

// StopSession unbinds the current call. The backend connection stays up for
// the next call.
func (s *Session) StopSession() {
	s.mu.Lock()
	callID := s.callID
	s.sessionActive = false
	s.callID = ""
	s.allowed = nil
	s.schemas = nil
	s.resampleState = nil
	delete(s.lastTranscript, callID)
	if s.doneTimer != nil {
		s.doneTimer.Stop()
		s.doneTimer = nil
	}
	s.mu.Unlock()

	s.cancelPendingFor(callID)
	s.drainAudioQueue()
	s.logger.Info("session stopped", "call_id", callID)
}

// cancelPendingFor drops in-flight gateway and repair state for a call.
func (s *Session) cancelPendingFor(callID string) {
	s.gwMu.Lock()
	defer s.gwMu.Unlock()
	for id, p := range s.pendingGateway {
		if p.callID == callID {
			p.cancel()
			delete(s.pendingGateway, id)
		}
	}
}

func (s *Session) drainAudioQueue() {
	for {
		select {
		case <-s.audioQueue:
		default:
			return
		}
	}
}

// NotifyBargeIn tells the backend the caller started speaking over the
// agent. Best effort: a failed notification only loses a latency
// optimization.
func (s *Session) NotifyBargeIn(callID string) {
	s.mu.Lock()
	if s.doneTimer != nil {
		s.doneTimer.Stop()
		s.doneTimer = nil
	}
	s.mu.Unlock()
	if err := s.write(protocol.NewBargeIn(callID, "barge-"+uuid.NewString())); err != nil {
		s.logger.Debug("barge-in notify failed", "call_id", callID, "error", err)
	}
}

// Status fetches backend status. Concurrent callers share one in-flight
// request.
func (s *Session) Status(ctx context.Context) (*protocol.StatusResponse, error) {
	s.statusMu.Lock()
	ch := s.statusCh
	if ch == nil {
		ch = make(chan *protocol.StatusResponse, 1)
		s.statusCh = ch
		s.statusMu.Unlock()
		if err := s.write(protocol.NewStatusRequest()); err != nil {
			s.statusMu.Lock()
			s.statusCh = nil
			s.statusMu.Unlock()
			return nil, err
		}
	} else {
		s.statusMu.Unlock()
	}

	select {
	case resp := <-ch:
		// Re-queue for other waiters sharing this flight.
		select {
		case ch <- resp:
		default:
		}
		return resp, nil
	case <-time.After(s.cfg.ResponseTimeout):
		s.statusMu.Lock()
		if s.statusCh == ch {
			s.statusCh = nil
		}
		s.statusMu.Unlock()
		return nil, fmt.Errorf("provider: status request timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrSessionClosed
	}
}

// capabilityLevel returns the backend's advertised tool capability, probing
// status when it is not yet known. Failure degrades to an empty level, which
// resolves to the compatible policy.
func (s *Session) capabilityLevel(ctx context.Context) string {
	s.statusMu.Lock()
	cached := s.lastStatus
	s.statusMu.Unlock()
	if cached != nil {
		return cached.Models.LLM.ToolCapability.Level
	}
	resp, err := s.Status(ctx)
	if err != nil {
		s.logger.Warn("status probe failed", "error", err)
		return ""
	}
	return resp.Models.LLM.ToolCapability.Level
}

// Close shuts the session down. The socket is closed and all goroutines
// stop.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	if s.doneTimer != nil {
		s.doneTimer.Stop()
		s.doneTimer = nil
	}
	s.mu.Unlock()

	s.cancel()
	s.state.Store(int32(StateDisconnected))
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (s *Session) emitError(err error) {
	if s.OnError != nil {
		s.OnError(err)
	}
}

func (s *Session) emitAgentTranscript(callID, text string) {
	if s.OnAgentTranscript != nil && text != "" {
		s.OnAgentTranscript(callID, text)
	}
}
