// Package store tracks per-call session state shared between the media
// ingress, the playback engine, and the provider session. The gating token
// serializes playback sources for a call: whoever holds the token owns the
// audio path until it is cleared.
package store

import (
	"sync"
	"time"
)

// CallSession is the per-call record.
type CallSession struct {
	CallID       string
	ConnectionID string // transport connection the call's audio goes out on
	SSRC         uint32 // RTP synchronization source, when the transport is RTP

	// Streaming counters, updated by the playback engine.
	BytesSent       int64
	ChunksReceived  int64
	FallbackCount   int
	KeepaliveStalls int
	LastError       string

	Streaming   bool
	GatingToken string
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// Store is the session registry consumed by the engine and provider.
type Store interface {
	// Get returns the session for a call, or nil when none exists.
	Get(callID string) *CallSession
	// Upsert inserts or replaces a session record.
	Upsert(session *CallSession)
	// SetGatingToken claims the call's playback gate. It fails when a
	// different token already holds the gate.
	SetGatingToken(callID, token string) bool
	// ClearGatingToken releases the gate, but only for the token that holds it.
	ClearGatingToken(callID, token string)
	// Delete removes the session for a call.
	Delete(callID string)
}

// Memory is an in-process Store backed by a mutex-guarded map.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*CallSession)}
}

// Get returns a copy of the session so callers cannot race on fields.
func (m *Memory) Get(callID string) *CallSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[callID]
	if !ok {
		return nil
	}
	copied := *session
	return &copied
}

// Upsert inserts or replaces the session record for its call ID.
func (m *Memory) Upsert(session *CallSession) {
	if session == nil || session.CallID == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *session
	copied.UpdatedAt = time.Now()
	if existing, ok := m.sessions[session.CallID]; ok && copied.StartedAt.IsZero() {
		copied.StartedAt = existing.StartedAt
	} else if copied.StartedAt.IsZero() {
		copied.StartedAt = copied.UpdatedAt
	}
	m.sessions[session.CallID] = &copied
}

// SetGatingToken claims the playback gate for a call. A call with no session
// record gets one created. Claiming succeeds when the gate is free or already
// held by the same token.
func (m *Memory) SetGatingToken(callID, token string) bool {
	if callID == "" || token == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[callID]
	if !ok {
		now := time.Now()
		session = &CallSession{CallID: callID, StartedAt: now, UpdatedAt: now}
		m.sessions[callID] = session
	}
	if session.GatingToken != "" && session.GatingToken != token {
		return false
	}
	session.GatingToken = token
	session.UpdatedAt = time.Now()
	return true
}

// ClearGatingToken releases the gate if token holds it. Clearing with a stale
// token is a no-op so a late cleanup cannot steal the gate from a new stream.
func (m *Memory) ClearGatingToken(callID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[callID]
	if !ok || session.GatingToken != token {
		return
	}
	session.GatingToken = ""
	session.UpdatedAt = time.Now()
}

// Delete removes a call's session record.
func (m *Memory) Delete(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
}

// Count returns the number of tracked sessions.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
