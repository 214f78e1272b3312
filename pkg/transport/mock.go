package transport

import "sync"

// Mock is a Sender for tests. It records every payload and can be told to
// fail after a number of sends.
type Mock struct {
	mu        sync.Mutex
	kind      Kind
	sent      map[string][][]byte
	failAfter int
	sendCount int
}

var _ Sender = (*Mock)(nil)

// NewMock creates a mock sender of the given kind that never fails.
func NewMock(kind Kind) *Mock {
	return &Mock{kind: kind, sent: make(map[string][][]byte), failAfter: -1}
}

// FailAfter makes Send return false once n sends have succeeded.
func (m *Mock) FailAfter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
}

func (m *Mock) Send(connectionID string, payload []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter >= 0 && m.sendCount >= m.failAfter {
		return false
	}
	m.sendCount++
	copied := append([]byte(nil), payload...)
	m.sent[connectionID] = append(m.sent[connectionID], copied)
	return true
}

func (m *Mock) Kind() Kind {
	return m.kind
}

// Sent returns the payloads delivered to a connection, in order.
func (m *Mock) Sent(connectionID string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.sent[connectionID]...)
}

// SentBytes returns the total bytes delivered to a connection.
func (m *Mock) SentBytes(connectionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, p := range m.sent[connectionID] {
		total += len(p)
	}
	return total
}
