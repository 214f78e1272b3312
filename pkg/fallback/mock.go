package fallback

import "sync"

// MockPlayer records playback requests for tests.
type MockPlayer struct {
	mu     sync.Mutex
	fail   bool
	played []PlayedAudio
}

// PlayedAudio is one recorded Play call.
type PlayedAudio struct {
	CallID string
	Audio  []byte
	Label  string
}

var _ Player = (*MockPlayer)(nil)

// NewMockPlayer creates an empty mock.
func NewMockPlayer() *MockPlayer {
	return &MockPlayer{}
}

// Fail makes subsequent Play calls return "".
func (m *MockPlayer) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = true
}

func (m *MockPlayer) Play(callID string, audio []byte, label string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return ""
	}
	m.played = append(m.played, PlayedAudio{
		CallID: callID,
		Audio:  append([]byte(nil), audio...),
		Label:  label,
	})
	return "mock-playback"
}

// Played returns the recorded Play calls in order.
func (m *MockPlayer) Played() []PlayedAudio {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PlayedAudio(nil), m.played...)
}
