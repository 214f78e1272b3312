// Package transport delivers outbound call audio to the telephony side.
// Frame-oriented transports receive fixed-duration frames paced by the
// playback engine; self-paced transports own their timing and accept chunks
// of any size.
package transport

// Kind describes who paces the audio for a sender.
type Kind int

const (
	// KindFramed senders expect fixed-duration frames, one per tick, paced
	// by the caller.
	KindFramed Kind = iota
	// KindSelfPaced senders buffer internally and pace themselves.
	KindSelfPaced
)

func (k Kind) String() string {
	switch k {
	case KindFramed:
		return "framed"
	case KindSelfPaced:
		return "self-paced"
	default:
		return "unknown"
	}
}

// Sender pushes one audio payload to a call's telephony connection.
// Send reports delivery success; a false return means the connection is
// unusable and the caller should stop streaming to it.
type Sender interface {
	Send(connectionID string, payload []byte) bool
	Kind() Kind
}
