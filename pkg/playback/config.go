package playback

import (
	"errors"
	"time"
)

// Config holds streaming playback tuning.
type Config struct {
	// SampleRate of outbound audio in Hz.
	SampleRate int
	// WireEncoding is what the transport expects: "ulaw" or "pcm16le".
	// Chunks arrive as 8 kHz μ-law and are converted when needed.
	WireEncoding string

	// ChunkSize is the duration of one output frame.
	ChunkSize time.Duration
	// JitterBuffer is the buffered audio duration; capacity in chunks is
	// derived from it.
	JitterBuffer time.Duration
	// MinStart is the audio that must be buffered before playback begins.
	MinStart time.Duration
	// GreetingMinStart overrides MinStart for greeting playback when set.
	GreetingMinStart time.Duration
	// LowWatermark pauses draining when buffered audio falls below it.
	LowWatermark time.Duration

	// FallbackTimeout bounds the wait for the next chunk from the producer.
	FallbackTimeout time.Duration
	// KeepaliveInterval is how often the stall check runs.
	KeepaliveInterval time.Duration
	// ConnectionTimeout is the chunk silence that counts as a stall.
	ConnectionTimeout time.Duration
	// GracePeriod is waited during cleanup so the tail of the audio is
	// consumed downstream before the gate is released.
	GracePeriod time.Duration
}

// DefaultConfig returns production streaming defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate:        8000,
		WireEncoding:      "ulaw",
		ChunkSize:         20 * time.Millisecond,
		JitterBuffer:      50 * time.Millisecond,
		MinStart:          120 * time.Millisecond,
		LowWatermark:      80 * time.Millisecond,
		FallbackTimeout:   4 * time.Second,
		KeepaliveInterval: 5 * time.Second,
		ConnectionTimeout: 10 * time.Second,
		GracePeriod:       500 * time.Millisecond,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return errors.New("playback: sample rate must be positive")
	}
	if c.ChunkSize <= 0 {
		return errors.New("playback: chunk size must be positive")
	}
	if c.JitterBuffer < 0 || c.MinStart < 0 || c.LowWatermark < 0 || c.GracePeriod < 0 {
		return errors.New("playback: durations must not be negative")
	}
	if c.FallbackTimeout <= 0 {
		return errors.New("playback: fallback timeout must be positive")
	}
	if c.KeepaliveInterval <= 0 || c.ConnectionTimeout <= 0 {
		return errors.New("playback: keepalive settings must be positive")
	}
	return nil
}

// bufferChunks is the jitter buffer capacity in chunks, at least 1.
func (c Config) bufferChunks() int {
	chunks := int(ceilDiv(c.JitterBuffer, c.ChunkSize))
	if chunks < 1 {
		chunks = 1
	}
	return chunks
}

// minStartChunks is the warm-up threshold in chunks, clamped to capacity.
func (c Config) minStartChunks(playbackType string, capacity int) int {
	configured := c.MinStart
	if playbackType == PlaybackGreeting && c.GreetingMinStart > 0 {
		configured = c.GreetingMinStart
	}
	chunks := int(ceilDiv(configured, c.ChunkSize))
	if chunks < 1 {
		chunks = 1
	}
	if chunks > capacity {
		chunks = capacity
	}
	return chunks
}

// lowWatermarkChunks is the pause threshold in chunks. It is capped below
// capacity so a full buffer is always drainable, and can be zero (disabled).
func (c Config) lowWatermarkChunks(capacity int) int {
	chunks := int(ceilDiv(c.LowWatermark, c.ChunkSize))
	if chunks <= 0 {
		return 0
	}
	if max := capacity - 1; chunks > max {
		chunks = max
	}
	if chunks < 0 {
		chunks = 0
	}
	return chunks
}

// frameSize is the byte length of one fixed-duration output frame.
func (c Config) frameSize() int {
	bytesPerSample := 1
	if c.WireEncoding != "" && !isMulawEncoding(c.WireEncoding) {
		bytesPerSample = 2
	}
	size := int(float64(c.SampleRate) * c.ChunkSize.Seconds() * float64(bytesPerSample))
	if size <= 0 {
		if bytesPerSample == 1 {
			return 160
		}
		return 320
	}
	return size
}

func ceilDiv(d, unit time.Duration) int64 {
	if unit <= 0 {
		return 0
	}
	return int64((d + unit - 1) / unit)
}
