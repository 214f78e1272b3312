// Package playback streams synthesized audio to the caller chunk by chunk,
// with a jitter buffer between the producer and the transport and automatic
// fallback to file playback on timeouts or send failures.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxbridge/go-voxbridge/internal/log"
	"github.com/voxbridge/go-voxbridge/pkg/audio"
	"github.com/voxbridge/go-voxbridge/pkg/fallback"
	"github.com/voxbridge/go-voxbridge/pkg/store"
	"github.com/voxbridge/go-voxbridge/pkg/transport"
)

// Playback types.
const (
	PlaybackGreeting = "greeting"
	PlaybackResponse = "response"
)

var (
	// ErrSessionNotFound means the call has no session record.
	ErrSessionNotFound = errors.New("playback: call session not found")
	// ErrGateHeld means another playback source holds the call's gate.
	ErrGateHeld = errors.New("playback: gating token unavailable")
)

// Engine manages one streaming playback per call.
type Engine struct {
	cfg      Config
	sessions store.Store
	sender   transport.Sender
	player   fallback.Player

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	id           string
	callID       string
	playbackType string
	buffer       chan []byte
	capacity     int
	minStart     int
	lowWatermark int
	remainder    []byte
	ready        bool
	startedAt    time.Time
	lastChunk    atomic.Int64 // UnixNano of the last received chunk
	stalled      atomic.Bool  // set by the keepalive loop before cancelling
	endReason    string

	ctx     context.Context
	cancel  context.CancelFunc
	drained chan struct{} // closed when the drain goroutine exits
	cleanup sync.Once
}

// New creates an engine. The sender's kind decides whether output is
// re-segmented into fixed frames (framed) or passed through (self-paced).
func New(cfg Config, sessions store.Store, sender transport.Sender, player fallback.Player) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		sessions: sessions,
		sender:   sender,
		player:   player,
		streams:  make(map[string]*stream),
	}, nil
}

// Start begins streaming the chunks channel to the call. A nil chunk or a
// closed channel ends the stream cleanly. Start is idempotent per call: a
// second Start while a stream is active returns the existing stream ID.
func (e *Engine) Start(callID string, chunks <-chan []byte, playbackType string) (string, error) {
	e.mu.Lock()
	if existing, ok := e.streams[callID]; ok {
		e.mu.Unlock()
		log.Debug("streaming already active", "call_id", callID, "stream_id", existing.id)
		return existing.id, nil
	}
	e.mu.Unlock()

	if e.sessions.Get(callID) == nil {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, callID)
	}

	streamID := fmt.Sprintf("stream:%s:%s:%d", playbackType, callID, time.Now().UnixMilli())
	capacity := e.cfg.bufferChunks()

	s := &stream{
		id:           streamID,
		callID:       callID,
		playbackType: playbackType,
		buffer:       make(chan []byte, capacity),
		capacity:     capacity,
		minStart:     e.cfg.minStartChunks(playbackType, capacity),
		lowWatermark: e.cfg.lowWatermarkChunks(capacity),
		startedAt:    time.Now(),
		drained:      make(chan struct{}),
	}
	s.lastChunk.Store(s.startedAt.UnixNano())

	if !e.sessions.SetGatingToken(callID, streamID) {
		return "", fmt.Errorf("%w: %s", ErrGateHeld, callID)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if session := e.sessions.Get(callID); session != nil {
		session.Streaming = true
		e.sessions.Upsert(session)
	}

	e.mu.Lock()
	e.streams[callID] = s
	e.mu.Unlock()

	go e.drainLoop(s, chunks)
	go e.keepaliveLoop(s)

	log.Info("streaming playback started",
		"call_id", callID,
		"stream_id", streamID,
		"playback_type", playbackType,
		"buffer_chunks", capacity,
		"min_start_chunks", s.minStart,
		"low_watermark_chunks", s.lowWatermark)
	return streamID, nil
}

// Stop cancels an active stream and runs cleanup. Returns false when the
// call has no active stream.
func (e *Engine) Stop(callID string) bool {
	e.mu.Lock()
	s, ok := e.streams[callID]
	e.mu.Unlock()
	if !ok {
		log.Warn("cannot stop streaming, no active stream", "call_id", callID)
		return false
	}
	e.cleanupStream(s)
	log.Info("streaming playback stopped", "call_id", callID, "stream_id", s.id)
	return true
}

// IsActive reports whether a stream is running for the call.
func (e *Engine) IsActive(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.streams[callID]
	return ok
}

// ReapExpired stops streams older than maxAge and returns how many were
// reaped. Intended to run periodically to collect orphaned streams.
func (e *Engine) ReapExpired(maxAge time.Duration) int {
	e.mu.Lock()
	var expired []*stream
	now := time.Now()
	for _, s := range e.streams {
		if now.Sub(s.startedAt) > maxAge {
			expired = append(expired, s)
		}
	}
	e.mu.Unlock()

	for _, s := range expired {
		log.Warn("reaping expired stream", "call_id", s.callID, "stream_id", s.id, "age", now.Sub(s.startedAt))
		e.cleanupStream(s)
	}
	return len(expired)
}

// drainLoop pulls chunks from the producer, buffers them, and drains the
// jitter buffer to the transport. It is the sole owner of the buffer and
// remainder; the keepalive loop only cancels the context, and fallback runs
// here.
func (e *Engine) drainLoop(s *stream, chunks <-chan []byte) {
	defer e.cleanupStream(s)
	defer close(s.drained)

	timeout := time.NewTimer(e.cfg.FallbackTimeout)
	defer timeout.Stop()

	for {
		if !timeout.Stop() {
			select {
			case <-timeout.C:
			default:
			}
		}
		timeout.Reset(e.cfg.FallbackTimeout)

		select {
		case <-s.ctx.Done():
			if s.stalled.Load() {
				s.endReason = "keepalive-timeout"
				e.recordFallback(s, "keepalive-timeout")
				e.fallbackToFile(s)
			}
			return

		case chunk, ok := <-chunks:
			if !ok || chunk == nil {
				s.endReason = "end-of-stream"
				log.Info("streaming end of stream", "call_id", s.callID, "stream_id", s.id)
				return
			}

			s.lastChunk.Store(time.Now().UnixNano())
			if session := e.sessions.Get(s.callID); session != nil {
				session.BytesSent += int64(len(chunk))
				session.ChunksReceived++
				e.sessions.Upsert(session)
			}

			select {
			case s.buffer <- chunk:
			case <-s.ctx.Done():
				if s.stalled.Load() {
					s.endReason = "keepalive-timeout"
					e.recordFallback(s, "keepalive-timeout")
					e.fallbackToFile(s)
				}
				return
			}

			if !e.processBuffer(s) {
				s.endReason = "transport-failure"
				e.recordFallback(s, "transport-failure")
				e.fallbackToFile(s)
				return
			}

		case <-timeout.C:
			s.endReason = "timeout"
			log.Warn("streaming timeout, falling back to file playback",
				"call_id", s.callID,
				"stream_id", s.id,
				"timeout", e.cfg.FallbackTimeout)
			e.recordFallback(s, fmt.Sprintf("timeout>%s", e.cfg.FallbackTimeout))
			e.fallbackToFile(s)
			return
		}
	}
}

// processBuffer drains the jitter buffer to the transport. During warm-up
// chunks accumulate until minStart are buffered. Once draining, it pauses
// for one chunk duration whenever depth falls below the low watermark so the
// buffer can refill instead of starving.
func (e *Engine) processBuffer(s *stream) bool {
	if !s.ready {
		if len(s.buffer) < s.minStart {
			return true
		}
		s.ready = true
		log.Debug("jitter buffer warm-up complete",
			"call_id", s.callID,
			"stream_id", s.id,
			"buffered_chunks", len(s.buffer))
	}

	for len(s.buffer) > 0 {
		if s.ctx.Err() != nil {
			// Cancelled mid-drain: leave the rest buffered for fallback.
			return true
		}
		if s.lowWatermark > 0 && len(s.buffer) < s.lowWatermark {
			log.Debug("jitter buffer low watermark pause",
				"call_id", s.callID,
				"buffered_chunks", len(s.buffer),
				"low_watermark", s.lowWatermark)
			sleepCtx(s.ctx, e.cfg.ChunkSize)
			break
		}

		chunk := <-s.buffer
		processed := e.convertChunk(chunk)
		if len(processed) == 0 {
			continue
		}

		if e.sender.Kind() == transport.KindFramed {
			if !e.sendFramed(s, processed) {
				return false
			}
		} else {
			if !e.send(s, processed) {
				return false
			}
		}
	}
	return true
}

// sendFramed re-segments arbitrary-sized chunks into fixed-duration frames,
// carrying the remainder to the next call, and paces one frame per chunk
// duration.
func (e *Engine) sendFramed(s *stream, chunk []byte) bool {
	frameSize := e.cfg.frameSize()
	pending := append(s.remainder, chunk...)
	offset := 0
	for len(pending)-offset >= frameSize {
		frame := pending[offset : offset+frameSize]
		offset += frameSize
		if !e.send(s, frame) {
			return false
		}
		if !sleepCtx(s.ctx, e.cfg.ChunkSize) {
			break
		}
	}
	s.remainder = append([]byte(nil), pending[offset:]...)
	return true
}

func (e *Engine) send(s *stream, payload []byte) bool {
	session := e.sessions.Get(s.callID)
	if session == nil {
		log.Warn("cannot stream audio, session not found", "call_id", s.callID)
		return false
	}
	if !e.sender.Send(session.ConnectionID, payload) {
		log.Warn("streaming send failed", "call_id", s.callID, "stream_id", s.id)
		return false
	}
	return true
}

// convertChunk converts incoming μ-law audio to the wire encoding.
func (e *Engine) convertChunk(chunk []byte) []byte {
	if len(chunk) == 0 {
		return nil
	}
	if e.cfg.WireEncoding == "" || isMulawEncoding(e.cfg.WireEncoding) {
		return chunk
	}
	return audio.MulawToPCM16(chunk)
}

// keepaliveLoop periodically checks the time since the last chunk arrived
// and triggers the fallback path on a silent stall. The drain loop waits on
// the producer channel, so a producer that stops without closing would
// otherwise be detected only by the fallback timeout.
func (e *Engine) keepaliveLoop(s *stream) {
	ticker := time.NewTicker(e.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		if !e.IsActive(s.callID) {
			return
		}

		sinceLast := time.Since(time.Unix(0, s.lastChunk.Load()))
		if sinceLast > e.cfg.ConnectionTimeout {
			log.Warn("streaming connection timeout",
				"call_id", s.callID,
				"stream_id", s.id,
				"since_last_chunk", sinceLast)
			if session := e.sessions.Get(s.callID); session != nil {
				session.KeepaliveStalls++
				session.LastError = fmt.Sprintf("keepalive-timeout>%s", sinceLast.Round(time.Millisecond))
				e.sessions.Upsert(session)
			}
			// The drain goroutine owns the buffer and remainder; signal it
			// and let it run the fallback and the cleanup.
			s.stalled.Store(true)
			s.cancel()
			return
		}

		log.Debug("streaming keepalive tick", "call_id", s.callID, "stream_id", s.id, "since_last_chunk", sinceLast)
	}
}

func (e *Engine) recordFallback(s *stream, reason string) {
	if session := e.sessions.Get(s.callID); session != nil {
		session.FallbackCount++
		session.LastError = reason
		e.sessions.Upsert(session)
	}
}

// fallbackToFile hands any buffered-but-unsent audio to the file player.
func (e *Engine) fallbackToFile(s *stream) {
	if e.player == nil {
		log.Error("no fallback player available", "call_id", s.callID, "stream_id", s.id)
		return
	}

	var remaining []byte
	for {
		select {
		case chunk := <-s.buffer:
			remaining = append(remaining, chunk...)
		default:
			if len(remaining) == 0 {
				return
			}
			handle := e.player.Play(s.callID, remaining, "streaming-fallback")
			if handle == "" {
				log.Error("fallback file playback failed", "call_id", s.callID, "stream_id", s.id)
				return
			}
			log.Info("streaming fell back to file playback",
				"call_id", s.callID,
				"stream_id", s.id,
				"fallback_handle", handle,
				"bytes", len(remaining))
			return
		}
	}
}

// cleanupStream releases everything a stream holds. It is idempotent: the
// natural end path, the failure path, and an explicit Stop all funnel here.
func (e *Engine) cleanupStream(s *stream) {
	s.cleanup.Do(func() {
		// The drain goroutine is the sole writer of buffer and remainder;
		// wait for it to exit before touching either.
		s.cancel()
		<-s.drained

		// Let the tail of the audio drain downstream before releasing the gate.
		if e.cfg.GracePeriod > 0 {
			time.Sleep(e.cfg.GracePeriod)
		}

		e.flushRemainder(s)

		e.sessions.ClearGatingToken(s.callID, s.id)

		if session := e.sessions.Get(s.callID); session != nil {
			session.Streaming = false
			e.sessions.Upsert(session)
		}

		e.mu.Lock()
		delete(e.streams, s.callID)
		e.mu.Unlock()

		reason := s.endReason
		if reason == "" {
			reason = "streaming-ended"
		}
		log.Debug("streaming cleanup completed",
			"call_id", s.callID,
			"stream_id", s.id,
			"end_reason", reason,
			"duration", time.Since(s.startedAt).Round(time.Millisecond))
	})
}

// flushRemainder sends the carried partial frame, zero padded to a full
// frame for framed transports so the tail is not truncated.
func (e *Engine) flushRemainder(s *stream) {
	if len(s.remainder) == 0 {
		return
	}
	rem := s.remainder
	s.remainder = nil

	if e.sender.Kind() == transport.KindFramed {
		frameSize := e.cfg.frameSize()
		if len(rem) < frameSize {
			rem = append(rem, make([]byte, frameSize-len(rem))...)
		}
		e.send(s, rem[:frameSize])
		time.Sleep(e.cfg.ChunkSize)
		return
	}
	e.send(s, rem)
}

func isMulawEncoding(encoding string) bool {
	return audio.IsMulaw(encoding)
}

// sleepCtx sleeps for d unless the context is cancelled first. Reports
// whether the full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
