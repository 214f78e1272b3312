package provider

import (
	"time"

	"github.com/voxbridge/go-voxbridge/pkg/audio"
	"github.com/voxbridge/go-voxbridge/pkg/protocol"
)

const backendSampleRate = 16000

// SendAudio enqueues caller audio for the backend. The chunk format must
// match Config.InputMode. When the queue is full the oldest chunk is dropped
// so a stalled backend cannot back-pressure the telephony read loop.
func (s *Session) SendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	active := s.sessionActive
	s.mu.Unlock()
	if !active {
		return
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	for {
		select {
		case s.audioQueue <- buf:
			return
		default:
		}
		select {
		case <-s.audioQueue:
			s.logger.Debug("audio queue full, dropping oldest chunk")
		default:
		}
	}
}

// sendLoop batches queued audio and ships it upstream. One loop runs for the
// lifetime of the session and survives reconnects.
func (s *Session) sendLoop() {
	for {
		var first []byte
		select {
		case <-s.ctx.Done():
			return
		case first = <-s.audioQueue:
		}

		batch := first
		for {
			select {
			case more := <-s.audioQueue:
				batch = append(batch, more...)
				continue
			default:
			}
			break
		}

		s.sendBatch(batch)

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.BatchInterval):
		}
	}
}

// sendBatch converts one coalesced batch to 16 kHz PCM and writes it. A
// closed socket earns exactly one reconnect-and-resend; repeated failure
// drops the batch and lets the disconnect path take over.
func (s *Session) sendBatch(batch []byte) {
	pcm := s.convertInput(batch)
	if len(pcm) == 0 {
		return
	}

	s.mu.Lock()
	callID := s.callID
	s.mu.Unlock()

	msg := protocol.NewAudioInput(pcm, backendSampleRate, callID, s.cfg.Mode)
	err := s.write(msg)
	if err == nil {
		return
	}
	s.logger.Warn("audio send failed", "call_id", callID, "error", err)
	if s.reconnectOnce() {
		if err := s.write(msg); err == nil {
			return
		}
	}
	s.logger.Warn("audio batch dropped after resend failure", "call_id", callID, "bytes", len(batch))
}

// convertInput converts caller audio to 16 kHz little-endian PCM according
// to the configured input mode. Resampler state carries across batches so
// chunk boundaries do not click.
func (s *Session) convertInput(batch []byte) []byte {
	s.mu.Lock()
	state := s.resampleState
	s.mu.Unlock()

	var out []byte
	switch s.cfg.InputMode {
	case InputMulaw8k:
		out, state = audio.Resample(audio.MulawToPCM16(batch), 8000, backendSampleRate, state)
	case InputPCM16_8k:
		out, state = audio.Resample(batch, 8000, backendSampleRate, state)
	default:
		return batch
	}

	s.mu.Lock()
	s.resampleState = state
	s.mu.Unlock()
	return out
}
