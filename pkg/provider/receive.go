package provider

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxbridge/go-voxbridge/pkg/audio"
	"github.com/voxbridge/go-voxbridge/pkg/protocol"
)

// audioDonePad is added to the estimated playout duration before the
// audio-done event fires, absorbing delivery jitter.
const audioDonePad = 50 * time.Millisecond

// receiveLoop reads frames from one connection until it dies. gen identifies
// the connection so a stale loop cannot tear down its replacement.
func (s *Session) receiveLoop(conn wsConn, gen int) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.handleDisconnect(gen, err)
			return
		}
		if mt == websocket.BinaryMessage {
			s.handleAgentAudio(data)
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("undecodable backend message", "error", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.TTSAudio:
		s.mu.Lock()
		s.lastAudioMeta = m
		s.mu.Unlock()

	case *protocol.TTSResponse:
		s.handleTTSResponse(m)

	case *protocol.STTResult:
		s.handleSTTResult(m)

	case *protocol.LLMResponse:
		s.handleLLMResponse(m)

	case *protocol.LLMToolResponse:
		s.handleToolResponse(m)

	case *protocol.StatusResponse:
		s.handleStatusResponse(m)

	case *protocol.AuthResponse:
		// Handshake replies are consumed inline during authenticate.
		s.logger.Debug("late auth response", "status", m.Status)

	case *protocol.BargeInAck:
		s.logger.Debug("barge-in acknowledged")

	case *protocol.Unknown:
		s.logger.Debug("unknown backend message", "type", m.Type)
	}
}

// handleAgentAudio forwards a binary audio frame using the most recent
// tts_audio metadata, defaulting to 8 kHz mu-law when none was seen.
func (s *Session) handleAgentAudio(data []byte) {
	if len(data) == 0 {
		return
	}
	encoding := "ulaw"
	rate := 8000
	s.mu.Lock()
	callID := s.callID
	if meta := s.lastAudioMeta; meta != nil {
		if meta.Encoding != "" {
			encoding = meta.Encoding
		}
		if meta.SampleRateHz > 0 {
			rate = meta.SampleRateHz
		}
		if meta.CallID != "" {
			callID = meta.CallID
		}
	}
	s.mu.Unlock()

	if s.OnAudio != nil {
		s.OnAudio(callID, data, encoding, rate)
	}
	s.scheduleAudioDone(callID, len(data), encoding, rate)
}

func (s *Session) handleTTSResponse(m *protocol.TTSResponse) {
	pcm, err := m.DecodeAudioData()
	if err != nil {
		s.logger.Warn("bad tts_response audio", "call_id", m.CallID, "error", err)
		return
	}
	encoding := m.Encoding
	if encoding == "" {
		encoding = "ulaw"
	}
	rate := m.SampleRateHz
	if rate <= 0 {
		rate = 8000
	}
	if s.OnAudio != nil && len(pcm) > 0 {
		s.OnAudio(m.CallID, pcm, encoding, rate)
	}
	s.scheduleAudioDone(m.CallID, len(pcm), encoding, rate)
}

// scheduleAudioDone arms a timer for the estimated playout end of the most
// recent audio. Each new frame pushes the timer out; only the last frame's
// timer fires.
func (s *Session) scheduleAudioDone(callID string, byteLen int, encoding string, rate int) {
	if s.OnAudioDone == nil || byteLen == 0 || rate <= 0 {
		return
	}
	bytesPerSec := rate * audio.BytesPerSample(encoding)
	if bytesPerSec <= 0 {
		return
	}
	estimated := time.Duration(byteLen) * time.Second / time.Duration(bytesPerSec)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneTimer != nil {
		s.doneTimer.Stop()
	}
	s.doneTimer = time.AfterFunc(estimated+audioDonePad, func() {
		s.OnAudioDone(callID)
	})
}

func (s *Session) handleSTTResult(m *protocol.STTResult) {
	callID := m.CallID
	if callID == "" {
		s.mu.Lock()
		callID = s.callID
		s.mu.Unlock()
	}
	if m.IsFinal {
		s.mu.Lock()
		s.lastTranscript[callID] = m.Text
		s.mu.Unlock()
	}
	if s.OnTranscript != nil && m.Text != "" {
		s.OnTranscript(callID, m.Text, m.IsFinal)
	}
}

// handleLLMResponse routes a model completion. Repair completions are
// matched to their waiter by request id; otherwise the text goes through the
// tool gateway when it is active, or straight to the text parser.
func (s *Session) handleLLMResponse(m *protocol.LLMResponse) {
	if m.RequestID != "" {
		s.gwMu.Lock()
		ch, ok := s.pendingRepair[m.RequestID]
		if ok {
			delete(s.pendingRepair, m.RequestID)
		}
		s.gwMu.Unlock()
		if ok {
			select {
			case ch <- m.Text:
			default:
			}
			return
		}
	}

	callID := m.CallID
	s.mu.Lock()
	if callID == "" {
		callID = s.callID
	}
	policy := s.policy
	allowed := s.allowed
	s.mu.Unlock()

	if gatewayActive(s.cfg.GatewayEnabled, s.cfg.Mode, policy, allowed) {
		if s.dispatchGateway(m.Text, callID) {
			return
		}
	}
	// Off the read loop: a repair turn inside processText waits for a reply
	// that arrives over this same loop.
	go s.processText(m.Text, callID, "parser")
}

func (s *Session) handleStatusResponse(m *protocol.StatusResponse) {
	s.statusMu.Lock()
	s.lastStatus = m
	ch := s.statusCh
	s.statusCh = nil
	s.statusMu.Unlock()
	if ch != nil {
		select {
		case ch <- m:
		default:
		}
	}
}
