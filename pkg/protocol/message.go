// Package protocol defines the JSON message types exchanged with the AI
// backend over the persistent WebSocket connection. Messages are flat objects
// discriminated by a top-level "type" field; synthesized audio additionally
// arrives as raw binary frames described by the most recent tts_audio
// metadata message.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the type of a backend message.
type MessageType string

const (
	// Bridge → backend
	TypeAuth           MessageType = "auth"
	TypeAudio          MessageType = "audio"
	TypeStatus         MessageType = "status"
	TypeLLMToolRequest MessageType = "llm_tool_request"
	TypeBargeIn        MessageType = "barge_in"

	// Backend → bridge
	TypeAuthResponse    MessageType = "auth_response"
	TypeStatusResponse  MessageType = "status_response"
	TypeTTSAudio        MessageType = "tts_audio"
	TypeTTSResponse     MessageType = "tts_response"
	TypeSTTResult       MessageType = "stt_result"
	TypeLLMResponse     MessageType = "llm_response"
	TypeLLMToolResponse MessageType = "llm_tool_response"
	TypeBargeInAck      MessageType = "barge_in_ack"
)

// StatusOK is the success value carried by auth_response and barge_in_ack.
const StatusOK = "ok"

// Audio modes for outbound audio messages.
const (
	ModeFull = "full" // full agent pipeline: STT, LLM, TTS
	ModeSTT  = "stt"  // transcription only
)

// Tool capability levels reported by the backend's status probe.
const (
	CapabilityStrict  = "strict"
	CapabilityPartial = "partial"
	CapabilityNone    = "none"
)

// Tool policy values carried on llm_tool_request.
const (
	PolicyStrict     = "strict"
	PolicyCompatible = "compatible"
	PolicyOff        = "off"
)

// Message is the closed set of decoded backend messages.
type Message interface {
	MsgType() MessageType
}

// Auth requests authentication for the connection.
type Auth struct {
	Type      MessageType `json:"type"`
	AuthToken string      `json:"auth_token"`
}

// AuthResponse reports the outcome of an Auth message.
type AuthResponse struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// AudioInput carries a batch of caller audio to the backend.
type AudioInput struct {
	Type   MessageType `json:"type"`
	Data   string      `json:"data"` // base64 PCM
	Rate   int         `json:"rate"`
	Format string      `json:"format"`
	CallID string      `json:"call_id"`
	Mode   string      `json:"mode"`
}

// StatusRequest asks the backend for a capability snapshot.
type StatusRequest struct {
	Type MessageType `json:"type"`
}

// StatusResponse is the backend's capability snapshot.
type StatusResponse struct {
	Type       MessageType `json:"type"`
	STTBackend string      `json:"stt_backend,omitempty"`
	TTSBackend string      `json:"tts_backend,omitempty"`
	Models     Models      `json:"models"`
}

// Models nests per-model capability information in a status response.
type Models struct {
	LLM LLMInfo `json:"llm"`
}

// LLMInfo describes the backend's language model.
type LLMInfo struct {
	ToolCapability ToolCapability `json:"tool_capability"`
}

// ToolCapability reports how well the model handles structured tool calls.
type ToolCapability struct {
	Level string `json:"level"`
}

// TTSAudio announces a binary audio frame. The frame that follows on the
// socket carries ByteLength bytes at the declared encoding and rate.
type TTSAudio struct {
	Type         MessageType `json:"type"`
	CallID       string      `json:"call_id"`
	Encoding     string      `json:"encoding"`
	SampleRateHz int         `json:"sample_rate_hz"`
	ByteLength   int         `json:"byte_length"`
}

// TTSResponse carries synthesized audio by value instead of a binary frame.
type TTSResponse struct {
	Type         MessageType `json:"type"`
	Text         string      `json:"text,omitempty"`
	CallID       string      `json:"call_id"`
	AudioData    string      `json:"audio_data"` // base64
	Encoding     string      `json:"encoding"`
	SampleRateHz int         `json:"sample_rate_hz"`
}

// STTResult is a transcription of caller audio.
type STTResult struct {
	Type       MessageType `json:"type"`
	CallID     string      `json:"call_id"`
	Text       string      `json:"text"`
	IsFinal    bool        `json:"is_final"`
	STTBackend string      `json:"stt_backend,omitempty"`
}

// LLMResponse is a plain text response from the language model.
type LLMResponse struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id"`
	Text      string      `json:"text"`
	RequestID string      `json:"request_id,omitempty"`
}

// ToolSchema describes one tool offered to the backend for extraction.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolCallPayload is one extracted tool invocation on the wire.
type ToolCallPayload struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// LLMToolRequest asks the backend to extract structured tool calls from a
// candidate LLM response.
type LLMToolRequest struct {
	Type         MessageType  `json:"type"`
	RequestID    string       `json:"request_id"`
	CallID       string       `json:"call_id"`
	Text         string       `json:"text"`
	AllowedTools []string     `json:"allowed_tools"`
	Tools        []ToolSchema `json:"tools,omitempty"`
	ToolPolicy   string       `json:"tool_policy"`
}

// LLMToolResponse answers an LLMToolRequest, matched by RequestID.
type LLMToolResponse struct {
	Type              MessageType       `json:"type"`
	RequestID         string            `json:"request_id"`
	CallID            string            `json:"call_id"`
	Text              string            `json:"text"`
	ToolCalls         []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolPath          string            `json:"tool_path,omitempty"`
	ToolParseFailures int               `json:"tool_parse_failures,omitempty"`
	RepairAttempts    int               `json:"repair_attempts,omitempty"`
}

// BargeIn tells the backend to abandon in-flight synthesis for a call.
type BargeIn struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id"`
	RequestID string      `json:"request_id"`
}

// BargeInAck confirms a BargeIn was applied.
type BargeInAck struct {
	Type      MessageType `json:"type"`
	Status    string      `json:"status"`
	CallID    string      `json:"call_id"`
	RequestID string      `json:"request_id"`
}

// Unknown preserves a message whose type the bridge does not recognize.
// Unknown types are logged and ignored, never fatal to the connection.
type Unknown struct {
	Type MessageType
	Raw  json.RawMessage
}

func (m *Auth) MsgType() MessageType            { return TypeAuth }
func (m *AuthResponse) MsgType() MessageType    { return TypeAuthResponse }
func (m *AudioInput) MsgType() MessageType      { return TypeAudio }
func (m *StatusRequest) MsgType() MessageType   { return TypeStatus }
func (m *StatusResponse) MsgType() MessageType  { return TypeStatusResponse }
func (m *TTSAudio) MsgType() MessageType        { return TypeTTSAudio }
func (m *TTSResponse) MsgType() MessageType     { return TypeTTSResponse }
func (m *STTResult) MsgType() MessageType       { return TypeSTTResult }
func (m *LLMResponse) MsgType() MessageType     { return TypeLLMResponse }
func (m *LLMToolRequest) MsgType() MessageType  { return TypeLLMToolRequest }
func (m *LLMToolResponse) MsgType() MessageType { return TypeLLMToolResponse }
func (m *BargeIn) MsgType() MessageType         { return TypeBargeIn }
func (m *BargeInAck) MsgType() MessageType      { return TypeBargeInAck }
func (m *Unknown) MsgType() MessageType         { return m.Type }

// Decode parses a JSON message from the backend. Unrecognized types decode
// to *Unknown so the caller can log and drop them.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	var msg Message
	switch probe.Type {
	case TypeAuthResponse:
		msg = &AuthResponse{}
	case TypeStatusResponse:
		msg = &StatusResponse{}
	case TypeTTSAudio:
		msg = &TTSAudio{}
	case TypeTTSResponse:
		msg = &TTSResponse{}
	case TypeSTTResult:
		msg = &STTResult{}
	case TypeLLMResponse:
		msg = &LLMResponse{}
	case TypeLLMToolResponse:
		msg = &LLMToolResponse{}
	case TypeBargeInAck:
		msg = &BargeInAck{}
	case TypeAuth:
		msg = &Auth{}
	case TypeAudio:
		msg = &AudioInput{}
	case TypeStatus:
		msg = &StatusRequest{}
	case TypeLLMToolRequest:
		msg = &LLMToolRequest{}
	case TypeBargeIn:
		msg = &BargeIn{}
	case TypeTTSRequest:
		msg = &TTSRequest{}
	case TypeLLMRequest:
		msg = &LLMRequest{}
	case TypeSwitchModel:
		msg = &SwitchModel{}
	default:
		return &Unknown{Type: probe.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to parse %s message: %w", probe.Type, err)
	}
	return msg, nil
}

// Encode serializes an outbound message.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", msg.MsgType(), err)
	}
	return data, nil
}
