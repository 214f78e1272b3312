package protocol

import (
	"encoding/base64"
	"fmt"
)

// NewAuth creates an auth message.
func NewAuth(token string) *Auth {
	return &Auth{Type: TypeAuth, AuthToken: token}
}

// NewAudioInput creates an outbound audio message from raw PCM bytes.
func NewAudioInput(pcm []byte, rate int, callID, mode string) *AudioInput {
	return &AudioInput{
		Type:   TypeAudio,
		Data:   base64.StdEncoding.EncodeToString(pcm),
		Rate:   rate,
		Format: "pcm16le",
		CallID: callID,
		Mode:   mode,
	}
}

// NewStatusRequest creates a status probe message.
func NewStatusRequest() *StatusRequest {
	return &StatusRequest{Type: TypeStatus}
}

// NewLLMToolRequest creates a tool-gateway request for a candidate LLM text.
func NewLLMToolRequest(requestID, callID, text string, allowed []string, tools []ToolSchema, policy string) *LLMToolRequest {
	return &LLMToolRequest{
		Type:         TypeLLMToolRequest,
		RequestID:    requestID,
		CallID:       callID,
		Text:         text,
		AllowedTools: allowed,
		Tools:        tools,
		ToolPolicy:   policy,
	}
}

// NewBargeIn creates a barge-in message.
func NewBargeIn(callID, requestID string) *BargeIn {
	return &BargeIn{Type: TypeBargeIn, CallID: callID, RequestID: requestID}
}

// DecodeAudioData decodes the base64 audio payload of an AudioInput.
func (m *AudioInput) DecodeAudioData() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio data: %w", err)
	}
	return data, nil
}

// DecodeAudioData decodes the base64 audio payload of a TTSResponse.
func (m *TTSResponse) DecodeAudioData() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.AudioData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio data: %w", err)
	}
	return data, nil
}
