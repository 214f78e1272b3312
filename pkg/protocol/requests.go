package protocol

// Outbound request types with no inbound counterpart of their own: the
// backend answers tts_request with tts_audio metadata plus a binary frame,
// llm_request with an llm_response carrying the same request_id, and
// switch_model with nothing.
const (
	TypeTTSRequest  MessageType = "tts_request"
	TypeLLMRequest  MessageType = "llm_request"
	TypeSwitchModel MessageType = "switch_model"
)

// TTSRequest asks the backend to synthesize speech for a call.
type TTSRequest struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Text   string      `json:"text"`
}

// LLMRequest asks the backend for a raw LLM completion, matched to its
// llm_response by RequestID. Used for tool-call repair turns.
type LLMRequest struct {
	Type      MessageType `json:"type"`
	Mode      string      `json:"mode"`
	RequestID string      `json:"request_id"`
	CallID    string      `json:"call_id"`
	Text      string      `json:"text"`
}

// SwitchModel updates backend model configuration. With DryRun set only the
// system prompt changes and no model reload happens.
type SwitchModel struct {
	Type      MessageType `json:"type"`
	DryRun    bool        `json:"dry_run"`
	LLMConfig LLMConfig   `json:"llm_config"`
}

// LLMConfig is the model configuration fragment carried by SwitchModel.
type LLMConfig struct {
	SystemPrompt string `json:"system_prompt,omitempty"`
}

func (m *TTSRequest) MsgType() MessageType  { return TypeTTSRequest }
func (m *LLMRequest) MsgType() MessageType  { return TypeLLMRequest }
func (m *SwitchModel) MsgType() MessageType { return TypeSwitchModel }

// NewTTSRequest creates a speech synthesis request.
func NewTTSRequest(callID, text string) *TTSRequest {
	return &TTSRequest{Type: TypeTTSRequest, CallID: callID, Text: text}
}

// NewLLMRequest creates a raw completion request.
func NewLLMRequest(requestID, callID, text string) *LLMRequest {
	return &LLMRequest{Type: TypeLLMRequest, Mode: "llm", RequestID: requestID, CallID: callID, Text: text}
}

// NewSystemPrompt creates a dry-run model switch carrying only the prompt.
func NewSystemPrompt(prompt string) *SwitchModel {
	return &SwitchModel{Type: TypeSwitchModel, DryRun: true, LLMConfig: LLMConfig{SystemPrompt: prompt}}
}
