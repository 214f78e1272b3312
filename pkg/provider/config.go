package provider

import (
	"fmt"
	"net/url"
	"time"
)

// Input modes accepted by SendAudio. The backend always receives 16 kHz
// little-endian PCM; anything else is converted on the way out.
const (
	InputMulaw8k  = "mulaw8k"
	InputPCM16_8k = "pcm16_8k"
	InputPCM16    = "pcm16_16k"
)

// Config holds provider session settings.
type Config struct {
	// URL is the backend websocket endpoint, e.g. ws://127.0.0.1:8765.
	URL string

	// AuthToken is sent in the auth handshake. Empty disables auth.
	AuthToken string

	// ConnectTimeout bounds a single websocket dial.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds waits for llm_response and status_response.
	ResponseTimeout time.Duration

	// GatewayTimeout bounds a structured tool request before falling back
	// to text parsing. Clamped to [1s, 3s].
	GatewayTimeout time.Duration

	// BatchInterval paces outbound audio batches.
	BatchInterval time.Duration

	// Mode selects the backend pipeline: "full" (STT+LLM+TTS) or "stt".
	Mode string

	// ToolPolicy is the configured tool policy: "auto", "strict",
	// "compatible" or "off". "auto" derives the policy from the backend's
	// advertised tool capability.
	ToolPolicy string

	// GatewayEnabled allows structured tool requests when the resolved
	// policy permits them.
	GatewayEnabled bool

	// Instructions is the default system prompt applied at session start.
	Instructions string

	// InputMode describes the audio handed to SendAudio.
	InputMode string

	// Greeting, when set, is spoken at session start via tts_request.
	Greeting string

	// TransferPhrases overrides the built-in caller phrases that indicate
	// transfer intent. Nil keeps the defaults.
	TransferPhrases []string
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		URL:             "ws://127.0.0.1:8765",
		ConnectTimeout:  5 * time.Second,
		ResponseTimeout: 5 * time.Second,
		GatewayTimeout:  2 * time.Second,
		BatchInterval:   200 * time.Millisecond,
		Mode:            "full",
		ToolPolicy:      "auto",
		GatewayEnabled:  true,
		InputMode:       InputMulaw8k,
	}
}

// Validate checks the configuration for usability.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("provider: invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("provider: unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("provider: url %q has no host", c.URL)
	}
	if c.Mode != "full" && c.Mode != "stt" {
		return fmt.Errorf("provider: invalid mode %q", c.Mode)
	}
	switch c.ToolPolicy {
	case "auto", "strict", "compatible", "off":
	default:
		return fmt.Errorf("provider: invalid tool policy %q", c.ToolPolicy)
	}
	switch c.InputMode {
	case InputMulaw8k, InputPCM16_8k, InputPCM16:
	default:
		return fmt.Errorf("provider: invalid input mode %q", c.InputMode)
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 200 * time.Millisecond
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
	return nil
}

// gatewayTimeout returns the effective structured tool request timeout.
func (c *Config) gatewayTimeout() time.Duration {
	t := c.GatewayTimeout
	if t == 0 {
		t = c.ResponseTimeout
	}
	if t < time.Second {
		t = time.Second
	}
	if t > 3*time.Second {
		t = 3 * time.Second
	}
	return t
}

// host returns the TCP host:port for reachability probes.
func (c *Config) host() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "wss" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	return host
}
