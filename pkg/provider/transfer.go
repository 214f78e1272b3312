package provider

import (
	"regexp"
	"strings"

	"github.com/voxbridge/go-voxbridge/pkg/toolcall"
)

// Transfer tools are only honored when the caller actually asked for a
// transfer. Models occasionally hallucinate transfer calls on unrelated
// turns, which would rip the caller out of the conversation.
var transferTools = map[string]bool{
	"live_agent_transfer": true,
	"blind_transfer":      true,
	"attended_transfer":   true,
	"request_transfer":    true,
	"transfer":            true,
}

var defaultTransferPhrases = []string{
	"transfer me",
	"connect me",
	"route me",
	"put me through",
	"send me to",
	"move me to",
	"live agent",
	"human agent",
	"talk to agent",
	"speak to agent",
	"representative",
	"operator",
	"attended transfer",
	"blind transfer",
}

var transferPattern = regexp.MustCompile(
	`\b(?:transfer|connect|route|send|move|speak|talk)\b.{0,24}\b(?:agent|human|operator|representative|support|sales|billing|ext|extension|\d{3,6})\b`)

// isTransferTool reports whether name is one of the call transfer tools.
func isTransferTool(name string) bool {
	return transferTools[strings.ToLower(strings.TrimSpace(name))]
}

// transferIntent reports whether the caller's transcript expresses a wish to
// be transferred. A nil phrase list uses the defaults.
func transferIntent(transcript string, phrases []string) bool {
	t := strings.ToLower(strings.TrimSpace(transcript))
	if t == "" {
		return false
	}
	if phrases == nil {
		phrases = defaultTransferPhrases
	}
	for _, phrase := range phrases {
		if strings.Contains(t, strings.ToLower(phrase)) {
			return true
		}
	}
	return transferPattern.MatchString(t)
}

// suppressTransfers drops transfer tool calls when the transcript shows no
// transfer intent. Returns the surviving calls.
func suppressTransfers(calls []toolcall.Call, transcript string, phrases []string) []toolcall.Call {
	kept := calls[:0:0]
	for _, c := range calls {
		if isTransferTool(c.Name) && !transferIntent(transcript, phrases) {
			continue
		}
		kept = append(kept, c)
	}
	return kept
}

// extractFarewell returns the farewell message from a hangup_call tool, if
// present. The farewell replaces the model's spoken text so the caller hears
// a proper goodbye before the line drops.
func extractFarewell(calls []toolcall.Call) (string, bool) {
	for _, c := range calls {
		if !strings.EqualFold(strings.TrimSpace(c.Name), "hangup_call") {
			continue
		}
		if v, ok := c.Parameters["farewell_message"]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}
	}
	return "", false
}

// filterAllowed drops calls whose tool is not in the allowed set. An empty
// allowed set drops everything.
func filterAllowed(calls []toolcall.Call, allowed []string) []toolcall.Call {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[strings.ToLower(strings.TrimSpace(name))] = true
	}
	kept := calls[:0:0]
	for _, c := range calls {
		if set[strings.ToLower(strings.TrimSpace(c.Name))] {
			kept = append(kept, c)
		}
	}
	return kept
}
