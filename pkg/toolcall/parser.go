// Package toolcall extracts structured tool invocations from free-form LLM
// text. Weak local models emit tool calls in several shapes, from the
// canonical <tool_call> wrapper down to truncated JSON with no closing brace;
// the parser recovers what it can and strips the markup so the remaining text
// is safe to speak.
package toolcall

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Call is one parsed tool invocation. Parameters is never nil.
type Call struct {
	Name       string
	Parameters map[string]any
}

var (
	// Canonical wrapper: <tool_call>{"name":...,"arguments":{...}}</tool_call>
	wrappedPattern = regexp.MustCompile(`(?is)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

	// Stray open or close wrapper tag with no matching pair.
	strayTagPattern = regexp.MustCompile(`(?i)</?tool_call>`)

	// Open tag of a named-tag form, e.g. <hangup_call>. The close tag needs a
	// backreference, which RE2 does not support, so matching the pair is done
	// by hand in parseNamedTags.
	namedOpenPattern = regexp.MustCompile(`<([a-zA-Z0-9_]+)>`)

	// Legacy forms some models still emit.
	functoolsPattern    = regexp.MustCompile(`(?is)functools\[(\[.*?\])\]`)
	jsonFunctionPattern = regexp.MustCompile(`(?s)\{\s*"function"\s*:\s*"([^"]+)"\s*,\s*"function_parameters"\s*:\s*(\{.*?\})\s*\}`)

	// Truncated prefix form: a JSON object naming the tool but cut off before
	// its closing brace. Only the name is guaranteed recoverable.
	truncatedNamePattern = regexp.MustCompile(`\{\s*"name"\s*:\s*"([a-zA-Z0-9_]+)"`)

	blankLinePattern = regexp.MustCompile(`\n\s*\n`)
)

// Chat-template control tokens that occasionally leak into model output.
// Clean text is truncated at the first occurrence so garbage is never spoken.
var controlTokens = []string{"<|system|>", "<|user|>", "<|assistant|>", "<|enduser|>", "<|end|>"}

// Parse separates an LLM response into speakable text and tool calls.
// The returned text has all recognized tool markup removed and is empty when
// nothing speakable remains. Calls is nil when no tool call was recognized.
func Parse(text string) (string, []Call) {
	calls := parseCalls(text)
	clean := stripMarkup(text)
	return clean, calls
}

// parseCalls tries each recognized form in priority order and returns the
// first form that yields calls.
func parseCalls(text string) []Call {
	if calls := parseWrapped(text); len(calls) > 0 {
		return calls
	}
	if calls := parseNamedTags(text); len(calls) > 0 {
		return calls
	}
	if calls := parseStrayTags(text); len(calls) > 0 {
		return calls
	}
	if calls := parseFunctools(text); len(calls) > 0 {
		return calls
	}
	if calls := parseJSONFunction(text); len(calls) > 0 {
		return calls
	}
	return parseTruncated(text)
}

func parseWrapped(text string) []Call {
	var calls []Call
	for _, m := range wrappedPattern.FindAllStringSubmatch(text, -1) {
		if call, ok := callFromJSON(m[1], ""); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

// parseNamedTags handles <hangup_call>{...}</hangup_call> style wrappers
// where the tag itself names the tool. When the JSON lacks a "name" field the
// tag supplies it, and compact bodies like {"farewell_message":"Bye"} are
// treated as the parameter object.
func parseNamedTags(text string) []Call {
	var calls []Call
	for _, loc := range namedOpenPattern.FindAllStringSubmatchIndex(text, -1) {
		tag := text[loc[2]:loc[3]]
		if strings.EqualFold(tag, "tool_call") {
			continue
		}
		body, end := extractJSONObject(text, loc[1])
		if body == "" {
			continue
		}
		rest := strings.TrimLeft(text[end:], " \t\r\n")
		if !strings.HasPrefix(rest, "</"+tag+">") {
			continue
		}

		var data map[string]any
		if err := json.Unmarshal([]byte(body), &data); err != nil {
			continue
		}
		name, _ := data["name"].(string)
		if name == "" {
			name = tag
		}
		params := paramsFrom(data)
		if params == nil {
			// Compact form: every non-name key is a parameter.
			params = make(map[string]any)
			for k, v := range data {
				if k != "name" {
					params[k] = v
				}
			}
		}
		calls = append(calls, Call{Name: name, Parameters: params})
	}
	return calls
}

// parseStrayTags recovers from unbalanced wrappers such as a bare
// `</tool_call> {...}` or an open tag with no close.
func parseStrayTags(text string) []Call {
	var calls []Call
	for _, loc := range strayTagPattern.FindAllStringIndex(text, -1) {
		body, _ := extractJSONObject(text, loc[1])
		if body == "" {
			continue
		}
		if call, ok := callFromJSON(body, ""); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func parseFunctools(text string) []Call {
	var calls []Call
	for _, m := range functoolsPattern.FindAllStringSubmatch(text, -1) {
		var list []map[string]any
		if err := json.Unmarshal([]byte(m[1]), &list); err != nil {
			continue
		}
		for _, data := range list {
			name, _ := data["name"].(string)
			if name == "" {
				continue
			}
			params := paramsFrom(data)
			if params == nil {
				params = make(map[string]any)
			}
			calls = append(calls, Call{Name: name, Parameters: params})
		}
	}
	return calls
}

func parseJSONFunction(text string) []Call {
	var calls []Call
	for _, m := range jsonFunctionPattern.FindAllStringSubmatch(text, -1) {
		var params map[string]any
		if err := json.Unmarshal([]byte(m[2]), &params); err != nil {
			continue
		}
		calls = append(calls, Call{Name: m[1], Parameters: params})
	}
	return calls
}

// parseTruncated recovers the tool name from a JSON object that was cut off
// mid-stream. Arguments are recovered only when their own object closed.
func parseTruncated(text string) []Call {
	m := truncatedNamePattern.FindStringSubmatchIndex(text)
	if m == nil {
		return nil
	}
	// A complete object would have been handled by an earlier form; bail when
	// the object starting here actually closes.
	start := m[0]
	if body, _ := extractJSONObject(text, start); body != "" {
		if _, ok := callFromJSON(body, ""); ok {
			return nil
		}
	}
	name := text[m[2]:m[3]]
	params := make(map[string]any)
	if idx := strings.Index(text[start:], `"arguments"`); idx >= 0 {
		if body, _ := extractJSONObject(text, start+idx+len(`"arguments"`)); body != "" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(body), &parsed); err == nil {
				params = parsed
			}
		}
	}
	return []Call{{Name: name, Parameters: params}}
}

func callFromJSON(body, fallbackName string) (Call, bool) {
	var data map[string]any
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return Call{}, false
	}
	name, _ := data["name"].(string)
	if name == "" {
		name = fallbackName
	}
	if name == "" {
		return Call{}, false
	}
	params := paramsFrom(data)
	if params == nil {
		params = make(map[string]any)
	}
	return Call{Name: name, Parameters: params}, true
}

// paramsFrom returns the arguments/parameters object, or nil when neither
// key holds an object.
func paramsFrom(data map[string]any) map[string]any {
	if p, ok := data["arguments"].(map[string]any); ok {
		return p
	}
	if p, ok := data["parameters"].(map[string]any); ok {
		return p
	}
	return nil
}

// extractJSONObject scans for the first complete JSON object at or after
// start, respecting quoted strings and escapes. Returns the object text and
// the index just past it, or "" when no complete object exists.
func extractJSONObject(text string, start int) (string, int) {
	i := strings.IndexByte(text[start:], '{')
	if i < 0 {
		return "", 0
	}
	i += start

	depth := 0
	inString := false
	escape := false
	for j := i; j < len(text); j++ {
		ch := text[j]
		if inString {
			switch {
			case escape:
				escape = false
			case ch == '\\':
				escape = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[i : j+1], j + 1
			}
		}
	}
	return "", 0
}

// stripMarkup removes every recognized tool form from the text, collapses
// blank runs, and truncates at the first leaked control token.
func stripMarkup(text string) string {
	clean := wrappedPattern.ReplaceAllString(text, "")
	clean = stripNamedTags(clean)
	clean = stripStrayTags(clean)
	clean = functoolsPattern.ReplaceAllString(clean, "")
	clean = jsonFunctionPattern.ReplaceAllString(clean, "")
	clean = stripTruncated(clean)

	clean = blankLinePattern.ReplaceAllString(clean, "\n")
	clean = strings.TrimSpace(clean)

	lowest := -1
	for _, token := range controlTokens {
		if idx := strings.Index(clean, token); idx != -1 && (lowest == -1 || idx < lowest) {
			lowest = idx
		}
	}
	if lowest != -1 {
		clean = strings.TrimSpace(clean[:lowest])
	}
	return clean
}

func stripNamedTags(text string) string {
	for {
		removed := false
		for _, loc := range namedOpenPattern.FindAllStringSubmatchIndex(text, -1) {
			tag := text[loc[2]:loc[3]]
			if strings.EqualFold(tag, "tool_call") {
				continue
			}
			body, end := extractJSONObject(text, loc[1])
			if body == "" {
				continue
			}
			rest := text[end:]
			trimmed := strings.TrimLeft(rest, " \t\r\n")
			if !strings.HasPrefix(trimmed, "</"+tag+">") {
				continue
			}
			closeEnd := end + (len(rest) - len(trimmed)) + len("</"+tag+">")
			text = text[:loc[0]] + text[closeEnd:]
			removed = true
			break
		}
		if !removed {
			return text
		}
	}
}

func stripStrayTags(text string) string {
	for {
		loc := strayTagPattern.FindStringIndex(text)
		if loc == nil {
			return text
		}
		if body, end := extractJSONObject(text, loc[1]); body != "" {
			text = text[:loc[0]] + text[end:]
		} else {
			text = text[:loc[0]] + text[loc[1]:]
		}
	}
}

// stripTruncated drops an unterminated tool-call object and everything after
// it; a cut-off JSON tail is never speakable.
func stripTruncated(text string) string {
	m := truncatedNamePattern.FindStringIndex(text)
	if m == nil {
		return text
	}
	if body, _ := extractJSONObject(text, m[0]); body != "" {
		return text
	}
	return text[:m[0]]
}

// Validate reports whether the call names a tool in the allow-list. Parameter
// schema validation is the tool implementation's concern, not the parser's.
func Validate(call Call, allowed []string) bool {
	for _, name := range allowed {
		if call.Name == name {
			return true
		}
	}
	return false
}

// LooksLikeFailedToolCall reports whether text that did not parse cleanly
// still appears to be an attempted tool call: it names an allowed tool and
// contains the start of a JSON object. Used to decide whether a repair turn
// is worth the extra round trip.
func LooksLikeFailedToolCall(text string, allowed []string) bool {
	if !strings.Contains(text, "{") {
		return false
	}
	for _, name := range allowed {
		if name != "" && strings.Contains(text, name) {
			return true
		}
	}
	return false
}
