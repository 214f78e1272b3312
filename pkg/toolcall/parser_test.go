package toolcall_test

import (
	"strings"
	"testing"

	"github.com/voxbridge/go-voxbridge/pkg/toolcall"
)

func TestParseWrappedForm(t *testing.T) {
	text := `I'll end the call now. <tool_call>{"name": "hangup_call", "arguments": {"farewell_message": "Goodbye!"}}</tool_call>`

	clean, calls := toolcall.Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "hangup_call" {
		t.Errorf("expected hangup_call, got %q", calls[0].Name)
	}
	if got := calls[0].Parameters["farewell_message"]; got != "Goodbye!" {
		t.Errorf("expected farewell parameter, got %v", got)
	}
	if clean != "I'll end the call now." {
		t.Errorf("unexpected clean text %q", clean)
	}
	if strings.Contains(clean, "tool_call") {
		t.Error("clean text must not contain markup")
	}
}

func TestParseNamedTagForm(t *testing.T) {
	t.Run("with name field", func(t *testing.T) {
		text := `<hangup_call>{"name": "hangup_call", "arguments": {"farewell_message": "Bye"}}</hangup_call>`
		clean, calls := toolcall.Parse(text)
		if len(calls) != 1 || calls[0].Name != "hangup_call" {
			t.Fatalf("expected hangup_call, got %v", calls)
		}
		if calls[0].Parameters["farewell_message"] != "Bye" {
			t.Errorf("expected farewell parameter, got %v", calls[0].Parameters)
		}
		if clean != "" {
			t.Errorf("expected empty clean text, got %q", clean)
		}
	})

	t.Run("compact params without name field", func(t *testing.T) {
		text := `One moment. <hangup_call>{"farewell_message": "Bye now"}</hangup_call>`
		clean, calls := toolcall.Parse(text)
		if len(calls) != 1 || calls[0].Name != "hangup_call" {
			t.Fatalf("expected hangup_call from tag name, got %v", calls)
		}
		if calls[0].Parameters["farewell_message"] != "Bye now" {
			t.Errorf("compact body should become parameters, got %v", calls[0].Parameters)
		}
		if clean != "One moment." {
			t.Errorf("unexpected clean text %q", clean)
		}
	})

	t.Run("tag without JSON is not a tool call", func(t *testing.T) {
		text := `The <transfer> option moves you to an agent.`
		_, calls := toolcall.Parse(text)
		if calls != nil {
			t.Errorf("expected no calls, got %v", calls)
		}
	})
}

func TestParseStrayTagForms(t *testing.T) {
	t.Run("bare close tag before object", func(t *testing.T) {
		text := `</tool_call> {"name": "check_balance", "arguments": {"account": "primary"}}`
		clean, calls := toolcall.Parse(text)
		if len(calls) != 1 || calls[0].Name != "check_balance" {
			t.Fatalf("expected check_balance, got %v", calls)
		}
		if calls[0].Parameters["account"] != "primary" {
			t.Errorf("expected arguments preserved, got %v", calls[0].Parameters)
		}
		if clean != "" {
			t.Errorf("expected empty clean text, got %q", clean)
		}
	})

	t.Run("open tag with no close", func(t *testing.T) {
		text := `Sure. <tool_call> {"name": "check_balance", "arguments": {}}`
		clean, calls := toolcall.Parse(text)
		if len(calls) != 1 || calls[0].Name != "check_balance" {
			t.Fatalf("expected check_balance, got %v", calls)
		}
		if clean != "Sure." {
			t.Errorf("unexpected clean text %q", clean)
		}
	})
}

func TestParseTruncatedForm(t *testing.T) {
	text := `Let me do that. {"name": "hangup_call", "arguments": {"farewell_mess`
	clean, calls := toolcall.Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 recovered call, got %d", len(calls))
	}
	if calls[0].Name != "hangup_call" {
		t.Errorf("expected recovered name hangup_call, got %q", calls[0].Name)
	}
	if strings.Contains(clean, "{") {
		t.Errorf("truncated JSON must not leak into clean text: %q", clean)
	}
}

func TestParseLegacyForms(t *testing.T) {
	t.Run("functools list", func(t *testing.T) {
		text := `functools[[{"name": "check_balance", "arguments": {"account": "savings"}}]]`
		_, calls := toolcall.Parse(text)
		if len(calls) != 1 || calls[0].Name != "check_balance" {
			t.Fatalf("expected check_balance, got %v", calls)
		}
	})

	t.Run("function object", func(t *testing.T) {
		text := `{"function": "live_agent_transfer", "function_parameters": {"department": "billing"}}`
		_, calls := toolcall.Parse(text)
		if len(calls) != 1 || calls[0].Name != "live_agent_transfer" {
			t.Fatalf("expected live_agent_transfer, got %v", calls)
		}
		if calls[0].Parameters["department"] != "billing" {
			t.Errorf("expected parameters, got %v", calls[0].Parameters)
		}
	})
}

func TestParsePlainText(t *testing.T) {
	clean, calls := toolcall.Parse("Your balance is forty dollars.")
	if calls != nil {
		t.Errorf("expected no calls, got %v", calls)
	}
	if clean != "Your balance is forty dollars." {
		t.Errorf("plain text should be untouched, got %q", clean)
	}
}

func TestParseCompleteNonToolJSON(t *testing.T) {
	// A complete object that happens to have a name field but is not tool
	// markup parses as a stray-form tool call only when tagged; bare complete
	// JSON with name+arguments is ambiguous and stays conservative.
	clean, _ := toolcall.Parse(`The record is {"name": "Smith", "id": 4}.`)
	if clean == "" {
		t.Error("complete non-tool JSON should not empty the text")
	}
}

func TestControlTokenTruncation(t *testing.T) {
	text := "Thanks for calling.<|end|><|assistant|> internal scratch"
	clean, _ := toolcall.Parse(text)
	if clean != "Thanks for calling." {
		t.Errorf("expected truncation at control token, got %q", clean)
	}
}

func TestEmptyCleanText(t *testing.T) {
	clean, calls := toolcall.Parse(`<tool_call>{"name": "hangup_call", "arguments": {}}</tool_call>`)
	if clean != "" {
		t.Errorf("expected empty clean text, got %q", clean)
	}
	if len(calls) != 1 {
		t.Errorf("expected the call to still parse, got %v", calls)
	}
}

func TestValidate(t *testing.T) {
	allowed := []string{"hangup_call", "check_balance"}

	if !toolcall.Validate(toolcall.Call{Name: "hangup_call"}, allowed) {
		t.Error("allow-listed call should validate")
	}
	if toolcall.Validate(toolcall.Call{Name: "rm_rf"}, allowed) {
		t.Error("unknown call must not validate")
	}
	if toolcall.Validate(toolcall.Call{Name: "hangup_call"}, nil) {
		t.Error("empty allow-list rejects everything")
	}
}

func TestLooksLikeFailedToolCall(t *testing.T) {
	allowed := []string{"hangup_call"}

	cases := []struct {
		name string
		text string
		want bool
	}{
		{"names tool with brace", `hangup_call {"farewell`, true},
		{"names tool without brace", `I could hangup_call for you`, false},
		{"brace without tool name", `{"name": "other"}`, false},
		{"plain text", "Goodbye!", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := toolcall.LooksLikeFailedToolCall(tc.text, allowed); got != tc.want {
				t.Errorf("LooksLikeFailedToolCall(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}
