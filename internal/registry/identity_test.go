package registry

import (
	"strings"
	"testing"
)

func TestSanitizeAgentID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"my-agent", "my-agent"},
		{"My Agent", "my-agent"},
		{"voice/agent:prod", "voice-agent-prod"},
		{" Weather-Bot_2 ", "weather-bot_2"},
		{"agent.v1", "agent.v1"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := sanitizeAgentID(tt.in); got != tt.want {
			t.Errorf("sanitizeAgentID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWorkerIdentityStore(t *testing.T) {
	agent := t.Name() + " Agent"

	if got := storedWorkerID(agent); got != "" {
		t.Fatalf("unexpected stored id %q", got)
	}

	rememberWorkerID(agent, "wk_42")

	// Lookups normalize the same way remember does.
	if got := storedWorkerID(strings.ToUpper(agent)); got != "wk_42" {
		t.Errorf("storedWorkerID = %q, want wk_42", got)
	}

	// Empty assignments never overwrite a remembered id.
	rememberWorkerID(agent, "")
	if got := storedWorkerID(agent); got != "wk_42" {
		t.Errorf("empty id overwrote store, got %q", got)
	}
}

func TestFallbackWorkerID(t *testing.T) {
	a, b := fallbackWorkerID(), fallbackWorkerID()
	if !strings.HasPrefix(a, "wk_") {
		t.Errorf("fallback id %q should carry the wk_ prefix", a)
	}
	if a == b {
		t.Error("fallback ids should be unique")
	}
}
