package provisioning

import "testing"

func TestGenerateUsername(t *testing.T) {
	cases := []struct {
		agentID string
		want    string
	}{
		{"agent-research-bot", "agent_research_bot"},
		{"agent-123", "agent_123"},
		{"plain_id", "agent_plain_id"},
		{"weird!!chars@@here", "agent_weirdcharshere"},
		{"agent-", "agent_"},
	}

	for _, tc := range cases {
		got := GenerateUsername(tc.agentID)
		if got != tc.want {
			t.Errorf("GenerateUsername(%q) = %q, want %q", tc.agentID, got, tc.want)
		}
	}
}

func TestGenerateUsernameIsDeterministic(t *testing.T) {
	a := GenerateUsername("agent-same-id")
	b := GenerateUsername("agent-same-id")
	if a != b {
		t.Fatalf("GenerateUsername must be deterministic, got %q and %q", a, b)
	}
}

func TestGeneratePasswordDevMode(t *testing.T) {
	got, err := GeneratePassword(true)
	if err != nil {
		t.Fatalf("GeneratePassword(true): %v", err)
	}
	if got != devModePassword {
		t.Fatalf("dev mode password = %q, want constant %q", got, devModePassword)
	}
}

func TestGeneratePasswordRandom(t *testing.T) {
	a, err := GeneratePassword(false)
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	b, err := GeneratePassword(false)
	if err != nil {
		t.Fatalf("GeneratePassword: %v", err)
	}
	if len(a) != 16 {
		t.Fatalf("password length = %d, want 16", len(a))
	}
	if a == b {
		t.Fatalf("two random passwords collided: %q", a)
	}
}
