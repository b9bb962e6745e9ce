package api

import (
	"strings"
	"testing"
)

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	if !strings.HasPrefix(id, "sess_") {
		t.Errorf("missing prefix: %q", id)
	}
	if len(id) != len("sess_")+24 {
		t.Errorf("unexpected length: %q", id)
	}
	if !ValidateSessionID(id) {
		t.Errorf("generated ID failed validation: %q", id)
	}
}

func TestNewSandboxID(t *testing.T) {
	id := NewSandboxID()
	if !ValidateSandboxID(id) {
		t.Errorf("generated ID failed validation: %q", id)
	}
}

func TestIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewSandboxID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %q", id)
		}
		seen[id] = true
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	bad := []string{"", "sess_", "sbx_short", "sess_" + strings.Repeat("!", 24), "resp_abcdefghijklmnopqrstuvwx"}
	for _, id := range bad {
		if ValidateSessionID(id) {
			t.Errorf("ValidateSessionID(%q) = true, want false", id)
		}
		if ValidateSandboxID(id) {
			t.Errorf("ValidateSandboxID(%q) = true, want false", id)
		}
	}
}
