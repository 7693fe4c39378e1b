package turn

import (
	"testing"
)

// TestEnsureOrtEnvIdempotent verifies that repeated ensureOrtEnv() calls
// return the same result.
func TestEnsureOrtEnvIdempotent(t *testing.T) {
	err1 := ensureOrtEnv()
	err2 := ensureOrtEnv()

	if err1 != err2 {
		t.Errorf("ensureOrtEnv() not idempotent: first call returned %v, second call returned %v", err1, err2)
	}

	err3 := ensureOrtEnv()
	if err1 != err3 {
		t.Errorf("ensureOrtEnv() not consistent: first call returned %v, third call returned %v", err1, err3)
	}
}
