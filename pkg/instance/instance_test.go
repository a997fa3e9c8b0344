package instance

import "testing"

func TestGetIDPrefersEnv(t *testing.T) {
	t.Setenv("CREDITMETER_INSTANCE_ID", "flusher-7")
	if got := GetID(); got != "flusher-7" {
		t.Fatalf("expected flusher-7, got %q", got)
	}
}

func TestGetIDFallsBack(t *testing.T) {
	t.Setenv("CREDITMETER_INSTANCE_ID", "")
	if got := GetID(); got == "" {
		t.Fatal("expected non-empty fallback id")
	}
}
