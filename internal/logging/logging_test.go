package logging

import "testing"

func TestNewLogger(t *testing.T) {
	for _, enc := range []string{"", "json", "console"} {
		logger, err := NewLogger("debug", enc)
		if err != nil {
			t.Fatalf("encoding %q: unexpected error: %v", enc, err)
		}
		if !logger.Core().Enabled(-1) {
			t.Fatalf("encoding %q: expected debug level enabled", enc)
		}
	}
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Fatal("expected error for invalid level")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatal("expected error for invalid encoding")
	}
}
