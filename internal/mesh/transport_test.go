package mesh

import (
	"testing"
	"time"
)

func TestReconnectBackoffDoublesUntilCap(t *testing.T) {
	b := NewReconnectBackoff()

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for i, w := range want {
		got := b.NextDelay()
		if got != w*time.Second {
			t.Fatalf("attempt %d: expected %s, got %s", i, w*time.Second, got)
		}
	}
}

func TestReconnectBackoffResetStartsOver(t *testing.T) {
	b := NewReconnectBackoff()
	b.NextDelay()
	b.NextDelay()
	b.NextDelay()

	b.Reset()
	if got := b.NextDelay(); got != time.Second {
		t.Fatalf("expected first delay after reset to be 1s, got %s", got)
	}
}
