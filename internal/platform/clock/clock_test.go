package clock

import (
	"testing"
	"time"
)

func TestFixedAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewFixed(start)
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("unexpected time after advance: %s", got)
	}
}

func TestNowOrNil(t *testing.T) {
	if NowOr(nil).Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}
