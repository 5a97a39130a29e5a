package clock

import (
	"testing"
	"time"
)

func TestRealNowUsesUTC(t *testing.T) {
	now := Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAdvanceFiresTimers(t *testing.T) {
	m := NewManual(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	ch := m.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired before advance")
	default:
	}
	m.Advance(5 * time.Second)
	select {
	case <-ch:
		t.Fatal("timer fired too early")
	default:
	}
	m.Advance(5 * time.Second)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire after advance")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	m := NewManual(time.Now())
	select {
	case <-m.After(0):
	case <-time.After(time.Second):
		t.Fatal("zero-duration After must fire immediately")
	}
}
