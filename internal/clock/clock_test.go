package clock

import (
	"context"
	"testing"
	"time"
)

func TestMockAdvanceFiresDueWaiters(t *testing.T) {
	m := NewMock(time.Unix(1000, 0))

	short := m.After(5 * time.Second)
	long := m.After(time.Minute)

	m.Advance(10 * time.Second)

	select {
	case <-short:
	default:
		t.Fatal("5s waiter should fire after advancing 10s")
	}
	select {
	case <-long:
		t.Fatal("1m waiter must not fire after 10s")
	default:
	}

	m.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("1m waiter should fire after advancing past its deadline")
	}
}

func TestMockAfterNonPositive(t *testing.T) {
	m := NewMock(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}

func TestSleepCancelled(t *testing.T) {
	m := NewMock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := Sleep(ctx, m, time.Hour); err == nil {
		t.Fatal("Sleep should return the context error when cancelled")
	}
}

func TestRealClockNow(t *testing.T) {
	c := New()
	if c.Now().IsZero() {
		t.Fatal("real clock returned zero time")
	}
}
