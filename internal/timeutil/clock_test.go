package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, time.June, 23, 12, 0, 0, 0, time.UTC)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	assert.False(t, now.Before(before) || now.After(after))
}

func TestRealClock_NewTimer(t *testing.T) {
	timer := RealClock{}.NewTimer(5 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestUnixNanoRoundTrip(t *testing.T) {
	clock := NewMockClock(epoch)
	ns := UnixNano(clock)
	assert.Equal(t, epoch.UnixNano(), ns)
	assert.True(t, FromUnixNano(ns).Equal(epoch))
}

func TestMockClock_Advance(t *testing.T) {
	clock := NewMockClock(epoch)
	clock.Advance(150 * time.Millisecond)

	assert.Equal(t, epoch.Add(150*time.Millisecond), clock.Now())
	assert.Equal(t, 150*time.Millisecond, clock.Since(epoch))
	assert.Equal(t, 50*time.Millisecond, clock.Until(epoch.Add(200*time.Millisecond)))
}

func TestMockClock_TimerFiresAtDeadline(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(100 * time.Millisecond)
	require.Equal(t, 1, clock.PendingTimers())

	clock.Advance(99 * time.Millisecond)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case got := <-timer.C():
		assert.Equal(t, epoch.Add(100*time.Millisecond), got)
	default:
		t.Fatal("timer did not fire at deadline")
	}
	assert.Zero(t, clock.PendingTimers())
	assert.False(t, timer.Stop())
}

func TestMockClock_ZeroTimerFiresImmediately(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(0)

	select {
	case <-timer.C():
	default:
		t.Fatal("zero-duration timer should fire on creation")
	}
}

func TestMockClock_StoppedTimerNeverFires(t *testing.T) {
	clock := NewMockClock(epoch)
	timer := clock.NewTimer(10 * time.Millisecond)
	assert.True(t, timer.Stop())

	clock.Advance(time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}
}

func TestMockClock_Ticker(t *testing.T) {
	clock := NewMockClock(epoch)
	ticker := clock.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	for i := 1; i <= 3; i++ {
		clock.Advance(33 * time.Millisecond)
		select {
		case got := <-ticker.C():
			assert.Equal(t, epoch.Add(time.Duration(i)*33*time.Millisecond), got)
		default:
			t.Fatalf("tick %d missing", i)
		}
	}

	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker ticked")
	default:
	}
}
