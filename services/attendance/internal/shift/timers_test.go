package shift

import (
	"log"
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerSetRearmCancelsPrior(t *testing.T) {
	set := NewTimerSet(log.New(log.Writer(), "", 0))

	var first, second atomic.Int32
	set.Arm("emp-1", TimerDurationWarning, 10*time.Millisecond, func() { first.Add(1) })
	set.Arm("emp-1", TimerDurationWarning, 20*time.Millisecond, func() { second.Add(1) })

	time.Sleep(60 * time.Millisecond)

	if got := first.Load(); got != 0 {
		t.Fatalf("replaced timer fired %d times", got)
	}
	if got := second.Load(); got != 1 {
		t.Fatalf("re-armed timer fired %d times, want 1", got)
	}
	if set.Armed("emp-1", TimerDurationWarning) {
		t.Fatal("timer still armed after firing")
	}
}

func TestTimerSetCancel(t *testing.T) {
	set := NewTimerSet(nil)

	var fired atomic.Int32
	set.Arm("emp-1", TimerHardLimit, 10*time.Millisecond, func() { fired.Add(1) })

	if !set.Cancel("emp-1", TimerHardLimit) {
		t.Fatal("Cancel() found no timer")
	}
	if set.Cancel("emp-1", TimerHardLimit) {
		t.Fatal("Cancel() reported a timer twice")
	}

	time.Sleep(30 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("cancelled timer fired %d times", got)
	}
}

func TestTimerSetCancelUser(t *testing.T) {
	set := NewTimerSet(nil)

	var fired atomic.Int32
	set.Arm("emp-1", TimerDurationWarning, 10*time.Millisecond, func() { fired.Add(1) })
	set.Arm("emp-1", TimerHardLimit, 10*time.Millisecond, func() { fired.Add(1) })

	set.CancelUser("emp-1")

	time.Sleep(30 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Fatalf("%d timers fired after CancelUser", got)
	}
	if set.Armed("emp-1", TimerDurationWarning) || set.Armed("emp-1", TimerHardLimit) {
		t.Fatal("timers still armed after CancelUser")
	}
}

func TestTimerSetIsolatesUsers(t *testing.T) {
	set := NewTimerSet(nil)

	var alice, bob atomic.Int32
	set.Arm("emp-1", TimerHardLimit, 20*time.Millisecond, func() { alice.Add(1) })
	set.Arm("emp-2", TimerHardLimit, 10*time.Millisecond, func() { bob.Add(1) })

	// One user ending their shift must not touch anyone else's timers.
	set.CancelUser("emp-2")

	if !set.Armed("emp-1", TimerHardLimit) {
		t.Fatal("emp-1's timer cancelled by emp-2's teardown")
	}

	time.Sleep(50 * time.Millisecond)
	if got := bob.Load(); got != 0 {
		t.Fatalf("cancelled timer fired %d times", got)
	}
	if got := alice.Load(); got != 1 {
		t.Fatalf("emp-1's timer fired %d times, want 1", got)
	}
}
