package shift

import (
	"log"
	"sync"
	"time"
)

// Timer kinds armed by the controller.
const (
	TimerDurationWarning = "duration_warning"
	TimerHardLimit       = "hard_limit"
)

type timerKey struct {
	userID string
	kind   string
}

// TimerSet holds scheduled shift notifications, keyed by user and kind.
// Re-arming a key cancels the previous timer first, so a shift can never
// accumulate duplicate notifications, and one user's timers are invisible
// to every other user.
type TimerSet struct {
	logger *log.Logger

	mu     sync.Mutex
	timers map[timerKey]*time.Timer
}

// NewTimerSet creates an empty set.
func NewTimerSet(logger *log.Logger) *TimerSet {
	if logger == nil {
		logger = log.Default()
	}
	return &TimerSet{logger: logger, timers: make(map[timerKey]*time.Timer)}
}

// Arm schedules fn after d, replacing any timer of the same user and kind.
func (s *TimerSet) Arm(userID, kind string, d time.Duration, fn func()) {
	key := timerKey{userID: userID, kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.timers[key]; ok {
		prior.Stop()
		s.logger.Printf("INFO timer %s for %s re-armed, prior cancelled", kind, userID)
	}

	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops one user's timer of the given kind, reporting whether one
// existed.
func (s *TimerSet) Cancel(userID, kind string) bool {
	key := timerKey{userID: userID, kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	timer, ok := s.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(s.timers, key)
	return true
}

// CancelUser stops every timer armed for one user, leaving other users'
// timers untouched.
func (s *TimerSet) CancelUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, timer := range s.timers {
		if key.userID != userID {
			continue
		}
		timer.Stop()
		delete(s.timers, key)
	}
}

// Armed reports whether the user's timer of the given kind is pending.
func (s *TimerSet) Armed(userID, kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[timerKey{userID: userID, kind: kind}]
	return ok
}
