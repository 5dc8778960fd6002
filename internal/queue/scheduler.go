package queue

import (
	"sync"
	"time"
)

// retryScheduler arms a single timer at the earliest due retry. Due
// times come from the operations' persisted NextAttemptAt watermarks,
// so a restarted process re-arms from storage and resumes the schedule
// instead of relying on in-memory timer continuations.
type retryScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
	at    time.Time
	fire  func()
}

func newRetryScheduler(fire func()) *retryScheduler {
	return &retryScheduler{fire: fire}
}

// ArmAt schedules fire at t, keeping an earlier pending schedule.
func (s *retryScheduler) ArmAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		if !s.at.After(t) {
			return // already firing sooner
		}
		s.timer.Stop()
	}

	s.at = t
	delay := time.Until(t)
	if delay < 0 {
		delay = 0
	}

	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		s.mu.Unlock()
		s.fire()
	})
}

// Stop cancels any pending schedule.
func (s *retryScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
