package runner

import (
	"sync"
	"time"
)

// scheduler keeps one timer per scheduled task.
type scheduler struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[int64]*time.Timer)}
}

// arm runs fn after d, replacing any timer already armed for taskID.
func (s *scheduler) arm(taskID int64, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		current := s.timers[taskID] == t
		if current {
			delete(s.timers, taskID)
		}
		s.mu.Unlock()
		if current {
			fn()
		}
	})
	s.timers[taskID] = t
}

func (s *scheduler) cancel(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[taskID]
	if ok {
		t.Stop()
		delete(s.timers, taskID)
	}
	return ok
}

func (s *scheduler) armed(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[taskID]
	return ok
}

func (s *scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
