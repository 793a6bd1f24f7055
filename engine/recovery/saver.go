package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/compozy/taskengine/pkg/logger"
	"github.com/romdo/go-debounce"
)

// Observer is notified after every write attempt.
type Observer interface {
	ObserveSave(elapsed time.Duration, err error)
}

// Saver coalesces save requests. At most one write runs at a time and at
// most one follow-up is queued; requests arriving while a follow-up is
// queued are absorbed by it.
type Saver struct {
	store    *Store
	snapshot func() State
	log      logger.Logger
	observer Observer

	mu       sync.Mutex
	inFlight bool
	pending  bool
	closed   bool
	writeMu  sync.Mutex
	wg       sync.WaitGroup

	trigger        func()
	cancelDebounce func()
}

type SaverOption func(*Saver)

// WithDebounce delays writes until requests pause for wait, but never by
// more than maxWait.
func WithDebounce(wait, maxWait time.Duration) SaverOption {
	return func(s *Saver) {
		if wait <= 0 {
			return
		}
		s.trigger, s.cancelDebounce = debounce.NewWithMaxWait(wait, maxWait, s.kick)
	}
}

func WithObserver(o Observer) SaverOption {
	return func(s *Saver) { s.observer = o }
}

func NewSaver(ctx context.Context, store *Store, snapshot func() State, opts ...SaverOption) *Saver {
	s := &Saver{store: store, snapshot: snapshot, log: logger.FromContext(ctx)}
	s.trigger = s.kick
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request schedules a save without blocking.
func (s *Saver) Request() {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	s.trigger()
}

func (s *Saver) kick() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run()
}

func (s *Saver) run() {
	defer s.wg.Done()
	for {
		s.write()
		s.mu.Lock()
		if !s.pending {
			s.inFlight = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()
	}
}

func (s *Saver) write() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	start := time.Now()
	err := s.store.Save(s.snapshot())
	if s.observer != nil {
		s.observer.ObserveSave(time.Since(start), err)
	}
	if err != nil {
		s.log.Error("Failed to save recovery file", "path", s.store.Path(), "error", err)
	}
	return err
}

// Flush waits for queued writes and then writes the current state.
func (s *Saver) Flush() error {
	s.wg.Wait()
	return s.write()
}

// Close stops accepting requests, flushes, and releases the debouncer.
func (s *Saver) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.cancelDebounce != nil {
		s.cancelDebounce()
	}
	return s.Flush()
}
