package rtclient

import (
	"sync"

	"github.com/chatsync/internal/realtime"
)

// subscriber доставляет снимки одному слушателю в своей горутине.
// Между вызовами слушателя промежуточные снимки схлопываются в последний;
// ошибка доставляется последней и завершает подписку.
type subscriber struct {
	fn realtime.Listener

	mu      sync.Mutex
	latest  *realtime.Snapshot
	err     error
	stopped bool

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func newSubscriber(fn realtime.Listener) *subscriber {
	s := &subscriber{fn: fn, wake: make(chan struct{}, 1), quit: make(chan struct{})}
	go s.run()
	return s
}

func (s *subscriber) deliver(snap realtime.Snapshot, err error) {
	s.mu.Lock()
	if s.stopped || s.err != nil {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.err = err
	} else {
		s.latest = &snap
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.quit)
	})
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.quit:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if s.stopped {
				s.mu.Unlock()
				return
			}
			snap, err := s.latest, s.err
			s.latest = nil
			s.mu.Unlock()
			if snap != nil {
				s.fn(*snap, nil)
				continue
			}
			if err != nil {
				s.fn(realtime.Snapshot{}, err)
				s.stop()
				return
			}
			break
		}
	}
}
