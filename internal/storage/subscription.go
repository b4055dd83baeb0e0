package storage

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/chatsync/internal/realtime"
)

// subscription доставляет снимки одному слушателю в своей горутине.
// Пробуждения схлопываются: слушатель всегда получает самое свежее состояние.
type subscription struct {
	id uint64
	q  realtime.Query
	fn realtime.Listener

	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool

	last *realtime.Snapshot
}

func newSubscription(id uint64, q realtime.Query, fn realtime.Listener) *subscription {
	return &subscription{
		id:   id,
		q:    q,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (s *subscription) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}

func (s *subscription) run(t *Tree) {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		snap, err := t.snapshot(ctx, s.q)
		cancel()
		if s.stopped.Load() {
			return
		}
		if err != nil {
			t.unsubscribe(s)
			s.fn(realtime.Snapshot{Path: s.q.Path}, err)
			return
		}
		if s.last != nil && sameSnapshot(*s.last, snap) {
			continue
		}
		s.last = &snap
		s.fn(snap, nil)
	}
}

func sameSnapshot(a, b realtime.Snapshot) bool {
	return reflect.DeepEqual(a.Order, b.Order) && reflect.DeepEqual(a.Value, b.Value)
}
