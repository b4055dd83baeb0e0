// Package sweeper снимает флаги набора текста, которые давно не обновлялись:
// клиент, пропавший без on-disconnect (например, сервер перезапускался), не должен
// оставлять собеседнику вечное «печатает».
package sweeper

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/metrics"
	"github.com/chatsync/internal/realtime"
	"github.com/chatsync/internal/storage"
)

const sweepTimeout = 30 * time.Second

// Sweeper помнит время последней записи каждого флага chats/{chat}/typing/{uid}.
// Сам по себе — cron.Job.
type Sweeper struct {
	tree *storage.Tree
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	touched map[string]time.Time
	engine  *cron.Cron
}

func New(tree *storage.Tree, ttl time.Duration, now func() time.Time) *Sweeper {
	if now == nil {
		now = time.Now
	}
	s := &Sweeper{tree: tree, ttl: ttl, now: now, touched: make(map[string]time.Time)}
	tree.OnCommit(s.observe)
	return s
}

// isTypingFlag: путь вида chats/{chat}/typing/{uid}.
func isTypingFlag(path string) bool {
	segs := strings.Split(path, "/")
	return len(segs) == 4 && segs[0] == "chats" && segs[2] == "typing"
}

// flagsUnder перечисляет флаги в значении, записанном по path.
func flagsUnder(path string, v any, out []string) []string {
	if isTypingFlag(path) {
		if v != nil {
			out = append(out, path)
		}
		return out
	}
	if strings.Count(path, "/") >= 3 {
		return out
	}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for k, child := range m {
		out = flagsUnder(realtime.Join(path, k), child, out)
	}
	return out
}

// observe: хук коммита; вызывается под блокировкой записи дерева, поэтому только помечает.
func (s *Sweeper) observe(c storage.Commit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.Remote {
		// у удалённого коммита нет значений: свежесть проверится при обходе
		for _, p := range c.Paths {
			if isTypingFlag(p) {
				s.touched[p] = c.At
			}
		}
		return
	}
	for _, ch := range c.Changes {
		for p := range s.touched {
			if realtime.IsWithin(p, ch.Path) {
				delete(s.touched, p)
			}
		}
		for _, p := range flagsUnder(ch.Path, ch.Value, nil) {
			s.touched[p] = c.At
		}
	}
}

// Seed помечает текущим временем флаги, уже лежащие в хранилище (после рестарта их время неизвестно).
func (s *Sweeper) Seed(ctx context.Context) error {
	snap, err := s.tree.System().Get(ctx, "chats")
	if err != nil {
		return fmt.Errorf("sweeper.Seed: %w", err)
	}
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chat := range snap.Children() {
		for _, flag := range chat.Child("typing").Children() {
			if flag.Exists() {
				if _, ok := s.touched[flag.Path]; !ok {
					s.touched[flag.Path] = now
				}
			}
		}
	}
	return nil
}

// Tracked: число флагов под наблюдением.
func (s *Sweeper) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.touched)
}

// Sweep удаляет флаги старше ttl и возвращает их число.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.ttl)
	s.mu.Lock()
	stale := make(map[string]time.Time)
	for p, at := range s.touched {
		if at.Before(cutoff) {
			stale[p] = at
		}
	}
	s.mu.Unlock()

	sys := s.tree.System()
	removed := 0
	var firstErr error
	for p, at := range stale {
		s.mu.Lock()
		cur, ok := s.touched[p]
		s.mu.Unlock()
		if !ok || !cur.Equal(at) {
			// флаг обновили или сняли после начала обхода
			continue
		}
		snap, err := sys.Get(ctx, p)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !snap.Exists() {
			s.forget(p, at)
			continue
		}
		if err := sys.Remove(ctx, p); err != nil {
			logger.Warnf("sweeper: remove %s: %v", p, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
		metrics.TypingExpired.Inc()
	}
	if removed > 0 {
		logger.Infof("sweeper: removed %d stale typing flags", removed)
	}
	return removed, firstErr
}

func (s *Sweeper) forget(p string, at time.Time) {
	s.mu.Lock()
	if cur, ok := s.touched[p]; ok && cur.Equal(at) {
		delete(s.touched, p)
	}
	s.mu.Unlock()
}

// Run реализует cron.Job.
func (s *Sweeper) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		logger.Errorf("sweeper: %v", err)
	}
}

// Start запускает обход по расписанию spec ("@every 10s").
func (s *Sweeper) Start(spec string) error {
	engine := cron.New()
	if _, err := engine.AddJob(spec, cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(s)); err != nil {
		return fmt.Errorf("sweeper.Start %q: %w", spec, err)
	}
	s.mu.Lock()
	s.engine = engine
	s.mu.Unlock()
	engine.Start()
	logger.Infof("sweeper: started (%s, ttl %v)", spec, s.ttl)
	return nil
}

// Stop останавливает расписание и ждёт текущий обход.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()
	if engine == nil {
		return
	}
	<-engine.Stop().Done()
	logger.Info("sweeper: stopped")
}
