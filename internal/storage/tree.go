// Package storage реализует realtime.Store поверх плоского хранилища листьев:
// запись и чтение JSON-дерева, подписки с доставкой снимков, правила доступа
// и действия при обрыве соединения.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/realtime"
)

const snapshotTimeout = 10 * time.Second

var errClosed = errors.New("storage: tree closed")

// Options: необязательные зависимости Tree.
type Options struct {
	// Rules проверяет записи и чтения соединений пользователей. nil — всё разрешено.
	Rules Authorizer
	// Feed рассылает коммиты другим экземплярам и принимает их коммиты.
	Feed ChangeFeed
	// Now: часы для ServerTimestamp. По умолчанию time.Now.
	Now func() time.Time
}

// Tree: дерево над Backend. Записи сериализуются, после коммита
// подписчики на затронутые пути получают свежий снимок.
type Tree struct {
	backend Backend
	rules   Authorizer
	feed    ChangeFeed
	now     func() time.Time
	origin  string

	writeMu sync.Mutex

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	hooks  []CommitHook
	closed bool
}

func NewTree(b Backend, opts Options) *Tree {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Tree{
		backend: b,
		rules:   opts.Rules,
		feed:    opts.Feed,
		now:     now,
		origin:  uuid.NewString(),
		subs:    make(map[uint64]*subscription),
	}
}

// OnCommit добавляет хук, вызываемый после каждого коммита (локального и удалённого).
func (t *Tree) OnCommit(h CommitHook) {
	t.mu.Lock()
	t.hooks = append(t.hooks, h)
	t.mu.Unlock()
}

// Run слушает ChangeFeed до отмены ctx. Без feed просто ждёт ctx.
func (t *Tree) Run(ctx context.Context) error {
	if t.feed == nil {
		<-ctx.Done()
		return nil
	}
	err := t.feed.Listen(ctx, func(ev ChangeEvent) {
		if ev.Origin == t.origin || len(ev.Paths) == 0 {
			return
		}
		t.writeMu.Lock()
		t.runHooks(Commit{Remote: true, Paths: ev.Paths, At: t.now()})
		t.writeMu.Unlock()
		t.notify(ev.Paths)
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("tree.Run: %w", err)
	}
	return nil
}

// Close останавливает все подписки и закрывает бэкенд.
func (t *Tree) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = make(map[uint64]*subscription)
	t.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return t.backend.Close()
}

// Subscriptions: число активных подписок (для метрик).
func (t *Tree) Subscriptions() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Connect возвращает соединение пользователя uid; его записи проходят через Rules.
func (t *Tree) Connect(uid string) *Conn {
	return newConn(t, uid, false)
}

// System возвращает доверенное соединение для серверных задач (без правил).
func (t *Tree) System() *Conn {
	return newConn(t, "", true)
}

// Read implements realtime.Reader.
func (t *Tree) Read(ctx context.Context, path string) (any, error) {
	path = realtime.Clean(path)
	leaves, err := t.backend.Scan(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("tree.Read %s: %w", path, err)
	}
	return assemble(path, leaves)
}

func (t *Tree) snapshot(ctx context.Context, q realtime.Query) (realtime.Snapshot, error) {
	defer logger.DeferLogDuration("tree.snapshot", time.Now())()
	v, err := t.Read(ctx, q.Path)
	if err != nil {
		return realtime.Snapshot{}, err
	}
	if !q.Ordered() {
		return realtime.NewSnapshot(q.Path, v, nil), nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return realtime.NewSnapshot(q.Path, nil, nil), nil
	}
	keys := orderKeys(m, q.OrderByChild, q.LimitToLast)
	if len(keys) < len(m) {
		trimmed := make(map[string]any, len(keys))
		for _, k := range keys {
			trimmed[k] = m[k]
		}
		m = trimmed
	}
	return realtime.NewSnapshot(q.Path, m, keys), nil
}

// commit применяет изменения от имени соединения c.
func (t *Tree) commit(ctx context.Context, c *Conn, changes []realtime.Change) error {
	defer logger.DeferLogDuration("tree.commit", time.Now())()
	if len(changes) == 0 {
		return nil
	}
	at := t.now()
	norm := make([]realtime.Change, 0, len(changes))
	paths := make([]string, 0, len(changes))
	for _, ch := range changes {
		p := realtime.Clean(ch.Path)
		if p == "" {
			return fmt.Errorf("%w: write to root", realtime.ErrInvalidPath)
		}
		if err := realtime.ValidatePath(p); err != nil {
			return err
		}
		v, err := normalize(ch.Value, at.UnixMilli())
		if err != nil {
			return fmt.Errorf("tree.commit %s: %w", p, err)
		}
		norm = append(norm, realtime.Change{Path: p, Value: v})
		paths = append(paths, p)
	}
	ops, err := buildOps(norm)
	if err != nil {
		return fmt.Errorf("tree.commit: %w", err)
	}

	t.writeMu.Lock()
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		t.writeMu.Unlock()
		return errClosed
	}
	if !c.system && t.rules != nil {
		if err := t.rules.AuthorizeWrite(ctx, t, c.uid, norm); err != nil {
			t.writeMu.Unlock()
			return err
		}
	}
	if err := t.backend.Apply(ctx, ops); err != nil {
		t.writeMu.Unlock()
		return fmt.Errorf("tree.commit: %w", err)
	}
	t.runHooks(Commit{UID: c.uid, Paths: paths, Changes: norm, At: at})
	t.writeMu.Unlock()

	t.notify(paths)
	if t.feed != nil {
		if err := t.feed.Publish(ctx, ChangeEvent{Origin: t.origin, Paths: paths}); err != nil {
			logger.Warnf("tree: publish change feed: %v", err)
		}
	}
	return nil
}

func (t *Tree) runHooks(c Commit) {
	t.mu.RLock()
	hooks := t.hooks
	t.mu.RUnlock()
	for _, h := range hooks {
		h(c)
	}
}

// notify будит подписки, чей путь связан с любым из изменённых.
func (t *Tree) notify(paths []string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subs {
		for _, p := range paths {
			if realtime.Related(s.q.Path, p) {
				s.kick()
				break
			}
		}
	}
}

func (t *Tree) subscribe(q realtime.Query, fn realtime.Listener) (*subscription, error) {
	q.Path = realtime.Clean(q.Path)
	if err := realtime.ValidatePath(q.Path); err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errClosed
	}
	t.nextID++
	s := newSubscription(t.nextID, q, fn)
	t.subs[s.id] = s
	t.mu.Unlock()

	go s.run(t)
	s.kick()
	return s, nil
}

func (t *Tree) unsubscribe(s *subscription) {
	t.mu.Lock()
	delete(t.subs, s.id)
	t.mu.Unlock()
	s.stop()
}

func (t *Tree) newKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("tree: push key: %w", err)
	}
	return id.String(), nil
}
