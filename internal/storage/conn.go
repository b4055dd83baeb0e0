package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/realtime"
)

const disconnectTimeout = 5 * time.Second

// Conn: realtime.Store от имени одного пользователя (одно ws-соединение).
// При Close, штатном или после обрыва, выполняются зарегистрированные OnDisconnectSet.
type Conn struct {
	tree   *Tree
	uid    string
	system bool

	mu           sync.Mutex
	onDisconnect map[string]any
	subs         map[*subscription]struct{}
	closed       bool
}

var _ realtime.Store = (*Conn)(nil)

func newConn(t *Tree, uid string, system bool) *Conn {
	return &Conn{
		tree:         t,
		uid:          uid,
		system:       system,
		onDisconnect: make(map[string]any),
		subs:         make(map[*subscription]struct{}),
	}
}

func (c *Conn) UID() string { return c.uid }

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) write(ctx context.Context, changes []realtime.Change) error {
	if c.isClosed() {
		return realtime.ErrDisconnected
	}
	return c.tree.commit(ctx, c, changes)
}

func (c *Conn) Set(ctx context.Context, path string, value any) error {
	return c.write(ctx, []realtime.Change{{Path: path, Value: value}})
}

func (c *Conn) Update(ctx context.Context, path string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	changes := make([]realtime.Change, 0, len(keys))
	for _, k := range keys {
		if realtime.Clean(k) == "" {
			return fmt.Errorf("%w: empty update key", realtime.ErrInvalidPath)
		}
		changes = append(changes, realtime.Change{Path: realtime.Join(path, k), Value: fields[k]})
	}
	return c.write(ctx, changes)
}

func (c *Conn) Remove(ctx context.Context, path string) error {
	return c.write(ctx, []realtime.Change{{Path: path}})
}

func (c *Conn) Push(ctx context.Context, path string, value any) (string, error) {
	key, err := c.tree.newKey()
	if err != nil {
		return "", err
	}
	if err := c.Set(ctx, realtime.Join(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

func (c *Conn) authorizeRead(path string) error {
	if c.system || c.tree.rules == nil {
		return nil
	}
	return c.tree.rules.AuthorizeRead(c.uid, realtime.Clean(path))
}

func (c *Conn) Get(ctx context.Context, path string) (realtime.Snapshot, error) {
	if c.isClosed() {
		return realtime.Snapshot{}, realtime.ErrDisconnected
	}
	if err := realtime.ValidatePath(path); err != nil {
		return realtime.Snapshot{}, err
	}
	if err := c.authorizeRead(path); err != nil {
		return realtime.Snapshot{}, err
	}
	return c.tree.snapshot(ctx, realtime.At(realtime.Clean(path)))
}

// Query: разовое чтение упорядоченного окна (REST и тесты).
func (c *Conn) Query(ctx context.Context, q realtime.Query) (realtime.Snapshot, error) {
	if err := c.authorizeRead(q.Path); err != nil {
		return realtime.Snapshot{}, err
	}
	q.Path = realtime.Clean(q.Path)
	return c.tree.snapshot(ctx, q)
}

func (c *Conn) Subscribe(ctx context.Context, q realtime.Query, fn realtime.Listener) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.authorizeRead(q.Path); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, realtime.ErrDisconnected
	}
	s, err := c.tree.subscribe(q, fn)
	if err != nil {
		return nil, err
	}
	c.subs[s] = struct{}{}
	return func() {
		c.mu.Lock()
		delete(c.subs, s)
		c.mu.Unlock()
		c.tree.unsubscribe(s)
	}, nil
}

func (c *Conn) OnDisconnectSet(ctx context.Context, path string, value any) error {
	path = realtime.Clean(path)
	if path == "" {
		return fmt.Errorf("%w: write to root", realtime.ErrInvalidPath)
	}
	if err := realtime.ValidatePath(path); err != nil {
		return err
	}
	// Проверяем правила сразу, чтобы отказ увидел клиент, а не лог при обрыве.
	if !c.system && c.tree.rules != nil {
		v, err := normalize(value, c.tree.now().UnixMilli())
		if err != nil {
			return fmt.Errorf("conn.OnDisconnectSet %s: %w", path, err)
		}
		if err := c.tree.rules.AuthorizeWrite(ctx, c.tree, c.uid, []realtime.Change{{Path: path, Value: v}}); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrDisconnected
	}
	c.onDisconnect[path] = value
	return nil
}

// CancelOnDisconnect снимает действия по пути и под ним.
func (c *Conn) CancelOnDisconnect(ctx context.Context, path string) error {
	path = realtime.Clean(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.onDisconnect {
		if realtime.IsWithin(p, path) {
			delete(c.onDisconnect, p)
		}
	}
	return nil
}

// PendingOnDisconnect: число зарегистрированных действий.
func (c *Conn) PendingOnDisconnect() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.onDisconnect)
}

// Close снимает подписки соединения и выполняет его действия при обрыве. Повторный вызов — no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subs))
	for s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = nil
	actions := c.onDisconnect
	c.onDisconnect = nil
	c.mu.Unlock()

	for _, s := range subs {
		c.tree.unsubscribe(s)
	}
	if len(actions) == 0 {
		return nil
	}
	paths := make([]string, 0, len(actions))
	for p := range actions {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	changes := make([]realtime.Change, 0, len(paths))
	for _, p := range paths {
		changes = append(changes, realtime.Change{Path: p, Value: actions[p]})
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := c.tree.commit(ctx, c, changes); err != nil {
		logger.Errorf("conn: on-disconnect user=%s: %v", c.uid, err)
		return fmt.Errorf("conn.Close: %w", err)
	}
	logger.Debugf("conn: on-disconnect user=%s actions=%d", c.uid, len(changes))
	return nil
}
