package chat_test

import (
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/chat"
	"github.com/chatsync/internal/rules"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
)

const minute = time.Minute

func newTree(t *testing.T) *storage.Tree {
	t.Helper()
	tree := storage.NewTree(memory.New(), storage.Options{Rules: rules.New()})
	t.Cleanup(func() { tree.Close() })
	return tree
}

func connect(t *testing.T, tree *storage.Tree, uid string) *storage.Conn {
	t.Helper()
	c := tree.Connect(uid)
	t.Cleanup(func() { c.Close() })
	return c
}

func fastOptions() chat.Options {
	return chat.Options{
		SettleDelay:   10 * time.Millisecond,
		TypingIdle:    50 * time.Millisecond,
		TypingRefresh: 20 * time.Millisecond,
	}
}

// eventually ждёт выполнения cond не дольше двух секунд.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// latest хранит последнее значение, присланное callback'ом.
type latest[T any] struct {
	mu sync.Mutex
	v  T
	n  int
}

func (l *latest[T]) set(v T) {
	l.mu.Lock()
	l.v = v
	l.n++
	l.mu.Unlock()
}

func (l *latest[T]) get() (T, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v, l.n
}
