package sweeper_test

import (
	"sync"
	"testing"
	"time"

	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/memory"
	"github.com/chatsync/internal/sweeper"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*storage.Tree, *clock) {
	t.Helper()
	clk := &clock{now: time.UnixMilli(1_700_000_000_000)}
	tree := storage.NewTree(memory.New(), storage.Options{Now: clk.Now})
	t.Cleanup(func() { tree.Close() })
	return tree, clk
}

const flag = "chats/alice_bob/typing/alice"

func exists(t *testing.T, tree *storage.Tree, path string) bool {
	t.Helper()
	snap, err := tree.System().Get(t.Context(), path)
	if err != nil {
		t.Fatal(err)
	}
	return snap.Exists()
}

func TestSweepRemovesStaleFlags(t *testing.T) {
	tree, clk := setup(t)
	s := sweeper.New(tree, 30*time.Second, clk.Now)
	alice := tree.Connect("alice")
	defer alice.Close()
	ctx := t.Context()

	if err := alice.Set(ctx, flag, true); err != nil {
		t.Fatal(err)
	}
	if err := alice.Set(ctx, "chats/alice_bob/typing/bob", true); err != nil {
		t.Fatal(err)
	}
	if s.Tracked() != 2 {
		t.Fatalf("tracked = %d", s.Tracked())
	}

	clk.Advance(20 * time.Second)
	// alice продолжает печатать и обновляет флаг
	if err := alice.Set(ctx, flag, true); err != nil {
		t.Fatal(err)
	}
	if n, err := s.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep removed %d: %v", n, err)
	}

	clk.Advance(20 * time.Second)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	if !exists(t, tree, flag) {
		t.Fatal("refreshed flag removed")
	}
	if exists(t, tree, "chats/alice_bob/typing/bob") {
		t.Fatal("stale flag kept")
	}
	if s.Tracked() != 1 {
		t.Fatalf("tracked = %d", s.Tracked())
	}
}

func TestClearedFlagIsForgotten(t *testing.T) {
	tree, clk := setup(t)
	s := sweeper.New(tree, 30*time.Second, clk.Now)
	ctx := t.Context()
	sys := tree.System()

	if err := sys.Set(ctx, flag, true); err != nil {
		t.Fatal(err)
	}
	if err := sys.Remove(ctx, "chats/alice_bob/typing"); err != nil {
		t.Fatal(err)
	}
	if s.Tracked() != 0 {
		t.Fatalf("tracked after parent remove = %d", s.Tracked())
	}

	// запись флагов через родителя тоже учитывается
	if err := sys.Set(ctx, "chats/alice_bob/typing", map[string]any{"alice": true, "bob": true}); err != nil {
		t.Fatal(err)
	}
	if s.Tracked() != 2 {
		t.Fatalf("tracked after parent set = %d", s.Tracked())
	}
}

func TestSeedPicksUpExistingFlags(t *testing.T) {
	tree, clk := setup(t)
	ctx := t.Context()
	if err := tree.System().Set(ctx, flag, true); err != nil {
		t.Fatal(err)
	}
	if err := tree.System().Set(ctx, "chats/alice_bob/messages/m1", map[string]any{"text": "hi"}); err != nil {
		t.Fatal(err)
	}

	s := sweeper.New(tree, 30*time.Second, clk.Now)
	if s.Tracked() != 0 {
		t.Fatalf("tracked before seed = %d", s.Tracked())
	}
	if err := s.Seed(ctx); err != nil {
		t.Fatal(err)
	}
	if s.Tracked() != 1 {
		t.Fatalf("tracked after seed = %d", s.Tracked())
	}
	clk.Advance(time.Minute)
	if n, err := s.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep removed %d: %v", n, err)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	tree, clk := setup(t)
	s := sweeper.New(tree, time.Second, clk.Now)
	if err := s.Start("not a spec"); err == nil {
		t.Fatal("bad spec accepted")
	}
	if err := s.Start("@every 1h"); err != nil {
		t.Fatal(err)
	}
	s.Stop()
	s.Stop()
}
