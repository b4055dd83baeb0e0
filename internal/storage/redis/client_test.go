package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/storagetest"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.FlushTree(ctx); err != nil {
		t.Fatalf("FlushTree: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBackend(t *testing.T) {
	storagetest.RunBackend(t, func(t *testing.T) storage.Backend { return testClient(t) })
}

func TestChangeFeed(t *testing.T) {
	c := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan storage.ChangeEvent, 1)
	go c.Listen(ctx, func(ev storage.ChangeEvent) { got <- ev })
	time.Sleep(100 * time.Millisecond)

	if err := c.Publish(ctx, storage.ChangeEvent{Origin: "o1", Paths: []string{"status/u1"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case ev := <-got:
		if ev.Origin != "o1" || len(ev.Paths) != 1 || ev.Paths[0] != "status/u1" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change event")
	}
}
