package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/storage"
	"github.com/chatsync/internal/storage/storagetest"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE rt_nodes`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestBackend(t *testing.T) {
	storagetest.RunBackend(t, func(t *testing.T) storage.Backend { return New(testPool(t)) })
}

func TestChildPatternEscapesWildcards(t *testing.T) {
	if got := childPattern("chats/a_b"); got != `chats/a\_b/%` {
		t.Fatalf("childPattern = %q", got)
	}
	if got := childPattern("x%y"); got != `x\%y/%` {
		t.Fatalf("childPattern = %q", got)
	}
}

func TestChunkPaths(t *testing.T) {
	long := strings.Repeat("p", 40)
	paths := make([]string, 10)
	for i := range paths {
		paths[i] = long
	}
	chunks := chunkPaths(paths, 100)
	total := 0
	for _, c := range chunks {
		if len(c) == 0 || len(c) > 2 {
			t.Fatalf("chunk size %d", len(c))
		}
		total += len(c)
	}
	if total != len(paths) {
		t.Fatalf("lost paths: %d", total)
	}
}
