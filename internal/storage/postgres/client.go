// Package postgres: Backend на таблице rt_nodes и лента изменений через LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
	"github.com/chatsync/migrations"
)

const (
	notifyChannel = "rt_changes"
	// pg_notify ограничивает payload 8000 байтами.
	maxNotifyPayload = 7000
)

type Client struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

// Close не закрывает пул: им владеет вызывающий.
func (c *Client) Close() error { return nil }

// Migrate применяет встроенные миграции по порядку имён файлов.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	names, err := fs.Glob(migrations.Files, "*.sql")
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrate read %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("migrate %s: %w", name, err)
		}
	}
	logger.Infof("postgres: migrations applied (%d)", len(names))
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func childPattern(prefix string) string {
	return likeEscaper.Replace(prefix) + "/%"
}

func (c *Client) Scan(ctx context.Context, prefix string) ([]storage.Leaf, error) {
	defer logger.DeferLogDuration("rtNodes.Scan", time.Now())()
	var (
		rows pgx.Rows
		err  error
	)
	if prefix == "" {
		rows, err = c.pool.Query(ctx, `SELECT path, value::text FROM rt_nodes ORDER BY path`)
	} else {
		rows, err = c.pool.Query(ctx,
			`SELECT path, value::text FROM rt_nodes WHERE path = $1 OR path LIKE $2 ORDER BY path`,
			prefix, childPattern(prefix))
	}
	if err != nil {
		return nil, fmt.Errorf("rtNodes.Scan query: %w", err)
	}
	defer rows.Close()

	var out []storage.Leaf
	for rows.Next() {
		var path, value string
		if err := rows.Scan(&path, &value); err != nil {
			return nil, fmt.Errorf("rtNodes.Scan: %w", err)
		}
		out = append(out, storage.Leaf{Path: path, Value: []byte(value)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rtNodes.Scan rows: %w", err)
	}
	return out, nil
}

func (c *Client) Apply(ctx context.Context, ops []storage.Op) error {
	defer logger.DeferLogDuration("rtNodes.Apply", time.Now())()
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rtNodes.Apply begin: %w", err)
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, op := range ops {
		switch op.Kind {
		case storage.OpPut:
			b.Queue(`INSERT INTO rt_nodes (path, value, updated_at) VALUES ($1, $2::jsonb, now())
			         ON CONFLICT (path) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
				op.Path, string(op.Value))
		case storage.OpDelete:
			b.Queue(`DELETE FROM rt_nodes WHERE path = $1`, op.Path)
		case storage.OpDeletePrefix:
			b.Queue(`DELETE FROM rt_nodes WHERE path = $1 OR path LIKE $2`, op.Path, childPattern(op.Path))
		}
	}
	br := tx.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("rtNodes.Apply op %d (%s): %w", i, ops[i].Path, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("rtNodes.Apply batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rtNodes.Apply commit: %w", err)
	}
	return nil
}

// Publish implements storage.ChangeFeed. Длинные списки путей режутся на несколько уведомлений.
func (c *Client) Publish(ctx context.Context, ev storage.ChangeEvent) error {
	for _, chunk := range chunkPaths(ev.Paths, maxNotifyPayload) {
		data, err := json.Marshal(storage.ChangeEvent{Origin: ev.Origin, Paths: chunk})
		if err != nil {
			return err
		}
		if _, err := c.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(data)); err != nil {
			return fmt.Errorf("rtNodes.Publish: %w", err)
		}
	}
	return nil
}

func chunkPaths(paths []string, limit int) [][]string {
	var (
		out  [][]string
		cur  []string
		size int
	)
	for _, p := range paths {
		if len(cur) > 0 && size+len(p)+4 > limit {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, p)
		size += len(p) + 4
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// Listen implements storage.ChangeFeed: держит отдельное соединение из пула на LISTEN.
func (c *Client) Listen(ctx context.Context, fn func(storage.ChangeEvent)) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("rtNodes.Listen acquire: %w", err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("rtNodes.Listen: %w", err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("rtNodes.Listen wait: %w", err)
		}
		var ev storage.ChangeEvent
		if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
			logger.Warnf("postgres change feed: bad payload: %v", err)
			continue
		}
		fn(ev)
	}
}
