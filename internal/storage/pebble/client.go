// Package pebble: Backend на встроенном LSM-хранилище: ключ — путь листа, значение — JSON.
package pebble

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/chatsync/internal/storage"
)

type Client struct {
	db *pebble.DB
}

func Open(dir string) (*Client, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open %s: %w", dir, err)
	}
	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

// childRange возвращает границы ключей строго под prefix; '0' идёт сразу за '/'.
func childRange(prefix string) (lower, upper []byte) {
	if prefix == "" {
		return nil, nil
	}
	return []byte(prefix + "/"), []byte(prefix + "0")
}

func (c *Client) Scan(ctx context.Context, prefix string) ([]storage.Leaf, error) {
	var out []storage.Leaf
	if prefix != "" {
		val, closer, err := c.db.Get([]byte(prefix))
		switch {
		case err == nil:
			out = append(out, storage.Leaf{Path: prefix, Value: append([]byte(nil), val...)})
			if cerr := closer.Close(); cerr != nil {
				return nil, fmt.Errorf("pebble get %s: %w", prefix, cerr)
			}
		case !errors.Is(err, pebble.ErrNotFound):
			return nil, fmt.Errorf("pebble get %s: %w", prefix, err)
		}
	}

	lower, upper := childRange(prefix)
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("pebble iter %s: %w", prefix, err)
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			iter.Close()
			return nil, err
		}
		out = append(out, storage.Leaf{
			Path:  string(append([]byte(nil), iter.Key()...)),
			Value: append([]byte(nil), iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return nil, fmt.Errorf("pebble iter %s: %w", prefix, err)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("pebble iter close: %w", err)
	}
	return out, nil
}

func (c *Client) Apply(ctx context.Context, ops []storage.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.db.NewBatch()
	defer b.Close()
	for _, op := range ops {
		var err error
		switch op.Kind {
		case storage.OpPut:
			err = b.Set([]byte(op.Path), op.Value, nil)
		case storage.OpDelete:
			err = b.Delete([]byte(op.Path), nil)
		case storage.OpDeletePrefix:
			if err = b.Delete([]byte(op.Path), nil); err == nil {
				lower, upper := childRange(op.Path)
				err = b.DeleteRange(lower, upper, nil)
			}
		}
		if err != nil {
			return fmt.Errorf("pebble batch %s: %w", op.Path, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}
