package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/chatsync/internal/storage"
)

// Client: Backend в памяти процесса (режим -dev и тесты). Ключи хранятся отсортированными.
type Client struct {
	mu     sync.RWMutex
	keys   []string
	values map[string][]byte
}

func New() *Client {
	return &Client{values: make(map[string][]byte)}
}

func (c *Client) Close() error { return nil }

// Len: число листьев.
func (c *Client) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

func within(key, prefix string) bool {
	return prefix == "" || key == prefix || strings.HasPrefix(key, prefix+"/")
}

func (c *Client) Scan(ctx context.Context, prefix string) ([]storage.Leaf, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []storage.Leaf
	for i := sort.SearchStrings(c.keys, prefix); i < len(c.keys); i++ {
		k := c.keys[i]
		if !strings.HasPrefix(k, prefix) {
			break
		}
		if !within(k, prefix) {
			continue
		}
		v := c.values[k]
		out = append(out, storage.Leaf{Path: k, Value: append([]byte(nil), v...)})
	}
	return out, nil
}

func (c *Client) Apply(ctx context.Context, ops []storage.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case storage.OpPut:
			c.put(op.Path, op.Value)
		case storage.OpDelete:
			c.delete(op.Path)
		case storage.OpDeletePrefix:
			c.deletePrefix(op.Path)
		}
	}
	return nil
}

func (c *Client) put(key string, val []byte) {
	if _, ok := c.values[key]; !ok {
		i := sort.SearchStrings(c.keys, key)
		c.keys = append(c.keys, "")
		copy(c.keys[i+1:], c.keys[i:])
		c.keys[i] = key
	}
	c.values[key] = append([]byte(nil), val...)
}

func (c *Client) delete(key string) {
	if _, ok := c.values[key]; !ok {
		return
	}
	delete(c.values, key)
	i := sort.SearchStrings(c.keys, key)
	c.keys = append(c.keys[:i], c.keys[i+1:]...)
}

func (c *Client) deletePrefix(prefix string) {
	kept := c.keys[:0]
	for _, k := range c.keys {
		if within(k, prefix) {
			delete(c.values, k)
			continue
		}
		kept = append(kept, k)
	}
	c.keys = kept
}
