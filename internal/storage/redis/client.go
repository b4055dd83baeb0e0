package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/storage"
)

// Ключи: значения листьев в одном хеше, лексикографический индекс путей в ZSET (score 0)
// для ZRANGEBYLEX по префиксу. Коммиты других экземпляров приходят через PUBLISH.
const (
	treeKey       = "rt:tree"
	indexKey      = "rt:index"
	changeChannel = "rt:changes"
	maxTxAttempts = 5
)

type Client struct {
	cli *redis.Client
}

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Redis: низкоуровневый клиент (для сервиса пушей на том же инстансе).
func (c *Client) Redis() *redis.Client { return c.cli }

type lexRanger interface {
	ZRangeByLex(ctx context.Context, key string, opt *redis.ZRangeBy) *redis.StringSliceCmd
}

// childKeys возвращает пути строго под prefix из индекса.
func childKeys(ctx context.Context, cmd lexRanger, prefix string) ([]string, error) {
	lo, hi := "-", "+"
	if prefix != "" {
		lo, hi = "["+prefix+"/", "("+prefix+"0"
	}
	return cmd.ZRangeByLex(ctx, indexKey, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
}

func (c *Client) Scan(ctx context.Context, prefix string) ([]storage.Leaf, error) {
	keys, err := childKeys(ctx, c.cli, prefix)
	if err != nil {
		return nil, fmt.Errorf("redis scan %s: %w", prefix, err)
	}
	if prefix != "" {
		keys = append([]string{prefix}, keys...)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := c.cli.HMGet(ctx, treeKey, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget %s: %w", prefix, err)
	}
	out := make([]storage.Leaf, 0, len(keys))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, storage.Leaf{Path: keys[i], Value: []byte(s)})
	}
	return out, nil
}

// Apply выполняет пакет в MULTI/EXEC под WATCH индекса; при конкурирующей записи другого
// экземпляра транзакция пересчитывается.
func (c *Client) Apply(ctx context.Context, ops []storage.Op) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := c.cli.Watch(ctx, func(tx *redis.Tx) error {
			plan, err := c.plan(ctx, tx, ops)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				for _, step := range plan {
					if step.put {
						p.HSet(ctx, treeKey, step.path, step.value)
						p.ZAdd(ctx, indexKey, redis.Z{Score: 0, Member: step.path})
						continue
					}
					p.HDel(ctx, treeKey, step.path)
					p.ZRem(ctx, indexKey, step.path)
				}
				return nil
			})
			return err
		}, indexKey)
		if errors.Is(err, redis.TxFailedErr) {
			logger.Debugf("redis apply: concurrent write, attempt %d", attempt+1)
			continue
		}
		if err != nil {
			return fmt.Errorf("redis apply: %w", err)
		}
		return nil
	}
	return fmt.Errorf("redis apply: %w", redis.TxFailedErr)
}

type step struct {
	put   bool
	path  string
	value []byte
}

// plan раскрывает удаления по префиксу в конкретные пути, учитывая записи ранее в этом же пакете.
func (c *Client) plan(ctx context.Context, tx *redis.Tx, ops []storage.Op) ([]step, error) {
	pending := make(map[string]struct{})
	var out []step
	for _, op := range ops {
		switch op.Kind {
		case storage.OpPut:
			pending[op.Path] = struct{}{}
			out = append(out, step{put: true, path: op.Path, value: op.Value})
		case storage.OpDelete:
			delete(pending, op.Path)
			out = append(out, step{path: op.Path})
		case storage.OpDeletePrefix:
			keys, err := childKeys(ctx, tx, op.Path)
			if err != nil {
				return nil, err
			}
			out = append(out, step{path: op.Path})
			for _, k := range keys {
				out = append(out, step{path: k})
			}
			for k := range pending {
				if k == op.Path || strings.HasPrefix(k, op.Path+"/") {
					out = append(out, step{path: k})
					delete(pending, k)
				}
			}
		}
	}
	return out, nil
}

// Publish implements storage.ChangeFeed.
func (c *Client) Publish(ctx context.Context, ev storage.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.cli.Publish(ctx, changeChannel, data).Err()
}

// Listen implements storage.ChangeFeed.
func (c *Client) Listen(ctx context.Context, fn func(storage.ChangeEvent)) error {
	sub := c.cli.Subscribe(ctx, changeChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscribe: channel closed")
			}
			var ev storage.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warnf("redis change feed: bad payload: %v", err)
				continue
			}
			fn(ev)
		}
	}
}

// FlushTree удаляет дерево целиком (тесты и сброс dev-стенда).
func (c *Client) FlushTree(ctx context.Context) error {
	return c.cli.Del(ctx, treeKey, indexKey).Err()
}
