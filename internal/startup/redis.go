package startup

import (
	"context"
	"time"

	"github.com/chatsync/internal/storage/redis"
)

// ConnectRedisWithRetry подключается к Redis (бэкенд дерева, подписки пушей).
func ConnectRedisWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *redis.Client {
	var client *redis.Client
	retry(maxWait, logPrefix, "redis connect", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := redis.New(ctx, redisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	return client
}
