package push

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
)

// SubscriptionStore хранит подписки пользователя.
type SubscriptionStore interface {
	Add(ctx context.Context, userID string, sub Subscription) error
	Remove(ctx context.Context, userID, endpoint string) error
	List(ctx context.Context, userID string) ([]Subscription, error)
}

// RedisStore хранит список подписок на пользователя: последние maxSubsPerUser, TTL 30 дней с последней подписки.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func subsKey(userID string) string { return redisKeyPrefix + userID }

func (s *RedisStore) Add(ctx context.Context, userID string, sub Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("push.Add encode: %w", err)
	}
	// повторная подписка того же браузера заменяет старую запись
	if err := s.Remove(ctx, userID, sub.Endpoint); err != nil {
		return err
	}
	key := subsKey(userID)
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, string(raw))
	pipe.LTrim(ctx, key, -maxSubsPerUser, -1)
	pipe.Expire(ctx, key, subscriptionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push.Add: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, userID, endpoint string) error {
	key := subsKey(userID)
	list, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("push.Remove: %w", err)
	}
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) != nil || sub.Endpoint == endpoint {
			if err := s.rdb.LRem(ctx, key, 0, item).Err(); err != nil {
				return fmt.Errorf("push.Remove: %w", err)
			}
		}
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, userID string) ([]Subscription, error) {
	list, err := s.rdb.LRange(ctx, subsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("push.List: %w", err)
	}
	subs := make([]Subscription, 0, len(list))
	for _, item := range list {
		var sub Subscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}
