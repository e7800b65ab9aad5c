package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/automessage-pipeline/internal/model"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ DeliveryCache     = (*RedisCache)(nil)
	_ ConversationCache = (*RedisCache)(nil)
)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type deliveredValue struct {
	MessageID string    `json:"messageId"`
	SentAt    time.Time `json:"sentAt"`
}

func deliveredKey(scheduledID string) string {
	return fmt.Sprintf("scheduled:%s:delivered", scheduledID)
}

func pairKey(a, b string) string {
	return "conversation:pair:" + model.PairKey(a, b)
}

func (c *RedisCache) StoreDelivered(ctx context.Context, scheduledID, messageID string, sentAt time.Time) error {
	val := deliveredValue{
		MessageID: messageID,
		SentAt:    sentAt.UTC(),
	}

	b, err := json.Marshal(val)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, deliveredKey(scheduledID), b, c.ttl).Err()
}

func (c *RedisCache) PairConversation(ctx context.Context, a, b string) (string, bool, error) {
	id, err := c.rdb.Get(ctx, pairKey(a, b)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (c *RedisCache) StorePairConversation(ctx context.Context, a, b, conversationID string) error {
	return c.rdb.Set(ctx, pairKey(a, b), conversationID, c.ttl).Err()
}
