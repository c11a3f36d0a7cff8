package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lorecraft/cardsmith/common/logger"
)

// RedisQueue backs the Queue interface with Redis Streams. Each topic is one
// stream; subscribers join a consumer group so a message is processed once
// even with several service instances.
type RedisQueue struct {
	client   *redis.Client
	group    string
	consumer string
	log      *logger.Logger
}

// NewRedisQueue creates a queue over an existing Redis client. The client is
// shared and not closed by this queue.
func NewRedisQueue(client *redis.Client, group string, log *logger.Logger) *RedisQueue {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "local"
	}
	return &RedisQueue{
		client:   client,
		group:    group,
		consumer: fmt.Sprintf("%s-%d", hostname, os.Getpid()),
		log:      log,
	}
}

// Publish appends the message to the topic's stream.
func (q *RedisQueue) Publish(ctx context.Context, topic string, key string, message []byte) error {
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{"key": key, "value": string(message)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", topic, err)
	}
	q.log.Debug("queue publish", "topic", topic, "key", key)
	return nil
}

// Subscribe joins the consumer group on the topic and processes messages
// until ctx ends. Handled messages are acked; a handler error leaves the
// message pending for redelivery.
func (q *RedisQueue) Subscribe(ctx context.Context, topic string, handler MessageHandler) error {
	err := q.client.XGroupCreateMkStream(ctx, topic, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group on %s: %w", topic, err)
	}

	q.log.Info("subscribing to topic", "topic", topic, "group", q.group, "consumer", q.consumer)

	go func() {
		for {
			if ctx.Err() != nil {
				q.log.Info("subscription cancelled", "topic", topic)
				return
			}

			streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    q.group,
				Consumer: q.consumer,
				Streams:  []string{topic, ">"},
				Count:    10,
				Block:    5 * time.Second,
			}).Result()
			if err != nil {
				if err == redis.Nil || ctx.Err() != nil {
					continue
				}
				q.log.Error("xreadgroup failed", "topic", topic, "error", err)
				time.Sleep(time.Second)
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					key, _ := msg.Values["key"].(string)
					value, _ := msg.Values["value"].(string)
					if err := handler(ctx, key, []byte(value)); err != nil {
						q.log.Error("message handler error", "topic", topic, "key", key, "error", err)
						continue
					}
					if err := q.client.XAck(ctx, topic, q.group, msg.ID).Err(); err != nil {
						q.log.Error("xack failed", "topic", topic, "id", msg.ID, "error", err)
					}
				}
			}
		}
	}()

	return nil
}

// Close is a no-op; the underlying client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}
