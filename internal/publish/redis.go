package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wftrace/wftrace/pkg/events"
)

const (
	// EventChannel is the Redis pub/sub channel tracking events are
	// mirrored onto.
	EventChannel = "wftrace:events"
)

// RedisPublisher mirrors tracking events onto a Redis pub/sub channel.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a new Redis event publisher
func NewRedisPublisher(addr, password string, db int) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{client: client}, nil
}

// Publish publishes one tracking event to the Redis channel.
func (p *RedisPublisher) Publish(event *events.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.client.Publish(ctx, EventChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to Redis: %w", err)
	}

	return nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Subscribe listens for mirrored events, invoking handler per event.
// Undecodable messages are skipped.
func (p *RedisPublisher) Subscribe(ctx context.Context, handler func(*events.Event) error) error {
	pubsub := p.client.Subscribe(ctx, EventChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var event events.Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.Warnf("skipping undecodable mirrored event: %v", err)
				continue
			}
			if err := handler(&event); err != nil {
				logger.Warnf("mirrored event handler failed: %v", err)
				continue
			}
		}
	}
}
