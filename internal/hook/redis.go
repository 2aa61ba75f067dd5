package hook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher publishes every event to the channel <prefix><scene_id>.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to addr and checks the connection.
func NewRedisPublisher(ctx context.Context, addr, prefix string) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return &RedisPublisher{client: client, prefix: prefix}, nil
}

// Channel returns the channel events of sceneID are published on.
func (p *RedisPublisher) Channel(sceneID string) string {
	return p.prefix + sceneID
}

func (p *RedisPublisher) Observe(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.Channel(e.SceneID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// subscribe returns a subscription to the channel of sceneID.
func (p *RedisPublisher) subscribe(ctx context.Context, sceneID string) *redis.PubSub {
	return p.client.Subscribe(ctx, p.Channel(sceneID))
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
