package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alimasry/collab-ot/metrics"
	"github.com/alimasry/collab-ot/ot"
)

// RedisPublisher publishes each event on the channel prefix+contentId.
type RedisPublisher struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisPublisher(rdb redis.UniversalClient, prefix string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, prefix: prefix}
}

// Channel returns the pub/sub channel for a content id.
func (p *RedisPublisher) Channel(contentID string) string {
	return p.prefix + contentID
}

func (p *RedisPublisher) Publish(ctx context.Context, acc ot.Accepted) error {
	evt := NewEvent(acc)
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, p.Channel(evt.ContentID), b).Err(); err != nil {
		metrics.PublishFailures.WithLabelValues("redis").Inc()
		return fmt.Errorf("redis publish %s: %w", evt.ContentID, err)
	}
	return nil
}
