// internal/broadcast/redis.go
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jason-s-yu/cambia-lobby/internal/apperr"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "events:"

// RedisPublisher publishes events to Redis so every instance's Relay can deliver them.
type RedisPublisher struct {
	rdb redis.UniversalClient
}

// NewRedisPublisher wraps rdb.
func NewRedisPublisher(rdb redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish encodes the event as JSON on events:<topic>.
func (p *RedisPublisher) Publish(ctx context.Context, topic, name string, payload any) error {
	data, err := json.Marshal(NewEvent(topic, name, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", name, err)
	}
	if err := p.rdb.Publish(ctx, channelPrefix+topic, data).Err(); err != nil {
		return apperr.Unavailable("publish "+name, err)
	}
	return nil
}

// Relay subscribes to every events:* channel and delivers what arrives into hub, until ctx
// is done. Payloads arrive as decoded JSON values.
func Relay(ctx context.Context, rdb redis.UniversalClient, hub *Hub, logger *logrus.Logger) error {
	log := logger.WithField("component", "broadcast_relay")
	sub := rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.WithError(err).WithField("channel", msg.Channel).Warn("dropping malformed event")
				continue
			}
			if ev.Topic == "" {
				ev.Topic = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			hub.Deliver(ev)
		}
	}
}

var _ Publisher = (*RedisPublisher)(nil)
