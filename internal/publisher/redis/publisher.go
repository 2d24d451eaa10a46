// Package redis publishes run events on Redis pub/sub channels.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Client is the subset of *redis.Client the publisher needs.
type Client interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
}

// Publisher sends JSON payloads to a channel named after the topic, with an
// optional prefix.
type Publisher struct {
	client Client
	prefix string
}

// New creates a Publisher.
func New(client Client, prefix string) *Publisher {
	return &Publisher{client: client, prefix: prefix}
}

// Connect parses redisURL and verifies connectivity.
func Connect(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse redis url")
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return client, nil
}

// Publish encodes the payload and publishes it. The returned ID names the
// channel and the number of subscribers that received the message.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "marshal payload")
	}
	channel := p.prefix + topic
	receivers, err := p.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return "", errors.Wrapf(err, "publish to %s", channel)
	}
	return fmt.Sprintf("%s:%d", channel, receivers), nil
}
