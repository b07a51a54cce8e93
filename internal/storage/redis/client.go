// Package redis implements storage.KV on Redis, for deployments where the
// chat client runs on shared infrastructure (kiosk terminals, support
// desks) and the guest key must survive the local machine.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/storechat/internal/storage"
)

const keyPrefix = "chat_session:"

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

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.cli.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return "", storage.ErrNotFound
	}
	return val, err
}

// Set stores without TTL: a guest conversation key lives until the user
// explicitly starts a new chat.
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.cli.Set(ctx, keyPrefix+key, value, 0).Err()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.cli.Del(ctx, keyPrefix+key).Err()
}
