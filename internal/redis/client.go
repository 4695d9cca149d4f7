package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SkynetNext/bedrock-proxy/internal/config"
	"github.com/SkynetNext/bedrock-proxy/internal/router"
)

const groupsKey = "backends:groups"

// Client is a Redis client wrapper serving the backend directory
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient creates a new Redis client
func NewClient(cfg *config.RedisConfig) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewFromClient(rdb, cfg.KeyPrefix)
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client, prefix string) *Client {
	return &Client{rdb: rdb, prefix: prefix}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// key generates full key with prefix
func (c *Client) key(suffix string) string {
	return c.prefix + suffix
}

// LoadGroups loads the backend groups, keyed by group name. A missing key
// yields nil groups and no error.
func (c *Client) LoadGroups(ctx context.Context) (map[string]*router.Group, error) {
	data, err := c.rdb.Get(ctx, c.key(groupsKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load backend groups: %w", err)
	}

	var groups map[string]*router.Group
	if err := json.Unmarshal([]byte(data), &groups); err != nil {
		return nil, fmt.Errorf("failed to parse backend groups: %w", err)
	}
	return groups, nil
}

// SaveGroups stores the backend groups and notifies watchers
func (c *Client) SaveGroups(ctx context.Context, groups map[string]*router.Group) error {
	data, err := json.Marshal(groups)
	if err != nil {
		return fmt.Errorf("failed to encode backend groups: %w", err)
	}
	key := c.key(groupsKey)
	if err := c.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save backend groups: %w", err)
	}
	return c.rdb.Publish(ctx, key+":notify", "updated").Err()
}

// WatchGroups reloads the groups whenever a change is announced on the
// notify channel, until ctx is done
func (c *Client) WatchGroups(ctx context.Context, callback func(map[string]*router.Group, error)) error {
	key := c.key(groupsKey)
	pubsub := c.rdb.Subscribe(ctx, key+":notify")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg != nil {
				callback(c.LoadGroups(ctx))
			}
		}
	}
}

// RefreshLoop periodically reloads the groups
func (c *Client) RefreshLoop(ctx context.Context, interval time.Duration, callback func(map[string]*router.Group, error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			callback(c.LoadGroups(ctx))
		}
	}
}
