package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classchat/internal/model"
)

// presenceKey: один hash на кластер: поле = identity, значение = JSON PresenceEntry.
const presenceKey = "presence:entries"

// Client: Redis-реализация реестра присутствия для запуска нескольких инстансов.
type Client struct {
	cli *redis.Client
	now func() time.Time
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
	return &Client{cli: cli, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

// Join перезаписывает запись (HSET: последний писатель выигрывает).
func (c *Client) Join(ctx context.Context, identity, displayName string) error {
	data, err := json.Marshal(model.PresenceEntry{
		Identity:    identity,
		DisplayName: displayName,
		Email:       identity,
		LastSeen:    c.now(),
	})
	if err != nil {
		return fmt.Errorf("redis presence join: %w", err)
	}
	if err := c.cli.HSet(ctx, presenceKey, identity, data).Err(); err != nil {
		return fmt.Errorf("redis presence join: %w", err)
	}
	return nil
}

// Leave удаляет запись; отсутствующее поле: не ошибка.
func (c *Client) Leave(ctx context.Context, identity string) error {
	if err := c.cli.HDel(ctx, presenceKey, identity).Err(); err != nil {
		return fmt.Errorf("redis presence leave: %w", err)
	}
	return nil
}

func (c *Client) Count(ctx context.Context) (int, error) {
	n, err := c.cli.HLen(ctx, presenceKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis presence count: %w", err)
	}
	return int(n), nil
}

func (c *Client) List(ctx context.Context) ([]model.PresenceEntry, error) {
	raw, err := c.cli.HGetAll(ctx, presenceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis presence list: %w", err)
	}
	out := make([]model.PresenceEntry, 0, len(raw))
	for identity, v := range raw {
		var e model.PresenceEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			// Битая запись не должна ломать список; показываем хотя бы identity.
			e = model.PresenceEntry{Identity: identity, Email: identity}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// Reset очищает реестр при старте: после рестарта процесса присутствие не переживает соединения.
func (c *Client) Reset(ctx context.Context) error {
	return c.cli.Del(ctx, presenceKey).Err()
}
