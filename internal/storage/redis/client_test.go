package redis

import (
	"context"
	"os"
	"testing"
	"time"
)

// Нужен живой Redis: CHAT_REDIS_URL=redis://localhost:6379/15 go test ./internal/storage/redis/
func TestPresence(t *testing.T) {
	url := os.Getenv("CHAT_REDIS_URL")
	if url == "" {
		t.Skip("CHAT_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	_ = c.Join(ctx, "b@school.test", "Bob")
	_ = c.Join(ctx, "a@school.test", "Alice")
	_ = c.Join(ctx, "a@school.test", "Alice B.")
	if n, err := c.Count(ctx); err != nil || n != 2 {
		t.Fatalf("count=%d err=%v", n, err)
	}
	list, err := c.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Identity != "a@school.test" || list[0].DisplayName != "Alice B." {
		t.Fatalf("list: %+v", list)
	}
	if err := c.Leave(ctx, "nobody@school.test"); err != nil {
		t.Fatalf("leave absent: %v", err)
	}
	_ = c.Leave(ctx, "a@school.test")
	if n, _ := c.Count(ctx); n != 1 {
		t.Fatalf("after leave count=%d", n)
	}
	if err := c.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
}
