// Package presence tracks who is currently connected to the chat.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/classchat/internal/model"
)

// Registry is the set of online participants keyed by identity.
// Join overwrites (last writer wins); Leave of an absent identity is a no-op.
type Registry interface {
	Join(ctx context.Context, identity, displayName string) error
	Leave(ctx context.Context, identity string) error
	Count(ctx context.Context) (int, error)
	List(ctx context.Context) ([]model.PresenceEntry, error)
}

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	entries map[string]model.PresenceEntry
}

// Memory is a process-local Registry. Identities hash onto shards so joins
// and leaves of different users rarely contend on the same lock.
type Memory struct {
	shards [shardCount]*shard
	now    func() time.Time
}

func NewMemory() *Memory {
	m := &Memory{now: func() time.Time { return time.Now().UTC() }}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]model.PresenceEntry)}
	}
	return m
}

func (m *Memory) shardFor(identity string) *shard {
	return m.shards[xxhash.Sum64String(identity)%shardCount]
}

func (m *Memory) Join(_ context.Context, identity, displayName string) error {
	s := m.shardFor(identity)
	s.mu.Lock()
	s.entries[identity] = model.PresenceEntry{
		Identity:    identity,
		DisplayName: displayName,
		Email:       identity,
		LastSeen:    m.now(),
	}
	s.mu.Unlock()
	return nil
}

func (m *Memory) Leave(_ context.Context, identity string) error {
	s := m.shardFor(identity)
	s.mu.Lock()
	delete(s.entries, identity)
	s.mu.Unlock()
	return nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n, nil
}

// List returns a snapshot sorted by identity.
func (m *Memory) List(_ context.Context) ([]model.PresenceEntry, error) {
	out := make([]model.PresenceEntry, 0, 64)
	for _, s := range m.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}
