// Package memory: хранилище чата в памяти процесса: для тестов и запуска с -memory без PostgreSQL.
// Семантика совпадает с repository: порядок (created_at, id), уникальность реакций и просмотров.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/classchat/internal/model"
	"github.com/classchat/internal/storage"
)

type reactionKey struct {
	messageID int64
	user      string
	emoji     string
}

type receiptKey struct {
	messageID int64
	user      string
}

type Client struct {
	mu         sync.RWMutex
	now        func() time.Time
	nextID     int64
	messages   []model.PersistedMessage
	byID       map[int64]int
	reactions  map[reactionKey]time.Time
	receipts   map[receiptKey]time.Time
	users      map[string]*model.User
	classrooms map[int64]*model.Classroom
	members    map[int64]map[string]struct{}
}

func New() *Client {
	return &Client{
		now:        func() time.Time { return time.Now().UTC() },
		byID:       make(map[int64]int),
		reactions:  make(map[reactionKey]time.Time),
		receipts:   make(map[receiptKey]time.Time),
		users:      make(map[string]*model.User),
		classrooms: make(map[int64]*model.Classroom),
		members:    make(map[int64]map[string]struct{}),
	}
}

// SetClock подменяет часы (тесты проверяют порядок при одинаковом времени).
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

func (c *Client) Close() error { return nil }

// --- users / classrooms (заполняются при старте -memory и в тестах) ---

func (c *Client) PutUser(u *model.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *u
	if cp.ID == 0 {
		cp.ID = int64(len(c.users) + 1)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = c.now()
	}
	c.users[cp.Email] = &cp
}

func (c *Client) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[email]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (c *Client) PutClassroom(room *model.Classroom, participants ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *room
	c.classrooms[cp.ID] = &cp
	set, ok := c.members[cp.ID]
	if !ok {
		set = make(map[string]struct{})
		c.members[cp.ID] = set
	}
	for _, email := range participants {
		set[email] = struct{}{}
	}
}

func (c *Client) GetByID(ctx context.Context, id int64) (*model.Classroom, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.classrooms[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *room
	return &cp, nil
}

func (c *Client) IsParticipant(ctx context.Context, classroomID int64, email string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.members[classroomID][email]
	return ok, nil
}

func (c *Client) ParticipantEmails(ctx context.Context, classroomID int64) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.members[classroomID]))
	for email := range c.members[classroomID] {
		out = append(out, email)
	}
	sort.Strings(out)
	return out, nil
}

// Classrooms отдаёт ClassroomStore; у Client уже есть GetByID для классов,
// а сообщениям нужен свой GetByID, поэтому хранилище сообщений: отдельное представление.
func (c *Client) Classrooms() storage.ClassroomStore { return c }

// Messages отдаёт MessageStore поверх того же состояния.
func (c *Client) Messages() storage.MessageStore { return messageView{c} }

// --- messages ---

type messageView struct{ c *Client }

func (v messageView) Append(ctx context.Context, m *model.PersistedMessage) error {
	c := v.c
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	now := c.now()
	m.ID = c.nextID
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	c.byID[cp.ID] = len(c.messages)
	c.messages = append(c.messages, cp)
	return nil
}

// inScope возвращает копии сообщений комнаты в порядке (created_at, id).
func (c *Client) inScope(scope model.Scope) []model.PersistedMessage {
	out := make([]model.PersistedMessage, 0, 16)
	for _, m := range c.messages {
		if m.Scope() == scope {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (v messageView) List(ctx context.Context, scope model.Scope, limit, offset int) ([]model.PersistedMessage, error) {
	c := v.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := c.inScope(scope)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []model.PersistedMessage{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (v messageView) Recent(ctx context.Context, scope model.Scope, limit int) ([]model.PersistedMessage, error) {
	c := v.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := c.inScope(scope)
	if limit > 0 && limit < len(all) {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (v messageView) Count(ctx context.Context, scope model.Scope) (int, error) {
	c := v.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, m := range c.messages {
		if m.Scope() == scope {
			n++
		}
	}
	return n, nil
}

func (v messageView) GetByID(ctx context.Context, id int64) (*model.PersistedMessage, error) {
	c := v.c
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	m := c.messages[idx]
	return &m, nil
}

// --- reactions ---

func (c *Client) Toggle(ctx context.Context, messageID int64, userEmail, emoji string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[messageID]; !ok {
		return false, storage.ErrNotFound
	}
	k := reactionKey{messageID: messageID, user: userEmail, emoji: emoji}
	if _, ok := c.reactions[k]; ok {
		delete(c.reactions, k)
		return false, nil
	}
	c.reactions[k] = c.now()
	return true, nil
}

type groupAcc struct {
	first time.Time
	sum   model.ReactionSummary
}

func (c *Client) groupedLocked(messageID int64) []model.ReactionSummary {
	groups := make(map[string]*groupAcc)
	type entry struct {
		user string
		at   time.Time
	}
	perEmoji := make(map[string][]entry)
	for k, at := range c.reactions {
		if k.messageID != messageID {
			continue
		}
		g, ok := groups[k.emoji]
		if !ok {
			g = &groupAcc{first: at, sum: model.ReactionSummary{Emoji: k.emoji}}
			groups[k.emoji] = g
		}
		if at.Before(g.first) {
			g.first = at
		}
		perEmoji[k.emoji] = append(perEmoji[k.emoji], entry{user: k.user, at: at})
	}
	out := make([]model.ReactionSummary, 0, len(groups))
	accs := make([]*groupAcc, 0, len(groups))
	for emoji, g := range groups {
		entries := perEmoji[emoji]
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].at.Equal(entries[j].at) {
				return entries[i].user < entries[j].user
			}
			return entries[i].at.Before(entries[j].at)
		})
		for _, e := range entries {
			g.sum.Users = append(g.sum.Users, e.user)
		}
		g.sum.Count = len(entries)
		accs = append(accs, g)
	}
	sort.Slice(accs, func(i, j int) bool {
		if accs[i].first.Equal(accs[j].first) {
			return accs[i].sum.Emoji < accs[j].sum.Emoji
		}
		return accs[i].first.Before(accs[j].first)
	})
	for _, g := range accs {
		out = append(out, g.sum)
	}
	return out
}

func (c *Client) Grouped(ctx context.Context, messageID int64) ([]model.ReactionSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groupedLocked(messageID), nil
}

func (c *Client) GroupedForMessages(ctx context.Context, ids []int64) (map[int64][]model.ReactionSummary, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[int64][]model.ReactionSummary, len(ids))
	for _, id := range ids {
		if g := c.groupedLocked(id); len(g) > 0 {
			out[id] = g
		}
	}
	return out, nil
}

// --- receipts ---

func (c *Client) MarkViewed(ctx context.Context, ids []int64, userEmail string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	added := 0
	for _, id := range ids {
		if _, ok := c.byID[id]; !ok {
			continue
		}
		k := receiptKey{messageID: id, user: userEmail}
		if _, ok := c.receipts[k]; ok {
			continue
		}
		c.receipts[k] = c.now()
		added++
	}
	return added, nil
}

func (c *Client) ViewersFor(ctx context.Context, ids []int64) (map[int64][]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make(map[int64][]string)
	for k := range c.receipts {
		if _, ok := want[k.messageID]; ok {
			out[k.messageID] = append(out[k.messageID], k.user)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out, nil
}

// ReceiptCount: число отметок по сообщению (для тестов идемпотентности).
func (c *Client) ReceiptCount(messageID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for k := range c.receipts {
		if k.messageID == messageID {
			n++
		}
	}
	return n
}
