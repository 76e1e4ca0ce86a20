package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/classchat/internal/auth"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/metrics"
	"github.com/classchat/internal/model"
	"github.com/classchat/internal/presence"
	"github.com/classchat/internal/storage"
)

var ErrTooManyConnections = errors.New("ws connection limit reached")

// Sink receives frames for one connection. Deliver must not block; it
// returns false when the frame was dropped.
type Sink interface {
	Deliver(f OutboundFrame) bool
	Close()
}

// Appender persists accepted chat messages.
type Appender interface {
	Append(ctx context.Context, m *model.PersistedMessage) error
}

type Config struct {
	MaxConnections int
	PersistQueue   int
	PersistTimeout time.Duration
}

// room is the subscriber set of one topic. Its lock is held while frames are
// handed to every subscriber, so all subscribers see one order per topic.
type room struct {
	mu   sync.Mutex
	subs map[*Session]struct{}
}

type Gateway struct {
	presence   presence.Registry
	archive    Appender
	classrooms storage.ClassroomStore
	cfg        Config
	now        func() time.Time

	mu       sync.RWMutex
	rooms    map[string]*room
	sessions map[*Session]struct{}

	persistQ chan *model.PersistedMessage
	spills   sync.WaitGroup
}

func NewGateway(reg presence.Registry, archive Appender, classrooms storage.ClassroomStore, cfg Config) *Gateway {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.PersistQueue <= 0 {
		cfg.PersistQueue = 1024
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	return &Gateway{
		presence:   reg,
		archive:    archive,
		classrooms: classrooms,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		rooms:      make(map[string]*room),
		sessions:   make(map[*Session]struct{}),
		persistQ:   make(chan *model.PersistedMessage, cfg.PersistQueue),
	}
}

// Run stores queued messages in acceptance order until ctx is done, then
// drains what is left.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			g.drain()
			return nil
		case m := <-g.persistQ:
			g.persist(m)
		}
	}
}

func (g *Gateway) drain() {
	for {
		select {
		case m := <-g.persistQ:
			g.persist(m)
		default:
			g.spills.Wait()
			return
		}
	}
}

func (g *Gateway) persist(m *model.PersistedMessage) {
	defer logger.DeferLogDuration("ws.persist", time.Now())()
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.PersistTimeout)
	defer cancel()
	if err := g.archive.Append(ctx, m); err != nil {
		metrics.PersistFailures.Inc()
		logger.Errorf("ws persist sender=%s scope=%s: %v", m.SenderEmail, m.Scope(), err)
	}
}

// enqueuePersist never blocks the send path: a full queue hands the job to
// its own goroutine.
func (g *Gateway) enqueuePersist(m *model.PersistedMessage) {
	select {
	case g.persistQ <- m:
	default:
		metrics.PersistSpills.Inc()
		g.spills.Add(1)
		go func() {
			defer g.spills.Done()
			g.persist(m)
		}()
	}
}

// Attach registers a new connection in state CONNECTED and subscribes it to
// presence count updates.
func (g *Gateway) Attach(p auth.Principal, sink Sink) (*Session, error) {
	s := newSession(g, p, sink)
	g.mu.Lock()
	if len(g.sessions) >= g.cfg.MaxConnections {
		g.mu.Unlock()
		logger.Warnf("ws connection limit reached (%d), rejecting user=%s", g.cfg.MaxConnections, p.Email)
		return nil, ErrTooManyConnections
	}
	g.sessions[s] = struct{}{}
	g.mu.Unlock()
	metrics.Connections.Inc()
	g.subscribe(model.TopicUserCount, s)
	return s, nil
}

func (g *Gateway) detach(s *Session) {
	g.mu.Lock()
	_, ok := g.sessions[s]
	delete(g.sessions, s)
	g.mu.Unlock()
	if ok {
		metrics.Connections.Dec()
	}
	g.unsubscribe(model.TopicUserCount, s)
}

// Shutdown closes every attached connection. Presence is left to each
// session's disconnect path.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	all := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		all = append(all, s)
	}
	g.mu.RUnlock()
	for _, s := range all {
		s.sink.Close()
	}
}

// Sessions returns the number of attached connections.
func (g *Gateway) Sessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

func (g *Gateway) subscribe(topic string, s *Session) {
	g.mu.Lock()
	r, ok := g.rooms[topic]
	if !ok {
		r = &room{subs: make(map[*Session]struct{})}
		g.rooms[topic] = r
	}
	// room lock taken under g.mu so an emptied room cannot be dropped concurrently
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()
	g.mu.Unlock()
}

func (g *Gateway) unsubscribe(topic string, s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[topic]
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.subs, s)
	empty := len(r.subs) == 0
	r.mu.Unlock()
	if empty {
		delete(g.rooms, topic)
	}
}

// broadcast hands f to every subscriber of topic. Subscribers whose buffer is
// full are dropped by their sink.
func (g *Gateway) broadcast(topic string, payload any) {
	g.mu.RLock()
	r, ok := g.rooms[topic]
	if ok {
		r.mu.Lock()
	}
	g.mu.RUnlock()
	if !ok {
		return
	}
	defer r.mu.Unlock()
	f := OutboundFrame{Topic: topic, Payload: payload}
	for s := range r.subs {
		s.sink.Deliver(f)
	}
}

func (g *Gateway) broadcastMessage(m model.ChatMessage) {
	metrics.MessagesBroadcast.WithLabelValues(string(m.Type)).Inc()
	g.broadcast(m.Scope().Topic(), m)
}

func (g *Gateway) broadcastCount(ctx context.Context) {
	n, err := g.presence.Count(ctx)
	if err != nil {
		logger.Errorf("ws presence count: %v", err)
		return
	}
	metrics.Online.Set(float64(n))
	g.broadcast(model.TopicUserCount, n)
}

// canAccess: the general room is open to everyone; a classroom room to admins
// and the classroom's teachers and students.
func (g *Gateway) canAccess(ctx context.Context, p auth.Principal, scope model.Scope) (bool, error) {
	if scope.IsGeneral() || p.IsAdmin() {
		return true, nil
	}
	if g.classrooms == nil {
		return false, nil
	}
	return g.classrooms.IsParticipant(ctx, scope.ClassroomID, p.Email)
}
