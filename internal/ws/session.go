package ws

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/classchat/internal/auth"
	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

const handleTimeout = 5 * time.Second

// Session is one connection's view of the chat:
// CONNECTED -> (JOIN) -> ACTIVE -> (LEAVE or disconnect) -> CLOSED.
type Session struct {
	id        string
	gw        *Gateway
	principal auth.Principal
	sink      Sink

	mu          sync.Mutex
	state       State
	scope       model.Scope
	displayName string
	allowed     map[int64]bool
}

func newSession(g *Gateway, p auth.Principal, sink Sink) *Session {
	return &Session{
		id:        uuid.NewString(),
		gw:        g,
		principal: p,
		sink:      sink,
		state:     StateConnected,
		allowed:   make(map[int64]bool),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) sendError(dest Destination, msg string) {
	s.sink.Deliver(OutboundFrame{Topic: TopicErrors, Payload: ErrorPayload{Error: msg, Destination: dest}})
}

// Handle dispatches one inbound frame. Frames of a session are handled one at
// a time in arrival order.
func (s *Session) Handle(ctx context.Context, f InboundFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	switch f.Destination {
	case DestSendMessage:
		s.handleSend(ctx, f.Payload)
	case DestAddUser:
		s.handleAddUser(ctx, f.Payload)
	default:
		s.sendError(f.Destination, "unknown destination")
	}
}

// authorize checks scope access once per classroom per session.
func (s *Session) authorize(ctx context.Context, scope model.Scope) (bool, error) {
	if scope.IsGeneral() {
		return true, nil
	}
	if ok, seen := s.allowed[scope.ClassroomID]; seen {
		return ok, nil
	}
	ok, err := s.gw.canAccess(ctx, s.principal, scope)
	if err != nil {
		return false, err
	}
	s.allowed[scope.ClassroomID] = ok
	return ok, nil
}

func (s *Session) checkScope(ctx context.Context, dest Destination, scope model.Scope) bool {
	ok, err := s.authorize(ctx, scope)
	if err != nil {
		logger.Errorf("ws access check session=%s scope=%s: %v", s.id, scope, err)
		s.sendError(dest, "internal error")
		return false
	}
	if !ok {
		s.sendError(dest, "forbidden")
		return false
	}
	return true
}

func (s *Session) name(declared string) string {
	if n := strings.TrimSpace(declared); n != "" {
		return n
	}
	if s.displayName != "" {
		return s.displayName
	}
	if s.principal.Name != "" {
		return s.principal.Name
	}
	return s.principal.Email
}

func (s *Session) handleSend(ctx context.Context, in model.ChatMessage) {
	defer logger.DeferLogDuration("ws.handleSend", time.Now())()
	if s.state != StateActive {
		s.sendError(DestSendMessage, "join the chat first")
		return
	}
	switch in.Type {
	case "":
		in.Type = model.MessageChat
	case model.MessageChat, model.MessageImage, model.MessageAudio:
	default:
		s.sendError(DestSendMessage, "unsupported message type")
		return
	}
	if in.Type.IsFile() && in.FileURL == "" {
		s.sendError(DestSendMessage, "fileUrl required")
		return
	}
	if !in.Type.IsFile() && strings.TrimSpace(in.Content) == "" {
		s.sendError(DestSendMessage, "content required")
		return
	}
	scope := in.Scope()
	if !s.checkScope(ctx, DestSendMessage, scope) {
		return
	}

	out := model.ChatMessage{
		Type:        in.Type,
		Content:     in.Content,
		Sender:      s.principal.Email,
		SenderName:  s.name(in.SenderName),
		SenderRole:  s.principal.Role,
		Timestamp:   s.gw.now(),
		ClassroomID: scope.Ref(),
		FileURL:     in.FileURL,
		FileType:    in.FileType,
		FileName:    in.FileName,
		FileSize:    in.FileSize,
		ReplyToID:   in.ReplyToID,
		Reactions:   []model.ReactionSummary{},
		Status:      model.StatusSent,
	}
	s.gw.broadcastMessage(out)
	s.gw.broadcastCount(ctx)
	s.gw.enqueuePersist(out.ToPersisted())
}

func (s *Session) handleAddUser(ctx context.Context, in model.ChatMessage) {
	defer logger.DeferLogDuration("ws.handleAddUser", time.Now())()
	switch in.Type {
	case model.MessageJoin:
		s.join(ctx, in)
	case model.MessageLeave:
		if s.state != StateActive {
			s.sendError(DestAddUser, "join the chat first")
			return
		}
		s.leave(ctx)
	default:
		s.sendError(DestAddUser, "type must be JOIN or LEAVE")
	}
}

func (s *Session) join(ctx context.Context, in model.ChatMessage) {
	scope := in.Scope()
	if !s.checkScope(ctx, DestAddUser, scope) {
		return
	}
	s.displayName = s.name(in.SenderName)
	if err := s.gw.presence.Join(ctx, s.principal.Email, s.displayName); err != nil {
		logger.Errorf("ws presence join user=%s: %v", s.principal.Email, err)
	}
	if s.state == StateActive && s.scope != scope {
		s.gw.unsubscribe(s.scope.Topic(), s)
	}
	s.scope = scope
	s.state = StateActive
	s.gw.subscribe(scope.Topic(), s)
	s.gw.broadcastMessage(s.announcement(model.MessageJoin))
	s.gw.broadcastCount(ctx)
	logger.Infof("ws join session=%s user=%s scope=%s", s.id, s.principal.Email, scope)
}

// leave runs for an explicit LEAVE and for a disconnect while ACTIVE.
func (s *Session) leave(ctx context.Context) {
	if err := s.gw.presence.Leave(ctx, s.principal.Email); err != nil {
		logger.Errorf("ws presence leave user=%s: %v", s.principal.Email, err)
	}
	s.state = StateClosed
	s.gw.broadcastMessage(s.announcement(model.MessageLeave))
	s.gw.broadcastCount(ctx)
	s.gw.unsubscribe(s.scope.Topic(), s)
	logger.Infof("ws leave session=%s user=%s scope=%s", s.id, s.principal.Email, s.scope)
}

func (s *Session) announcement(t model.MessageType) model.ChatMessage {
	return model.ChatMessage{
		Type:        t,
		Sender:      s.principal.Email,
		SenderName:  s.displayName,
		SenderRole:  s.principal.Role,
		Timestamp:   s.gw.now(),
		ClassroomID: s.scope.Ref(),
		Reactions:   []model.ReactionSummary{},
	}
}

// Disconnect releases the session. A session still ACTIVE leaves the chat
// as if it had sent LEAVE.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateActive {
		lctx, cancel := context.WithTimeout(ctx, handleTimeout)
		s.leave(lctx)
		cancel()
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.gw.detach(s)
}
