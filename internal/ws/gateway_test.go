package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/classchat/internal/auth"
	"github.com/classchat/internal/model"
	"github.com/classchat/internal/presence"
	"github.com/classchat/internal/storage/memory"
)

// recorder is a Sink that keeps every frame.
type recorder struct {
	mu     sync.Mutex
	frames []OutboundFrame
	closed bool
	limit  int
}

func (r *recorder) Deliver(f OutboundFrame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.limit > 0 && len(r.frames) >= r.limit {
		r.closed = true
		return false
	}
	r.frames = append(r.frames, f)
	return true
}

func (r *recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recorder) topic(name string) []OutboundFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OutboundFrame
	for _, f := range r.frames {
		if f.Topic == name {
			out = append(out, f)
		}
	}
	return out
}

func (r *recorder) counts() []int {
	var out []int
	for _, f := range r.topic(model.TopicUserCount) {
		out = append(out, f.Payload.(int))
	}
	return out
}

func (r *recorder) messages(topic string) []model.ChatMessage {
	var out []model.ChatMessage
	for _, f := range r.topic(topic) {
		out = append(out, f.Payload.(model.ChatMessage))
	}
	return out
}

type failingAppender struct{ calls chan struct{} }

func (f *failingAppender) Append(ctx context.Context, m *model.PersistedMessage) error {
	f.calls <- struct{}{}
	return errors.New("database is down")
}

type fixture struct {
	gw    *Gateway
	store *memory.Client
	reg   *presence.Memory
}

func newFixture(t *testing.T, archive Appender) *fixture {
	t.Helper()
	store := memory.New()
	reg := presence.NewMemory()
	if archive == nil {
		archive = store.Messages()
	}
	gw := NewGateway(reg, archive, store.Classrooms(), Config{PersistQueue: 16})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = gw.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &fixture{gw: gw, store: store, reg: reg}
}

func (fx *fixture) attach(t *testing.T, email string, role model.Role) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s, err := fx.gw.Attach(auth.Principal{Email: email, Name: email, Role: role}, rec)
	if err != nil {
		t.Fatalf("attach %s: %v", email, err)
	}
	return s, rec
}

func joinFrame(name string, classroom *int64) InboundFrame {
	return InboundFrame{Destination: DestAddUser, Payload: model.ChatMessage{Type: model.MessageJoin, SenderName: name, ClassroomID: classroom}}
}

func sendFrame(content string, classroom *int64) InboundFrame {
	return InboundFrame{Destination: DestSendMessage, Payload: model.ChatMessage{Type: model.MessageChat, Content: content, ClassroomID: classroom}}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGatewayJoinAndSend(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	a, recA := fx.attach(t, "a@school.test", model.RoleStudent)
	b, recB := fx.attach(t, "b@school.test", model.RoleStudent)

	a.Handle(ctx, joinFrame("Alice", nil))
	b.Handle(ctx, joinFrame("Bob", nil))
	if got := recA.counts(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("counts seen by A = %v; want [1 2]", got)
	}
	if a.State() != StateActive || b.State() != StateActive {
		t.Fatalf("both sessions must be ACTIVE")
	}

	a.Handle(ctx, sendFrame("hello", nil))
	a.Handle(ctx, sendFrame("second", nil))

	got := recB.messages(model.TopicPublic)
	if len(got) != 3 {
		t.Fatalf("B should see JOIN(B), hello, second; got %+v", got)
	}
	hello := got[1]
	if hello.Content != "hello" || hello.Sender != "a@school.test" || hello.SenderName != "Alice" {
		t.Fatalf("unexpected event: %+v", hello)
	}
	if hello.Timestamp.IsZero() || hello.Status != model.StatusSent {
		t.Fatalf("server must stamp time and status: %+v", hello)
	}
	if got[2].Content != "second" {
		t.Fatalf("events must keep acceptance order; got %+v", got[2])
	}

	waitFor(t, "persistence", func() bool {
		n, _ := fx.store.Messages().Count(ctx, model.GeneralScope)
		return n == 2
	})
}

func TestGatewaySenderIsForcedToPrincipal(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	a, recA := fx.attach(t, "a@school.test", model.RoleStudent)
	a.Handle(ctx, joinFrame("Alice", nil))
	f := sendFrame("spoof", nil)
	f.Payload.Sender = "admin@school.test"
	f.Payload.SenderRole = model.RoleAdmin
	a.Handle(ctx, f)
	msgs := recA.messages(model.TopicPublic)
	last := msgs[len(msgs)-1]
	if last.Sender != "a@school.test" || last.SenderRole != model.RoleStudent {
		t.Fatalf("sender must come from the connection: %+v", last)
	}
}

func TestGatewayStateMachine(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	a, recA := fx.attach(t, "a@school.test", model.RoleStudent)

	a.Handle(ctx, sendFrame("too early", nil))
	if errs := recA.topic(TopicErrors); len(errs) != 1 {
		t.Fatalf("send before JOIN must produce one error frame; got %d", len(errs))
	}

	a.Handle(ctx, joinFrame("Alice", nil))
	a.Handle(ctx, InboundFrame{Destination: DestAddUser, Payload: model.ChatMessage{Type: model.MessageLeave}})
	if a.State() != StateClosed {
		t.Fatalf("state after LEAVE = %s", a.State())
	}
	if n, _ := fx.reg.Count(ctx); n != 0 {
		t.Fatalf("LEAVE must remove presence; count=%d", n)
	}
	before := len(recA.frames)
	a.Handle(ctx, sendFrame("after close", nil))
	if len(recA.frames) != before {
		t.Fatal("frames after CLOSED must be ignored")
	}
}

func TestGatewayDisconnectActsAsLeave(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	a, _ := fx.attach(t, "a@school.test", model.RoleStudent)
	b, recB := fx.attach(t, "b@school.test", model.RoleStudent)
	a.Handle(ctx, joinFrame("Alice", nil))
	b.Handle(ctx, joinFrame("Bob", nil))

	a.Disconnect(ctx)
	msgs := recB.messages(model.TopicPublic)
	if last := msgs[len(msgs)-1]; last.Type != model.MessageLeave || last.Sender != "a@school.test" {
		t.Fatalf("disconnect must broadcast LEAVE; got %+v", last)
	}
	counts := recB.counts()
	if counts[len(counts)-1] != 1 {
		t.Fatalf("count after disconnect = %v", counts)
	}
	if fx.gw.Sessions() != 1 {
		t.Fatalf("sessions = %d", fx.gw.Sessions())
	}
}

func TestGatewayClassroomAccess(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	fx.store.PutClassroom(&model.Classroom{ID: 7, Name: "7B"}, "t@school.test", "s@school.test")
	room := model.ClassroomScope(7).Ref()

	teacher, recT := fx.attach(t, "t@school.test", model.RoleTeacher)
	outsider, recO := fx.attach(t, "x@school.test", model.RoleStudent)
	admin, recAdm := fx.attach(t, "root@school.test", model.RoleAdmin)

	teacher.Handle(ctx, joinFrame("T", room))
	outsider.Handle(ctx, joinFrame("X", room))
	admin.Handle(ctx, joinFrame("Root", room))

	if outsider.State() != StateConnected {
		t.Fatalf("non-participant must not join; state=%s", outsider.State())
	}
	if errs := recO.topic(TopicErrors); len(errs) != 1 {
		t.Fatalf("non-participant should get an error frame; got %d", len(errs))
	}
	teacher.Handle(ctx, sendFrame("homework", room))
	topic := model.ClassroomScope(7).Topic()
	if msgs := recAdm.messages(topic); len(msgs) == 0 || msgs[len(msgs)-1].Content != "homework" {
		t.Fatalf("admin should receive classroom messages; got %+v", msgs)
	}
	if msgs := recT.messages(model.TopicPublic); len(msgs) != 0 {
		t.Fatalf("classroom traffic leaked to the general room: %+v", msgs)
	}
}

func TestGatewayPersistFailureDoesNotBlockDelivery(t *testing.T) {
	ctx := context.Background()
	failing := &failingAppender{calls: make(chan struct{}, 8)}
	fx := newFixture(t, failing)
	a, _ := fx.attach(t, "a@school.test", model.RoleStudent)
	b, recB := fx.attach(t, "b@school.test", model.RoleStudent)
	a.Handle(ctx, joinFrame("Alice", nil))
	b.Handle(ctx, joinFrame("Bob", nil))

	a.Handle(ctx, sendFrame("still delivered", nil))
	msgs := recB.messages(model.TopicPublic)
	if last := msgs[len(msgs)-1]; last.Content != "still delivered" {
		t.Fatalf("broadcast must not depend on persistence; got %+v", last)
	}
	select {
	case <-failing.calls:
	case <-time.After(2 * time.Second):
		t.Fatal("persistence was never attempted")
	}
	if errs := recB.topic(TopicErrors); len(errs) != 0 {
		t.Fatalf("persistence failures must not surface: %+v", errs)
	}
}

func TestGatewayFileMessagePersistsAsChat(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	a, _ := fx.attach(t, "a@school.test", model.RoleStudent)
	a.Handle(ctx, joinFrame("Alice", nil))
	a.Handle(ctx, InboundFrame{Destination: DestSendMessage, Payload: model.ChatMessage{
		Type:     model.MessageImage,
		FileURL:  "/chat/files/x.png",
		FileType: "image/png",
		FileName: "x.png",
		FileSize: 42,
	}})
	waitFor(t, "persistence", func() bool {
		n, _ := fx.store.Messages().Count(ctx, model.GeneralScope)
		return n == 1
	})
	rows, _ := fx.store.Messages().List(ctx, model.GeneralScope, 0, 0)
	if rows[0].Type != model.MessageChat {
		t.Fatalf("file messages are stored as CHAT; got %s", rows[0].Type)
	}
	back := model.FromPersisted(&rows[0])
	if back.Type != model.MessageImage || back.FileURL != "/chat/files/x.png" {
		t.Fatalf("attachment lost: %+v", back)
	}
}

func TestGatewayConnectionLimit(t *testing.T) {
	reg := presence.NewMemory()
	gw := NewGateway(reg, memory.New().Messages(), nil, Config{MaxConnections: 1})
	if _, err := gw.Attach(auth.Principal{Email: "a@school.test"}, &recorder{}); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if _, err := gw.Attach(auth.Principal{Email: "b@school.test"}, &recorder{}); !errors.Is(err, ErrTooManyConnections) {
		t.Fatalf("second attach: got %v", err)
	}
}

func TestGatewayConcurrentSendersKeepRoomOrder(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	const senders = 8
	var sessions []*Session
	var recs []*recorder
	for i := 0; i < senders; i++ {
		s, rec := fx.attach(t, string(rune('a'+i))+"@school.test", model.RoleStudent)
		s.Handle(ctx, joinFrame("", nil))
		sessions = append(sessions, s)
		recs = append(recs, rec)
	}
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				s.Handle(ctx, sendFrame("m", nil))
			}
		}(s)
	}
	wg.Wait()

	// every subscriber observes the same sequence of public events
	ref := recs[0].messages(model.TopicPublic)
	for i := 1; i < senders; i++ {
		got := recs[i].messages(model.TopicPublic)
		tail := ref[len(ref)-len(got):]
		for k := range got {
			if got[k].Sender != tail[k].Sender || !got[k].Timestamp.Equal(tail[k].Timestamp) {
				t.Fatalf("subscriber %d diverges at %d", i, k)
			}
		}
	}
}

func TestGatewayTextLookingLikeFileStaysText(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, nil)
	a, _ := fx.attach(t, "a@school.test", model.RoleStudent)
	a.Handle(ctx, joinFrame("Alice", nil))
	forged := `[IMAGE]{"url":"https://evil.example/p.png","type":"image/png"}`
	a.Handle(ctx, sendFrame(forged, nil))
	waitFor(t, "persistence", func() bool {
		n, _ := fx.store.Messages().Count(ctx, model.GeneralScope)
		return n == 1
	})
	rows, _ := fx.store.Messages().List(ctx, model.GeneralScope, 0, 0)
	back := model.FromPersisted(&rows[0])
	if back.Type != model.MessageChat || back.Content != forged || back.FileURL != "" {
		t.Fatalf("history must show the text as typed: %+v", back)
	}
}
