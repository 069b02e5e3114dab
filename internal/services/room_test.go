package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/repo"
)

// --- fakes ---------------------------------------------------------------

type storedMsg struct {
	RoomID, MsgID, Role, Author, Content string
}

type fakeStore struct {
	mu        sync.Mutex
	seed      []ChatMessage
	upserts   []storedMsg
	failNext  error
	listCalls int
}

func (s *fakeStore) UpsertMessage(_ context.Context, _ *gorm.DB, roomID, msgID, role, author, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	s.upserts = append(s.upserts, storedMsg{roomID, msgID, role, author, content})
	return nil
}

func (s *fakeStore) ListMessages(_ context.Context, _ *gorm.DB, _ string) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	return s.seed, nil
}

func (s *fakeStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.upserts)
}

func (s *fakeStore) lastUpsert() storedMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts[len(s.upserts)-1]
}

type fakeRegistry struct {
	mu          sync.Mutex
	routes      map[string]string // ticket -> room
	registers   []string          // tickets in registration order
	unregisters []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{routes: map[string]string{}}
}

func (r *fakeRegistry) RegisterRoute(_ context.Context, _ *gorm.DB, ticketID, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[ticketID] = roomID
	r.registers = append(r.registers, ticketID)
	return nil
}

func (r *fakeRegistry) LookupRoute(_ context.Context, _ *gorm.DB, ticketID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.routes[ticketID]
	if !ok {
		return "", repo.ErrNotFound
	}
	return room, nil
}

func (r *fakeRegistry) RouteForRoom(_ context.Context, _ *gorm.DB, roomID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ticket, room := range r.routes {
		if room == roomID {
			return ticket, nil
		}
	}
	return "", repo.ErrNotFound
}

func (r *fakeRegistry) UnregisterRoute(_ context.Context, _ *gorm.DB, ticketID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, ticketID)
	r.unregisters = append(r.unregisters, ticketID)
	return nil
}

func (r *fakeRegistry) has(ticketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.routes[ticketID]
	return ok
}

type gwCall struct {
	Op, Ticket, Text, UserID string
}

type fakeGateway struct {
	mu          sync.Mutex
	calls       []gwCall
	initiateErr error
	sendErr     error
}

func (g *fakeGateway) Initiate(_ context.Context, userID, ticketID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gwCall{Op: "initiate", Ticket: ticketID, UserID: userID})
	if g.initiateErr != nil {
		return "", g.initiateErr
	}
	return ticketID, nil
}

func (g *fakeGateway) Send(_ context.Context, ticketID, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gwCall{Op: "send", Ticket: ticketID, Text: text})
	return g.sendErr
}

func (g *fakeGateway) Close(_ context.Context, ticketID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, gwCall{Op: "close", Ticket: ticketID})
	return nil
}

func (g *fakeGateway) ops(op string) []gwCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []gwCall
	for _, c := range g.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

type fakeConn struct {
	id   string
	dead bool

	mu     sync.Mutex
	events []Event
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) frames(typ string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// --- helpers -------------------------------------------------------------

func newTestHub(t *testing.T) (*Hub, *fakeStore, *fakeRegistry, *fakeGateway) {
	t.Helper()
	st := &fakeStore{}
	reg := newFakeRegistry()
	gw := &fakeGateway{}
	return NewHub(nil, st, reg, gw, false, zerolog.Nop()), st, reg, gw
}

// waitFor polls cond until it holds or the deadline passes. Room work that
// touches the gateway runs in background goroutines, so assertions on its
// effects need to wait.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// --- tests ---------------------------------------------------------------

func TestRoom_Join_ReplaysAndAcknowledges(t *testing.T) {
	hub, st, _, _ := newTestHub(t)
	st.seed = []ChatMessage{
		{ID: "m1", Content: "hi", Author: "alice", Role: domain.RoleUser},
		{ID: "m2", Content: "hello", Author: "Assistant", Role: domain.RoleAssistant},
	}

	room, err := hub.Room(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Room: %v", err)
	}

	c := &fakeConn{id: "c1"}
	room.Join(context.Background(), c, "alice")

	all := c.frames(EventAll)
	if len(all) != 1 || len(all[0].Messages) != 2 {
		t.Fatalf("replay frames = %+v, want one frame with 2 messages", all)
	}
	if all[0].Messages[0].ID != "m1" || all[0].Messages[1].ID != "m2" {
		t.Fatalf("replay order = %+v", all[0].Messages)
	}
	ack := c.frames(EventConnection)
	if len(ack) != 1 || ack[0].Status != "connected" || ack[0].ConnectionID != "c1" {
		t.Fatalf("connection ack = %+v", ack)
	}
}

func TestHub_Room_LoadsOnce(t *testing.T) {
	hub, st, _, _ := newTestHub(t)

	for i := 0; i < 3; i++ {
		if _, err := hub.Room(context.Background(), "r1"); err != nil {
			t.Fatalf("Room: %v", err)
		}
	}
	if st.listCalls != 1 {
		t.Fatalf("listCalls = %d, want single cold load", st.listCalls)
	}
}

func TestRoom_Join_InitiatesSessionWithRoomAsTicket(t *testing.T) {
	hub, _, reg, gw := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")

	room.Join(context.Background(), &fakeConn{id: "c1"}, "alice")

	waitFor(t, func() bool { return len(gw.ops("initiate")) == 1 }, "session never initiated")
	call := gw.ops("initiate")[0]
	if call.Ticket != "r1" || call.UserID != "alice" {
		t.Fatalf("initiate call = %+v", call)
	}
	waitFor(t, func() bool { return reg.has("r1") }, "route never registered")
}

func TestRoom_Join_ReusesDurableRouteInsteadOfInitiating(t *testing.T) {
	hub, _, reg, gw := newTestHub(t)
	reg.routes["old-ticket"] = "r1"

	room, _ := hub.Room(context.Background(), "r1")
	room.Join(context.Background(), &fakeConn{id: "c1"}, "alice")

	waitFor(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return len(reg.registers) > 0
	}, "route never re-registered")
	if n := len(gw.ops("initiate")); n != 0 {
		t.Fatalf("initiate calls = %d, want durable route reused", n)
	}

	// The reused session must carry subsequent user turns.
	room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m1", Content: "hi"})
	waitFor(t, func() bool { return len(gw.ops("send")) == 1 }, "user turn never forwarded")
	if gw.ops("send")[0].Ticket != "old-ticket" {
		t.Fatalf("send ticket = %q, want old-ticket", gw.ops("send")[0].Ticket)
	}
}

func TestRoom_Receive_BroadcastsToOthersAndPersists(t *testing.T) {
	hub, st, _, _ := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")

	sender := &fakeConn{id: "c1"}
	other := &fakeConn{id: "c2"}
	room.Join(context.Background(), sender, "alice")
	room.Join(context.Background(), other, "bob")

	err := room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m1", Content: "hi"})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	if n := len(sender.frames(EventAdd)); n != 0 {
		t.Fatalf("sender saw %d add frames, local echo is the client's job", n)
	}
	adds := other.frames(EventAdd)
	if len(adds) != 1 || adds[0].ID != "m1" || adds[0].Content != "hi" || adds[0].Author != "alice" {
		t.Fatalf("peer frames = %+v", adds)
	}
	if st.upsertCount() != 1 {
		t.Fatalf("upserts = %d", st.upsertCount())
	}
	got := st.lastUpsert()
	if got.RoomID != "r1" || got.MsgID != "m1" || got.Role != domain.RoleUser || got.Author != "alice" {
		t.Fatalf("stored = %+v", got)
	}
}

func TestRoom_Receive_Update_OverwritesInPlace(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")
	room.Join(context.Background(), &fakeConn{id: "c1"}, "alice")

	if err := room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m1", Content: "hi"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m2", Content: "two"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := room.Receive(context.Background(), "c1", Event{Type: EventUpdate, ID: "m1", Content: "edited"}); err != nil {
		t.Fatalf("update: %v", err)
	}

	late := &fakeConn{id: "c2"}
	room.Join(context.Background(), late, "bob")
	replay := late.frames(EventAll)[0].Messages
	if len(replay) != 2 {
		t.Fatalf("replay = %+v, want update not to append", replay)
	}
	if replay[0].ID != "m1" || replay[0].Content != "edited" || replay[1].ID != "m2" {
		t.Fatalf("replay = %+v, want m1 edited in place, order preserved", replay)
	}
}

func TestRoom_Receive_Validation(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")
	room.Join(context.Background(), &fakeConn{id: "c1"}, "alice")

	cases := []struct {
		name   string
		connID string
		ev     Event
		want   error
	}{
		{"unknown type", "c1", Event{Type: "nuke", ID: "m1", Content: "x"}, ErrUnknownEvent},
		{"blank id", "c1", Event{Type: EventAdd, ID: "  ", Content: "x"}, ErrEmptyMessage},
		{"blank content", "c1", Event{Type: EventAdd, ID: "m1", Content: " "}, ErrEmptyMessage},
		{"unknown connection", "ghost", Event{Type: EventAdd, ID: "m1", Content: "x"}, ErrUnknownConnection},
	}
	for _, tc := range cases {
		if err := room.Receive(context.Background(), tc.connID, tc.ev); !errors.Is(err, tc.want) {
			t.Errorf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestRoom_Receive_PersistFailureRollsBackCache(t *testing.T) {
	hub, st, _, _ := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")
	room.Join(context.Background(), &fakeConn{id: "c1"}, "alice")

	boom := errors.New("disk full")
	st.mu.Lock()
	st.failNext = boom
	st.mu.Unlock()

	err := room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m1", Content: "hi"})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want store failure surfaced", err)
	}

	late := &fakeConn{id: "c2"}
	room.Join(context.Background(), late, "bob")
	if replay := late.frames(EventAll)[0].Messages; len(replay) != 0 {
		t.Fatalf("replay = %+v, want failed write rolled back", replay)
	}
}

func TestRoom_PendingTurnsFlushInOrderOnActivation(t *testing.T) {
	hub, _, _, gw := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")

	r := room
	r.mu.Lock()
	r.conns["c1"] = &connEntry{conn: &fakeConn{id: "c1"}, author: "alice"}
	r.sess = session{state: sessionInitiating, ownerUserID: "alice"}
	r.mu.Unlock()

	// Turns arriving while the session is still initiating queue up.
	room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m1", Content: "first"})
	room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m2", Content: "second"})
	if n := len(gw.ops("send")); n != 0 {
		t.Fatalf("sends before activation = %d", n)
	}

	r.activate("t1")

	waitFor(t, func() bool { return len(gw.ops("send")) == 2 }, "queued turns never flushed")
	sends := gw.ops("send")
	if sends[0].Text != "first" || sends[1].Text != "second" {
		t.Fatalf("flush order = %+v", sends)
	}
}

func TestRoom_InitiateFailureSynthesizesApology(t *testing.T) {
	hub, st, reg, gw := newTestHub(t)
	gw.initiateErr = errors.New("responder down")

	room, _ := hub.Room(context.Background(), "r1")
	c := &fakeConn{id: "c1"}
	room.Join(context.Background(), c, "alice")

	waitFor(t, func() bool { return len(c.frames(EventAdd)) == 1 }, "apology never delivered")
	notice := c.frames(EventAdd)[0]
	if notice.Role != domain.RoleAssistant || notice.Content != apologyText {
		t.Fatalf("notice = %+v", notice)
	}
	// The apology is a real message: persisted like any other.
	waitFor(t, func() bool { return st.upsertCount() == 1 }, "apology never persisted")
	if reg.has("r1") {
		t.Fatal("failed initiation must not leave a route behind")
	}

	// The failure is transient state: the next user turn retries initiation.
	gw.mu.Lock()
	gw.initiateErr = nil
	gw.mu.Unlock()
	room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m1", Content: "again"})
	waitFor(t, func() bool { return len(gw.ops("initiate")) == 2 }, "initiation never retried")
}

func TestRoom_SendFailureSynthesizesApology(t *testing.T) {
	hub, _, _, gw := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")
	c := &fakeConn{id: "c1"}
	room.Join(context.Background(), c, "alice")
	waitFor(t, func() bool { return len(gw.ops("initiate")) == 1 }, "session never initiated")

	gw.mu.Lock()
	gw.sendErr = errors.New("502")
	gw.mu.Unlock()

	room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m1", Content: "hi"})

	waitFor(t, func() bool {
		for _, ev := range c.frames(EventAdd) {
			if ev.Content == apologyText {
				return true
			}
		}
		return false
	}, "apology never delivered after failed send")
}

func TestRoom_Leave_DefaultPolicyPreservesSession(t *testing.T) {
	hub, _, reg, gw := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")
	c := &fakeConn{id: "c1"}
	room.Join(context.Background(), c, "alice")
	waitFor(t, func() bool { return reg.has("r1") }, "route never registered")

	room.Leave("c1")

	// Give any stray close goroutine a chance to run before asserting.
	time.Sleep(50 * time.Millisecond)
	if n := len(gw.ops("close")); n != 0 {
		t.Fatalf("close calls = %d, want session preserved", n)
	}
	if !reg.has("r1") {
		t.Fatal("route must survive disconnect under the preserve policy")
	}
}

func TestRoom_Leave_EagerPolicyClosesOnLastDisconnect(t *testing.T) {
	st := &fakeStore{}
	reg := newFakeRegistry()
	gw := &fakeGateway{}
	hub := NewHub(nil, st, reg, gw, true, zerolog.Nop())

	room, _ := hub.Room(context.Background(), "r1")
	c1 := &fakeConn{id: "c1"}
	c2 := &fakeConn{id: "c2"}
	room.Join(context.Background(), c1, "alice")
	room.Join(context.Background(), c2, "bob")
	waitFor(t, func() bool { return reg.has("r1") }, "route never registered")

	room.Leave("c1")
	time.Sleep(50 * time.Millisecond)
	if n := len(gw.ops("close")); n != 0 {
		t.Fatalf("closed with a client still connected, close calls = %d", n)
	}

	room.Leave("c2")
	waitFor(t, func() bool { return len(gw.ops("close")) == 1 }, "session never closed")
	waitFor(t, func() bool { return !reg.has("r1") }, "route never unregistered")
}

func TestRoom_BroadcastDropsDeadConnections(t *testing.T) {
	hub, _, _, _ := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")

	alive := &fakeConn{id: "c1"}
	dead := &fakeConn{id: "c2", dead: true}
	room.Join(context.Background(), alive, "alice")
	room.Join(context.Background(), dead, "bob")

	if err := room.Receive(context.Background(), "c1", Event{Type: EventAdd, ID: "m1", Content: "hi"}); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	room.mu.Lock()
	_, stillThere := room.conns["c2"]
	room.mu.Unlock()
	if stillThere {
		t.Fatal("dead connection should have been dropped")
	}
}

func TestRoom_DeliverAssistant(t *testing.T) {
	hub, st, _, _ := newTestHub(t)
	room, _ := hub.Room(context.Background(), "r1")
	c := &fakeConn{id: "c1"}
	room.Join(context.Background(), c, "alice")

	if err := room.DeliverAssistant(context.Background(), "a1", "", "answer"); err != nil {
		t.Fatalf("DeliverAssistant: %v", err)
	}
	adds := c.frames(EventAdd)
	if len(adds) != 1 || adds[0].Author != assistantAuthor || adds[0].Role != domain.RoleAssistant {
		t.Fatalf("frames = %+v", adds)
	}

	// Redelivery of the same callback overwrites instead of duplicating.
	if err := room.DeliverAssistant(context.Background(), "a1", "", "answer"); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := c.frames(EventUpdate); len(got) != 1 {
		t.Fatalf("redelivery frames = %+v, want a single update", got)
	}
	if st.upsertCount() != 2 {
		t.Fatalf("upserts = %d", st.upsertCount())
	}

	// No id in the payload means a generated one.
	if err := room.DeliverAssistant(context.Background(), "", "Custom", "more"); err != nil {
		t.Fatalf("DeliverAssistant: %v", err)
	}
	last := st.lastUpsert()
	if last.MsgID == "" || last.Author != "Custom" {
		t.Fatalf("stored = %+v", last)
	}
}
