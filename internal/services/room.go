// Package services – Room
//
// This file implements the Room Session actor, the core state machine of
// the relay. One Room exists per room id and owns three things: the
// in-memory message cache (the fast-path copy of the durable log), the set
// of live client connections, and the external-session state. Every
// mutation of that state is serialized under the room's mutex; persistence
// writes and gateway calls happen outside the lock so a slow external
// responder never blocks local traffic.
//
// External-session lifecycle: absent → initiating → active → (closed).
// There is exactly one canonical path for finding a session: the in-memory
// binding, else the durable route for this room, else a fresh initiate.
// A gateway failure reverts the session to absent and substitutes a locally
// synthesized assistant message; it never terminates a connection or
// corrupts room state.
package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/repo"
)

// assistantAuthor labels assistant messages, both real ones delivered via
// webhook (when the payload names no author) and locally synthesized ones.
const assistantAuthor = "Assistant"

// apologyText substitutes for a lost assistant turn when the external
// responder cannot be reached. The user's own message is already persisted
// and broadcast by then.
const apologyText = "Sorry, I can't reach the assistant right now. Your message has been saved, please try again in a moment."

// sessionState enumerates the external-session lifecycle.
type sessionState int

const (
	sessionAbsent sessionState = iota
	sessionInitiating
	sessionActive
	sessionClosed
)

// session is the in-memory external-session binding of a room.
type session struct {
	ticketID    string
	ownerUserID string
	state       sessionState
	createdAt   time.Time
}

// connEntry tracks one live client connection. Ephemeral: it exists only
// for the lifetime of the network connection and is never persisted.
type connEntry struct {
	conn   Conn
	author string
}

// Room is the live actor for one chat room. All exported methods are safe
// for concurrent use; in-memory state is only ever touched under mu.
type Room struct {
	id  string
	hub *Hub
	log zerolog.Logger

	mu      sync.Mutex
	loaded  bool
	order   []string               // message ids in first-write order
	byID    map[string]ChatMessage // message cache keyed by id
	conns   map[string]*connEntry
	sess    session
	pending []string // user turns awaiting session activation
}

// newRoom builds an unloaded room. The hub calls ensureLoaded before
// handing the room out.
func newRoom(id string, h *Hub) *Room {
	return &Room{
		id:    id,
		hub:   h,
		log:   h.Log.With().Str("room", id).Logger(),
		byID:  make(map[string]ChatMessage),
		conns: make(map[string]*connEntry),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// ensureLoaded populates the message cache from the Message Store exactly
// once. Holding the lock across the load keeps racing cold-room callers
// behind the single load.
func (r *Room) ensureLoaded(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	msgs, err := r.hub.Store.ListMessages(ctx, r.hub.DB, r.id)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if _, ok := r.byID[m.ID]; !ok {
			r.order = append(r.order, m.ID)
		}
		r.byID[m.ID] = m
	}
	r.loaded = true
	return nil
}

// Join registers a new client connection. The connection is registered
// before anything that can block, so a concurrently arriving message is
// never dropped for missing connection state. The client then receives the
// full replay set and its connection acknowledgment; only after that does
// the room ensure, asynchronously, that an external session exists.
func (r *Room) Join(ctx context.Context, c Conn, author string) {
	r.mu.Lock()
	r.conns[c.ID()] = &connEntry{conn: c, author: author}
	replay := r.replayLocked()
	r.mu.Unlock()

	c.Deliver(Event{Type: EventAll, Messages: replay})
	c.Deliver(Event{Type: EventConnection, Status: "connected", ConnectionID: c.ID()})

	go r.ensureSession(context.WithoutCancel(ctx), author)
}

// Leave removes a connection from the room. With the default preserve
// policy that is all it does: the session route stays registered and the
// external conversation stays open so a reconnecting client continues it.
// Under the eager policy the last client leaving closes the session.
func (r *Room) Leave(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	eager := r.hub.CloseOnDisconnect && len(r.conns) == 0 && r.sess.state == sessionActive
	var ticket string
	if eager {
		ticket = r.sess.ticketID
		r.sess.state = sessionClosed
	}
	r.mu.Unlock()

	if eager {
		go r.closeSession(ticket)
	}
}

// Receive processes one add/update frame from a client. Order of effects:
// broadcast to the other local connections first (local echo is instant),
// then persist, then forward user turns to the external responder. A failed
// persist is a failed mutation: the cache change is rolled back and the
// error returned so the transport can surface it.
func (r *Room) Receive(ctx context.Context, connID string, ev Event) error {
	if ev.Type != EventAdd && ev.Type != EventUpdate {
		return ErrUnknownEvent
	}
	if strings.TrimSpace(ev.ID) == "" || strings.TrimSpace(ev.Content) == "" {
		return ErrEmptyMessage
	}

	r.mu.Lock()
	entry, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	author := ev.Author
	if author == "" {
		author = entry.author
	}
	role := ev.Role
	if role != domain.RoleAssistant {
		role = domain.RoleUser
	}
	msg := ChatMessage{ID: ev.ID, Content: ev.Content, Author: author, Role: role}
	r.broadcastLocked(messageEvent(ev.Type, msg), connID)
	prev, existed := r.byID[msg.ID]
	if !existed {
		r.order = append(r.order, msg.ID)
	}
	r.byID[msg.ID] = msg
	r.mu.Unlock()

	if err := r.hub.Store.UpsertMessage(ctx, r.hub.DB, r.id, msg.ID, msg.Role, msg.Author, msg.Content); err != nil {
		r.revert(msg.ID, prev, existed)
		return err
	}

	if msg.Role == domain.RoleUser {
		r.forwardUser(ctx, author, msg.Content)
	}
	return nil
}

// DeliverAssistant persists and broadcasts one assistant turn, typically
// redelivered from the webhook router. When the payload supplies its own
// message id, redelivery is harmless thanks to the store's upsert
// semantics; otherwise a fresh id is generated.
func (r *Room) DeliverAssistant(ctx context.Context, msgID, author, content string) error {
	if msgID == "" {
		msgID = uuid.NewString()
	}
	if author == "" {
		author = assistantAuthor
	}
	return r.deliver(ctx, ChatMessage{ID: msgID, Content: content, Author: author, Role: domain.RoleAssistant})
}

// forwardUser hands one user turn to the external session. Active sessions
// get the turn immediately (in the background, the room is not blocked).
// While a session is initiating the turn is queued and flushed on
// activation; with no session at all the turn is queued and initiation is
// triggered.
func (r *Room) forwardUser(ctx context.Context, userID, text string) {
	r.mu.Lock()
	switch r.sess.state {
	case sessionActive:
		ticket := r.sess.ticketID
		r.mu.Unlock()
		go r.send(ticket, text)
	case sessionInitiating:
		r.pending = append(r.pending, text)
		r.mu.Unlock()
	default:
		r.pending = append(r.pending, text)
		r.mu.Unlock()
		go r.ensureSession(context.WithoutCancel(ctx), userID)
	}
}

// ensureSession makes sure the room has an active external session, through
// the one canonical path: in-memory binding, else the durable route for
// this room, else a fresh initiate. Concurrent callers collapse onto a
// single initiation via the initiating state.
func (r *Room) ensureSession(ctx context.Context, userID string) {
	r.mu.Lock()
	switch r.sess.state {
	case sessionActive:
		ticket := r.sess.ticketID
		r.mu.Unlock()
		// Idempotent re-registration on every reconnect corrects any
		// prior registration loss.
		if err := r.hub.Registry.RegisterRoute(ctx, r.hub.DB, ticket, r.id); err != nil {
			r.log.Warn().Err(err).Msg("session re-registration failed")
		}
		return
	case sessionInitiating:
		r.mu.Unlock()
		return
	}
	r.sess = session{ownerUserID: userID, state: sessionInitiating, createdAt: time.Now().UTC()}
	r.mu.Unlock()

	// The external conversation may still be live even though the in-memory
	// binding is gone (process restart, room eviction). The durable route
	// for this room is the record of that.
	ticket, err := r.hub.Registry.RouteForRoom(ctx, r.hub.DB, r.id)
	if err == nil && ticket != "" {
		if rerr := r.hub.Registry.RegisterRoute(ctx, r.hub.DB, ticket, r.id); rerr != nil {
			r.log.Warn().Err(rerr).Msg("session re-registration failed")
		}
		r.activate(ticket)
		return
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		r.log.Warn().Err(err).Msg("durable session check failed, initiating fresh")
	}

	confirmed, gerr := r.hub.Gateway.Initiate(ctx, userID, r.id)
	if gerr == nil {
		// The route must exist before the session counts as active, or a
		// fast callback could find no way home.
		if rerr := r.hub.Registry.RegisterRoute(ctx, r.hub.DB, confirmed, r.id); rerr != nil {
			gerr = rerr
		}
	}
	if gerr != nil {
		r.mu.Lock()
		r.sess = session{}
		r.pending = nil
		r.mu.Unlock()
		r.log.Warn().Err(gerr).Msg("session initiation failed")
		r.notifyAssistant(apologyText)
		return
	}
	r.activate(confirmed)
}

// activate marks the session active and flushes queued user turns in order.
func (r *Room) activate(ticket string) {
	r.mu.Lock()
	r.sess.ticketID = ticket
	r.sess.state = sessionActive
	queued := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, text := range queued {
		r.send(ticket, text)
	}
}

// send forwards one user turn to the gateway. A failure degrades to a
// synthesized assistant apology in the room; the user's message itself is
// already persisted and broadcast.
func (r *Room) send(ticket, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.hub.Gateway.Send(ctx, ticket, text); err != nil {
		r.log.Warn().Err(err).Msg("gateway send failed")
		r.notifyAssistant(apologyText)
	}
}

// closeSession implements the eager close policy: terminate the external
// conversation and drop its route. Both calls are best-effort.
func (r *Room) closeSession(ticket string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := r.hub.Gateway.Close(ctx, ticket); err != nil {
		r.log.Warn().Err(err).Msg("gateway close failed")
	}
	if err := r.hub.Registry.UnregisterRoute(ctx, r.hub.DB, ticket); err != nil {
		r.log.Warn().Err(err).Msg("route unregister failed")
	}
}

// notifyAssistant posts a locally synthesized assistant message to the
// room. Persistence failures are logged; there is nobody left to retry.
func (r *Room) notifyAssistant(content string) {
	msg := ChatMessage{ID: uuid.NewString(), Content: content, Author: assistantAuthor, Role: domain.RoleAssistant}
	if err := r.deliver(context.Background(), msg); err != nil {
		r.log.Error().Err(err).Msg("assistant notice not persisted")
	}
}

// deliver broadcasts a message to every local connection and persists it,
// rolling the cache back if the durable write fails.
func (r *Room) deliver(ctx context.Context, msg ChatMessage) error {
	r.mu.Lock()
	typ := EventAdd
	prev, existed := r.byID[msg.ID]
	if existed {
		typ = EventUpdate
	} else {
		r.order = append(r.order, msg.ID)
	}
	r.byID[msg.ID] = msg
	r.broadcastLocked(messageEvent(typ, msg), "")
	r.mu.Unlock()

	if err := r.hub.Store.UpsertMessage(ctx, r.hub.DB, r.id, msg.ID, msg.Role, msg.Author, msg.Content); err != nil {
		r.revert(msg.ID, prev, existed)
		return err
	}
	return nil
}

// broadcastLocked fans ev out to every local connection except exceptID.
// Delivery is fire-and-forget per connection: a connection that cannot
// accept the frame is silently dropped from the set without affecting the
// others. Callers must hold r.mu.
func (r *Room) broadcastLocked(ev Event, exceptID string) {
	for id, entry := range r.conns {
		if id == exceptID {
			continue
		}
		if !entry.conn.Deliver(ev) {
			delete(r.conns, id)
		}
	}
}

// replayLocked snapshots the ordered replay set. Callers must hold r.mu.
func (r *Room) replayLocked() []ChatMessage {
	out := make([]ChatMessage, 0, len(r.order))
	for _, id := range r.order {
		if m, ok := r.byID[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// revert undoes one cache write after a failed durable write, restoring
// byte consistency between memory and store.
func (r *Room) revert(id string, prev ChatMessage, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existed {
		r.byID[id] = prev
		return
	}
	delete(r.byID, id)
	for i := len(r.order) - 1; i >= 0; i-- {
		if r.order[i] == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
