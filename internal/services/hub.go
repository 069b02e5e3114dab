// Package services – Hub
//
// The Hub owns the set of live Room actors. Rooms are created lazily on
// first use and stay resident for the process lifetime; their durable state
// lives in the Message Store and Session Registry, so an evicted or
// restarted process reconstructs a room transparently on the next
// connection or webhook delivery.
package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// MessageStore is the persistence contract for room messages: an idempotent
// upsert log keyed by (room id, message id) with stable first-write order.
type MessageStore interface {
	// UpsertMessage durably writes one message; same key overwrites in place.
	UpsertMessage(ctx context.Context, db *gorm.DB, roomID, msgID, role, author, content string) error

	// ListMessages returns a room's full replay set in first-write order.
	ListMessages(ctx context.Context, db *gorm.DB, roomID string) ([]ChatMessage, error)
}

// SessionRegistry is the durable ticket → room routing table shared by all
// rooms and by the webhook router.
type SessionRegistry interface {
	// RegisterRoute upserts the route for a ticket. Idempotent.
	RegisterRoute(ctx context.Context, db *gorm.DB, ticketID, roomID string) error

	// LookupRoute resolves a ticket to its room, or repo.ErrNotFound.
	LookupRoute(ctx context.Context, db *gorm.DB, ticketID string) (string, error)

	// RouteForRoom returns the ticket registered for a room, or repo.ErrNotFound.
	RouteForRoom(ctx context.Context, db *gorm.DB, roomID string) (string, error)

	// UnregisterRoute removes a route; used only on explicit session close.
	UnregisterRoute(ctx context.Context, db *gorm.DB, ticketID string) error
}

// AgentGateway is the outbound client for the external AI responder.
type AgentGateway interface {
	// Initiate opens a conversation session and returns the confirmed ticket.
	Initiate(ctx context.Context, userID, ticketID string) (string, error)

	// Send forwards one user turn; the answer arrives later via webhook.
	Send(ctx context.Context, ticketID, text string) error

	// Close terminates a session (eager close-on-disconnect policy only).
	Close(ctx context.Context, ticketID string) error
}

// Conn is the transport-facing side of one client connection. Deliver must
// not block: implementations enqueue into a bounded buffer and report false
// when the connection can no longer accept frames, at which point the room
// silently drops it from the local set.
type Conn interface {
	// ID returns the connection identifier assigned at upgrade time.
	ID() string

	// Deliver enqueues one frame; false means the connection is dead or full.
	Deliver(ev Event) bool
}

// Hub is the registry of live rooms. It is safe for concurrent use; all
// per-room state is owned by the Room itself.
type Hub struct {
	DB       *gorm.DB
	Store    MessageStore
	Registry SessionRegistry
	Gateway  AgentGateway

	// CloseOnDisconnect selects the eager close policy: when true, the last
	// client leaving a room closes the external session and unregisters its
	// route. The default (false) preserves the session so users can refresh
	// or reconnect and continue the same conversation.
	CloseOnDisconnect bool

	Log zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub constructs a Hub over the given persistence and gateway handles.
func NewHub(db *gorm.DB, store MessageStore, registry SessionRegistry, gw AgentGateway, closeOnDisconnect bool, log zerolog.Logger) *Hub {
	return &Hub{
		DB:                db,
		Store:             store,
		Registry:          registry,
		Gateway:           gw,
		CloseOnDisconnect: closeOnDisconnect,
		Log:               log,
		rooms:             make(map[string]*Room),
	}
}

// Room returns the live actor for roomID, creating it on first use and
// loading its replay set from the Message Store. The load happens inside
// the room's own serialization boundary, so concurrent callers racing on a
// cold room observe exactly one load.
func (h *Hub) Room(ctx context.Context, roomID string) (*Room, error) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		r = newRoom(roomID, h)
		h.rooms[roomID] = r
	}
	h.mu.Unlock()

	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return r, nil
}
