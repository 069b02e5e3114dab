// Package services – WebhookService
//
// This file implements the stateless front door for asynchronous callbacks
// from the external AI responder. The only thing a callback shares with the
// room it belongs to is the opaque correlation ticket, so routing is a
// lookup in the durable Session Registry followed by a redelivery into the
// resolved Room Session. The service itself keeps no state; it survives
// process restarts because the registry does.
//
// Observability: Route is OpenTelemetry-instrumented; spans carry the
// ticket and resolved room identifiers.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-relay-backend/internal/repo"
)

// InboundPayload is the body of one webhook callback. Content may be a
// plain JSON string or an ordered list of typed blocks; see
// InboundMessage.Text.
type InboundPayload struct {
	TicketID string         `json:"ticket_id"`
	Message  InboundMessage `json:"message"`
}

// InboundMessage is the message object inside a callback. ID and Author are
// optional; when ID is present, redelivery of the same callback overwrites
// in place instead of duplicating.
type InboundMessage struct {
	ID      string          `json:"id"`
	Author  string          `json:"author"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one element of a block-list content value. Only blocks
// of type "text" carry relayable content.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Text extracts the human-readable text of the message. A plain string is
// returned as-is; a block list yields the text-typed blocks concatenated in
// order, joined by single spaces. The second return is false when no text
// can be extracted.
func (m InboundMessage) Text() (string, bool) {
	if len(m.Content) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}

	var blocks []contentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return "", false
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != "text" {
			continue
		}
		if t := strings.TrimSpace(b.Text); t != "" {
			parts = append(parts, t)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, " "), true
}

// RoomResolver hands out the live Room Session for a room id. Satisfied by
// *Hub; abstracted so the service can be tested with fakes.
type RoomResolver interface {
	Room(ctx context.Context, roomID string) (*Room, error)
}

// WebhookService routes authenticated callbacks into their owning rooms.
type WebhookService struct {
	DB       *gorm.DB
	Registry SessionRegistry
	Rooms    RoomResolver
}

// NewWebhookService constructs a WebhookService over the shared registry
// and the room hub.
func NewWebhookService(db *gorm.DB, registry SessionRegistry, rooms RoomResolver) *WebhookService {
	return &WebhookService{DB: db, Registry: registry, Rooms: rooms}
}

// Route validates the payload, resolves the owning room through the
// Session Registry, and redelivers the assistant message into it.
//
// Error contract (mapped to HTTP at the handler):
//   - ErrInvalidPayload: missing ticket or no extractable text; no room
//     is mutated.
//   - ErrTicketUnknown: no registry entry for the ticket; no room is
//     mutated.
//   - anything else: delivery reached the room but failed durably.
func (s *WebhookService) Route(ctx context.Context, p InboundPayload) error {
	tr := otel.Tracer("services/WebhookService")
	ctx, span := tr.Start(ctx, "Route",
		trace.WithAttributes(attribute.String("ticket.id", p.TicketID)),
	)
	defer span.End()

	ticket := strings.TrimSpace(p.TicketID)
	if ticket == "" {
		return ErrInvalidPayload
	}
	text, ok := p.Message.Text()
	if !ok {
		return ErrInvalidPayload
	}

	roomID, err := s.Registry.LookupRoute(ctx, s.DB, ticket)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrTicketUnknown
		}
		return err
	}
	span.SetAttributes(attribute.String("room.id", roomID))

	room, err := s.Rooms.Room(ctx, roomID)
	if err != nil {
		return err
	}
	return room.DeliverAssistant(ctx, p.Message.ID, p.Message.Author, text)
}
