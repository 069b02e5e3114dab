// Package services – wire events
//
// This file defines the tagged frames exchanged with clients over the
// WebSocket stream. Clients send "add" and "update" frames; the server
// sends the full replay set as a single "all" frame on connect, followed
// by a "connection" acknowledgment, and then relays "add"/"update" frames
// produced by other participants and by the external assistant.
package services

// Event type tags used on the client stream.
const (
	EventAdd        = "add"
	EventUpdate     = "update"
	EventAll        = "all"
	EventConnection = "connection"
)

// ChatMessage is the transport view of one room message. The id is unique
// within the room and addresses the message for in-place updates.
type ChatMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Author  string `json:"author"`
	Role    string `json:"role"`
}

// Event is a single tagged frame on the client stream. Exactly which fields
// are populated depends on Type:
//
//   - add / update: ID, Content, Author, Role
//   - all:          Messages (the ordered replay set)
//   - connection:   Status, ConnectionID
type Event struct {
	Type         string        `json:"type"`
	ID           string        `json:"id,omitempty"`
	Content      string        `json:"content,omitempty"`
	Author       string        `json:"author,omitempty"`
	Role         string        `json:"role,omitempty"`
	Messages     []ChatMessage `json:"messages,omitempty"`
	Status       string        `json:"status,omitempty"`
	ConnectionID string        `json:"connection_id,omitempty"`
}

// messageEvent builds the add/update frame broadcast for a message.
func messageEvent(typ string, m ChatMessage) Event {
	return Event{
		Type:    typ,
		ID:      m.ID,
		Content: m.Content,
		Author:  m.Author,
		Role:    m.Role,
	}
}
