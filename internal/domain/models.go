// Package domain defines the persistence models for room messages and
// external-session routes. These types are mapped with GORM and form the
// durable data layer of the relay.
package domain

import (
	"time"
)

// Message roles. Assistant messages originate either from the external AI
// responder (via webhook) or are synthesized locally when that responder
// is unavailable.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is the durable copy of one chat message inside a room.
//
// Messages are addressed by (RoomID, MsgID): MsgID is the client-supplied
// identifier, unique within its room, and writes are upserts keyed by that
// pair. Seq is a database-assigned sequence preserving first-write order,
// which is the replay order sent to newly connected clients. An update to
// an existing MsgID rewrites content in place and does not move the message
// in replay order.
//
// Fields:
//   - Seq: auto-increment primary key; stable insertion order.
//   - RoomID: owning room identifier (unique together with MsgID).
//   - MsgID: message identifier, unique within the room.
//   - Role: "user" or "assistant" (enforced by DB constraint).
//   - Author: display label of the author.
//   - Content: full text content of the message.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Message struct {
	Seq       int64     `json:"-"          gorm:"primaryKey;autoIncrement"`
	RoomID    string    `json:"room_id"    gorm:"type:varchar(64);not null;uniqueIndex:ux_room_msg,priority:1"`
	MsgID     string    `json:"id"         gorm:"type:varchar(64);not null;uniqueIndex:ux_room_msg,priority:2"`
	Role      string    `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant')"`
	Author    string    `json:"author"     gorm:"type:varchar(64);not null"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// SessionRoute maps an external-session ticket back to its owning room.
//
// The route is what makes asynchronous webhook delivery possible after a
// room has been evicted from memory: the external AI service only knows the
// opaque ticket, and this table is the single authoritative ticket → room
// mapping. Routes outlive any individual connection; they are removed only
// on an explicit session close, never on client disconnect.
//
// Fields:
//   - TicketID: the externally visible correlation key (primary key). By
//     construction it equals the room id, but nothing below the Room Session
//     layer relies on that.
//   - RoomID: identifier of the owning room (indexed).
//   - CreatedAt: timestamp managed by GORM.
type SessionRoute struct {
	TicketID  string    `json:"ticket_id"  gorm:"type:varchar(64);primaryKey"`
	RoomID    string    `json:"room_id"    gorm:"type:varchar(64);not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for SessionRoute.
func (SessionRoute) TableName() string { return "session_routes" }
