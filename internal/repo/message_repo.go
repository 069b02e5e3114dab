// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the Message Store: an idempotent
// upsert log of room messages keyed by (room id, message id).
//
// All functions accept a *gorm.DB handle, making them safe for use within
// transactions or connection-scoped operations. They follow the "thin
// repository" approach: no business logic, only CRUD persistence and query
// composition.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated. A failed write means the mutation
//     did not happen; callers must not treat it as applied.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// UpsertMessage durably writes one message. The write is keyed by
// (roomID, msgID): the first write for a key inserts, every later write for
// the same key rewrites role, author and content in place. Replay order is
// first-write order, so an update never moves the message.
func UpsertMessage(ctx context.Context, db *gorm.DB, roomID, msgID, role, author, content string) (*domain.Message, error) {
	now := time.Now().UTC()
	m := &domain.Message{
		RoomID:    roomID,
		MsgID:     msgID,
		Role:      role,
		Author:    author,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "msg_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "author", "content", "updated_at"}),
		}).
		Create(m).Error
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns the full replay set for a room, ordered by first-write
// time (Seq ASC). It returns an empty slice for an unknown room.
func ListMessages(ctx context.Context, db *gorm.DB, roomID string) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("seq ASC").
		Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, roomID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE room_id = ?", roomID).
		Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice of a room's history, ordered by
// first-write time (Seq ASC).
func ListMessagesPage(ctx context.Context, db *gorm.DB, roomID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("seq ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
