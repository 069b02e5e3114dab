// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the Session Registry: the durable
// ticket → room routing table used to deliver asynchronous webhook
// callbacks into the owning room.
//
// The registry is shared by every room and every inbound webhook. Register
// is an upsert (last-writer-wins is acceptable because a ticket belongs to
// exactly one room by construction), Lookup before any registration exists
// is a normal not-found outcome, and Unregister is used only on an explicit
// session close, never on client disconnect.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-relay-backend/internal/domain"
)

// RegisterRoute upserts the route for ticketID, pointing it at roomID.
// Re-registering the same route is safe and idempotent; rooms do it on
// every reconnect to correct any prior registration loss.
func RegisterRoute(ctx context.Context, db *gorm.DB, ticketID, roomID string) error {
	r := &domain.SessionRoute{
		TicketID:  ticketID,
		RoomID:    roomID,
		CreatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ticket_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"room_id"}),
		}).
		Create(r).Error
}

// LookupRoute resolves ticketID to its owning room id. It returns
// ErrNotFound when no route exists, which is a normal outcome before the
// first registration (e.g. at startup).
func LookupRoute(ctx context.Context, db *gorm.DB, ticketID string) (string, error) {
	var r domain.SessionRoute
	err := db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		First(&r).Error
	if err != nil {
		return "", err
	}
	return r.RoomID, nil
}

// RouteForRoom returns the ticket registered for roomID, or ErrNotFound.
// This is the durable half of the session reuse check on reconnect.
func RouteForRoom(ctx context.Context, db *gorm.DB, roomID string) (string, error) {
	var r domain.SessionRoute
	err := db.WithContext(ctx).
		Where("room_id = ?", roomID).
		First(&r).Error
	if err != nil {
		return "", err
	}
	return r.TicketID, nil
}

// UnregisterRoute removes the route for ticketID. Missing routes are not an
// error; the operation is best-effort and used only on explicit close.
func UnregisterRoute(ctx context.Context, db *gorm.DB, ticketID string) error {
	err := db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Delete(&domain.SessionRoute{}).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}
