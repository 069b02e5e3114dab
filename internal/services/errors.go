// Package services implements the business logic of the relay: the per-room
// session actor, the room hub, and webhook routing. This file centralizes
// common service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer;
// translation into HTTP status codes is performed at the handler layer.
package services

import "errors"

var (
	// ErrTicketUnknown indicates that a webhook ticket has no entry in the
	// session registry. The callback cannot be routed to any room.
	ErrTicketUnknown = errors.New("ticket not registered")

	// ErrInvalidPayload is returned when an inbound webhook payload carries
	// no ticket or no extractable text content.
	ErrInvalidPayload = errors.New("invalid webhook payload")

	// ErrUnknownEvent is returned when a client sends an event type other
	// than "add" or "update".
	ErrUnknownEvent = errors.New("unknown event type")

	// ErrEmptyMessage is returned when a client event carries no message id
	// or no content.
	ErrEmptyMessage = errors.New("message id and content are required")

	// ErrUnknownConnection is returned when an event references a connection
	// that is not registered with the room.
	ErrUnknownConnection = errors.New("connection not registered")
)
