// Room history HTTP handler.
//
// This file exposes the REST read side of rooms:
//   - GET /rooms/{id}/messages   (paginated replay of a room's history)
//
// Handlers are transport-thin: they validate input, call the history
// contract, and translate results into HTTP responses. The same durable
// log backs both this endpoint and the replay set sent over WebSocket, so
// the two views always agree.
package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/http/middleware"
	"github.com/tbourn/go-relay-backend/internal/utils"
)

// RoomHistory lists a room's persisted messages.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type RoomHistory interface {
	// ListPage returns one page of a room's messages in replay order,
	// plus the total count.
	ListPage(ctx context.Context, roomID string, page, pageSize int) ([]domain.Message, int64, error)
}

// RoomHandler serves room history reads.
type RoomHandler struct {
	history RoomHistory
}

// NewRoomHandler binds the handler to a history implementation.
func NewRoomHandler(history RoomHistory) *RoomHandler {
	return &RoomHandler{history: history}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListMessagesResponse wraps a page of messages and pagination information.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 200
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// ListMessages handles GET /rooms/:id/messages.
//
// An unknown room is not an error: rooms come into being on first write,
// so an empty page with total 0 is the correct answer.
func (h *RoomHandler) ListMessages(c *gin.Context) {
	roomID := strings.TrimSpace(c.Param("id"))
	if roomID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "room id is required")
		return
	}
	page, pageSize := clampPagination(c)

	items, total, err := h.history.ListPage(c.Request.Context(), roomID, page, pageSize)
	if err != nil {
		lg := middleware.LoggerFrom(c)
		lg.Error().Err(err).Str("room", roomID).Msg("history listing failed")
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list messages")
		return
	}
	if items == nil {
		items = []domain.Message{}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
