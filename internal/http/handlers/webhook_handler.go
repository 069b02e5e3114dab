// Webhook HTTP handler.
//
// This file exposes the inbound callback endpoint used by the external AI
// responder:
//   - POST /hooks/agent
//
// The handler is transport-thin: it checks the shared-secret bearer
// credential, binds the payload, and hands routing to the webhook service,
// translating its error contract into HTTP statuses:
//
//	200 delivered | 400 malformed payload | 401 bad credential |
//	404 unknown ticket | 500 delivery reached the room but failed durably
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-relay-backend/internal/http/middleware"
	"github.com/tbourn/go-relay-backend/internal/services"
)

// WebhookRouter routes one validated callback payload into its owning room.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type WebhookRouter interface {
	// Route delivers the payload; see services.WebhookService for the
	// error contract.
	Route(ctx context.Context, p services.InboundPayload) error
}

// WebhookHandler serves the inbound callback endpoint.
type WebhookHandler struct {
	svc    WebhookRouter
	secret []byte
}

// NewWebhookHandler binds the handler to the routing service and the
// configured shared secret.
func NewWebhookHandler(svc WebhookRouter, secret string) *WebhookHandler {
	return &WebhookHandler{svc: svc, secret: []byte(secret)}
}

// WebhookResponse is the success envelope for a delivered callback.
type WebhookResponse struct {
	Status string `json:"status" example:"delivered"`
}

// Post handles POST /hooks/agent.
func (h *WebhookHandler) Post(c *gin.Context) {
	if !h.authorized(c.GetHeader("Authorization")) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid webhook credential")
		return
	}

	var p services.InboundPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "malformed payload")
		return
	}

	if err := h.svc.Route(c.Request.Context(), p); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidPayload):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "payload has no ticket or no text content")
		case errors.Is(err, services.ErrTicketUnknown):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "ticket not registered")
		default:
			lg := middleware.LoggerFrom(c)
			lg.Error().Err(err).Str("ticket_id", p.TicketID).Msg("webhook delivery failed")
			fail(c, http.StatusInternalServerError, ErrCodeDeliverFailed, "delivery failed")
		}
		return
	}

	ok(c, http.StatusOK, WebhookResponse{Status: "delivered"})
}

// authorized compares the bearer credential in constant time. An empty
// configured secret matches nothing.
func (h *WebhookHandler) authorized(header string) bool {
	const prefix = "Bearer "
	if len(h.secret) == 0 || !strings.HasPrefix(header, prefix) {
		return false
	}
	token := []byte(strings.TrimPrefix(header, prefix))
	return subtle.ConstantTimeCompare(token, h.secret) == 1
}
