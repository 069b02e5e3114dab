// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-relay-backend/internal/config"
	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/http/handlers"
	"github.com/tbourn/go-relay-backend/internal/http/middleware"
	"github.com/tbourn/go-relay-backend/internal/repo"
	"github.com/tbourn/go-relay-backend/internal/services"
)

// storeShim adapts the repository free functions to the services.MessageStore
// interface expected by the room hub. This keeps services decoupled from the
// concrete repo package while reusing existing functions.
type storeShim struct{}

// UpsertMessage proxies repo.UpsertMessage.
func (storeShim) UpsertMessage(ctx context.Context, db *gorm.DB, roomID, msgID, role, author, content string) error {
	_, err := repo.UpsertMessage(ctx, db, roomID, msgID, role, author, content)
	return err
}

// ListMessages proxies repo.ListMessages, mapping rows to transport shapes.
func (storeShim) ListMessages(ctx context.Context, db *gorm.DB, roomID string) ([]services.ChatMessage, error) {
	rows, err := repo.ListMessages(ctx, db, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]services.ChatMessage, 0, len(rows))
	for _, m := range rows {
		out = append(out, services.ChatMessage{
			ID:      m.MsgID,
			Content: m.Content,
			Author:  m.Author,
			Role:    m.Role,
		})
	}
	return out, nil
}

// registryShim adapts the repository free functions to the
// services.SessionRegistry interface.
type registryShim struct{}

// RegisterRoute proxies repo.RegisterRoute.
func (registryShim) RegisterRoute(ctx context.Context, db *gorm.DB, ticketID, roomID string) error {
	return repo.RegisterRoute(ctx, db, ticketID, roomID)
}

// LookupRoute proxies repo.LookupRoute.
func (registryShim) LookupRoute(ctx context.Context, db *gorm.DB, ticketID string) (string, error) {
	return repo.LookupRoute(ctx, db, ticketID)
}

// RouteForRoom proxies repo.RouteForRoom.
func (registryShim) RouteForRoom(ctx context.Context, db *gorm.DB, roomID string) (string, error) {
	return repo.RouteForRoom(ctx, db, roomID)
}

// UnregisterRoute proxies repo.UnregisterRoute.
func (registryShim) UnregisterRoute(ctx context.Context, db *gorm.DB, ticketID string) error {
	return repo.UnregisterRoute(ctx, db, ticketID)
}

// historyShim implements handlers.RoomHistory over the message repository.
type historyShim struct{ db *gorm.DB }

// ListPage returns one page of a room's history plus the total count.
func (h historyShim) ListPage(ctx context.Context, roomID string, page, pageSize int) ([]domain.Message, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 50
	}
	total, err := repo.CountMessages(ctx, h.db, roomID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(ctx, h.db, roomID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), rate limiting,
// CORS and security headers, health and metrics endpoints, and then mounts
// the client stream, the inbound webhook, and the versioned REST API.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with credential scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per IP)
//  8. CORS and Security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, gw services.AgentGateway, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging; the webhook secret must never reach the logs
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"Authorization",
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Token-bucket rate limiter per IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 8) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/gateway
	hub := services.NewHub(db, storeShim{}, registryShim{}, gw, cfg.CloseOnDisconnect, log.Logger)
	whSvc := services.NewWebhookService(db, registryShim{}, hub)

	ws := handlers.NewWSHandler(hub)
	wh := handlers.NewWebhookHandler(whSvc, cfg.WebhookSecret)
	rooms := handlers.NewRoomHandler(historyShim{db: db})

	// Client stream
	r.GET("/ws/:room", ws.Serve)

	// Inbound AI callbacks
	r.POST("/hooks/agent", wh.Post)

	// Public REST API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)
	api.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		api.GET("/rooms/:id/messages", rooms.ListMessages)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
