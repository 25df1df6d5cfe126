// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, compression, sessions, idempotency, and rate
// limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Streams are never buffered by compression or proxies
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/treebot/docs" // registers the OpenAPI document
	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/auth"
	"github.com/tbourn/treebot/internal/config"
	"github.com/tbourn/treebot/internal/http/handlers"
	"github.com/tbourn/treebot/internal/http/middleware"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/repo"
	"github.com/tbourn/treebot/internal/secrets"
	"github.com/tbourn/treebot/internal/services"
)

// titleMaxLen caps user-supplied titles (runes).
const titleMaxLen = 120

// Services bundles the application services the router exposes.
type Services struct {
	Auth          *services.AuthService
	Credentials   *services.CredentialService
	Conversations *services.ConversationService
	Stream        *services.StreamService
	Branch        *services.BranchService
}

// NewServices builds the service graph: secrets and session tokens from
// cfg, one attachment store, and a title service that schedules its work on
// pool.
func NewServices(db *gorm.DB, cfg config.Config, dialer llm.Dialer, pool services.Scheduler, log zerolog.Logger) (*Services, error) {
	if db == nil {
		return nil, errors.New("httpapi: nil db")
	}
	if dialer == nil {
		return nil, errors.New("httpapi: nil dialer")
	}
	sealer, err := secrets.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	tokens, err := auth.NewTokens(cfg.Session.Secret, cfg.Session.TTL)
	if err != nil {
		return nil, err
	}

	store := attachments.NewStore(cfg.UploadsDir)
	creds := &services.CredentialService{DB: db, Sealer: sealer}
	titles := &services.TitleService{
		DB:      db,
		Dialer:  dialer,
		Keys:    creds,
		Pool:    pool,
		Log:     log.With().Str("component", "titles").Logger(),
		Timeout: cfg.Title.Timeout,
	}

	return &Services{
		Auth:        &services.AuthService{DB: db, Tokens: tokens},
		Credentials: creds,
		Conversations: &services.ConversationService{
			DB:          db,
			Attachments: store,
			Titles:      titles,
			Log:         log.With().Str("component", "conversations").Logger(),
			TitleMaxLen: titleMaxLen,
		},
		Stream: &services.StreamService{
			DB:          db,
			Dialer:      dialer,
			Keys:        creds,
			Attachments: store,
			Titles:      titles,
			Log:         log.With().Str("component", "stream").Logger(),
			Timeout:     cfg.StreamTimeout,
		},
		Branch: &services.BranchService{
			DB:             db,
			Dialer:         dialer,
			Keys:           creds,
			Attachments:    store,
			Log:            log.With().Str("component", "branch").Logger(),
			IdempotencyTTL: cfg.IdempotencyTTL,
		},
	}, nil
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), CORS and security
// headers, compression, health/metrics/docs endpoints, and then mounts the
// versioned API under cfg.APIBasePath.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with secret scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. CORS and Security headers
//  8. Gzip (stream responses excluded)
//
// Authenticated routes then run RequireSession, the idempotency validator
// (so replays are scoped to the caller) and the rate limiter, in that order.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, svcs *Services, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (uploads included)
	r.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderIdempotencyKey}
	exposeHeaders := []string{"X-Request-ID", "Content-Length", "ETag", handlers.HeaderReplayed}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// cors echoes allow-listed origins itself.
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    exposeHeaders,
			AllowCredentials: true, // the session cookie crosses origins
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

	// 8) Compression; SSE must reach the client unbuffered and stored files
	// are served as-is.
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{
		`/chats/[^/]+/stream$`,
		`/chats/[^/]+/attachments/`,
		`^/metrics$`,
	})))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(handlers.Deps{
		Auth:           svcs.Auth,
		Credentials:    svcs.Credentials,
		Conversations:  svcs.Conversations,
		Stream:         svcs.Stream,
		Branch:         svcs.Branch,
		SessionTTL:     cfg.Session.TTL,
		SecureCookie:   cfg.Security.SecureCookie,
		MaxUploadBytes: cfg.MaxBodyBytes,
	})

	api := groupWithPrefix(r, cfg.APIBasePath) // e.g. "/api/v1"
	{
		// Session bootstrap
		api.GET("/auth/setup", h.SetupStatus)
		api.POST("/auth/setup", h.Setup)
		api.POST("/auth/login", h.Login)
		api.POST("/auth/logout", h.Logout)

		// Catalog
		api.GET("/models", h.ListModels)
	}

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	authed := api.Group("",
		middleware.RequireSession(svcs.Auth),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, idempotencyLookup(db)),
		rl.Handler(),
	)
	{
		authed.GET("/auth/me", h.Me)

		// Settings
		authed.GET("/settings/api-keys", h.ListAPIKeys)
		authed.PUT("/settings/api-keys", h.PutAPIKeys)

		// Conversations
		authed.POST("/chats", h.CreateChat)
		authed.POST("/chats/draft", h.CreateDraft)
		authed.GET("/chats", h.ListChats)
		authed.GET("/chats/:id", h.GetChat)
		authed.DELETE("/chats/:id", h.DeleteChat)
		authed.POST("/chats/:id/finalize", h.FinalizeChat)
		authed.GET("/chats/:id/title", h.GetChatTitle)
		authed.PUT("/chats/:id/title", h.RenameChat)

		// Turns and branching
		authed.POST("/chats/:id/stream", h.StreamChat)
		authed.POST("/chats/:id/fork", h.ForkChat)
		authed.POST("/chats/:id/handoff/preview", h.HandoffPreview)
		authed.POST("/chats/:id/handoff", h.HandoffAccept)

		// Attachments
		authed.POST("/chats/:id/attachments", h.UploadAttachment)
		authed.GET("/chats/:id/attachments/:filename", h.DownloadAttachment)
	}
}

// idempotencyLookup reports whether (user, chat, op, key) already holds an
// unexpired result. Lookup failures count as "not stored".
func idempotencyLookup(db *gorm.DB) middleware.IdempotencyLookup {
	return func(ctx context.Context, userID, chatID, op, key string, now time.Time) (bool, error) {
		rec, err := repo.GetIdempotency(ctx, db, userID, chatID, op, key, now)
		if err != nil || rec == nil {
			return false, nil
		}
		return true, nil
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
