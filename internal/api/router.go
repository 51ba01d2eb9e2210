// Package api assembles the HTTP surface: document intake, status and the
// operator reset/redrive actions.
package api

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/legal-doc-processor/backend/internal/api/handlers"
	"github.com/legal-doc-processor/backend/internal/metrics"
	"github.com/legal-doc-processor/backend/internal/middleware/ratelimit"
	"github.com/legal-doc-processor/backend/internal/middleware/security"
	"github.com/legal-doc-processor/backend/internal/middleware/validation"
	"github.com/legal-doc-processor/backend/pkg/config"
	"github.com/legal-doc-processor/backend/pkg/logger"
)

type Deps struct {
	Intake  handlers.Submitter
	Admin   handlers.PipelineAdmin
	Pingers map[string]handlers.Pinger
}

// NewApp builds the fiber application. The returned stop function releases
// the rate limiter.
func NewApp(cfg config.ServerConfig, deps Deps) (*fiber.App, func()) {
	app := fiber.New(fiber.Config{
		ReadTimeout:           time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:          time.Duration(cfg.WriteTimeout) * time.Second,
		BodyLimit:             cfg.BodyLimit,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if cfg.Development {
		app.Use(fiberlogger.New())
	}

	origins := "*"
	if len(cfg.AllowedOrigins) > 0 {
		origins = strings.Join(cfg.AllowedOrigins, ", ")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{IsDevelopment: cfg.Development}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimitPerMinute,
		Logger:               logger.Named("ratelimit"),
	})

	app.Get("/metrics", metrics.MetricsHandler())

	health := handlers.NewHealthHandler(deps.Pingers)
	documents := handlers.NewDocumentHandler(deps.Intake, deps.Admin)

	api := app.Group("/api/v1")
	api.Get("/health", health.Health)
	api.Get("/ready", health.Ready)

	docs := api.Group("/documents",
		limiter.Middleware(),
		validation.Middleware(validation.Config{Logger: logger.Named("validation")}),
	)
	docs.Post("/", documents.SubmitDocument)
	docs.Get("/:id/status", documents.GetStatus)
	docs.Post("/:id/reset", documents.ResetDocument)
	docs.Post("/:id/redrive", documents.RedriveDocument)

	logger.Debug("Routes registered", zap.Int("handlers", int(app.HandlersCount())))
	return app, limiter.Stop
}
