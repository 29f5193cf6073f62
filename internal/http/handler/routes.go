package handler

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/swagger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"datagate/docs"
	"datagate/internal/auth"
	"datagate/internal/http/middleware"
	"datagate/internal/logging"
	"datagate/internal/service"
	"datagate/internal/storage"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Spawner runs detached work whose outcome is still supervised.
type Spawner interface {
	Spawn(name string, fn func(ctx context.Context) error)
}

type Options struct {
	UploadTTL     time.Duration
	DownloadTTL   time.Duration
	Destination   string
	WebhookSecret string
}

// Gateway is the HTTP surface over the core services.
type Gateway struct {
	tokens        service.TokenService
	datasets      service.DatasetService
	notifications service.NotificationService
	transfers     service.TransferOrchestrator
	storage       storage.Storage
	spawner       Spawner
	scopes        service.ScopePolicy
	log           *zap.Logger
	opts          Options
}

type Deps struct {
	Tokens        service.TokenService
	Datasets      service.DatasetService
	Notifications service.NotificationService
	Transfers     service.TransferOrchestrator
	Storage       storage.Storage
	Spawner       Spawner
	Scopes        service.ScopePolicy
	Log           *zap.Logger
}

func NewGateway(d Deps, opts Options) *Gateway {
	if d.Scopes == nil {
		d.Scopes = service.OwnerScope
	}
	return &Gateway{
		tokens:        d.Tokens,
		datasets:      d.Datasets,
		notifications: d.Notifications,
		transfers:     d.Transfers,
		storage:       d.Storage,
		spawner:       d.Spawner,
		scopes:        d.Scopes,
		log:           logging.Component(d.Log, "gateway"),
		opts:          opts,
	}
}

// RegisterRoutes attaches every route. Token routes authenticate by the token
// in the path; dataset and notification routes require a bearer identity.
func RegisterRoutes(app *fiber.App, g *Gateway, verifier *auth.Verifier, db Pinger, gatherer prometheus.Gatherer) {
	app.Get("/health", HealthCheck(db))
	app.Get("/healthz", LivenessProbe())
	app.Get("/metrics", Metrics(gatherer))
	app.Get("/swagger/*", Swagger())

	app.Put("/uploads/:token", g.Upload)
	app.Get("/downloads/:token", g.Download)
	app.Get("/tokens/:token", g.ValidateToken)
	app.Post("/transfers/callback", g.TransferCallback)

	identity := middleware.Identity(verifier)
	app.Post("/datasets", identity, g.CreateDataset)
	app.Get("/datasets/:id", identity, g.GetDataset)
	app.Post("/datasets/:id/upload-tokens", identity, g.IssueUploadToken)
	app.Post("/datasets/:id/download-tokens", identity, g.IssueDownloadToken)
	app.Delete("/tokens/:token", identity, g.RevokeToken)
	app.Get("/notifications", identity, g.ListNotifications)
	app.Post("/notifications/:id/read", identity, g.MarkNotificationRead)
}

// HealthCheck pings the database. A nil db (memory store) is always healthy.
func HealthCheck(db Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
			}
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

func LivenessProbe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}

func Metrics(gatherer prometheus.Gatherer) fiber.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// Swagger serves the UI with the host and scheme the caller used.
func Swagger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		scheme := c.Protocol()
		if proto := c.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
		}
		docs.SwaggerInfo.Host = c.Get("Host")
		docs.SwaggerInfo.Schemes = []string{scheme}
		return swagger.HandlerDefault(c)
	}
}
