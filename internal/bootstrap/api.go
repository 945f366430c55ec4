package bootstrap

import (
	"strings"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"

	apihttp "github.com/GPEire/Tradie-GSuite/adapter/in/http"
	"github.com/GPEire/Tradie-GSuite/config"
	"github.com/GPEire/Tradie-GSuite/infra/middleware"
	"github.com/GPEire/Tradie-GSuite/pkg/logger"
)

// NewAPI builds the fiber app with every route registered. The caller
// owns Listen and shutdown.
func NewAPI(cfg *config.Config, deps *Dependencies) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             4 * 1024 * 1024,
	})

	app.Use(middleware.Recover())
	app.Use(middleware.RequestID())
	app.Use(middleware.RequestLogger())
	app.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(cfg.AllowedOrigins, ","),
		AllowMethods: "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization,X-Request-ID",
	}))

	// Probes, no auth.
	apihttp.NewHealthHandler(deps.DB, deps.Redis).Register(app)

	// Push delivery, gated by the shared webhook token.
	webhook := apihttp.NewWebhookHandler(deps.Watch, deps.Users, deps.Cache)
	app.Use("/webhook", middleware.WebhookAuth(cfg.WebhookToken))
	webhook.Register(app)

	api := app.Group("/api/v1")
	api.Use(middleware.JWTAuth(cfg.JWTSecret))

	apihttp.NewProjectHandler(deps.Projects, deps.Mappings, deps.Events, deps.Correction).Register(api)
	apihttp.NewScanHandler(deps.Scanner, deps.Watch, deps.Users, cfg.BatchMax).Register(api)
	apihttp.NewQueueHandler(deps.Queue, deps.Projects, deps.Stream, cfg.ReviewRateAlert).Register(api)

	logger.Info("api surface initialized")
	return app
}
