package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/cardledger/internal/card"
	"github.com/congo-pay/cardledger/internal/config"
	"github.com/congo-pay/cardledger/internal/middleware"
	"github.com/congo-pay/cardledger/internal/notification"
)

// Deps aggregates shared dependencies required to wire routes. DB and Cache are
// optional in development; Store overrides the store derived from DB.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Store  card.Store
	Logger *slog.Logger
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Store == nil && d.DB == nil && !d.Cfg.IsDevelopment() {
		return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	app.Use(middleware.RequestID())
	app.Use(middleware.Metrics())
	app.Use(middleware.Audit(d.Logger))
	app.Use(recover.New())

	RegisterHealthRoutes(app, d)

	store := d.Store
	if store == nil {
		if d.DB != nil {
			store = card.NewPostgresStore(d.DB)
		} else {
			d.Logger.Warn("no database configured, using in-memory card store")
			store = card.NewMemoryStore()
		}
	}

	var notifier notification.Notifier = notification.NewLoggerNotifier(d.Logger)
	if d.Cache != nil {
		notifier = notification.Multi{notifier, notification.NewRedisNotifier(d.Cache, d.Cfg.NotifyChannel)}
	}

	cardSvc := card.NewService(store, d.Logger,
		card.WithSpendLimit(d.Cfg.SpendRateLimit, d.Cfg.SpendRateWindow),
		card.WithNotifier(notifier),
	)
	cardHandler := card.NewHandler(cardSvc)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.GetRequestID(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	RegisterCardRoutes(api, cardHandler)

	return nil
}
