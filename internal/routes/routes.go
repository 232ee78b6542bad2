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

	"github.com/kantor-pay/kantor/internal/auth"
	"github.com/kantor-pay/kantor/internal/config"
	"github.com/kantor-pay/kantor/internal/identity"
	"github.com/kantor-pay/kantor/internal/ledger"
	"github.com/kantor-pay/kantor/internal/middleware"
	"github.com/kantor-pay/kantor/internal/notification"
	"github.com/kantor-pay/kantor/internal/rates"
	"github.com/kantor-pay/kantor/internal/txlog"
	"github.com/kantor-pay/kantor/internal/wallet"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Logger *slog.Logger
	// RateSource overrides the NBP client, mainly for tests.
	RateSource rates.Source
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	var (
		journal txlog.Log
		wallets wallet.Store
		users   identity.Repository
	)
	if d.DB != nil {
		pgLog := txlog.NewPostgresLog(d.DB)
		journal = pgLog
		wallets = wallet.NewPostgresStore(d.DB, d.Cfg.Currencies(), pgLog)
		users = identity.NewPostgresRepository(d.DB)
	} else {
		d.Logger.Warn("no database configured, using in-memory storage")
		journal = txlog.NewMemoryLog()
		wallets = wallet.NewMemoryStore(d.Cfg.Currencies(), journal)
		users = identity.NewMemoryRepository()
	}

	source := d.RateSource
	if source == nil {
		source = rates.NewNBPSource(rates.NBPConfig{
			BaseURL:           d.Cfg.RatesBaseURL,
			Currencies:        d.Cfg.SupportedCurrencies,
			Timeout:           d.Cfg.RatesTimeout,
			RequestsPerSecond: d.Cfg.RatesRPS,
		}, d.Logger)
	}
	quotes := rates.NewCache(source, rates.CacheConfig{
		Freshness:      d.Cfg.RatesFreshness,
		MaxStaleness:   d.Cfg.RatesMaxStaleness,
		RefreshTimeout: d.Cfg.RatesTimeout,
	}, d.Logger)

	engine, err := ledger.NewEngine(ledger.Config{
		Home:         d.Cfg.HomeCurrency,
		DepositMax:   d.Cfg.DepositMax,
		RetryBackoff: d.Cfg.RatesRetryBackoff,
	}, quotes, wallets, journal, notification.NewLoggerNotifier(d.Logger), d.Logger)
	if err != nil {
		return err
	}

	identitySvc := identity.NewService(users, wallets, d.Logger)
	authSvc := auth.NewService(d.Cfg.JWTSecret, d.Cfg.TokenTTL, users)
	authHandler := auth.NewHandler(identitySvc, authSvc)
	ledgerHandler := ledger.NewHandler(engine)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	jwtmw := middleware.JWTAuth(authSvc)
	loginLimiter := middleware.LoginRateLimit(d.Cache, d.Cfg.LoginAttempts, d.Logger)
	RegisterAuthRoutes(api, authHandler, jwtmw, loginLimiter)

	var idempotent fiber.Handler
	if d.Cache != nil {
		idempotent = middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	} else {
		d.Logger.Warn("no redis configured, Idempotency-Key is not enforced")
	}
	RegisterLedgerRoutes(api, ledgerHandler, jwtmw, idempotent)

	return nil
}
