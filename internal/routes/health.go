package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RegisterHealthRoutes adds a readiness endpoint covering the configured backends.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		postgres, redis := "memory", "disabled"

		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if d.DB != nil {
			postgres = "ok"
			if err := d.DB.Ping(ctx); err != nil {
				postgres = err.Error()
			}
		}
		if d.Cache != nil {
			redis = "ok"
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				redis = err.Error()
			}
		}

		status := http.StatusOK
		if (d.DB != nil && postgres != "ok") || (d.Cache != nil && redis != "ok") {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    fiber.Map{"postgres": postgres, "redis": redis},
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
