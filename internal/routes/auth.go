package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kantor-pay/kantor/internal/auth"
)

// RegisterAuthRoutes wires registration, login and account endpoints.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, jwtmw, rateLimiter fiber.Handler) {
	group := r.Group("/auth")
	group.Post("/register", h.Register)
	group.Post("/login", rateLimiter, h.Login)
	group.Post("/change-password", jwtmw, h.ChangePassword)
	r.Get("/me", jwtmw, h.Me)
}
