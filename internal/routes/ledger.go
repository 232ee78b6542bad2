package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/kantor-pay/kantor/internal/ledger"
)

// RegisterLedgerRoutes wires wallet, exchange, history and rate endpoints.
// Mutations go through the idempotency guard when one is configured.
func RegisterLedgerRoutes(r fiber.Router, h *ledger.Handler, jwtmw, idempotent fiber.Handler) {
	r.Get("/exchange-rates", h.Rates)

	mutate := func(handler fiber.Handler) []fiber.Handler {
		if idempotent == nil {
			return []fiber.Handler{jwtmw, handler}
		}
		return []fiber.Handler{jwtmw, idempotent, handler}
	}

	r.Get("/wallet", jwtmw, h.Wallet)
	r.Post("/wallet/deposit", mutate(h.Deposit)...)
	r.Post("/exchange", mutate(h.Exchange)...)
	r.Get("/transactions", jwtmw, h.Transactions)
}
