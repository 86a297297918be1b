package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/cardledger/internal/card"
)

// RegisterCardRoutes wires card and transaction endpoints.
func RegisterCardRoutes(r fiber.Router, h *card.Handler) {
	r.Post("/cards", h.Create)
	r.Get("/cards/:cardId", h.Get)
	r.Get("/cards/:cardId/balance", h.Balance)
	r.Get("/cards/:cardId/status", h.Status)
	r.Get("/cards/:cardId/transactions", h.History)
	r.Post("/cards/:cardId/spend", h.Spend)
	r.Post("/cards/:cardId/topup", h.TopUp)
	r.Put("/cards/:cardId/block", h.Block)
	r.Put("/cards/:cardId/activate", h.Activate)

	r.Get("/transactions/:transactionId", h.Transaction)
}
