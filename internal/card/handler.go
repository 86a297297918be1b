package card

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

const (
	defaultHistoryPage = 0
	defaultHistorySize = 20
)

// Handler exposes card HTTP endpoints. Errors are returned to Fiber's error
// handler unchanged so the domain error kind survives to the response mapping.
type Handler struct {
	service *Service
}

// NewHandler builds a card HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	CardholderName string          `json:"cardholder_name"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type cardResponse struct {
	ID             string    `json:"id"`
	CardholderName string    `json:"cardholder_name"`
	Balance        string    `json:"balance"`
	CreatedAt      time.Time `json:"created_at"`
	Status         string    `json:"status"`
	Version        int64     `json:"version"`
}

type transactionResponse struct {
	ID        string    `json:"id"`
	CardID    string    `json:"card_id"`
	Type      string    `json:"type"`
	Amount    string    `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}

type pageResponse struct {
	Transactions  []transactionResponse `json:"transactions"`
	Page          int                   `json:"page"`
	Size          int                   `json:"size"`
	TotalElements int64                 `json:"total_elements"`
	TotalPages    int                   `json:"total_pages"`
	First         bool                  `json:"first"`
	Last          bool                  `json:"last"`
}

func toCardResponse(c Card) cardResponse {
	return cardResponse{
		ID:             c.ID.String(),
		CardholderName: c.CardholderName,
		Balance:        c.Balance.StringFixed(moneyScale),
		CreatedAt:      c.CreatedAt,
		Status:         string(c.Status),
		Version:        c.Version,
	}
}

func toTransactionResponse(t Transaction) transactionResponse {
	return transactionResponse{
		ID:        t.ID.String(),
		CardID:    t.CardID.String(),
		Type:      string(t.Type),
		Amount:    t.Amount.StringFixed(moneyScale),
		CreatedAt: t.CreatedAt,
	}
}

// Create issues a new card.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	if err := ValidateCreate(req.CardholderName, req.InitialBalance); err != nil {
		return err
	}
	card, err := h.service.CreateCard(c.UserContext(), req.CardholderName, req.InitialBalance)
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(toCardResponse(card))
}

// Spend debits the card.
func (h *Handler) Spend(c *fiber.Ctx) error {
	id, amount, err := h.amountCommand(c)
	if err != nil {
		return err
	}
	card, err := h.service.SpendFromCard(c.UserContext(), id, amount)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toCardResponse(card))
}

// TopUp credits the card.
func (h *Handler) TopUp(c *fiber.Ctx) error {
	id, amount, err := h.amountCommand(c)
	if err != nil {
		return err
	}
	card, err := h.service.TopUpCard(c.UserContext(), id, amount)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toCardResponse(card))
}

// Block blocks the card.
func (h *Handler) Block(c *fiber.Ctx) error {
	id, err := ParseCardID(c.Params("cardId"))
	if err != nil {
		return err
	}
	card, err := h.service.BlockCard(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toCardResponse(card))
}

// Activate re-activates the card.
func (h *Handler) Activate(c *fiber.Ctx) error {
	id, err := ParseCardID(c.Params("cardId"))
	if err != nil {
		return err
	}
	card, err := h.service.ActivateCard(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toCardResponse(card))
}

// Get returns the card.
func (h *Handler) Get(c *fiber.Ctx) error {
	card, err := h.load(c)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toCardResponse(card))
}

// Balance returns the balance view of the card.
func (h *Handler) Balance(c *fiber.Ctx) error {
	card, err := h.load(c)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"card_id": card.ID.String(),
		"balance": card.Balance.StringFixed(moneyScale),
		"status":  string(card.Status),
	})
}

// Status returns the status view of the card.
func (h *Handler) Status(c *fiber.Ctx) error {
	card, err := h.load(c)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"card_id":         card.ID.String(),
		"status":          string(card.Status),
		"cardholder_name": card.CardholderName,
	})
}

// History returns one page of transactions, newest first.
func (h *Handler) History(c *fiber.Ctx) error {
	id, err := ParseCardID(c.Params("cardId"))
	if err != nil {
		return err
	}
	page, size, err := ParsePage(c.Query("page"), c.Query("size"), defaultHistoryPage, defaultHistorySize)
	if err != nil {
		return err
	}

	p, err := h.service.GetTransactionHistory(c.UserContext(), id, page, size)
	if err != nil {
		return err
	}

	items := make([]transactionResponse, len(p.Transactions))
	for i, t := range p.Transactions {
		items[i] = toTransactionResponse(t)
	}
	return c.Status(http.StatusOK).JSON(pageResponse{
		Transactions:  items,
		Page:          p.Page,
		Size:          p.Size,
		TotalElements: p.TotalElements,
		TotalPages:    p.TotalPages,
		First:         p.First(),
		Last:          p.Last(),
	})
}

// Transaction returns a single transaction.
func (h *Handler) Transaction(c *fiber.Ctx) error {
	id, err := ParseTransactionID(c.Params("transactionId"))
	if err != nil {
		return err
	}
	tx, err := h.service.GetTransaction(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.Status(http.StatusOK).JSON(toTransactionResponse(tx))
}

func (h *Handler) load(c *fiber.Ctx) (Card, error) {
	id, err := ParseCardID(c.Params("cardId"))
	if err != nil {
		return Card{}, err
	}
	return h.service.GetCard(c.UserContext(), id)
}

func (h *Handler) amountCommand(c *fiber.Ctx) (CardID, decimal.Decimal, error) {
	id, err := ParseCardID(c.Params("cardId"))
	if err != nil {
		return CardID{}, decimal.Decimal{}, err
	}
	var req amountRequest
	if err := c.BodyParser(&req); err != nil {
		return CardID{}, decimal.Decimal{}, fiber.NewError(http.StatusBadRequest, "malformed request body")
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return CardID{}, decimal.Decimal{}, err
	}
	return id, req.Amount, nil
}
