package card

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a card.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusBlocked Status = "BLOCKED"
)

// TransactionType distinguishes balance debits from credits.
type TransactionType string

const (
	TransactionSpend TransactionType = "SPEND"
	TransactionTopUp TransactionType = "TOPUP"
)

// moneyScale is the number of decimal places kept on balances and amounts.
const moneyScale = 2

// Card is a prepaid balance-bearing account. Balance never drops below zero and
// Version is bumped by the store on every persisted mutation.
type Card struct {
	ID             CardID
	CardholderName string
	Balance        decimal.Decimal
	CreatedAt      time.Time
	Status         Status
	Version        int64
}

// NewCard builds an active card at version 0. It performs no I/O.
func NewCard(cardholderName string, initialBalance decimal.Decimal, now time.Time) Card {
	return Card{
		ID:             NewCardID(),
		CardholderName: cardholderName,
		Balance:        initialBalance.Round(moneyScale),
		CreatedAt:      now.UTC(),
		Status:         StatusActive,
		Version:        0,
	}
}

// Spend debits amount from the balance.
func (c *Card) Spend(amount decimal.Decimal) error {
	if !c.IsActive() {
		return ErrCardNotActive
	}
	if c.Balance.LessThan(amount) {
		return ErrInsufficientBalance
	}
	c.Balance = c.Balance.Sub(amount)
	return nil
}

// TopUp credits amount to the balance. There is no upper bound.
func (c *Card) TopUp(amount decimal.Decimal) error {
	if !c.IsActive() {
		return ErrCardNotActive
	}
	c.Balance = c.Balance.Add(amount)
	return nil
}

// Block is idempotent.
func (c *Card) Block() { c.Status = StatusBlocked }

// Activate is idempotent.
func (c *Card) Activate() { c.Status = StatusActive }

// IsActive reports whether balance changes are currently allowed.
func (c Card) IsActive() bool { return c.Status == StatusActive }

// Transaction is an immutable ledger entry for one balance change.
type Transaction struct {
	ID        TransactionID
	CardID    CardID
	Type      TransactionType
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// NewTransaction stamps a fresh identifier and creation time. Amount positivity
// is the caller's responsibility.
func NewTransaction(cardID CardID, typ TransactionType, amount decimal.Decimal, now time.Time) Transaction {
	return Transaction{
		ID:        NewTransactionID(),
		CardID:    cardID,
		Type:      typ,
		Amount:    amount,
		CreatedAt: now.UTC(),
	}
}

// Page is one slice of a card's transaction history, newest first.
type Page struct {
	Transactions  []Transaction
	Page          int
	Size          int
	TotalElements int64
	TotalPages    int
}

// First reports whether this is the first page.
func (p Page) First() bool { return p.Page == 0 }

// Last reports whether no page follows this one.
func (p Page) Last() bool { return p.Page+1 >= p.TotalPages }

func newPage(items []Transaction, page, size int, total int64) Page {
	totalPages := 0
	if size > 0 {
		totalPages = int((total + int64(size) - 1) / int64(size))
	}
	if items == nil {
		items = []Transaction{}
	}
	return Page{Transactions: items, Page: page, Size: size, TotalElements: total, TotalPages: totalPages}
}
