package card

import (
	"context"
	"time"
)

// CardRepository persists cards.
type CardRepository interface {
	// Save inserts or updates the card and returns the stored state, including
	// the version assigned by the store.
	Save(ctx context.Context, card Card) (Card, error)
	// FindByID returns ErrCardNotFound when the card does not exist.
	FindByID(ctx context.Context, id CardID) (Card, error)
	// FindByIDForUpdate behaves like FindByID but also takes an exclusive lock
	// on the card that is held until the enclosing InTx call returns.
	FindByIDForUpdate(ctx context.Context, id CardID) (Card, error)
	ExistsByID(ctx context.Context, id CardID) (bool, error)
}

// TransactionRepository persists ledger transactions. Listings are ordered by
// creation time, newest first.
type TransactionRepository interface {
	Save(ctx context.Context, tx Transaction) (Transaction, error)
	// FindByID returns ErrTransactionNotFound when absent.
	FindByID(ctx context.Context, id TransactionID) (Transaction, error)
	FindByCardIDPage(ctx context.Context, cardID CardID, page, size int) (Page, error)
	FindByCardID(ctx context.Context, cardID CardID) ([]Transaction, error)
	// CountByCardIDAndTypeBetween counts transactions of typ created within
	// [from, to], both bounds inclusive.
	CountByCardIDAndTypeBetween(ctx context.Context, cardID CardID, typ TransactionType, from, to time.Time) (int64, error)
}

// Store groups both repositories behind one transactional boundary.
type Store interface {
	Cards() CardRepository
	Transactions() TransactionRepository
	// InTx runs fn against a Store bound to a single store transaction. Writes
	// made through it commit together when fn returns nil and are discarded
	// otherwise. Calling InTx on an already bound Store reuses the transaction.
	InTx(ctx context.Context, fn func(Store) error) error
}
