package card

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists cards and their transactions in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresStore builds a Store backed by PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Cards returns the card repository bound to this store.
func (s *PostgresStore) Cards() CardRepository { return postgresCards{db: s.db} }

// Transactions returns the transaction repository bound to this store.
func (s *PostgresStore) Transactions() TransactionRepository {
	return postgresTransactions{db: s.db}
}

// InTx begins a read-committed transaction, or reuses the current one when
// the store is already bound.
func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if err := fn(&PostgresStore{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type postgresCards struct {
	db querier
}

const cardColumns = `id, cardholder_name, balance::text, created_at, status, version`

// Save inserts the card or updates it when the stored version still matches.
func (r postgresCards) Save(ctx context.Context, card Card) (Card, error) {
	const query = `
        INSERT INTO cards (id, cardholder_name, balance, created_at, status, version)
        VALUES ($1, $2, $3::numeric, $4, $5, $6)
        ON CONFLICT (id) DO UPDATE
            SET cardholder_name = EXCLUDED.cardholder_name,
                balance = EXCLUDED.balance,
                status = EXCLUDED.status,
                version = cards.version + 1
            WHERE cards.version = EXCLUDED.version
        RETURNING ` + cardColumns

	row := r.db.QueryRow(ctx, query,
		card.ID.UUID(), card.CardholderName, card.Balance.StringFixed(moneyScale),
		card.CreatedAt.UTC(), string(card.Status), card.Version)
	saved, err := scanCard(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Card{}, fmt.Errorf("%w: card %s changed since version %d", ErrConcurrentModification, card.ID, card.Version)
		}
		return Card{}, fmt.Errorf("save card: %w", err)
	}
	return saved, nil
}

func (r postgresCards) FindByID(ctx context.Context, id CardID) (Card, error) {
	return r.find(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id)
}

func (r postgresCards) FindByIDForUpdate(ctx context.Context, id CardID) (Card, error) {
	return r.find(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1 FOR UPDATE`, id)
}

func (r postgresCards) find(ctx context.Context, query string, id CardID) (Card, error) {
	card, err := scanCard(r.db.QueryRow(ctx, query, id.UUID()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Card{}, cardNotFound(id)
		}
		return Card{}, fmt.Errorf("load card: %w", err)
	}
	return card, nil
}

func (r postgresCards) ExistsByID(ctx context.Context, id CardID) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM cards WHERE id = $1)`, id.UUID()).Scan(&exists); err != nil {
		return false, fmt.Errorf("check card: %w", err)
	}
	return exists, nil
}

func scanCard(row pgx.Row) (Card, error) {
	var (
		c       Card
		id      uuid.UUID
		balance string
		status  string
	)
	if err := row.Scan(&id, &c.CardholderName, &balance, &c.CreatedAt, &status, &c.Version); err != nil {
		return Card{}, err
	}
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return Card{}, fmt.Errorf("parse balance %q: %w", balance, err)
	}
	c.ID = CardIDFromUUID(id)
	c.Balance = amount
	c.Status = Status(status)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

type postgresTransactions struct {
	db querier
}

const transactionColumns = `id, card_id, type, amount::text, created_at`

func (r postgresTransactions) Save(ctx context.Context, tx Transaction) (Transaction, error) {
	_, err := r.db.Exec(ctx, `INSERT INTO card_transactions (id, card_id, type, amount, created_at)
        VALUES ($1, $2, $3, $4::numeric, $5)`,
		tx.ID.UUID(), tx.CardID.UUID(), string(tx.Type), tx.Amount.StringFixed(moneyScale), tx.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Transaction{}, fmt.Errorf("insert transaction: %w", cardNotFound(tx.CardID))
		}
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

func (r postgresTransactions) FindByID(ctx context.Context, id TransactionID) (Transaction, error) {
	row := r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM card_transactions WHERE id = $1`, id.UUID())
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		return Transaction{}, fmt.Errorf("load transaction: %w", err)
	}
	return tx, nil
}

func (r postgresTransactions) FindByCardIDPage(ctx context.Context, cardID CardID, page, size int) (Page, error) {
	var total int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM card_transactions WHERE card_id = $1`, cardID.UUID()).Scan(&total); err != nil {
		return Page{}, fmt.Errorf("count transactions: %w", err)
	}

	items, err := r.list(ctx, `SELECT `+transactionColumns+` FROM card_transactions
        WHERE card_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3`, cardID.UUID(), size, int64(page)*int64(size))
	if err != nil {
		return Page{}, err
	}
	return newPage(items, page, size, total), nil
}

func (r postgresTransactions) FindByCardID(ctx context.Context, cardID CardID) ([]Transaction, error) {
	return r.list(ctx, `SELECT `+transactionColumns+` FROM card_transactions
        WHERE card_id = $1
        ORDER BY created_at DESC, id DESC`, cardID.UUID())
}

func (r postgresTransactions) CountByCardIDAndTypeBetween(ctx context.Context, cardID CardID, typ TransactionType, from, to time.Time) (int64, error) {
	const query = `
        SELECT COUNT(*) FROM card_transactions
        WHERE card_id = $1 AND type = $2 AND created_at BETWEEN $3 AND $4`
	var n int64
	if err := r.db.QueryRow(ctx, query, cardID.UUID(), string(typ), from.UTC(), to.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return n, nil
}

func (r postgresTransactions) list(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	out := []Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return out, nil
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx     Transaction
		id     uuid.UUID
		cardID uuid.UUID
		typ    string
		amount string
	)
	if err := row.Scan(&id, &cardID, &typ, &amount, &tx.CreatedAt); err != nil {
		return Transaction{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return Transaction{}, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	tx.ID = TransactionIDFromUUID(id)
	tx.CardID = CardIDFromUUID(cardID)
	tx.Type = TransactionType(typ)
	tx.Amount = value
	tx.CreatedAt = tx.CreatedAt.UTC()
	return tx, nil
}
