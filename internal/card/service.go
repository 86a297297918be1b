package card

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/notification"
)

const (
	// DefaultSpendLimit is the number of spends allowed per card within one window.
	DefaultSpendLimit = 5
	// DefaultSpendWindow is the width of the sliding spend window.
	DefaultSpendWindow = time.Minute
)

// Service orchestrates card commands and queries against a Store. It keeps no
// in-process state beyond its configuration.
type Service struct {
	store       Store
	logger      *slog.Logger
	notifier    notification.Notifier
	now         func() time.Time
	spendLimit  int
	spendWindow time.Duration
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source used for creation timestamps and the
// spend window.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSpendLimit overrides the number of spends allowed per window.
func WithSpendLimit(limit int, window time.Duration) Option {
	return func(s *Service) {
		if limit > 0 {
			s.spendLimit = limit
		}
		if window > 0 {
			s.spendWindow = window
		}
	}
}

// WithNotifier sets the notifier that receives post-commit card events.
func WithNotifier(n notification.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// NewService builds a card service.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:       store,
		logger:      logger,
		notifier:    notification.Nop{},
		now:         time.Now,
		spendLimit:  DefaultSpendLimit,
		spendWindow: DefaultSpendWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateCard persists a new active card. A positive initial balance is also
// recorded as a TOPUP transaction in the same store transaction.
func (s *Service) CreateCard(ctx context.Context, cardholderName string, initialBalance decimal.Decimal) (Card, error) {
	s.logger.Info("creating card", "cardholder_name", cardholderName, "initial_balance", initialBalance.StringFixed(moneyScale))

	now := s.now()
	card := NewCard(cardholderName, initialBalance, now)
	var initial *Transaction

	err := s.store.InTx(ctx, func(st Store) error {
		saved, err := st.Cards().Save(ctx, card)
		if err != nil {
			return err
		}
		card = saved

		if card.Balance.IsPositive() {
			tx, err := st.Transactions().Save(ctx, NewTransaction(card.ID, TransactionTopUp, card.Balance, now))
			if err != nil {
				return err
			}
			initial = &tx
		}
		return nil
	})
	observe("create", err)
	if err != nil {
		return Card{}, fmt.Errorf("create card: %w", err)
	}

	s.logger.Info("card created", "card_id", card.ID.String())
	s.notify(ctx, notification.KindCardCreated, card, initial)
	return card, nil
}

// SpendFromCard debits amount from the card. The spend is rejected without
// touching the card when the card already has the maximum number of spends
// recorded within the current window.
func (s *Service) SpendFromCard(ctx context.Context, id CardID, amount decimal.Decimal) (Card, error) {
	s.logger.Info("processing spend", "card_id", id.String(), "amount", amount.String())

	// The count runs outside the card lock, so two concurrent spends can both
	// pass it and overshoot the limit by one.
	if err := s.checkSpendRate(ctx, id); err != nil {
		observe("spend", err)
		return Card{}, err
	}

	card, tx, err := s.mutate(ctx, id, func(c *Card) (*Transaction, error) {
		if err := c.Spend(amount); err != nil {
			return nil, err
		}
		t := NewTransaction(c.ID, TransactionSpend, amount, s.now())
		return &t, nil
	})
	observe("spend", err)
	if err != nil {
		s.logger.Info("spend rejected", "card_id", id.String(), "amount", amount.String(), "error", err)
		return Card{}, err
	}

	s.logger.Info("spend processed", "card_id", id.String(), "balance", card.Balance.StringFixed(moneyScale))
	s.notify(ctx, notification.KindCardSpend, card, tx)
	return card, nil
}

// TopUpCard credits amount to the card.
func (s *Service) TopUpCard(ctx context.Context, id CardID, amount decimal.Decimal) (Card, error) {
	s.logger.Info("processing top-up", "card_id", id.String(), "amount", amount.String())

	card, tx, err := s.mutate(ctx, id, func(c *Card) (*Transaction, error) {
		if err := c.TopUp(amount); err != nil {
			return nil, err
		}
		t := NewTransaction(c.ID, TransactionTopUp, amount, s.now())
		return &t, nil
	})
	observe("topup", err)
	if err != nil {
		s.logger.Info("top-up rejected", "card_id", id.String(), "amount", amount.String(), "error", err)
		return Card{}, err
	}

	s.logger.Info("top-up processed", "card_id", id.String(), "balance", card.Balance.StringFixed(moneyScale))
	s.notify(ctx, notification.KindCardTopUp, card, tx)
	return card, nil
}

// BlockCard prevents further balance changes. Blocking a blocked card is a no-op
// apart from the version bump.
func (s *Service) BlockCard(ctx context.Context, id CardID) (Card, error) {
	s.logger.Info("blocking card", "card_id", id.String())

	card, _, err := s.mutate(ctx, id, func(c *Card) (*Transaction, error) {
		c.Block()
		return nil, nil
	})
	observe("block", err)
	if err != nil {
		return Card{}, err
	}
	s.notify(ctx, notification.KindCardBlocked, card, nil)
	return card, nil
}

// ActivateCard re-enables balance changes.
func (s *Service) ActivateCard(ctx context.Context, id CardID) (Card, error) {
	s.logger.Info("activating card", "card_id", id.String())

	card, _, err := s.mutate(ctx, id, func(c *Card) (*Transaction, error) {
		c.Activate()
		return nil, nil
	})
	observe("activate", err)
	if err != nil {
		return Card{}, err
	}
	s.notify(ctx, notification.KindCardActivated, card, nil)
	return card, nil
}

// GetCard reads the committed card state without locking.
func (s *Service) GetCard(ctx context.Context, id CardID) (Card, error) {
	s.logger.Debug("fetching card", "card_id", id.String())
	card, err := s.store.Cards().FindByID(ctx, id)
	observe("get", err)
	return card, err
}

// GetTransactionHistory returns one page of the card's transactions, newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, id CardID, page, size int) (Page, error) {
	s.logger.Debug("fetching transaction history", "card_id", id.String(), "page", page, "size", size)
	if err := ValidatePage(page, size); err != nil {
		observe("history", err)
		return Page{}, err
	}
	if err := s.ensureCard(ctx, id); err != nil {
		observe("history", err)
		return Page{}, err
	}
	p, err := s.store.Transactions().FindByCardIDPage(ctx, id, page, size)
	observe("history", err)
	return p, err
}

// ListTransactions returns every transaction of the card, newest first.
func (s *Service) ListTransactions(ctx context.Context, id CardID) ([]Transaction, error) {
	s.logger.Debug("listing transactions", "card_id", id.String())
	if err := s.ensureCard(ctx, id); err != nil {
		observe("list", err)
		return nil, err
	}
	txs, err := s.store.Transactions().FindByCardID(ctx, id)
	observe("list", err)
	return txs, err
}

// GetTransaction looks up a single transaction.
func (s *Service) GetTransaction(ctx context.Context, id TransactionID) (Transaction, error) {
	s.logger.Debug("fetching transaction", "transaction_id", id.String())
	tx, err := s.store.Transactions().FindByID(ctx, id)
	observe("get_transaction", err)
	return tx, err
}

func (s *Service) ensureCard(ctx context.Context, id CardID) error {
	exists, err := s.store.Cards().ExistsByID(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return cardNotFound(id)
	}
	return nil
}

func (s *Service) checkSpendRate(ctx context.Context, id CardID) error {
	now := s.now()
	count, err := s.store.Transactions().CountByCardIDAndTypeBetween(ctx, id, TransactionSpend, now.Add(-s.spendWindow), now)
	if err != nil {
		return fmt.Errorf("count recent spends: %w", err)
	}
	if count >= int64(s.spendLimit) {
		s.logger.Warn("spend rate limit exceeded", "card_id", id.String(), "count", count, "limit", s.spendLimit)
		return fmt.Errorf("%w: maximum %d spends per %s allowed", ErrRateLimitExceeded, s.spendLimit, windowLabel(s.spendWindow))
	}
	return nil
}

// mutate runs a locked read-modify-write of one card. apply may return a
// transaction to record alongside the card update.
func (s *Service) mutate(ctx context.Context, id CardID, apply func(*Card) (*Transaction, error)) (Card, *Transaction, error) {
	var (
		card     Card
		recorded *Transaction
	)
	err := s.store.InTx(ctx, func(st Store) error {
		current, err := st.Cards().FindByIDForUpdate(ctx, id)
		if err != nil {
			return err
		}
		tx, err := apply(&current)
		if err != nil {
			return err
		}
		saved, err := st.Cards().Save(ctx, current)
		if err != nil {
			return err
		}
		if tx != nil {
			stored, err := st.Transactions().Save(ctx, *tx)
			if err != nil {
				return err
			}
			recorded = &stored
		}
		card = saved
		return nil
	})
	if err != nil {
		return Card{}, nil, err
	}
	return card, recorded, nil
}

func (s *Service) notify(ctx context.Context, kind string, card Card, tx *Transaction) {
	event := notification.Event{
		Kind:       kind,
		CardID:     card.ID.String(),
		Balance:    card.Balance.StringFixed(moneyScale),
		Status:     string(card.Status),
		OccurredAt: s.now().UTC(),
	}
	if tx != nil {
		event.TransactionID = tx.ID.String()
		event.Amount = tx.Amount.StringFixed(moneyScale)
	}
	if err := s.notifier.Send(ctx, event); err != nil {
		s.logger.Warn("notification failed", "kind", kind, "card_id", event.CardID, "error", err)
	}
}

func windowLabel(d time.Duration) string {
	if d == time.Minute {
		return "minute"
	}
	return d.String()
}
