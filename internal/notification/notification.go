package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindCardCreated is sent once a new card has been persisted.
	KindCardCreated = "card.created"
	// KindCardSpend follows a committed SPEND transaction.
	KindCardSpend = "card.spend"
	// KindCardTopUp follows a committed TOPUP transaction.
	KindCardTopUp = "card.topup"
	// KindCardBlocked follows a block command.
	KindCardBlocked = "card.blocked"
	// KindCardActivated follows an activate command.
	KindCardActivated = "card.activated"
)

// Event describes a committed card change.
type Event struct {
	Kind          string    `json:"kind"`
	CardID        string    `json:"card_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Balance       string    `json:"balance"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Notifier delivers card events to downstream systems.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// LoggerNotifier writes events to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the event to the logger.
func (n *LoggerNotifier) Send(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", event.Kind,
		"card_id", event.CardID,
		"transaction_id", event.TransactionID,
		"amount", event.Amount,
		"balance", event.Balance,
		"status", event.Status,
	)
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
