package card

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cardledger_card_operations_total",
		Help: "Card operations by outcome",
	}, []string{"operation", "outcome"})
)

func observe(operation string, err error) {
	operationsTotal.WithLabelValues(operation, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCardNotFound), errors.Is(err, ErrTransactionNotFound):
		return "not_found"
	case errors.Is(err, ErrCardNotActive), errors.Is(err, ErrInsufficientBalance):
		return "rejected"
	case errors.Is(err, ErrRateLimitExceeded):
		return "rate_limited"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	default:
		return "error"
	}
}
