package main

import (
	"context"
	"fmt"
	"os"

	"github.com/congo-pay/cardledger/internal/card"
	"github.com/congo-pay/cardledger/internal/config"
	"github.com/congo-pay/cardledger/internal/infra"
	"github.com/congo-pay/cardledger/internal/logging"
	"github.com/congo-pay/cardledger/internal/notification"
)

func main() {
	root := newRootCmd(openPostgres, os.Stdout)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// backend is what a command needs to run: the card service and, for migrate,
// the raw schema step. close releases the connections.
type backend struct {
	service *card.Service
	migrate func(ctx context.Context) error
	close   func()
}

type opener func(ctx context.Context) (*backend, error)

func openPostgres(ctx context.Context) (*backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	logger := logging.New(cfg.LogLevel, cfg.AppEnv)
	pool, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	svc := card.NewService(card.NewPostgresStore(pool), logger,
		card.WithSpendLimit(cfg.SpendRateLimit, cfg.SpendRateWindow),
		card.WithNotifier(notification.NewLoggerNotifier(logger)),
	)
	return &backend{
		service: svc,
		migrate: func(ctx context.Context) error { return infra.Migrate(ctx, pool) },
		close:   pool.Close,
	}, nil
}
