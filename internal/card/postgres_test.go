package card

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/cardledger/internal/infra"
	"github.com/congo-pay/cardledger/internal/logging"
)

// newPostgresStore connects to CARDLEDGER_TEST_DATABASE_URL and skips when it
// is not set.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("CARDLEDGER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CARDLEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := infra.NewPostgresPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, infra.Migrate(ctx, pool))
	return NewPostgresStore(pool)
}

func TestPostgresStoreSaveAndVersioning(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)

	c, err := store.Cards().Save(ctx, NewCard("Pg", dec("12.30"), time.Now()))
	require.NoError(t, err)
	assert.Equal(t, int64(0), c.Version)

	loaded, err := store.Cards().FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, loaded.Balance.Equal(dec("12.30")))
	assert.Equal(t, StatusActive, loaded.Status)

	loaded.Block()
	updated, err := store.Cards().Save(ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	_, err = store.Cards().Save(ctx, loaded)
	assert.ErrorIs(t, err, ErrConcurrentModification)

	_, err = store.Cards().FindByID(ctx, NewCardID())
	assert.ErrorIs(t, err, ErrCardNotFound)

	_, err = store.Transactions().Save(ctx, NewTransaction(NewCardID(), TransactionTopUp, dec("1"), time.Now()))
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestPostgresStoreRollback(t *testing.T) {
	ctx := context.Background()
	store := newPostgresStore(t)
	c, err := store.Cards().Save(ctx, NewCard("Pg", dec("5"), time.Now()))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.InTx(ctx, func(st Store) error {
		locked, err := st.Cards().FindByIDForUpdate(ctx, c.ID)
		if err != nil {
			return err
		}
		if err := locked.Spend(dec("5")); err != nil {
			return err
		}
		if _, err := st.Cards().Save(ctx, locked); err != nil {
			return err
		}
		if _, err := st.Transactions().Save(ctx, NewTransaction(c.ID, TransactionSpend, dec("5"), time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := store.Cards().FindByID(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(dec("5")))
	txs, err := store.Transactions().FindByCardID(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestPostgresServiceConcurrentSpends(t *testing.T) {
	ctx := context.Background()
	svc := NewService(newPostgresStore(t), logging.Discard(), WithSpendLimit(100, time.Minute))
	c, err := svc.CreateCard(ctx, "Pg", dec("10.00"))
	require.NoError(t, err)

	const workers = 20
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.SpendFromCard(ctx, c.ID, dec("1.00"))
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	final, err := svc.GetCard(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, final.Balance.IsZero())

	page, err := svc.GetTransactionHistory(ctx, c.ID, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(11), page.TotalElements)
	assert.Equal(t, 3, page.TotalPages)
}
