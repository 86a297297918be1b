package card

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/cardledger/internal/logging"
	"github.com/congo-pay/cardledger/internal/notification"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
	err    error
}

func (r *recordingNotifier) Send(_ context.Context, e notification.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func newTestService(t *testing.T, opts ...Option) (*Service, Store, *testClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := newTestClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewService(store, logging.Discard(), opts...), store, clock
}

func history(t *testing.T, svc *Service, id CardID) []Transaction {
	t.Helper()
	txs, err := svc.ListTransactions(context.Background(), id)
	require.NoError(t, err)
	return txs
}

func TestCreateCardRecordsInitialTopUp(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	c, err := svc.CreateCard(ctx, "John Doe", dec("100.00"))
	require.NoError(t, err)
	assert.True(t, c.Balance.Equal(dec("100.00")))
	assert.Equal(t, StatusActive, c.Status)
	assert.Equal(t, int64(0), c.Version)

	txs := history(t, svc, c.ID)
	require.Len(t, txs, 1)
	assert.Equal(t, TransactionTopUp, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(dec("100.00")))
}

func TestCreateCardWithZeroBalanceRecordsNothing(t *testing.T) {
	svc, _, _ := newTestService(t)
	c, err := svc.CreateCard(context.Background(), "Zero", decimal.Zero)
	require.NoError(t, err)
	assert.Empty(t, history(t, svc, c.ID))
}

func TestSpendThenConcurrentSpendOfRemainder(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	c, err := svc.CreateCard(ctx, "John Doe", dec("100.00"))
	require.NoError(t, err)

	c, err = svc.SpendFromCard(ctx, c.ID, dec("30.00"))
	require.NoError(t, err)
	assert.True(t, c.Balance.Equal(dec("70.00")))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.SpendFromCard(ctx, c.ID, dec("70.00"))
		}(i)
	}
	wg.Wait()

	var ok, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInsufficientBalance):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)

	final, err := svc.GetCard(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, final.Balance.IsZero())

	var spends int
	for _, tx := range history(t, svc, c.ID) {
		if tx.Type == TransactionSpend {
			spends++
		}
	}
	assert.Equal(t, 2, spends)
}

func TestSpendInsufficientBalanceLeavesCardUntouched(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	c, err := svc.CreateCard(ctx, "Low", dec("10.00"))
	require.NoError(t, err)

	_, err = svc.SpendFromCard(ctx, c.ID, dec("50.00"))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	after, err := svc.GetCard(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(dec("10.00")))
	assert.Equal(t, c.Version, after.Version)
	assert.Len(t, history(t, svc, c.ID), 1)
}

func TestSpendBoundaries(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	c, err := svc.CreateCard(ctx, "Exact", dec("25.00"))
	require.NoError(t, err)
	_, err = svc.SpendFromCard(ctx, c.ID, dec("25.01"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	c, err = svc.SpendFromCard(ctx, c.ID, dec("25.00"))
	require.NoError(t, err)
	assert.True(t, c.Balance.IsZero())
}

func TestSpendRateLimit(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t)
	c, err := svc.CreateCard(ctx, "Busy", dec("1000.00"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		c, err = svc.SpendFromCard(ctx, c.ID, dec("10.00"))
		require.NoError(t, err, "spend %d", i+1)
	}
	assert.True(t, c.Balance.Equal(dec("950.00")))

	limited := operationsTotal.WithLabelValues("spend", "rate_limited")
	before := testutil.ToFloat64(limited)

	_, err = svc.SpendFromCard(ctx, c.ID, dec("10.00"))
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Contains(t, err.Error(), "maximum 5 spends per minute")
	assert.Equal(t, float64(1), testutil.ToFloat64(limited)-before)

	after, err := svc.GetCard(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(dec("950.00")))

	// Top-ups are never limited.
	_, err = svc.TopUpCard(ctx, c.ID, dec("1.00"))
	require.NoError(t, err)

	// The window is inclusive at its start, so the oldest spends still count
	// exactly one window later.
	clock.Advance(time.Minute)
	_, err = svc.SpendFromCard(ctx, c.ID, dec("10.00"))
	require.ErrorIs(t, err, ErrRateLimitExceeded)

	clock.Advance(time.Millisecond)
	_, err = svc.SpendFromCard(ctx, c.ID, dec("10.00"))
	require.NoError(t, err)
}

func TestSpendRateLimitIsPerCard(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, WithSpendLimit(1, time.Hour))
	a, err := svc.CreateCard(ctx, "A", dec("10"))
	require.NoError(t, err)
	b, err := svc.CreateCard(ctx, "B", dec("10"))
	require.NoError(t, err)

	_, err = svc.SpendFromCard(ctx, a.ID, dec("1"))
	require.NoError(t, err)
	_, err = svc.SpendFromCard(ctx, a.ID, dec("1"))
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Contains(t, err.Error(), "maximum 1 spends per 1h0m0s")

	_, err = svc.SpendFromCard(ctx, b.ID, dec("1"))
	require.NoError(t, err)
}

func TestBlockAndActivate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	c, err := svc.CreateCard(ctx, "Blocky", dec("40.00"))
	require.NoError(t, err)

	blocked, err := svc.BlockCard(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, blocked.Status)

	_, err = svc.SpendFromCard(ctx, c.ID, dec("5.00"))
	require.ErrorIs(t, err, ErrCardNotActive)
	_, err = svc.TopUpCard(ctx, c.ID, dec("5.00"))
	require.ErrorIs(t, err, ErrCardNotActive)
	assert.Len(t, history(t, svc, c.ID), 1)

	active, err := svc.ActivateCard(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, active.Status)
	assert.True(t, active.Balance.Equal(dec("40.00")))
	assert.Len(t, history(t, svc, c.ID), 1)

	spent, err := svc.SpendFromCard(ctx, c.ID, dec("5.00"))
	require.NoError(t, err)
	assert.True(t, spent.Balance.Equal(dec("35.00")))
}

func TestTransactionHistoryPaging(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t)
	c, err := svc.CreateCard(ctx, "Pager", dec("10.00"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.TopUpCard(ctx, c.ID, dec("5.00"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = svc.SpendFromCard(ctx, c.ID, dec("3.00"))
	require.NoError(t, err)

	page, err := svc.GetTransactionHistory(ctx, c.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, int64(3), page.TotalElements)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, TransactionSpend, page.Transactions[0].Type)
	assert.True(t, page.Transactions[0].Amount.Equal(dec("3.00")))
	assert.True(t, page.Transactions[1].Amount.Equal(dec("5.00")))
	assert.True(t, page.Transactions[0].CreatedAt.After(page.Transactions[1].CreatedAt))

	_, err = svc.GetTransactionHistory(ctx, NewCardID(), 0, 2)
	assert.ErrorIs(t, err, ErrCardNotFound)

	_, err = svc.GetTransactionHistory(ctx, c.ID, math.MaxInt/2+1, 2)
	assert.Equal(t, []string{"page"}, fieldsOf(t, err))
	_, err = svc.GetTransactionHistory(ctx, c.ID, 0, MaxPageSize+1)
	assert.Equal(t, []string{"size"}, fieldsOf(t, err))
}

func TestGetTransaction(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	c, err := svc.CreateCard(ctx, "T", dec("1.00"))
	require.NoError(t, err)

	tx := history(t, svc, c.ID)[0]
	got, err := svc.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.CardID)

	_, err = svc.GetTransaction(ctx, NewTransactionID())
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestOperationsOnMissingCard(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	missing := NewCardID()

	_, err := svc.GetCard(ctx, missing)
	assert.ErrorIs(t, err, ErrCardNotFound)
	_, err = svc.SpendFromCard(ctx, missing, dec("1"))
	assert.ErrorIs(t, err, ErrCardNotFound)
	_, err = svc.TopUpCard(ctx, missing, dec("1"))
	assert.ErrorIs(t, err, ErrCardNotFound)
	_, err = svc.BlockCard(ctx, missing)
	assert.ErrorIs(t, err, ErrCardNotFound)
	_, err = svc.ActivateCard(ctx, missing)
	assert.ErrorIs(t, err, ErrCardNotFound)
	_, err = svc.ListTransactions(ctx, missing)
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestBalanceEqualsInitialPlusTopUpsMinusSpends(t *testing.T) {
	ctx := context.Background()
	svc, _, clock := newTestService(t, WithSpendLimit(1000, time.Minute))
	c, err := svc.CreateCard(ctx, "Ledger", dec("20.00"))
	require.NoError(t, err)

	expected := dec("20.00")
	ops := []struct {
		spend  bool
		amount string
	}{
		{true, "5.25"}, {false, "3.10"}, {true, "100.00"}, {true, "17.85"},
		{false, "0.01"}, {true, "0.02"}, {false, "42.00"}, {true, "42.00"},
	}
	for _, op := range ops {
		clock.Advance(time.Millisecond)
		amount := dec(op.amount)
		if op.spend {
			if _, err := svc.SpendFromCard(ctx, c.ID, amount); err == nil {
				expected = expected.Sub(amount)
			} else {
				require.ErrorIs(t, err, ErrInsufficientBalance)
			}
			continue
		}
		_, err := svc.TopUpCard(ctx, c.ID, amount)
		require.NoError(t, err)
		expected = expected.Add(amount)
	}

	final, err := svc.GetCard(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, final.Balance.Equal(expected), "balance %s expected %s", final.Balance, expected)
	assert.False(t, final.Balance.IsNegative())
}

func TestNotificationsFollowCommits(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	svc, _, _ := newTestService(t, WithNotifier(notifier))

	c, err := svc.CreateCard(ctx, "N", dec("10.00"))
	require.NoError(t, err)
	_, err = svc.SpendFromCard(ctx, c.ID, dec("4.00"))
	require.NoError(t, err)
	_, err = svc.SpendFromCard(ctx, c.ID, dec("40.00"))
	require.Error(t, err)
	_, err = svc.TopUpCard(ctx, c.ID, dec("1.00"))
	require.NoError(t, err)
	_, err = svc.BlockCard(ctx, c.ID)
	require.NoError(t, err)
	_, err = svc.ActivateCard(ctx, c.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		notification.KindCardCreated,
		notification.KindCardSpend,
		notification.KindCardTopUp,
		notification.KindCardBlocked,
		notification.KindCardActivated,
	}, notifier.kinds())

	spend := notifier.events[1]
	assert.Equal(t, "4.00", spend.Amount)
	assert.Equal(t, "6.00", spend.Balance)
	assert.NotEmpty(t, spend.TransactionID)
}

func TestNotificationFailureDoesNotFailOperation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, WithNotifier(&recordingNotifier{err: errors.New("down")}))

	c, err := svc.CreateCard(ctx, "N", dec("10.00"))
	require.NoError(t, err)
	_, err = svc.SpendFromCard(ctx, c.ID, dec("1.00"))
	require.NoError(t, err)
}

// failingTxStore fails every transaction insert made inside InTx.
type failingTxStore struct {
	Store
}

type failingTransactions struct {
	TransactionRepository
}

func (failingTransactions) Save(context.Context, Transaction) (Transaction, error) {
	return Transaction{}, errors.New("disk full")
}

type failingBound struct {
	Store
}

func (f failingBound) Transactions() TransactionRepository {
	return failingTransactions{f.Store.Transactions()}
}

func (f failingTxStore) InTx(ctx context.Context, fn func(Store) error) error {
	return f.Store.InTx(ctx, func(st Store) error { return fn(failingBound{st}) })
}

func TestFailedTransactionInsertRollsBackCard(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	seed, err := inner.Cards().Save(ctx, NewCard("R", dec("10.00"), time.Now()))
	require.NoError(t, err)

	svc := NewService(failingTxStore{inner}, logging.Discard())
	_, err = svc.SpendFromCard(ctx, seed.ID, dec("4.00"))
	require.Error(t, err)

	after, err := inner.Cards().FindByID(ctx, seed.ID)
	require.NoError(t, err)
	assert.True(t, after.Balance.Equal(dec("10.00")))
	assert.Equal(t, int64(0), after.Version)
}

// gatedStore holds every spend count until all expected callers have counted.
type gatedStore struct {
	Store
	gate *sync.WaitGroup
}

type gatedTransactions struct {
	TransactionRepository
	gate *sync.WaitGroup
}

func (g gatedStore) Transactions() TransactionRepository {
	return gatedTransactions{g.Store.Transactions(), g.gate}
}

func (g gatedTransactions) CountByCardIDAndTypeBetween(ctx context.Context, id CardID, typ TransactionType, from, to time.Time) (int64, error) {
	n, err := g.TransactionRepository.CountByCardIDAndTypeBetween(ctx, id, typ, from, to)
	g.gate.Done()
	g.gate.Wait()
	return n, err
}

// The spend count runs before the card lock is taken, so two spends that
// count concurrently can both pass and exceed the limit by one.
func TestConcurrentSpendsMayOvershootRateLimitByOne(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	clock := newTestClock()
	seedSvc := NewService(inner, logging.Discard(), WithClock(clock.Now))
	c, err := seedSvc.CreateCard(ctx, "Racy", dec("100.00"))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := seedSvc.SpendFromCard(ctx, c.ID, dec("1.00"))
		require.NoError(t, err)
	}

	gate := &sync.WaitGroup{}
	gate.Add(2)
	svc := NewService(gatedStore{Store: inner, gate: gate}, logging.Discard(), WithClock(clock.Now))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.SpendFromCard(ctx, c.ID, dec("1.00"))
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	n, err := inner.Transactions().CountByCardIDAndTypeBetween(ctx, c.ID, TransactionSpend, clock.Now().Add(-time.Minute), clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	_, err = seedSvc.SpendFromCard(ctx, c.ID, dec("1.00"))
	assert.ErrorIs(t, err, ErrRateLimitExceeded)
}
