package card

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	tx  Transaction
	seq uint64
}

type memoryStore struct {
	mu     sync.RWMutex
	cards  map[CardID]Card
	txs    map[TransactionID]memoryEntry
	byCard map[CardID][]TransactionID
	seq    uint64

	locksMu sync.Mutex
	locks   map[CardID]chan struct{}
}

// NewMemoryStore builds a concurrency-safe in-memory Store. Card locks taken
// inside InTx are exclusive per card and readers only observe committed state.
func NewMemoryStore() Store {
	return &memoryStore{
		cards:  make(map[CardID]Card),
		txs:    make(map[TransactionID]memoryEntry),
		byCard: make(map[CardID][]TransactionID),
		locks:  make(map[CardID]chan struct{}),
	}
}

func (s *memoryStore) Cards() CardRepository               { return memoryCards{store: s} }
func (s *memoryStore) Transactions() TransactionRepository { return memoryTransactions{store: s} }

func (s *memoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	tx := &memoryTx{
		base:  s,
		cards: make(map[CardID]stagedCard),
		held:  make(map[CardID]chan struct{}),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *memoryStore) lockFor(id CardID) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

// checkVersion validates a pending write against committed state. Callers hold s.mu.
func (s *memoryStore) checkVersion(card Card, insert bool, expect int64) error {
	current, exists := s.cards[card.ID]
	if insert {
		if exists {
			return fmt.Errorf("%w: card %s already exists", ErrConcurrentModification, card.ID)
		}
		return nil
	}
	if !exists {
		return cardNotFound(card.ID)
	}
	if current.Version != expect {
		return fmt.Errorf("%w: card %s at version %d, expected %d", ErrConcurrentModification, card.ID, current.Version, expect)
	}
	return nil
}

func (s *memoryStore) appendTransaction(tx Transaction) {
	s.seq++
	s.txs[tx.ID] = memoryEntry{tx: tx, seq: s.seq}
	s.byCard[tx.CardID] = append(s.byCard[tx.CardID], tx.ID)
}

func (s *memoryStore) committedEntries(cardID CardID) []memoryEntry {
	ids := s.byCard[cardID]
	out := make([]memoryEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.txs[id])
	}
	return out
}

type memoryCards struct {
	store *memoryStore
}

func (r memoryCards) Save(_ context.Context, card Card) (Card, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	current, exists := r.store.cards[card.ID]
	if exists {
		if err := r.store.checkVersion(card, false, card.Version); err != nil {
			return Card{}, err
		}
		card.Version = current.Version + 1
	}
	r.store.cards[card.ID] = card
	return card, nil
}

func (r memoryCards) FindByID(_ context.Context, id CardID) (Card, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	card, ok := r.store.cards[id]
	if !ok {
		return Card{}, cardNotFound(id)
	}
	return card, nil
}

// FindByIDForUpdate outside InTx has no transaction to hold the lock for, so
// it degrades to a plain read the same way an autocommit SELECT FOR UPDATE does.
func (r memoryCards) FindByIDForUpdate(ctx context.Context, id CardID) (Card, error) {
	return r.FindByID(ctx, id)
}

func (r memoryCards) ExistsByID(_ context.Context, id CardID) (bool, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	_, ok := r.store.cards[id]
	return ok, nil
}

type memoryTransactions struct {
	store *memoryStore
}

func (r memoryTransactions) Save(_ context.Context, tx Transaction) (Transaction, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.cards[tx.CardID]; !ok {
		return Transaction{}, fmt.Errorf("insert transaction: %w", cardNotFound(tx.CardID))
	}
	r.store.appendTransaction(tx)
	return tx, nil
}

func (r memoryTransactions) FindByID(_ context.Context, id TransactionID) (Transaction, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	entry, ok := r.store.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return entry.tx, nil
}

func (r memoryTransactions) FindByCardIDPage(_ context.Context, cardID CardID, page, size int) (Page, error) {
	r.store.mu.RLock()
	entries := r.store.committedEntries(cardID)
	r.store.mu.RUnlock()
	return pageOf(entries, page, size), nil
}

func (r memoryTransactions) FindByCardID(_ context.Context, cardID CardID) ([]Transaction, error) {
	r.store.mu.RLock()
	entries := r.store.committedEntries(cardID)
	r.store.mu.RUnlock()
	return sortedTransactions(entries), nil
}

func (r memoryTransactions) CountByCardIDAndTypeBetween(_ context.Context, cardID CardID, typ TransactionType, from, to time.Time) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return countBetween(r.store.committedEntries(cardID), typ, from, to), nil
}

type stagedCard struct {
	card   Card
	insert bool
	expect int64
}

// memoryTx buffers writes until commit and holds the card locks it acquired.
type memoryTx struct {
	base  *memoryStore
	cards map[CardID]stagedCard
	txs   []Transaction
	held  map[CardID]chan struct{}
}

func (t *memoryTx) Cards() CardRepository               { return txCards{t: t} }
func (t *memoryTx) Transactions() TransactionRepository { return txTransactions{t: t} }

func (t *memoryTx) InTx(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func (t *memoryTx) acquire(ctx context.Context, id CardID) error {
	if _, ok := t.held[id]; ok {
		return nil
	}
	ch := t.base.lockFor(id)
	select {
	case ch <- struct{}{}:
		t.held[id] = ch
		return nil
	case <-ctx.Done():
		return fmt.Errorf("lock card %s: %w", id, ctx.Err())
	}
}

func (t *memoryTx) release() {
	for id, ch := range t.held {
		<-ch
		delete(t.held, id)
	}
}

func (t *memoryTx) lookup(id CardID) (Card, bool) {
	if staged, ok := t.cards[id]; ok {
		return staged.card, true
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	card, ok := t.base.cards[id]
	return card, ok
}

func (t *memoryTx) commit() error {
	t.base.mu.Lock()
	defer t.base.mu.Unlock()

	for _, staged := range t.cards {
		if err := t.base.checkVersion(staged.card, staged.insert, staged.expect); err != nil {
			return err
		}
	}
	for id, staged := range t.cards {
		t.base.cards[id] = staged.card
	}
	for _, tx := range t.txs {
		t.base.appendTransaction(tx)
	}
	return nil
}

type txCards struct {
	t *memoryTx
}

func (r txCards) Save(_ context.Context, card Card) (Card, error) {
	current, exists := r.t.lookup(card.ID)
	staged, restaged := r.t.cards[card.ID]

	switch {
	case !exists:
		staged = stagedCard{insert: true}
	case current.Version != card.Version:
		return Card{}, fmt.Errorf("%w: card %s at version %d, expected %d", ErrConcurrentModification, card.ID, current.Version, card.Version)
	default:
		if !restaged {
			staged = stagedCard{expect: current.Version}
		}
		card.Version = current.Version + 1
	}
	staged.card = card
	r.t.cards[card.ID] = staged
	return card, nil
}

func (r txCards) FindByID(_ context.Context, id CardID) (Card, error) {
	card, ok := r.t.lookup(id)
	if !ok {
		return Card{}, cardNotFound(id)
	}
	return card, nil
}

func (r txCards) FindByIDForUpdate(ctx context.Context, id CardID) (Card, error) {
	if err := r.t.acquire(ctx, id); err != nil {
		return Card{}, err
	}
	return r.FindByID(ctx, id)
}

func (r txCards) ExistsByID(_ context.Context, id CardID) (bool, error) {
	_, ok := r.t.lookup(id)
	return ok, nil
}

type txTransactions struct {
	t *memoryTx
}

func (r txTransactions) Save(_ context.Context, tx Transaction) (Transaction, error) {
	if _, ok := r.t.lookup(tx.CardID); !ok {
		return Transaction{}, fmt.Errorf("insert transaction: %w", cardNotFound(tx.CardID))
	}
	r.t.txs = append(r.t.txs, tx)
	return tx, nil
}

func (r txTransactions) FindByID(ctx context.Context, id TransactionID) (Transaction, error) {
	for _, tx := range r.t.txs {
		if tx.ID == id {
			return tx, nil
		}
	}
	return memoryTransactions{store: r.t.base}.FindByID(ctx, id)
}

func (r txTransactions) entries(cardID CardID) []memoryEntry {
	r.t.base.mu.RLock()
	entries := r.t.base.committedEntries(cardID)
	next := r.t.base.seq
	r.t.base.mu.RUnlock()

	for _, tx := range r.t.txs {
		if tx.CardID == cardID {
			next++
			entries = append(entries, memoryEntry{tx: tx, seq: next})
		}
	}
	return entries
}

func (r txTransactions) FindByCardIDPage(_ context.Context, cardID CardID, page, size int) (Page, error) {
	return pageOf(r.entries(cardID), page, size), nil
}

func (r txTransactions) FindByCardID(_ context.Context, cardID CardID) ([]Transaction, error) {
	return sortedTransactions(r.entries(cardID)), nil
}

func (r txTransactions) CountByCardIDAndTypeBetween(_ context.Context, cardID CardID, typ TransactionType, from, to time.Time) (int64, error) {
	return countBetween(r.entries(cardID), typ, from, to), nil
}

func sortedTransactions(entries []memoryEntry) []Transaction {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.tx.CreatedAt.Equal(b.tx.CreatedAt) {
			return a.tx.CreatedAt.After(b.tx.CreatedAt)
		}
		return a.seq > b.seq
	})
	out := make([]Transaction, len(entries))
	for i, e := range entries {
		out[i] = e.tx
	}
	return out
}

func pageOf(entries []memoryEntry, page, size int) Page {
	all := sortedTransactions(entries)
	total := int64(len(all))
	if size <= 0 || page < 0 || page > len(all)/size {
		return newPage(nil, page, size, total)
	}
	start := page * size
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return newPage(append([]Transaction(nil), all[start:end]...), page, size, total)
}

func countBetween(entries []memoryEntry, typ TransactionType, from, to time.Time) int64 {
	var n int64
	for _, e := range entries {
		if e.tx.Type != typ {
			continue
		}
		if e.tx.CreatedAt.Before(from) || e.tx.CreatedAt.After(to) {
			continue
		}
		n++
	}
	return n
}
