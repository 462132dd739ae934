package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"github.com/opinix/match-engine/internal/model"
)

// bookItem is one resting order's position in the in-memory book index,
// ordered by (event, side, price, created_at, id).
type bookItem struct {
	eventID   string
	side      model.Side
	priceTick int64 // price in half-rupee ticks
	createdAt time.Time
	orderID   string
}

func itemLess(a, b bookItem) bool {
	if a.eventID != b.eventID {
		return a.eventID < b.eventID
	}
	if a.side != b.side {
		return a.side < b.side
	}
	if a.priceTick != b.priceTick {
		return a.priceTick < b.priceTick
	}
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.orderID < b.orderID
}

func priceTick(p decimal.Decimal) int64 {
	return p.Mul(decimal.NewFromInt(2)).IntPart()
}

// MemoryStore implements Store with in-memory maps and a B-tree resting-order
// index. Used for testing and development. Transactions stage writes and
// commit only when the callback succeeds; the store mutex is held for the
// whole transaction, so concurrent transactions are serialized.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	orders   map[string]*model.Order
	events   map[string]*model.Event
	trades   map[string]*model.Trade
	tradeSeq []string // trade IDs in insertion order
	ledger   []model.LedgerEntry

	book  *btree.BTreeG[bookItem]
	index map[string]bookItem // order ID → current book item
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	const degree = 32
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		orders:   make(map[string]*model.Order),
		events:   make(map[string]*model.Event),
		trades:   make(map[string]*model.Trade),
		book:     btree.NewG[bookItem](degree, itemLess),
		index:    make(map[string]bookItem),
	}
}

// RunInTx serializes all writers behind the store mutex, so the callback
// sees a stable snapshot. Writes are staged and applied only on success.
func (s *MemoryStore) RunInTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		accounts: make(map[string]*model.Account),
		orders:   make(map[string]*model.Order),
		events:   make(map[string]*model.Event),
		trades:   make(map[string]*model.Trade),
	}

	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListRestingOrders(_ context.Context, eventID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	s.book.AscendGreaterOrEqual(bookItem{eventID: eventID}, func(it bookItem) bool {
		if it.eventID != eventID {
			return false
		}
		if o, ok := s.orders[it.orderID]; ok && o.Status.Resting() {
			out = append(out, *o)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListTradesByEvent(_ context.Context, eventID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, id := range s.tradeSeq {
		if t := s.trades[id]; t.EventID == eventID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLedgerByUser(_ context.Context, userID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

// memTx stages writes on top of the store's current state. The store mutex
// is already held by RunInTx.
type memTx struct {
	s        *MemoryStore
	accounts map[string]*model.Account
	orders   map[string]*model.Order
	events   map[string]*model.Event
	trades   map[string]*model.Trade
	tradeSeq []string
	ledger   []model.LedgerEntry
}

func (tx *memTx) GetEvent(_ context.Context, id string) (*model.Event, error) {
	if ev, ok := tx.events[id]; ok {
		cp := *ev
		return &cp, nil
	}
	ev, ok := tx.s.events[id]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, model.ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (tx *memTx) PutEvent(_ context.Context, ev *model.Event) error {
	cp := *ev
	tx.events[ev.ID] = &cp
	return nil
}

func (tx *memTx) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	if a, ok := tx.accounts[userID]; ok {
		cp := *a
		return &cp, nil
	}
	a, ok := tx.s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (tx *memTx) PutAccount(_ context.Context, acct *model.Account) error {
	cp := *acct
	tx.accounts[acct.UserID] = &cp
	return nil
}

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (tx *memTx) PutOrder(_ context.Context, o *model.Order) error {
	cp := *o
	tx.orders[o.ID] = &cp
	return nil
}

func (tx *memTx) RestingOrders(_ context.Context, eventID string, side model.Side, price decimal.Decimal) ([]*model.Order, error) {
	tick := priceTick(price)
	var out []*model.Order

	pivot := bookItem{eventID: eventID, side: side, priceTick: tick}
	tx.s.book.AscendGreaterOrEqual(pivot, func(it bookItem) bool {
		if it.eventID != eventID || it.side != side || it.priceTick != tick {
			return false
		}
		o := tx.s.orders[it.orderID]
		if staged, ok := tx.orders[it.orderID]; ok {
			o = staged
		}
		if o != nil && o.Status.Resting() && o.QuantityRemaining > 0 {
			cp := *o
			out = append(out, &cp)
		}
		return true
	})

	// Orders created earlier in this transaction are not indexed yet.
	for id, o := range tx.orders {
		if _, indexed := tx.s.index[id]; indexed {
			continue
		}
		if o.EventID == eventID && o.Side == side && o.Price.Equal(price) &&
			o.Status.Resting() && o.QuantityRemaining > 0 {
			cp := *o
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (tx *memTx) RestingOrdersByEvent(_ context.Context, eventID string) ([]*model.Order, error) {
	var out []*model.Order
	tx.s.book.AscendGreaterOrEqual(bookItem{eventID: eventID}, func(it bookItem) bool {
		if it.eventID != eventID {
			return false
		}
		o := tx.s.orders[it.orderID]
		if staged, ok := tx.orders[it.orderID]; ok {
			o = staged
		}
		if o != nil && o.Status.Resting() && o.QuantityRemaining > 0 {
			cp := *o
			out = append(out, &cp)
		}
		return true
	})
	return out, nil
}

func (tx *memTx) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	if t, ok := tx.trades[id]; ok {
		cp := *t
		return &cp, nil
	}
	t, ok := tx.s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %s: %w", id, model.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	cp := *t
	tx.trades[t.ID] = &cp
	tx.tradeSeq = append(tx.tradeSeq, t.ID)
	return nil
}

func (tx *memTx) MarkTradeSettled(ctx context.Context, _ string, tradeID string, at time.Time) error {
	t, err := tx.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	t.Settled = true
	t.SettledAt = &at
	tx.trades[tradeID] = t
	return nil
}

func (tx *memTx) AppendLedger(_ context.Context, e *model.LedgerEntry) error {
	tx.ledger = append(tx.ledger, *e)
	return nil
}

// commit applies all staged writes and keeps the book index consistent with
// the orders map. Called with the store mutex held.
func (tx *memTx) commit() {
	s := tx.s

	for id, a := range tx.accounts {
		s.accounts[id] = a
	}
	for id, ev := range tx.events {
		s.events[id] = ev
	}
	for id, o := range tx.orders {
		if old, ok := s.index[id]; ok {
			s.book.Delete(old)
			delete(s.index, id)
		}
		s.orders[id] = o
		if o.Status.Resting() && o.QuantityRemaining > 0 {
			it := bookItem{
				eventID:   o.EventID,
				side:      o.Side,
				priceTick: priceTick(o.Price),
				createdAt: o.CreatedAt,
				orderID:   o.ID,
			}
			s.book.ReplaceOrInsert(it)
			s.index[id] = it
		}
	}
	for _, id := range tx.tradeSeq {
		if _, exists := s.trades[id]; !exists {
			s.tradeSeq = append(s.tradeSeq, id)
		}
	}
	for id, t := range tx.trades {
		s.trades[id] = t
	}
	s.ledger = append(s.ledger, tx.ledger...)
}
