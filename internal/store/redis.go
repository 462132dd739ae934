package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/opinix/match-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: event rows, resting-order snapshots, and
// trade tapes. Transactions run against the primary; keys touched by a
// committed transaction are invalidated so the next read re-populates.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{}
	err := s.primary.RunInTx(ctx, func(tx Tx) error {
		rec.reset(tx)
		return fn(rec)
	})
	if err != nil {
		return err
	}
	if keys := rec.keys(); len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var ev model.Event
	if s.lookup(ctx, eventKey(id), &ev) {
		return &ev, nil
	}
	got, err := s.primary.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, eventKey(id), got)
	return got, nil
}

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	if s.lookup(ctx, accountKey(userID), &a) {
		return &a, nil
	}
	got, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(userID), got)
	return got, nil
}

// GetOrder is not cached: order reads outside transactions are rare and
// cancellation correctness depends on the transactional re-read anyway.
func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return s.primary.GetOrder(ctx, id)
}

func (s *CachedStore) ListRestingOrders(ctx context.Context, eventID string) ([]model.Order, error) {
	var orders []model.Order
	if s.lookup(ctx, bookKey(eventID), &orders) {
		return orders, nil
	}
	got, err := s.primary.ListRestingOrders(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, bookKey(eventID), got)
	return got, nil
}

func (s *CachedStore) ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error) {
	var trades []model.Trade
	if s.lookup(ctx, tradesKey(eventID), &trades) {
		return trades, nil
	}
	got, err := s.primary.ListTradesByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, tradesKey(eventID), got)
	return got, nil
}

func (s *CachedStore) ListLedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerByUser(ctx, userID)
}

func (s *CachedStore) lookup(ctx context.Context, key string, dest any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func eventKey(id string) string     { return fmt.Sprintf("event:%s", id) }
func accountKey(uid string) string  { return fmt.Sprintf("account:%s", uid) }
func bookKey(id string) string      { return fmt.Sprintf("book:%s", id) }
func tradesKey(id string) string    { return fmt.Sprintf("trades:%s", id) }

// recordingTx forwards every call to the primary transaction and records
// which cache keys the transaction's writes invalidate. reset is called on
// each retry attempt so only the committed attempt's keys are flushed.
type recordingTx struct {
	mu      sync.Mutex
	inner   Tx
	touched map[string]struct{}
}

func (r *recordingTx) reset(inner Tx) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inner = inner
	r.touched = make(map[string]struct{})
}

func (r *recordingTx) touch(keys ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		r.touched[k] = struct{}{}
	}
}

func (r *recordingTx) keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.touched))
	for k := range r.touched {
		out = append(out, k)
	}
	return out
}

func (r *recordingTx) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return r.inner.GetEvent(ctx, id)
}

func (r *recordingTx) PutEvent(ctx context.Context, ev *model.Event) error {
	r.touch(eventKey(ev.ID))
	return r.inner.PutEvent(ctx, ev)
}

func (r *recordingTx) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return r.inner.GetAccount(ctx, userID)
}

func (r *recordingTx) PutAccount(ctx context.Context, a *model.Account) error {
	r.touch(accountKey(a.UserID))
	return r.inner.PutAccount(ctx, a)
}

func (r *recordingTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return r.inner.GetOrder(ctx, id)
}

func (r *recordingTx) PutOrder(ctx context.Context, o *model.Order) error {
	r.touch(bookKey(o.EventID))
	return r.inner.PutOrder(ctx, o)
}

func (r *recordingTx) RestingOrders(ctx context.Context, eventID string, side model.Side, price decimal.Decimal) ([]*model.Order, error) {
	return r.inner.RestingOrders(ctx, eventID, side, price)
}

func (r *recordingTx) RestingOrdersByEvent(ctx context.Context, eventID string) ([]*model.Order, error) {
	return r.inner.RestingOrdersByEvent(ctx, eventID)
}

func (r *recordingTx) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return r.inner.GetTrade(ctx, id)
}

func (r *recordingTx) InsertTrade(ctx context.Context, t *model.Trade) error {
	r.touch(tradesKey(t.EventID))
	return r.inner.InsertTrade(ctx, t)
}

func (r *recordingTx) MarkTradeSettled(ctx context.Context, eventID, tradeID string, at time.Time) error {
	r.touch(tradesKey(eventID))
	return r.inner.MarkTradeSettled(ctx, eventID, tradeID, at)
}

func (r *recordingTx) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	return r.inner.AppendLedger(ctx, e)
}
