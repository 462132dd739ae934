// Package store defines the persistence interface for the match engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opinix/match-engine/internal/model"
)

// Store is the persistence interface. Every state transition that touches
// more than one entity runs through RunInTx; the read methods outside the
// transaction serve queries and pre-checks only.
type Store interface {
	// RunInTx executes fn atomically: either every write staged by fn is
	// applied, or none are. Implementations provide at least snapshot
	// isolation with conflict detection; transient conflicts are retried a
	// bounded number of times and then surfaced as model.ErrBusy.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	GetEvent(ctx context.Context, id string) (*model.Event, error)
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListRestingOrders returns all OPEN/PARTIAL orders for an event,
	// both sides, in (created_at, id) order.
	ListRestingOrders(ctx context.Context, eventID string) ([]model.Order, error)

	// ListTradesByEvent returns all trades for an event in creation order.
	ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error)

	// ListLedgerByUser returns a user's ledger entries in append order.
	ListLedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error)
}

// Tx is the transactional view handed to RunInTx callbacks. Reads observe a
// consistent snapshot plus the transaction's own staged writes.
type Tx interface {
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	PutEvent(ctx context.Context, ev *model.Event) error

	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	PutAccount(ctx context.Context, acct *model.Account) error

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	PutOrder(ctx context.Context, o *model.Order) error

	// RestingOrders returns the OPEN/PARTIAL orders for one event, side,
	// and exact price, ordered by (created_at, id). This is the matching level.
	RestingOrders(ctx context.Context, eventID string, side model.Side, price decimal.Decimal) ([]*model.Order, error)

	// RestingOrdersByEvent returns all OPEN/PARTIAL orders for an event.
	RestingOrdersByEvent(ctx context.Context, eventID string) ([]*model.Order, error)

	GetTrade(ctx context.Context, id string) (*model.Trade, error)
	InsertTrade(ctx context.Context, t *model.Trade) error

	// MarkTradeSettled sets the trade's paid marker. Resolution uses it to
	// make per-trade payouts skip-safe across crashes and retries.
	MarkTradeSettled(ctx context.Context, eventID, tradeID string, at time.Time) error

	AppendLedger(ctx context.Context, e *model.LedgerEntry) error
}
