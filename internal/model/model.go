// Package model defines the core domain types shared across the match engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is a YES or NO position on an event's outcome.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// OrderStatus represents the lifecycle state of an order.
// FILLED, CANCELLED, and REFUNDED are terminal.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRefunded  OrderStatus = "REFUNDED"
)

// Resting reports whether the order can still match or be cancelled.
func (s OrderStatus) Resting() bool {
	return s == OrderOpen || s == OrderPartial
}

// EventStatus represents the lifecycle state of an event.
type EventStatus string

const (
	EventOpen     EventStatus = "OPEN"
	EventClosed   EventStatus = "CLOSED"
	EventResolved EventStatus = "RESOLVED"
)

// LedgerType classifies a balance-affecting operation.
type LedgerType string

const (
	LedgerDeposit      LedgerType = "DEPOSIT"
	LedgerOrderPlace   LedgerType = "ORDER_PLACE"
	LedgerOrderFill    LedgerType = "ORDER_FILL"
	LedgerCancelRefund LedgerType = "ORDER_CANCEL_REFUND"
	LedgerPayout       LedgerType = "PAYOUT"
)

// PayoutPerShare is the fixed amount (₹10) a winning share pays at resolution.
var PayoutPerShare = decimal.NewFromInt(10)

// MinPrice and MaxPrice bound the tradable YES price range. Prices move in
// half-rupee ticks so every price has a complementary price on the book.
var (
	MinPrice = decimal.NewFromFloat(0.5)
	MaxPrice = decimal.NewFromFloat(9.5)
)

var two = decimal.NewFromInt(2)

// ValidPrice reports whether p is within [MinPrice, MaxPrice] and on a
// half-rupee tick.
func ValidPrice(p decimal.Decimal) bool {
	if p.LessThan(MinPrice) || p.GreaterThan(MaxPrice) {
		return false
	}
	return p.Mul(two).IsInteger()
}

// ComplementPrice returns the opposite-side price that sums to PayoutPerShare
// with p. Only complementary prices cross.
func ComplementPrice(p decimal.Decimal) decimal.Decimal {
	return PayoutPerShare.Sub(p)
}

// StakePerShare returns the per-share cost the given side paid in a match
// whose YES price is yesPrice: the YES side paid yesPrice, the NO side paid
// its complement. Order prices are stored side-relative; this helper is for
// trades, which store the YES price only.
func StakePerShare(side Side, yesPrice decimal.Decimal) decimal.Decimal {
	if side == SideYes {
		return yesPrice
	}
	return ComplementPrice(yesPrice)
}

// Account is a user's mutable balance. Mutated only inside store transactions
// that also append a ledger entry of equal signed amount.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Order is a YES/NO limit order. Price is the YES price for YES orders and
// the NO price for NO orders; a YES order at price P crosses a NO order at
// price 10−P and nothing else. LockedAmount equals
// StakePerShare(side, price) × QuantityRemaining while OPEN or PARTIAL.
type Order struct {
	ID                string          `json:"id" db:"id"`
	EventID           string          `json:"event_id" db:"event_id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Side              Side            `json:"side" db:"side"`
	Price             decimal.Decimal `json:"price" db:"price"`
	Quantity          int64           `json:"quantity" db:"quantity"`
	QuantityRemaining int64           `json:"quantity_remaining" db:"quantity_remaining"`
	LockedAmount      decimal.Decimal `json:"locked_amount" db:"locked_amount"`
	Status            OrderStatus     `json:"status" db:"status"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// StakePerShare returns the per-share cost locked for this order. Price is
// stored side-relative, so the stake is the price itself for either side.
func (o *Order) StakePerShare() decimal.Decimal {
	return o.Price
}

// Trade is one atomic match between a YES holder and a NO holder. Price is
// the YES price; the NO side's stake was (10 − Price) × Quantity. Immutable
// once created, except for the resolution-time settled marker.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	EventID   string          `json:"event_id" db:"event_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Quantity  int64           `json:"quantity" db:"quantity"`
	YesUserID string          `json:"yes_user_id" db:"yes_user_id"`
	NoUserID  string          `json:"no_user_id" db:"no_user_id"`
	Settled   bool            `json:"settled" db:"settled"`
	SettledAt *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Escrow returns the total stake held by the platform for this trade until
// resolution: PayoutPerShare × Quantity.
func (t *Trade) Escrow() decimal.Decimal {
	return PayoutPerShare.Mul(decimal.NewFromInt(t.Quantity))
}

// WinnerUserID returns the user on the winning side for the given outcome.
func (t *Trade) WinnerUserID(outcome Side) string {
	if outcome == SideYes {
		return t.YesUserID
	}
	return t.NoUserID
}

// WinnerStake returns the matched cost the winning side paid for this trade.
func (t *Trade) WinnerStake(outcome Side) decimal.Decimal {
	return StakePerShare(outcome, t.Price).Mul(decimal.NewFromInt(t.Quantity))
}

// Event holds the slice of event state the engine owns: the status/outcome
// transition. Descriptions, categories, and the rest of the event record
// belong to the admin service.
type Event struct {
	ID              string      `json:"id" db:"id"`
	Title           string      `json:"title" db:"title"`
	Status          EventStatus `json:"status" db:"status"`
	ResolvedOutcome *Side       `json:"resolved_outcome,omitempty" db:"resolved_outcome"`
	ClosesAt        time.Time   `json:"closes_at" db:"closes_at"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
}

// LedgerEntry is an immutable record of one balance-affecting operation.
// For any user, the sum of entry amounts equals their current balance.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Type      LedgerType      `json:"type" db:"type"`
	EventID   string          `json:"event_id,omitempty" db:"event_id"`
	OrderID   string          `json:"order_id,omitempty" db:"order_id"`
	TradeID   string          `json:"trade_id,omitempty" db:"trade_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// PriceLevel is one row of the aggregated order-book depth.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// BookDepth is the read-only aggregation of resting quantity per price,
// YES levels price-descending and NO levels price-ascending.
type BookDepth struct {
	EventID   string       `json:"event_id"`
	YesLevels []PriceLevel `json:"yes_levels"`
	NoLevels  []PriceLevel `json:"no_levels"`
}
