// Package engine implements the settlement coordinator and resolution engine:
// the only code paths allowed to move money between accounts, locks, and
// trade escrow. Every multi-entity state transition runs inside one store
// transaction so effects apply completely or not at all.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opinix/match-engine/internal/book"
	"github.com/opinix/match-engine/internal/metrics"
	"github.com/opinix/match-engine/internal/model"
	"github.com/opinix/match-engine/internal/store"
)

// Service coordinates matching, settlement, cancellation, and resolution
// against a transactional store. Concurrency control is delegated to the
// store: fill plans are computed on the transaction's snapshot, and
// conflicting commits are retried there before surfacing model.ErrBusy.
type Service struct {
	store         store.Store
	commission    decimal.Decimal // fraction of gross profit withheld at payout
	payoutWorkers int
}

// Options tune the engine. Zero values fall back to defaults.
type Options struct {
	// CommissionRate is the fraction of gross profit withheld from winning
	// payouts. Defaults to 0.2.
	CommissionRate decimal.Decimal

	// PayoutWorkers bounds concurrent per-trade payout transactions during
	// resolution. Defaults to 4.
	PayoutWorkers int
}

// NewService creates an engine service on top of st.
func NewService(st store.Store, opts Options) *Service {
	commission := opts.CommissionRate
	if commission.IsZero() {
		commission = decimal.NewFromFloat(0.2)
	}
	workers := opts.PayoutWorkers
	if workers < 1 {
		workers = 4
	}
	return &Service{
		store:         st,
		commission:    commission,
		payoutWorkers: workers,
	}
}

// SubmitOrderInput carries a validated-by-the-engine order request.
type SubmitOrderInput struct {
	EventID  string
	UserID   string
	Side     model.Side
	Price    decimal.Decimal
	Quantity int64
}

// SubmitOrderResult reports what one submission produced: zero or more
// trades and, when a remainder rested on the book, the resting order.
type SubmitOrderResult struct {
	Order   *model.Order
	Trades  []model.Trade
	Resting *model.Order // nil when fully matched
}

// SubmitOrder validates the request, then, in one transaction, recomputes
// the fill plan against a fresh snapshot of the crossing price level, checks
// the submitter's funds against matched cost plus the resting lock, applies
// the fills, and rests any remainder. The projected total cost is checked
// before any mutation, so a failed submission has no effects.
func (s *Service) SubmitOrder(ctx context.Context, in SubmitOrderInput) (*SubmitOrderResult, error) {
	if !in.Side.Valid() {
		return nil, fmt.Errorf("side %q: %w", in.Side, model.ErrInvalidSide)
	}
	if !model.ValidPrice(in.Price) {
		return nil, fmt.Errorf("price %s: %w", in.Price, model.ErrInvalidPrice)
	}
	if in.Quantity <= 0 {
		return nil, fmt.Errorf("quantity %d: %w", in.Quantity, model.ErrInvalidQuantity)
	}

	start := time.Now()
	var result SubmitOrderResult

	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		result = SubmitOrderResult{}

		ev, err := tx.GetEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if ev.Status != model.EventOpen {
			return fmt.Errorf("event %s is %s: %w", ev.ID, ev.Status, model.ErrEventNotOpen)
		}

		now := time.Now().UTC()
		incoming := &model.Order{
			ID:                uuid.New().String(),
			EventID:           in.EventID,
			UserID:            in.UserID,
			Side:              in.Side,
			Price:             in.Price,
			Quantity:          in.Quantity,
			QuantityRemaining: in.Quantity,
			LockedAmount:      decimal.Zero,
			Status:            model.OrderOpen,
			CreatedAt:         now,
		}

		resting, err := tx.RestingOrders(ctx, in.EventID, in.Side.Opposite(), model.ComplementPrice(in.Price))
		if err != nil {
			return err
		}
		plan := book.Plan(incoming, resting)

		matchedCost := in.Price.Mul(decimal.NewFromInt(plan.Matched()))
		restingLock := in.Price.Mul(decimal.NewFromInt(plan.Remainder))

		acct, err := tx.GetAccount(ctx, in.UserID)
		if err != nil {
			return fmt.Errorf("user %s has no funded account: %w", in.UserID, model.ErrInsufficientFunds)
		}
		if acct.Balance.LessThan(matchedCost.Add(restingLock)) {
			return fmt.Errorf("need %s, have %s: %w",
				matchedCost.Add(restingLock), acct.Balance, model.ErrInsufficientFunds)
		}

		for _, fill := range plan.Fills {
			trade, err := s.applyFill(ctx, tx, incoming, fill, now)
			if err != nil {
				return err
			}
			result.Trades = append(result.Trades, *trade)
		}

		if plan.Matched() > 0 {
			acct.Balance = acct.Balance.Sub(matchedCost)
			if err := tx.AppendLedger(ctx, &model.LedgerEntry{
				ID:        uuid.New().String(),
				UserID:    in.UserID,
				Type:      model.LedgerOrderFill,
				EventID:   in.EventID,
				OrderID:   incoming.ID,
				Amount:    matchedCost.Neg(),
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}

		incoming.QuantityRemaining = plan.Remainder
		switch {
		case plan.Remainder == 0:
			incoming.Status = model.OrderFilled
		case plan.Matched() > 0:
			incoming.Status = model.OrderPartial
		}

		if plan.Remainder > 0 {
			incoming.LockedAmount = restingLock
			acct.Balance = acct.Balance.Sub(restingLock)
			if err := tx.AppendLedger(ctx, &model.LedgerEntry{
				ID:        uuid.New().String(),
				UserID:    in.UserID,
				Type:      model.LedgerOrderPlace,
				EventID:   in.EventID,
				OrderID:   incoming.ID,
				Amount:    restingLock.Neg(),
				CreatedAt: now,
			}); err != nil {
				return err
			}
			cp := *incoming
			result.Resting = &cp
		}

		if err := tx.PutOrder(ctx, incoming); err != nil {
			return err
		}

		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}

		result.Order = incoming
		return nil
	})
	if err != nil {
		metrics.OrdersTotal.WithLabelValues(string(in.Side), "rejected").Inc()
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(in.Side), submitOutcome(&result)).Inc()
	metrics.SettleLatency.WithLabelValues(string(in.Side)).Observe(time.Since(start).Seconds())

	slog.Info("order settled",
		"order_id", result.Order.ID,
		"event", in.EventID,
		"user", in.UserID,
		"side", in.Side,
		"price", in.Price.String(),
		"qty", in.Quantity,
		"matched", in.Quantity-result.Order.QuantityRemaining,
		"rested", result.Order.QuantityRemaining,
		"trades", len(result.Trades),
	)
	return &result, nil
}

// applyFill consumes fill.Quantity from a resting counterparty order,
// creates the trade row, and writes the counterparty's fill ledger entry.
// The counterparty's balance does not move here: their stake was debited
// when the lock was placed, and the matched slice of the lock converts into
// trade escrow. The entry's zero amount keeps the audit sum exact.
func (s *Service) applyFill(ctx context.Context, tx store.Tx, incoming *model.Order, fill book.Fill, now time.Time) (*model.Trade, error) {
	maker, err := tx.GetOrder(ctx, fill.Order.ID)
	if err != nil {
		return nil, err
	}
	if !maker.Status.Resting() || maker.QuantityRemaining < fill.Quantity {
		return nil, fmt.Errorf("counterparty order %s changed underneath fill: %w", maker.ID, model.ErrBusy)
	}

	qty := decimal.NewFromInt(fill.Quantity)
	maker.QuantityRemaining -= fill.Quantity
	maker.LockedAmount = maker.LockedAmount.Sub(maker.Price.Mul(qty))
	if maker.QuantityRemaining == 0 {
		maker.Status = model.OrderFilled
		maker.LockedAmount = decimal.Zero
	} else {
		maker.Status = model.OrderPartial
	}
	if err := tx.PutOrder(ctx, maker); err != nil {
		return nil, err
	}

	trade := &model.Trade{
		ID:        uuid.New().String(),
		EventID:   incoming.EventID,
		Quantity:  fill.Quantity,
		CreatedAt: now,
	}
	if incoming.Side == model.SideYes {
		trade.Price = incoming.Price
		trade.YesUserID = incoming.UserID
		trade.NoUserID = maker.UserID
	} else {
		trade.Price = maker.Price
		trade.YesUserID = maker.UserID
		trade.NoUserID = incoming.UserID
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}
	metrics.TradesTotal.Inc()

	if err := tx.AppendLedger(ctx, &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    maker.UserID,
		Type:      model.LedgerOrderFill,
		EventID:   incoming.EventID,
		OrderID:   maker.ID,
		TradeID:   trade.ID,
		Amount:    decimal.Zero,
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return trade, nil
}

func submitOutcome(r *SubmitOrderResult) string {
	switch r.Order.Status {
	case model.OrderFilled:
		return "matched"
	case model.OrderPartial:
		return "partial"
	default:
		return "rested"
	}
}

// CancelResult reports one cancellation: the order as cancelled and the
// lock amount refunded.
type CancelResult struct {
	Order  *model.Order
	Refund decimal.Decimal
}

// CancelOrder cancels an OPEN/PARTIAL order owned by userID and refunds its
// locked amount. A cancel racing a fill re-reads the order inside the
// transaction, so a filled order fails with ErrInvalidState rather than
// refunding matched funds.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) (*CancelResult, error) {
	var result CancelResult

	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return fmt.Errorf("order %s belongs to another user: %w", orderID, model.ErrForbidden)
		}
		if !o.Status.Resting() {
			return fmt.Errorf("order %s is %s: %w", orderID, o.Status, model.ErrInvalidState)
		}

		now := time.Now().UTC()
		refund := o.LockedAmount
		o.Status = model.OrderCancelled
		o.LockedAmount = decimal.Zero
		if err := tx.PutOrder(ctx, o); err != nil {
			return err
		}
		cancelled := *o
		result = CancelResult{Order: &cancelled, Refund: refund}

		acct, err := tx.GetAccount(ctx, userID)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(refund)
		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}

		return tx.AppendLedger(ctx, &model.LedgerEntry{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      model.LedgerCancelRefund,
			EventID:   o.EventID,
			OrderID:   o.ID,
			Amount:    refund,
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.CancellationsTotal.Inc()
	slog.Info("order cancelled", "order_id", orderID, "user", userID, "refund", result.Refund.String())
	return &result, nil
}

// Deposit credits amount to the user's account, creating it if needed.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("deposit %s: %w", amount, model.ErrInvalidAmount)
	}

	var acct *model.Account
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		now := time.Now().UTC()

		a, err := tx.GetAccount(ctx, userID)
		if isNotFound(err) {
			a = &model.Account{UserID: userID, Balance: decimal.Zero}
		} else if err != nil {
			return err
		}

		a.Balance = a.Balance.Add(amount)
		a.UpdatedAt = now
		if err := tx.PutAccount(ctx, a); err != nil {
			return err
		}

		if err := tx.AppendLedger(ctx, &model.LedgerEntry{
			ID:        uuid.New().String(),
			UserID:    userID,
			Type:      model.LedgerDeposit,
			Amount:    amount,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("deposit", "user", userID, "amount", amount.String())
	return acct, nil
}

// CreateEvent registers a new OPEN event.
func (s *Service) CreateEvent(ctx context.Context, title string, closesAt time.Time) (*model.Event, error) {
	ev := &model.Event{
		ID:        uuid.New().String(),
		Title:     title,
		Status:    model.EventOpen,
		ClosesAt:  closesAt,
		CreatedAt: time.Now().UTC(),
	}
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		return tx.PutEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("event created", "event", ev.ID, "title", title)
	return ev, nil
}

// CloseEvent transitions an event OPEN → CLOSED, blocking new orders while
// leaving resolution pending.
func (s *Service) CloseEvent(ctx context.Context, eventID string) (*model.Event, error) {
	var ev *model.Event
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		cur, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if cur.Status != model.EventOpen {
			return fmt.Errorf("event %s is %s: %w", eventID, cur.Status, model.ErrInvalidState)
		}
		cur.Status = model.EventClosed
		if err := tx.PutEvent(ctx, cur); err != nil {
			return err
		}
		ev = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("event closed", "event", eventID)
	return ev, nil
}

// OrderBook returns the aggregated depth for an event.
func (s *Service) OrderBook(ctx context.Context, eventID string) (*model.BookDepth, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	orders, err := s.store.ListRestingOrders(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return book.Depth(eventID, orders), nil
}

// Account returns a user's balance snapshot.
func (s *Service) Account(ctx context.Context, userID string) (*model.Account, error) {
	return s.store.GetAccount(ctx, userID)
}

// Ledger returns a user's ledger entries in append order.
func (s *Service) Ledger(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	return s.store.ListLedgerByUser(ctx, userID)
}

// Trades returns an event's trade tape.
func (s *Service) Trades(ctx context.Context, eventID string) ([]model.Trade, error) {
	return s.store.ListTradesByEvent(ctx, eventID)
}

// Event returns the engine-owned slice of an event.
func (s *Service) Event(ctx context.Context, eventID string) (*model.Event, error) {
	return s.store.GetEvent(ctx, eventID)
}
