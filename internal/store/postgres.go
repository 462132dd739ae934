package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/opinix/match-engine/internal/metrics"
	"github.com/opinix/match-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Transactions run at SERIALIZABLE; serialization conflicts are retried a
// bounded number of times before surfacing as model.ErrBusy.
type PostgresStore struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPostgresStore creates a new PostgreSQL-backed store. maxRetries bounds
// how often a conflicting transaction is re-run before returning ErrBusy.
func NewPostgresStore(pool *pgxpool.Pool, maxRetries int) *PostgresStore {
	if maxRetries < 1 {
		maxRetries = 3
	}
	return &PostgresStore{pool: pool, maxRetries: maxRetries}
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.SettlementRetries.Inc()
		}

		pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		err = fn(&pgTx{tx: pgtx})
		if err == nil {
			err = pgtx.Commit(ctx)
			if err == nil {
				return nil
			}
		} else {
			_ = pgtx.Rollback(ctx)
		}

		if !isSerializationFailure(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("transaction conflict after %d attempts (%v): %w", s.maxRetries, lastErr, model.ErrBusy)
}

// isSerializationFailure reports whether err is a PostgreSQL serialization
// failure (40001) or deadlock (40P01), the only retryable classes.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return scanEvent(s.pool.QueryRow(ctx, eventSelect+` WHERE id = $1`, id), id)
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, accountSelect+` WHERE user_id = $1`, userID), userID)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(s.pool.QueryRow(ctx, orderSelect+` WHERE id = $1`, id), id)
}

func (s *PostgresStore) ListRestingOrders(ctx context.Context, eventID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		orderSelect+` WHERE event_id = $1 AND status IN ('OPEN','PARTIAL') ORDER BY created_at, id`,
		eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *PostgresStore) ListTradesByEvent(ctx context.Context, eventID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		tradeSelect+` WHERE event_id = $1 ORDER BY created_at, id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ListLedgerByUser(ctx context.Context, userID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, COALESCE(event_id,''), COALESCE(order_id,''), COALESCE(trade_id,''),
		        amount::TEXT, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.EventID, &e.OrderID, &e.TradeID,
			&amountS, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = parseNumeric(amountS, "ledger entry", e.ID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgTx implements Tx over one pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

const (
	eventSelect = `SELECT id, title, status, resolved_outcome, closes_at, created_at FROM events`

	accountSelect = `SELECT user_id, balance::TEXT, updated_at FROM accounts`

	orderSelect = `SELECT id, event_id, user_id, side, price::TEXT, quantity, quantity_remaining,
	       locked_amount::TEXT, status, created_at FROM orders`

	tradeSelect = `SELECT id, event_id, price::TEXT, quantity, yes_user_id, no_user_id,
	       settled, settled_at, created_at FROM trades`
)

func (t *pgTx) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return scanEvent(t.tx.QueryRow(ctx, eventSelect+` WHERE id = $1`, id), id)
}

func (t *pgTx) PutEvent(ctx context.Context, ev *model.Event) error {
	var outcome *string
	if ev.ResolvedOutcome != nil {
		s := string(*ev.ResolvedOutcome)
		outcome = &s
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO events (id, title, status, resolved_outcome, closes_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, resolved_outcome = EXCLUDED.resolved_outcome`,
		ev.ID, ev.Title, ev.Status, outcome, ev.ClosesAt, ev.CreatedAt)
	return err
}

func (t *pgTx) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, accountSelect+` WHERE user_id = $1`, userID), userID)
}

func (t *pgTx) PutAccount(ctx context.Context, a *model.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO accounts (user_id, balance, updated_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (user_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		a.UserID, a.Balance.String(), a.UpdatedAt)
	return err
}

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	return scanOrder(t.tx.QueryRow(ctx, orderSelect+` WHERE id = $1`, id), id)
}

func (t *pgTx) PutOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, event_id, user_id, side, price, quantity, quantity_remaining,
		                     locked_amount, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8::NUMERIC, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET quantity_remaining = EXCLUDED.quantity_remaining,
		     locked_amount = EXCLUDED.locked_amount, status = EXCLUDED.status`,
		o.ID, o.EventID, o.UserID, o.Side, o.Price.String(),
		o.Quantity, o.QuantityRemaining, o.LockedAmount.String(), o.Status, o.CreatedAt)
	return err
}

func (t *pgTx) RestingOrders(ctx context.Context, eventID string, side model.Side, price decimal.Decimal) ([]*model.Order, error) {
	rows, err := t.tx.Query(ctx,
		orderSelect+` WHERE event_id = $1 AND side = $2 AND price = $3::NUMERIC
		 AND status IN ('OPEN','PARTIAL') ORDER BY created_at, id`,
		eventID, side, price.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	return orderPtrs(orders), nil
}

func (t *pgTx) RestingOrdersByEvent(ctx context.Context, eventID string) ([]*model.Order, error) {
	rows, err := t.tx.Query(ctx,
		orderSelect+` WHERE event_id = $1 AND status IN ('OPEN','PARTIAL') ORDER BY created_at, id`,
		eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	return orderPtrs(orders), nil
}

func (t *pgTx) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return scanTrade(t.tx.QueryRow(ctx, tradeSelect+` WHERE id = $1`, id), id)
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, event_id, price, quantity, yes_user_id, no_user_id, settled, settled_at, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)`,
		tr.ID, tr.EventID, tr.Price.String(), tr.Quantity,
		tr.YesUserID, tr.NoUserID, tr.Settled, tr.SettledAt, tr.CreatedAt)
	return err
}

func (t *pgTx) MarkTradeSettled(ctx context.Context, _ string, tradeID string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE trades SET settled = TRUE, settled_at = $2 WHERE id = $1`, tradeID, at)
	return err
}

func (t *pgTx) AppendLedger(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, type, event_id, order_id, trade_id, amount, created_at)
		 VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), $7::NUMERIC, $8)`,
		e.ID, e.UserID, e.Type, e.EventID, e.OrderID, e.TradeID, e.Amount.String(), e.CreatedAt)
	return err
}

// --- row scanning ---

type pgRow interface {
	Scan(dest ...any) error
}

func scanEvent(row pgRow, id string) (*model.Event, error) {
	var ev model.Event
	var outcome *string
	err := row.Scan(&ev.ID, &ev.Title, &ev.Status, &outcome, &ev.ClosesAt, &ev.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "event", id)
	}
	if outcome != nil {
		s := model.Side(*outcome)
		ev.ResolvedOutcome = &s
	}
	return &ev, nil
}

func scanAccount(row pgRow, userID string) (*model.Account, error) {
	var a model.Account
	var balS string
	err := row.Scan(&a.UserID, &balS, &a.UpdatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "account", userID)
	}
	if a.Balance, err = parseNumeric(balS, "account", a.UserID); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanOrder(row pgRow, id string) (*model.Order, error) {
	var o model.Order
	var priceS, lockS string
	err := row.Scan(&o.ID, &o.EventID, &o.UserID, &o.Side, &priceS,
		&o.Quantity, &o.QuantityRemaining, &lockS, &o.Status, &o.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "order", id)
	}
	if err := parseOrderNumerics(&o, priceS, lockS); err != nil {
		return nil, err
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var priceS, lockS string
		if err := rows.Scan(&o.ID, &o.EventID, &o.UserID, &o.Side, &priceS,
			&o.Quantity, &o.QuantityRemaining, &lockS, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		if err := parseOrderNumerics(&o, priceS, lockS); err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanTrade(row pgRow, id string) (*model.Trade, error) {
	var tr model.Trade
	var priceS string
	err := row.Scan(&tr.ID, &tr.EventID, &priceS, &tr.Quantity,
		&tr.YesUserID, &tr.NoUserID, &tr.Settled, &tr.SettledAt, &tr.CreatedAt)
	if err != nil {
		return nil, wrapNotFound(err, "trade", id)
	}
	if tr.Price, err = parseNumeric(priceS, "trade", tr.ID); err != nil {
		return nil, err
	}
	return &tr, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var priceS string
		if err := rows.Scan(&tr.ID, &tr.EventID, &priceS, &tr.Quantity,
			&tr.YesUserID, &tr.NoUserID, &tr.Settled, &tr.SettledAt, &tr.CreatedAt); err != nil {
			return nil, err
		}
		price, err := parseNumeric(priceS, "trade", tr.ID)
		if err != nil {
			return nil, err
		}
		tr.Price = price
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

func orderPtrs(orders []model.Order) []*model.Order {
	out := make([]*model.Order, len(orders))
	for i := range orders {
		out[i] = &orders[i]
	}
	return out
}

// parseNumeric converts a NUMERIC column read as TEXT back into a decimal.
// An unparsable value is corruption and must surface as an error, never as
// a zero amount.
func parseNumeric(s, kind, id string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s %s: bad numeric %q: %w", kind, id, s, err)
	}
	return v, nil
}

func parseOrderNumerics(o *model.Order, priceS, lockS string) error {
	var err error
	if o.Price, err = parseNumeric(priceS, "order price", o.ID); err != nil {
		return err
	}
	if o.LockedAmount, err = parseNumeric(lockS, "order lock", o.ID); err != nil {
		return err
	}
	return nil
}

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}
