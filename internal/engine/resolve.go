package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/opinix/match-engine/internal/metrics"
	"github.com/opinix/match-engine/internal/model"
	"github.com/opinix/match-engine/internal/store"
)

// Resolution summarizes one resolveEvent run for operator visibility.
type Resolution struct {
	EventID  string     `json:"event_id"`
	Outcome  model.Side `json:"outcome"`
	Paid     int        `json:"paid_count"`
	Refunded int        `json:"refunded_count"`
	Failures []string   `json:"failures,omitempty"`
}

var one = decimal.NewFromInt(1)

// ResolveEvent settles an event to its final outcome: every trade's winning
// side is paid quantity × 10 less commission on the profit portion, every
// still-resting order is refunded in full, and the event is marked RESOLVED
// last so a crash mid-resolution can be resumed safely with the same
// outcome. The outcome is claimed on the event row before any payout runs,
// and payouts read the claimed outcome rather than trusting their caller,
// so a competing resolver carrying a different outcome is rejected with
// ErrInvalidState before it pays anyone. Per-trade payouts are individually
// transactional and skip-safe via the settled marker; a failing record is
// logged and skipped rather than blocking the rest.
//
// Resolving an already-RESOLVED event returns ErrAlreadyResolved and pays
// nothing: settled markers make a concurrent or repeated run a no-op.
func (s *Service) ResolveEvent(ctx context.Context, eventID string, outcome model.Side, adminID string) (*Resolution, error) {
	if !outcome.Valid() {
		return nil, fmt.Errorf("outcome %q: %w", outcome, model.ErrInvalidSide)
	}
	if adminID == "" {
		return nil, fmt.Errorf("missing admin id: %w", model.ErrForbidden)
	}

	// Claim the outcome and close the event in one transaction: no order
	// can match once the event leaves OPEN, every trade that exists after
	// this point is in the scan below, and a second resolver carrying a
	// different outcome fails here before any payout runs.
	err := s.store.RunInTx(ctx, func(tx store.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Status == model.EventResolved {
			return fmt.Errorf("event %s: %w", eventID, model.ErrAlreadyResolved)
		}
		if ev.ResolvedOutcome != nil && *ev.ResolvedOutcome != outcome {
			return fmt.Errorf("event %s resolution already claimed for %s: %w",
				eventID, *ev.ResolvedOutcome, model.ErrInvalidState)
		}
		ev.Status = model.EventClosed
		ev.ResolvedOutcome = &outcome
		return tx.PutEvent(ctx, ev)
	})
	if err != nil {
		return nil, err
	}

	summary := &Resolution{EventID: eventID, Outcome: outcome}
	var mu sync.Mutex

	trades, err := s.store.ListTradesByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.payoutWorkers)
	for i := range trades {
		t := trades[i]
		if t.Settled {
			metrics.ResolutionPayouts.WithLabelValues("skipped").Inc()
			continue
		}
		g.Go(func() error {
			err := s.payTrade(gctx, t.ID, eventID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Paid++
				metrics.ResolutionPayouts.WithLabelValues("paid").Inc()
			case errors.Is(err, errAlreadyPaid):
				metrics.ResolutionPayouts.WithLabelValues("skipped").Inc()
			default:
				// Skip-and-continue: one bad record must not block
				// settlement of the rest.
				summary.Failures = append(summary.Failures, fmt.Sprintf("trade %s: %v", t.ID, err))
				metrics.ResolutionPayouts.WithLabelValues("failed").Inc()
				slog.Error("payout failed", "event", eventID, "trade", t.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	resting, err := s.store.ListRestingOrders(ctx, eventID)
	if err != nil {
		return nil, err
	}
	for i := range resting {
		if err := s.refundOrder(ctx, resting[i].ID); err != nil {
			mu.Lock()
			summary.Failures = append(summary.Failures, fmt.Sprintf("order %s: %v", resting[i].ID, err))
			mu.Unlock()
			slog.Error("refund failed", "event", eventID, "order", resting[i].ID, "err", err)
			continue
		}
		summary.Refunded++
		metrics.ResolutionRefunds.Inc()
	}

	// Terminal write last: only after every payout and refund has been
	// attempted may the event become RESOLVED. Orders that rested between
	// the refund scan and this transaction are refunded here, in the same
	// transaction as the status flip, so no lock is stranded.
	var lateRefunds int
	err = s.store.RunInTx(ctx, func(tx store.Tx) error {
		lateRefunds = 0
		cur, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if cur.Status == model.EventResolved {
			return fmt.Errorf("event %s: %w", eventID, model.ErrAlreadyResolved)
		}

		leftover, err := tx.RestingOrdersByEvent(ctx, eventID)
		if err != nil {
			return err
		}
		for _, o := range leftover {
			if err := refundInTx(ctx, tx, o); err != nil {
				return err
			}
			lateRefunds++
		}

		cur.Status = model.EventResolved
		cur.ResolvedOutcome = &outcome
		return tx.PutEvent(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	summary.Refunded += lateRefunds
	for i := 0; i < lateRefunds; i++ {
		metrics.ResolutionRefunds.Inc()
	}

	slog.Info("event resolved",
		"event", eventID,
		"outcome", outcome,
		"admin", adminID,
		"paid", summary.Paid,
		"refunded", summary.Refunded,
		"failures", len(summary.Failures),
	)
	return summary, nil
}

var errAlreadyPaid = errors.New("trade already settled")

// payTrade pays one trade's winner inside its own transaction. The winning
// side comes from the outcome claimed on the event row, never from the
// caller, and the settled marker is re-read under the transaction, so
// concurrent resolvers and crash-resume runs pay each trade at most once
// and always to the same party.
func (s *Service) payTrade(ctx context.Context, tradeID, eventID string) error {
	return s.store.RunInTx(ctx, func(tx store.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.ResolvedOutcome == nil {
			return fmt.Errorf("event %s has no claimed outcome: %w", eventID, model.ErrInvalidState)
		}
		outcome := *ev.ResolvedOutcome

		t, err := tx.GetTrade(ctx, tradeID)
		if err != nil {
			return err
		}
		if t.Settled {
			return errAlreadyPaid
		}

		now := time.Now().UTC()
		winner := t.WinnerUserID(outcome)
		stake := t.WinnerStake(outcome)
		gross := t.Escrow().Sub(stake)
		// Winner gets their stake back at cost plus profit net of
		// commission; deterministic from stored price and quantity.
		net := stake.Add(gross.Mul(one.Sub(s.commission))).Round(2)

		acct, err := tx.GetAccount(ctx, winner)
		if err != nil {
			return err
		}
		acct.Balance = acct.Balance.Add(net)
		acct.UpdatedAt = now
		if err := tx.PutAccount(ctx, acct); err != nil {
			return err
		}

		if err := tx.AppendLedger(ctx, &model.LedgerEntry{
			ID:        uuid.New().String(),
			UserID:    winner,
			Type:      model.LedgerPayout,
			EventID:   eventID,
			TradeID:   t.ID,
			Amount:    net,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		return tx.MarkTradeSettled(ctx, eventID, t.ID, now)
	})
}

// refundOrder refunds one resting order's lock in full, no commission, and
// marks it REFUNDED. Orders that matched or were cancelled between the scan
// and this transaction are skipped.
func (s *Service) refundOrder(ctx context.Context, orderID string) error {
	return s.store.RunInTx(ctx, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		return refundInTx(ctx, tx, o)
	})
}

func refundInTx(ctx context.Context, tx store.Tx, o *model.Order) error {
	if !o.Status.Resting() {
		return nil
	}

	now := time.Now().UTC()
	refund := o.LockedAmount
	o.Status = model.OrderRefunded
	o.LockedAmount = decimal.Zero
	if err := tx.PutOrder(ctx, o); err != nil {
		return err
	}

	acct, err := tx.GetAccount(ctx, o.UserID)
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
		UserID:    o.UserID,
		Type:      model.LedgerCancelRefund,
		EventID:   o.EventID,
		OrderID:   o.ID,
		Amount:    refund,
		CreatedAt: now,
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, model.ErrNotFound)
}
