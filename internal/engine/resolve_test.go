package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opinix/match-engine/internal/engine"
	"github.com/opinix/match-engine/internal/model"
	"github.com/opinix/match-engine/internal/store"
)

func TestResolveEvent_PaysYesWinner(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	sum, err := svc.ResolveEvent(ctx, evID, model.SideYes, "admin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sum.Paid != 1 || sum.Refunded != 0 || len(sum.Failures) != 0 {
		t.Errorf("summary = %+v, want 1 paid, 0 refunded", sum)
	}

	// Stake back at cost plus 80% of the 40 profit: 60 + 32 = 92.
	if got := balance(t, svc, "alice"); !got.Equal(d(132)) {
		t.Errorf("alice balance = %s, want 132", got)
	}
	// Loser keeps only what was never staked.
	if got := balance(t, svc, "bob"); !got.Equal(d(60)) {
		t.Errorf("bob balance = %s, want 60", got)
	}

	ev, err := svc.Event(ctx, evID)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != model.EventResolved {
		t.Errorf("event status = %s, want RESOLVED", ev.Status)
	}
	if ev.ResolvedOutcome == nil || *ev.ResolvedOutcome != model.SideYes {
		t.Errorf("resolved outcome = %v, want YES", ev.ResolvedOutcome)
	}
}

func TestResolveEvent_PaysNoWinner(t *testing.T) {
	svc, _, evID := newTestEnv(t)

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	if _, err := svc.ResolveEvent(context.Background(), evID, model.SideNo, "admin"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// bob staked 40, profit 60, net payout 40 + 48 = 88.
	if got := balance(t, svc, "bob"); !got.Equal(d(148)) {
		t.Errorf("bob balance = %s, want 148", got)
	}
	if got := balance(t, svc, "alice"); !got.Equal(d(40)) {
		t.Errorf("alice balance = %s, want 40", got)
	}
}

func TestResolveEvent_RefundsRestingOrders(t *testing.T) {
	svc, ms, evID := newTestEnv(t)
	ctx := context.Background()

	res := submit(t, svc, evID, "alice", model.SideYes, 6, 10)

	sum, err := svc.ResolveEvent(ctx, evID, model.SideNo, "admin")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sum.Paid != 0 || sum.Refunded != 1 {
		t.Errorf("summary = %+v, want 0 paid, 1 refunded", sum)
	}

	// Full lock back, no commission on refunds.
	if got := balance(t, svc, "alice"); !got.Equal(d(100)) {
		t.Errorf("alice balance = %s, want 100", got)
	}
	o, err := ms.GetOrder(ctx, res.Order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != model.OrderRefunded {
		t.Errorf("order status = %s, want REFUNDED", o.Status)
	}
	if !o.LockedAmount.IsZero() {
		t.Errorf("order lock = %s, want 0", o.LockedAmount)
	}
}

func TestResolveEvent_DoubleResolveNeverDoublePays(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	if _, err := svc.ResolveEvent(ctx, evID, model.SideYes, "admin"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := svc.ResolveEvent(ctx, evID, model.SideYes, "admin")
	if !errors.Is(err, model.ErrAlreadyResolved) {
		t.Fatalf("second resolve err = %v, want ErrAlreadyResolved", err)
	}

	if got := balance(t, svc, "alice"); !got.Equal(d(132)) {
		t.Errorf("alice balance = %s after double resolve, want 132", got)
	}
}

func TestResolveEvent_ConcurrentConflictingOutcomes(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		svc, _, evID := newTestEnv(t)
		// Many one-share trades so the payout phases of the two resolvers
		// overlap.
		for j := 0; j < 8; j++ {
			submit(t, svc, evID, "alice", model.SideYes, 6, 1)
			submit(t, svc, evID, "bob", model.SideNo, 4, 1)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = svc.ResolveEvent(ctx, evID, model.SideYes, "admin")
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = svc.ResolveEvent(ctx, evID, model.SideNo, "admin")
		}()
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
			}
		}
		if succeeded != 1 {
			t.Fatalf("resolvers succeeded = %d, want exactly 1 (errs %v)", succeeded, errs)
		}

		ev, err := svc.Event(ctx, evID)
		if err != nil {
			t.Fatal(err)
		}
		if ev.Status != model.EventResolved || ev.ResolvedOutcome == nil {
			t.Fatalf("event = %s outcome %v, want RESOLVED with outcome", ev.Status, ev.ResolvedOutcome)
		}

		winner, loser := "alice", "bob"
		if *ev.ResolvedOutcome == model.SideNo {
			winner, loser = "bob", "alice"
		}

		// Every payout must follow the stored outcome: the loser gets none.
		for user, want := range map[string]int{winner: 8, loser: 0} {
			entries, err := svc.Ledger(ctx, user)
			if err != nil {
				t.Fatal(err)
			}
			payouts := 0
			for _, e := range entries {
				if e.Type == model.LedgerPayout {
					payouts++
				}
			}
			if payouts != want {
				t.Fatalf("%s received %d PAYOUT entries, want %d (outcome %s)",
					user, payouts, want, *ev.ResolvedOutcome)
			}
		}
	}
}

func TestResolveEvent_MismatchedOutcomeAfterClaimRejected(t *testing.T) {
	svc, ms, evID := newTestEnv(t)
	ctx := context.Background()

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	// A resolver claimed YES and died before paying anything.
	err := ms.RunInTx(ctx, func(tx store.Tx) error {
		ev, err := tx.GetEvent(ctx, evID)
		if err != nil {
			return err
		}
		yes := model.SideYes
		ev.Status = model.EventClosed
		ev.ResolvedOutcome = &yes
		return tx.PutEvent(ctx, ev)
	})
	if err != nil {
		t.Fatal(err)
	}

	// A retry with the opposite outcome must be rejected before any payout.
	_, err = svc.ResolveEvent(ctx, evID, model.SideNo, "admin")
	if !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("mismatched retry err = %v, want ErrInvalidState", err)
	}
	if got := balance(t, svc, "alice"); !got.Equal(d(40)) {
		t.Errorf("alice balance = %s after rejected retry, want 40", got)
	}
	if got := balance(t, svc, "bob"); !got.Equal(d(60)) {
		t.Errorf("bob balance = %s after rejected retry, want 60", got)
	}

	// A retry with the claimed outcome completes the resolution.
	if _, err := svc.ResolveEvent(ctx, evID, model.SideYes, "admin"); err != nil {
		t.Fatalf("matching retry: %v", err)
	}
	if got := balance(t, svc, "alice"); !got.Equal(d(132)) {
		t.Errorf("alice balance = %s, want 132", got)
	}
}

func TestResolveEvent_SettledMarkersSurviveRerun(t *testing.T) {
	svc, ms, evID := newTestEnv(t)
	ctx := context.Background()

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	if _, err := svc.ResolveEvent(ctx, evID, model.SideYes, "admin"); err != nil {
		t.Fatal(err)
	}

	trades, err := ms.ListTradesByEvent(ctx, evID)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range trades {
		if !tr.Settled || tr.SettledAt == nil {
			t.Errorf("trade %s not marked settled", tr.ID)
		}
	}
}

func TestResolveEvent_ClosedEventCanResolve(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	if _, err := svc.CloseEvent(ctx, evID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ResolveEvent(ctx, evID, model.SideYes, "admin"); err != nil {
		t.Fatalf("resolve after close: %v", err)
	}
	if got := balance(t, svc, "alice"); !got.Equal(d(132)) {
		t.Errorf("alice balance = %s, want 132", got)
	}
}

func TestResolveEvent_Validation(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	if _, err := svc.ResolveEvent(ctx, evID, "MAYBE", "admin"); !errors.Is(err, model.ErrInvalidSide) {
		t.Errorf("bad outcome err = %v, want ErrInvalidSide", err)
	}
	if _, err := svc.ResolveEvent(ctx, evID, model.SideYes, ""); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("missing admin err = %v, want ErrForbidden", err)
	}
	if _, err := svc.ResolveEvent(ctx, "no-such-event", model.SideYes, "admin"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown event err = %v, want ErrNotFound", err)
	}
}

func TestResolveEvent_CommissionRounding(t *testing.T) {
	svc, _, evID := newTestEnv(t)

	// NO at 2.5 x3: stake 7.5, escrow 30, gross profit 22.5,
	// payout 7.5 + 18 = 25.5.
	submit(t, svc, evID, "alice", model.SideYes, 7.5, 3)
	submit(t, svc, evID, "bob", model.SideNo, 2.5, 3)

	if _, err := svc.ResolveEvent(context.Background(), evID, model.SideNo, "admin"); err != nil {
		t.Fatal(err)
	}
	if got := balance(t, svc, "bob"); !got.Equal(d(118)) {
		t.Errorf("bob balance = %s, want 118 (92.5 + 25.5)", got)
	}
}

func TestResolveEvent_LedgerRecordsPayout(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 10)
	if _, err := svc.ResolveEvent(ctx, evID, model.SideYes, "admin"); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.Ledger(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	var payout *model.LedgerEntry
	for i := range entries {
		if entries[i].Type == model.LedgerPayout {
			payout = &entries[i]
		}
	}
	if payout == nil {
		t.Fatal("no PAYOUT ledger entry for winner")
	}
	if !payout.Amount.Equal(d(92)) {
		t.Errorf("payout amount = %s, want 92", payout.Amount)
	}
	if payout.TradeID == "" || payout.EventID != evID {
		t.Errorf("payout refs = trade %q event %q, want both set", payout.TradeID, payout.EventID)
	}
}

func TestResolveEvent_CustomCommissionRate(t *testing.T) {
	ms, ctx := store.NewMemoryStore(), context.Background()
	svc := engine.NewService(ms, engine.Options{CommissionRate: decimal.NewFromFloat(0.5)})

	ev, err := svc.CreateEvent(ctx, "coin flip", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"alice", "bob"} {
		if _, err := svc.Deposit(ctx, u, d(100)); err != nil {
			t.Fatal(err)
		}
	}
	submit(t, svc, ev.ID, "alice", model.SideYes, 6, 10)
	submit(t, svc, ev.ID, "bob", model.SideNo, 4, 10)

	if _, err := svc.ResolveEvent(ctx, ev.ID, model.SideYes, "admin"); err != nil {
		t.Fatal(err)
	}
	// Half the 40 profit withheld: 60 + 20 = 80.
	if got := balance(t, svc, "alice"); !got.Equal(d(120)) {
		t.Errorf("alice balance = %s, want 120", got)
	}
}
