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

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates an engine on a fresh in-memory store with one OPEN event
// and two funded users.
func newTestEnv(t *testing.T) (*engine.Service, *store.MemoryStore, string) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := engine.NewService(ms, engine.Options{})
	ctx := context.Background()

	ev, err := svc.CreateEvent(ctx, "Will it rain in Mumbai tomorrow?", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	for _, u := range []string{"alice", "bob"} {
		if _, err := svc.Deposit(ctx, u, d(100)); err != nil {
			t.Fatalf("deposit %s: %v", u, err)
		}
	}
	return svc, ms, ev.ID
}

func submit(t *testing.T, svc *engine.Service, eventID, user string, side model.Side, price float64, qty int64) *engine.SubmitOrderResult {
	t.Helper()
	res, err := svc.SubmitOrder(context.Background(), engine.SubmitOrderInput{
		EventID:  eventID,
		UserID:   user,
		Side:     side,
		Price:    d(price),
		Quantity: qty,
	})
	if err != nil {
		t.Fatalf("submit %s %s %v x%d: %v", user, side, price, qty, err)
	}
	return res
}

func balance(t *testing.T, svc *engine.Service, user string) decimal.Decimal {
	t.Helper()
	acct, err := svc.Account(context.Background(), user)
	if err != nil {
		t.Fatalf("account %s: %v", user, err)
	}
	return acct.Balance
}

func TestSubmitOrder_RestsWhenBookEmpty(t *testing.T) {
	svc, _, evID := newTestEnv(t)

	res := submit(t, svc, evID, "alice", model.SideYes, 6, 10)

	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	if res.Resting == nil {
		t.Fatal("expected resting order")
	}
	if res.Resting.Status != model.OrderOpen || res.Resting.QuantityRemaining != 10 {
		t.Errorf("resting = %s/%d, want OPEN/10", res.Resting.Status, res.Resting.QuantityRemaining)
	}
	if !res.Resting.LockedAmount.Equal(d(60)) {
		t.Errorf("locked = %s, want 60", res.Resting.LockedAmount)
	}
	if got := balance(t, svc, "alice"); !got.Equal(d(40)) {
		t.Errorf("alice balance = %s, want 40", got)
	}
}

func TestSubmitOrder_FullMatchAtComplement(t *testing.T) {
	svc, _, evID := newTestEnv(t)

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	res := submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Price.Equal(d(6)) || tr.Quantity != 10 {
		t.Errorf("trade = %s x%d, want 6 x10", tr.Price, tr.Quantity)
	}
	if tr.YesUserID != "alice" || tr.NoUserID != "bob" {
		t.Errorf("trade parties = %s/%s, want alice/bob", tr.YesUserID, tr.NoUserID)
	}
	if res.Resting != nil {
		t.Errorf("expected no resting remainder, got %+v", res.Resting)
	}
	if res.Order.Status != model.OrderFilled {
		t.Errorf("taker status = %s, want FILLED", res.Order.Status)
	}

	// Each side pays its own price per share: alice 60, bob 40.
	if got := balance(t, svc, "alice"); !got.Equal(d(40)) {
		t.Errorf("alice balance = %s, want 40", got)
	}
	if got := balance(t, svc, "bob"); !got.Equal(d(60)) {
		t.Errorf("bob balance = %s, want 60", got)
	}

	ev, err := svc.Event(context.Background(), evID)
	if err != nil || ev.Status != model.EventOpen {
		t.Errorf("event should stay OPEN after matching, got %v %v", ev, err)
	}
}

func TestSubmitOrder_PartialMatchRestsRemainder(t *testing.T) {
	svc, _, evID := newTestEnv(t)

	submit(t, svc, evID, "alice", model.SideYes, 6, 4)
	res := submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	if got := len(res.Trades); got != 1 || res.Trades[0].Quantity != 4 {
		t.Fatalf("trades = %d (qty %v), want 1 trade of 4", got, res.Trades)
	}
	if res.Order.Status != model.OrderPartial {
		t.Errorf("taker status = %s, want PARTIAL", res.Order.Status)
	}
	if res.Resting == nil || res.Resting.QuantityRemaining != 6 {
		t.Fatalf("expected remainder 6 resting, got %+v", res.Resting)
	}
	// bob: 16 matched cost + 24 resting lock.
	if !res.Resting.LockedAmount.Equal(d(24)) {
		t.Errorf("bob lock = %s, want 24", res.Resting.LockedAmount)
	}
	if got := balance(t, svc, "bob"); !got.Equal(d(60)) {
		t.Errorf("bob balance = %s, want 60", got)
	}
}

func TestSubmitOrder_InsufficientFundsHasNoEffects(t *testing.T) {
	svc, _, evID := newTestEnv(t)

	// 100 on deposit, 6 x 20 = 120 needed.
	_, err := svc.SubmitOrder(context.Background(), engine.SubmitOrderInput{
		EventID: evID, UserID: "alice", Side: model.SideYes, Price: d(6), Quantity: 20,
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	if got := balance(t, svc, "alice"); !got.Equal(d(100)) {
		t.Errorf("alice balance = %s, want untouched 100", got)
	}
	depth, err := svc.OrderBook(context.Background(), evID)
	if err != nil {
		t.Fatal(err)
	}
	if len(depth.YesLevels) != 0 {
		t.Errorf("book should be empty after rejected order, got %+v", depth.YesLevels)
	}
}

func TestSubmitOrder_ChecksMatchedCostPlusRestingLock(t *testing.T) {
	svc, _, evID := newTestEnv(t)

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)

	// bob would match 10 at 40 and rest 20 more at 80: 120 > 100.
	_, err := svc.SubmitOrder(context.Background(), engine.SubmitOrderInput{
		EventID: evID, UserID: "bob", Side: model.SideNo, Price: d(4), Quantity: 30,
	})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
	if got := balance(t, svc, "bob"); !got.Equal(d(100)) {
		t.Errorf("bob balance = %s, want 100", got)
	}
	// alice's resting order must be untouched by the aborted match.
	depth, _ := svc.OrderBook(context.Background(), evID)
	if len(depth.YesLevels) != 1 || depth.YesLevels[0].Quantity != 10 {
		t.Errorf("alice's order should still rest with qty 10, got %+v", depth.YesLevels)
	}
}

func TestSubmitOrder_Validation(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   engine.SubmitOrderInput
		want error
	}{
		{"price too low", engine.SubmitOrderInput{EventID: evID, UserID: "alice", Side: model.SideYes, Price: d(0), Quantity: 1}, model.ErrInvalidPrice},
		{"price too high", engine.SubmitOrderInput{EventID: evID, UserID: "alice", Side: model.SideYes, Price: d(10), Quantity: 1}, model.ErrInvalidPrice},
		{"price off tick", engine.SubmitOrderInput{EventID: evID, UserID: "alice", Side: model.SideYes, Price: d(6.3), Quantity: 1}, model.ErrInvalidPrice},
		{"zero quantity", engine.SubmitOrderInput{EventID: evID, UserID: "alice", Side: model.SideYes, Price: d(6), Quantity: 0}, model.ErrInvalidQuantity},
		{"negative quantity", engine.SubmitOrderInput{EventID: evID, UserID: "alice", Side: model.SideNo, Price: d(4), Quantity: -3}, model.ErrInvalidQuantity},
		{"bad side", engine.SubmitOrderInput{EventID: evID, UserID: "alice", Side: "MAYBE", Price: d(6), Quantity: 1}, model.ErrInvalidSide},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SubmitOrder(ctx, tc.in); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSubmitOrder_EventNotOpen(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	if _, err := svc.CloseEvent(ctx, evID); err != nil {
		t.Fatal(err)
	}
	_, err := svc.SubmitOrder(ctx, engine.SubmitOrderInput{
		EventID: evID, UserID: "alice", Side: model.SideYes, Price: d(6), Quantity: 1,
	})
	if !errors.Is(err, model.ErrEventNotOpen) {
		t.Fatalf("err = %v, want ErrEventNotOpen", err)
	}
}

func TestCancelOrder_RefundsLock(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	res := submit(t, svc, evID, "alice", model.SideYes, 6, 10)

	cres, err := svc.CancelOrder(ctx, res.Order.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cres.Refund.Equal(d(60)) {
		t.Errorf("refund = %s, want 60", cres.Refund)
	}
	// The cancelled order comes back so callers know which book changed.
	if cres.Order.EventID != evID || cres.Order.Status != model.OrderCancelled {
		t.Errorf("cancelled order = event %q status %s, want %q CANCELLED",
			cres.Order.EventID, cres.Order.Status, evID)
	}
	if got := balance(t, svc, "alice"); !got.Equal(d(100)) {
		t.Errorf("alice balance = %s, want 100", got)
	}

	// Cancelled orders leave the book.
	depth, _ := svc.OrderBook(ctx, evID)
	if len(depth.YesLevels) != 0 {
		t.Errorf("book should be empty after cancel, got %+v", depth.YesLevels)
	}
}

func TestCancelOrder_AfterFillRejected(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	res := submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 10)

	_, err := svc.CancelOrder(ctx, res.Order.ID, "alice")
	if !errors.Is(err, model.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
	// No refund of matched funds.
	if got := balance(t, svc, "alice"); !got.Equal(d(40)) {
		t.Errorf("alice balance = %s, want 40", got)
	}
}

func TestCancelOrder_RacesCrossingSubmit(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		svc, ms, evID := newTestEnv(t)
		res := submit(t, svc, evID, "alice", model.SideYes, 6, 10)

		var wg sync.WaitGroup
		var cancelErr, subErr error
		var subRes *engine.SubmitOrderResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = svc.CancelOrder(ctx, res.Order.ID, "alice")
		}()
		go func() {
			defer wg.Done()
			subRes, subErr = svc.SubmitOrder(ctx, engine.SubmitOrderInput{
				EventID: evID, UserID: "bob", Side: model.SideNo, Price: d(4), Quantity: 10,
			})
		}()
		wg.Wait()

		if subErr != nil {
			t.Fatalf("submit: %v", subErr)
		}
		o, err := ms.GetOrder(ctx, res.Order.ID)
		if err != nil {
			t.Fatal(err)
		}

		// Exactly one of the two wins: either the cancel refunds an
		// untouched order, or the fill lands and the cancel is rejected.
		switch {
		case cancelErr == nil:
			if len(subRes.Trades) != 0 {
				t.Fatalf("cancel succeeded but the order also filled: %+v", subRes.Trades)
			}
			if o.Status != model.OrderCancelled {
				t.Fatalf("order status = %s after cancel won, want CANCELLED", o.Status)
			}
			if got := balance(t, svc, "alice"); !got.Equal(d(100)) {
				t.Fatalf("alice balance = %s after cancel won, want 100", got)
			}
		case errors.Is(cancelErr, model.ErrInvalidState):
			if len(subRes.Trades) != 1 {
				t.Fatalf("cancel rejected but no fill landed: %+v", subRes.Trades)
			}
			if o.Status != model.OrderFilled {
				t.Fatalf("order status = %s after fill won, want FILLED", o.Status)
			}
			if got := balance(t, svc, "alice"); !got.Equal(d(40)) {
				t.Fatalf("alice balance = %s after fill won, want 40", got)
			}
		default:
			t.Fatalf("cancel err = %v, want nil or ErrInvalidState", cancelErr)
		}

		if got := sumMoney(t, svc, ms, evID, []string{"alice", "bob"}); !got.Equal(d(200)) {
			t.Fatalf("money not conserved under race: %s", got)
		}
	}
}

func TestCancelOrder_WrongUserForbidden(t *testing.T) {
	svc, _, evID := newTestEnv(t)

	res := submit(t, svc, evID, "alice", model.SideYes, 6, 10)

	_, err := svc.CancelOrder(context.Background(), res.Order.ID, "bob")
	if !errors.Is(err, model.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestCancelOrder_PartialRefundsRemainingLockOnly(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	res := submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 4)

	cres, err := svc.CancelOrder(ctx, res.Order.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 6 shares unmatched at 6 apiece.
	if !cres.Refund.Equal(d(36)) {
		t.Errorf("refund = %s, want 36", cres.Refund)
	}
	if got := balance(t, svc, "alice"); !got.Equal(d(76)) {
		t.Errorf("alice balance = %s, want 76", got)
	}
}

func TestDeposit(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	ctx := context.Background()

	acct, err := svc.Deposit(ctx, "carol", d(42.50))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if !acct.Balance.Equal(d(42.50)) {
		t.Errorf("balance = %s, want 42.50", acct.Balance)
	}

	if _, err := svc.Deposit(ctx, "carol", d(-5)); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("negative deposit err = %v, want ErrInvalidAmount", err)
	}
	if _, err := svc.Deposit(ctx, "carol", decimal.Zero); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("zero deposit err = %v, want ErrInvalidAmount", err)
	}
}

func TestLedger_SumEqualsBalance(t *testing.T) {
	svc, _, evID := newTestEnv(t)
	ctx := context.Background()

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 6)
	res := submit(t, svc, evID, "bob", model.SideNo, 3, 5)
	if _, err := svc.CancelOrder(ctx, res.Order.ID, "bob"); err != nil {
		t.Fatal(err)
	}

	for _, user := range []string{"alice", "bob"} {
		entries, err := svc.Ledger(ctx, user)
		if err != nil {
			t.Fatalf("ledger %s: %v", user, err)
		}
		sum := decimal.Zero
		for _, e := range entries {
			sum = sum.Add(e.Amount)
		}
		bal := balance(t, svc, user)
		if !sum.Equal(bal) {
			t.Errorf("%s: ledger sum %s != balance %s", user, sum, bal)
		}
	}
}

// sumMoney totals all balances, resting locks, and unsettled trade escrow.
// This quantity must be invariant under matching and cancellation.
func sumMoney(t *testing.T, svc *engine.Service, ms *store.MemoryStore, evID string, users []string) decimal.Decimal {
	t.Helper()
	ctx := context.Background()
	total := decimal.Zero
	for _, u := range users {
		total = total.Add(balance(t, svc, u))
	}
	orders, err := ms.ListRestingOrders(ctx, evID)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range orders {
		total = total.Add(o.LockedAmount)
	}
	trades, err := svc.Trades(ctx, evID)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range trades {
		if !tr.Settled {
			total = total.Add(tr.Escrow())
		}
	}
	return total
}

func TestConservationOfMoney(t *testing.T) {
	svc, ms, evID := newTestEnv(t)
	users := []string{"alice", "bob"}
	before := sumMoney(t, svc, ms, evID, users)

	submit(t, svc, evID, "alice", model.SideYes, 6, 10)
	submit(t, svc, evID, "bob", model.SideNo, 4, 6)
	res := submit(t, svc, evID, "alice", model.SideNo, 2.5, 8)
	submit(t, svc, evID, "bob", model.SideYes, 7.5, 3)
	if _, err := svc.CancelOrder(context.Background(), res.Order.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	after := sumMoney(t, svc, ms, evID, users)
	if !after.Equal(before) {
		t.Fatalf("money not conserved: before %s, after %s", before, after)
	}
}
