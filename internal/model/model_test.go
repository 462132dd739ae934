package model_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/opinix/match-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestValidPrice(t *testing.T) {
	valid := []float64{0.5, 1, 4.5, 5, 9.5}
	for _, p := range valid {
		if !model.ValidPrice(d(p)) {
			t.Errorf("ValidPrice(%v) = false, want true", p)
		}
	}
	invalid := []float64{0, 0.4, 10, 9.51, 6.3, -1}
	for _, p := range invalid {
		if model.ValidPrice(d(p)) {
			t.Errorf("ValidPrice(%v) = true, want false", p)
		}
	}
}

func TestComplementPrice(t *testing.T) {
	if got := model.ComplementPrice(d(6)); !got.Equal(d(4)) {
		t.Errorf("complement of 6 = %s, want 4", got)
	}
	// Every valid price has a valid complement.
	for p := d(0.5); !p.GreaterThan(d(9.5)); p = p.Add(d(0.5)) {
		c := model.ComplementPrice(p)
		if !model.ValidPrice(c) {
			t.Errorf("complement of %s = %s is not a valid price", p, c)
		}
		if !p.Add(c).Equal(model.PayoutPerShare) {
			t.Errorf("%s + %s != payout per share", p, c)
		}
	}
}

func TestStakePerShare(t *testing.T) {
	// Trade prices are YES prices: the NO side's stake is the complement.
	if got := model.StakePerShare(model.SideYes, d(6)); !got.Equal(d(6)) {
		t.Errorf("YES stake = %s, want 6", got)
	}
	if got := model.StakePerShare(model.SideNo, d(6)); !got.Equal(d(4)) {
		t.Errorf("NO stake = %s, want 4", got)
	}
}

func TestTradeWinnerAccessors(t *testing.T) {
	tr := &model.Trade{
		Price:     d(6),
		Quantity:  10,
		YesUserID: "alice",
		NoUserID:  "bob",
	}

	if !tr.Escrow().Equal(d(100)) {
		t.Errorf("escrow = %s, want 100", tr.Escrow())
	}
	if tr.WinnerUserID(model.SideYes) != "alice" || tr.WinnerUserID(model.SideNo) != "bob" {
		t.Error("winner user mismatch")
	}
	if !tr.WinnerStake(model.SideYes).Equal(d(60)) {
		t.Errorf("YES stake = %s, want 60", tr.WinnerStake(model.SideYes))
	}
	if !tr.WinnerStake(model.SideNo).Equal(d(40)) {
		t.Errorf("NO stake = %s, want 40", tr.WinnerStake(model.SideNo))
	}
}

func TestOrderStatusResting(t *testing.T) {
	resting := []model.OrderStatus{model.OrderOpen, model.OrderPartial}
	for _, s := range resting {
		if !s.Resting() {
			t.Errorf("%s.Resting() = false", s)
		}
	}
	terminal := []model.OrderStatus{model.OrderFilled, model.OrderCancelled, model.OrderRefunded}
	for _, s := range terminal {
		if s.Resting() {
			t.Errorf("%s.Resting() = true", s)
		}
	}
}

func TestSideOpposite(t *testing.T) {
	if model.SideYes.Opposite() != model.SideNo || model.SideNo.Opposite() != model.SideYes {
		t.Error("Opposite mismatch")
	}
	if model.Side("MAYBE").Valid() {
		t.Error("unknown side reported valid")
	}
}
