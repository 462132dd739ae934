// Package book implements the pure matching logic for the binary order book:
// complementary-price crossing, price-time priority, and depth aggregation.
// It computes fill plans only; applying them is the settlement layer's job.
package book

import (
	"sort"

	"github.com/opinix/match-engine/internal/model"
)

// Fill pairs a resting counterparty order with the quantity consumed from it.
type Fill struct {
	Order    *model.Order
	Quantity int64
}

// FillPlan is an ordered list of fills plus the incoming order's unmatched
// remainder. An empty resting set yields an empty plan with full remainder.
type FillPlan struct {
	Fills     []Fill
	Remainder int64
}

// Matched returns the total quantity the plan fills.
func (p FillPlan) Matched() int64 {
	var total int64
	for _, f := range p.Fills {
		total += f.Quantity
	}
	return total
}

// Plan computes the fill plan for an incoming order against a set of resting
// orders. Only OPEN/PARTIAL opposite-side orders priced exactly at the
// complement of the incoming price cross: a YES at P matches a NO at 10−P
// and nothing else. Within the level, resting orders are consumed oldest
// first, ties broken by order ID so the ordering is total and reproducible.
//
// Plan never mutates its inputs.
func Plan(incoming *model.Order, resting []*model.Order) FillPlan {
	crossPrice := model.ComplementPrice(incoming.Price)

	eligible := make([]*model.Order, 0, len(resting))
	for _, o := range resting {
		if o.Side != incoming.Side.Opposite() {
			continue
		}
		if !o.Status.Resting() || o.QuantityRemaining <= 0 {
			continue
		}
		if !o.Price.Equal(crossPrice) {
			continue
		}
		eligible = append(eligible, o)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})

	plan := FillPlan{Remainder: incoming.Quantity}
	for _, o := range eligible {
		if plan.Remainder == 0 {
			break
		}
		qty := plan.Remainder
		if o.QuantityRemaining < qty {
			qty = o.QuantityRemaining
		}
		plan.Fills = append(plan.Fills, Fill{Order: o, Quantity: qty})
		plan.Remainder -= qty
	}
	return plan
}

// Depth aggregates OPEN/PARTIAL orders into per-price levels: YES levels
// ordered by price descending, NO levels ascending.
func Depth(eventID string, orders []model.Order) *model.BookDepth {
	yes := levels(orders, model.SideYes)
	no := levels(orders, model.SideNo)

	sort.Slice(yes, func(i, j int) bool { return yes[i].Price.GreaterThan(yes[j].Price) })
	sort.Slice(no, func(i, j int) bool { return no[i].Price.LessThan(no[j].Price) })

	return &model.BookDepth{EventID: eventID, YesLevels: yes, NoLevels: no}
}

func levels(orders []model.Order, side model.Side) []model.PriceLevel {
	byPrice := make(map[string]*model.PriceLevel)
	for i := range orders {
		o := &orders[i]
		if o.Side != side || !o.Status.Resting() || o.QuantityRemaining <= 0 {
			continue
		}
		key := o.Price.String()
		lvl, ok := byPrice[key]
		if !ok {
			lvl = &model.PriceLevel{Price: o.Price}
			byPrice[key] = lvl
		}
		lvl.Quantity += o.QuantityRemaining
		lvl.Orders++
	}

	out := make([]model.PriceLevel, 0, len(byPrice))
	for _, lvl := range byPrice {
		out = append(out, *lvl)
	}
	return out
}
