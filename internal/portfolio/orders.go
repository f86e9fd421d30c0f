// Package portfolio converts the final ranking plus current holdings
// into a bounded list of orders under buffer-zone, cap and settlement
// rules.
package portfolio

import (
	"fmt"
	"math"
	"sort"

	"github.com/quantops/nightshift/internal/config"
)

// Holding is one current position as reported by the terminal.
type Holding struct {
	Code        string
	Qty         int
	MarketValue float64
}

// Quote is the pre-open price picture for one instrument, including the
// exchange limit prices used for executability checks.
type Quote struct {
	Code      string
	Ref       float64 // auction reference price
	Last      float64
	UpLimit   float64
	DownLimit float64
}

// Ranked is the slice of the final ranking the generator needs.
type Ranked struct {
	Code      string
	RankFinal int
}

// Target is a desired weight for one instrument.
type Target struct {
	Code   string
	Weight float64
}

// Order is a single instruction bound for the broker bridge.
type Order struct {
	ClientOrderID string
	Code          string
	Side          string // BUY | SELL
	Qty           int    // lot-aligned
	PriceType     string // LIMIT | MKT
	LimitPrice    float64
	Reason        string
	RiskTags      string
}

const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	PriceLimit  = "LIMIT"
	PriceMarket = "MKT"
)

// priceEps separates "at the limit" from float noise around it.
const priceEps = 1e-6

// Generator applies the buffer-zone rebalancing rules.
//
// The bands are asymmetric on purpose: a holding is tolerated down to
// rank top_sell before being force-closed, but a new position is only
// opened inside the narrower top_buy band. Rank noise near the cutoff
// then churns nothing.
type Generator struct {
	cfg config.Portfolio
}

func NewGenerator(cfg config.Portfolio) *Generator {
	return &Generator{cfg: cfg}
}

// Generate builds the order list for one run. Re-running with the same
// (date, runID) yields identical client order ids, so the broker side
// can never double-execute a replayed generation.
func (g *Generator) Generate(
	tradeDate string,
	ranked []Ranked,
	targets []Target,
	holdings []Holding,
	quotes map[string]Quote,
	cashAvailable float64,
	totalAssets float64,
	runID string,
) []Order {
	byRank := append([]Ranked(nil), ranked...)
	sort.SliceStable(byRank, func(a, b int) bool { return byRank[a].RankFinal < byRank[b].RankFinal })

	retain := map[string]bool{}
	buyBand := map[string]bool{}
	for i, r := range byRank {
		if i < g.cfg.TopSell {
			retain[r.Code] = true
		}
		if i < g.cfg.TopBuy {
			buyBand[r.Code] = true
		}
	}

	held := map[string]Holding{}
	heldCodes := make([]string, 0, len(holdings))
	for _, h := range holdings {
		held[h.Code] = h
		heldCodes = append(heldCodes, h.Code)
	}
	sort.Strings(heldCodes)

	var orders []Order

	// 1) Buffer-zone sells: close anything held that fell out of the
	//    retain band.
	for _, code := range heldCodes {
		if retain[code] {
			continue
		}
		if !g.sellable(quotes, code) {
			continue
		}
		h := held[code]
		if h.Qty <= 0 {
			continue
		}
		orders = append(orders, Order{
			ClientOrderID: orderID(tradeDate, runID, SideSell, code),
			Code:          code,
			Side:          SideSell,
			Qty:           h.Qty,
			PriceType:     PriceMarket,
			Reason:        "BUFFER_SELL_NOT_RETAIN",
		})
	}

	// 2) Move toward targets. T+1 settlement: today's sell proceeds are
	//    not usable, so buying power is only the cash we started with.
	cashForBuys := cashAvailable
	if !g.cfg.CashTPlus1 {
		for _, o := range orders {
			if o.Side == SideSell {
				if q, ok := quotes[o.Code]; ok && q.Ref > 0 {
					cashForBuys += float64(o.Qty) * q.Ref
				}
			}
		}
	}

	sortedTargets := append([]Target(nil), targets...)
	sort.SliceStable(sortedTargets, func(a, b int) bool { return sortedTargets[a].Code < sortedTargets[b].Code })

	for _, t := range sortedTargets {
		if t.Weight <= 0 {
			continue
		}
		_, isHeld := held[t.Code]
		if !buyBand[t.Code] && !isHeld {
			continue // new positions only inside the buy band
		}

		p := g.price(quotes, t.Code)
		if !(p > 0) || math.IsInf(p, 0) {
			continue
		}

		desired := t.Weight * totalAssets
		current := 0.0
		if isHeld {
			current = held[t.Code].MarketValue
		}
		diff := desired - current

		switch {
		case diff > g.cfg.MinOrderValue:
			if !g.buyable(quotes, t.Code) {
				continue // at up-limit: not executable, do not pretend it is
			}
			buyValue := math.Min(diff, cashForBuys)
			if buyValue < g.cfg.MinOrderValue {
				continue
			}
			qty := roundLot(buyValue/p, g.cfg.LotSize)
			if qty <= 0 {
				continue
			}
			orders = append(orders, Order{
				ClientOrderID: orderID(tradeDate, runID, SideBuy, t.Code),
				Code:          t.Code,
				Side:          SideBuy,
				Qty:           qty,
				PriceType:     PriceLimit,
				LimitPrice:    p,
				Reason:        "TARGET_BUY",
			})
			cashForBuys -= float64(qty) * p

		case diff < -g.cfg.MinOrderValue && isHeld:
			if !g.sellable(quotes, t.Code) {
				continue // at down-limit
			}
			h := held[t.Code]
			sellValue := math.Min(-diff, float64(h.Qty)*p)
			qty := roundLot(sellValue/p, g.cfg.LotSize)
			if qty > h.Qty {
				qty = h.Qty
			}
			if qty <= 0 {
				continue
			}
			orders = append(orders, Order{
				ClientOrderID: orderID(tradeDate, runID, "SELLR", t.Code),
				Code:          t.Code,
				Side:          SideSell,
				Qty:           qty,
				PriceType:     PriceLimit,
				LimitPrice:    p,
				Reason:        "TARGET_SELL_REBAL",
			})
		}
	}

	return orders
}

// EqualWeights spreads the top-N picks evenly, scaled by the strength
// gate's exposure multiplier.
func EqualWeights(ranked []Ranked, topN int, exposure float64) []Target {
	byRank := append([]Ranked(nil), ranked...)
	sort.SliceStable(byRank, func(a, b int) bool { return byRank[a].RankFinal < byRank[b].RankFinal })
	if topN > len(byRank) {
		topN = len(byRank)
	}
	if topN <= 0 {
		return nil
	}
	w := exposure / float64(topN)
	out := make([]Target, 0, topN)
	for _, r := range byRank[:topN] {
		out = append(out, Target{Code: r.Code, Weight: w})
	}
	return out
}

// orderID is the deterministic idempotency key: same run, same side,
// same instrument always maps to the same broker-visible id.
func orderID(tradeDate, runID, side, code string) string {
	return fmt.Sprintf("%s_%s_%s_%s", tradeDate, runID, side, code)
}

func roundLot(qty float64, lot int) int {
	if qty <= 0 || lot <= 0 {
		return 0
	}
	return int(math.Floor(qty/float64(lot))) * lot
}

func (g *Generator) price(quotes map[string]Quote, code string) float64 {
	q, ok := quotes[code]
	if !ok {
		return math.NaN()
	}
	if q.Ref > 0 {
		return q.Ref
	}
	return q.Last
}

// buyable is false only when the quote proves the instrument is pinned
// at its up-limit; missing data never blocks.
func (g *Generator) buyable(quotes map[string]Quote, code string) bool {
	q, ok := quotes[code]
	if !ok || q.Ref <= 0 || q.UpLimit <= 0 {
		return true
	}
	return q.Ref < q.UpLimit-priceEps
}

func (g *Generator) sellable(quotes map[string]Quote, code string) bool {
	q, ok := quotes[code]
	if !ok || q.Ref <= 0 || q.DownLimit <= 0 {
		return true
	}
	return q.Ref > q.DownLimit+priceEps
}
