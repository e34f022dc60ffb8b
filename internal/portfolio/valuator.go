package portfolio

import (
	"math"
	"sort"
	"strings"
	"time"

	"zone-grid-bot-go/internal/models"
)

// Valuator converts multi-currency balances into one settlement-currency total.
type Valuator struct {
	Settlement    string
	FallbackRates map[string]float64 // currency -> settlement rate
	now           func() time.Time
}

// NewValuator returns a Valuator for settlement.
func NewValuator(settlement string, fallbackRates map[string]float64) *Valuator {
	rates := make(map[string]float64, len(fallbackRates))
	for k, v := range fallbackRates {
		rates[strings.ToUpper(k)] = v
	}
	return &Valuator{Settlement: strings.ToUpper(settlement), FallbackRates: rates, now: time.Now}
}

// Value never fails. Balances with no usable price contribute zero and are listed in Unpriced.
// tickers is keyed by BASE/QUOTE pair.
func (v *Valuator) Value(balances map[string]float64, tickers map[string]float64) models.PortfolioSnapshot {
	now := time.Now
	if v.now != nil {
		now = v.now
	}
	snap := models.PortfolioSnapshot{
		Balances:      make(map[string]float64, len(balances)),
		Contributions: make(map[string]float64, len(balances)),
		Settlement:    v.Settlement,
		ComputedAt:    now(),
	}

	prices := make(map[string]float64, len(tickers))
	for pair, p := range tickers {
		if base, quote, ok := models.ParsePair(pair); ok && usable(p) {
			prices[models.PairKey(base, quote)] = p
		}
	}

	currencies := make([]string, 0, len(balances))
	for c := range balances {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	for _, c := range currencies {
		amount := balances[c]
		cur := strings.ToUpper(c)
		if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
			amount = 0
		}
		snap.Balances[cur] += amount

		rate, ok := v.rate(cur, prices)
		if !ok {
			snap.Unpriced = append(snap.Unpriced, cur)
			if _, seen := snap.Contributions[cur]; !seen {
				snap.Contributions[cur] = 0
			}
			continue
		}
		value := amount * rate
		if math.IsNaN(value) || math.IsInf(value, 0) {
			value = 0
		}
		snap.Contributions[cur] += value
		snap.Total += value
	}
	return snap
}

func (v *Valuator) rate(currency string, prices map[string]float64) (float64, bool) {
	if currency == v.Settlement {
		return 1, true
	}
	if p, ok := prices[models.PairKey(currency, v.Settlement)]; ok {
		return p, true
	}
	if p, ok := prices[models.PairKey(v.Settlement, currency)]; ok {
		return 1 / p, true
	}
	if r, ok := v.FallbackRates[currency]; ok && usable(r) {
		return r, true
	}
	return 0, false
}

func usable(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}
