package exchange

import (
	"fmt"
	"strings"

	"zone-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// Rules 交易对的下单限制
type Rules struct {
	MinSize    decimal.Decimal // 最小下单数量(基础货币)
	MinValue   decimal.Decimal // 最小下单金额(计价货币)
	AmountStep decimal.Decimal
	PriceTick  decimal.Decimal
}

func newRules(minSize, minValue, step, tick string) Rules {
	return Rules{
		MinSize:    decimal.RequireFromString(minSize),
		MinValue:   decimal.RequireFromString(minValue),
		AmountStep: decimal.RequireFromString(step),
		PriceTick:  decimal.RequireFromString(tick),
	}
}

var knownRules = map[string]map[string]Rules{
	ExchangeBinance: {
		"BTC/USDT": newRules("0.00001", "5", "0.00000001", "0.1"),
		"ETH/USDT": newRules("0.001", "5", "0.0001", "0.01"),
		"SOL/USDT": newRules("0.01", "5", "0.01", "0.001"),
	},
	ExchangeBitkub: {
		"BTC/THB": newRules("0.00000001", "10", "0.00000001", "0.01"),
		"ETH/THB": newRules("0.005", "10", "0.00000001", "0.01"),
	},
}

var defaultRules = newRules("0", "0", "0.00000001", "0.00000001")

// LookupRules 返回交易对的下单限制，未登记的交易对使用宽松的默认值
func LookupRules(exchangeID, symbol string) Rules {
	base, quote, ok := models.ParsePair(symbol)
	if !ok {
		return defaultRules
	}
	if r, ok := knownRules[strings.ToLower(exchangeID)][models.PairKey(base, quote)]; ok {
		return r
	}
	return defaultRules
}

// Normalize 价格按tick四舍五入，数量按step向下取整，并检查最小数量与最小金额
func (r Rules) Normalize(price, amount float64) (decimal.Decimal, decimal.Decimal, error) {
	p := roundToStep(decimal.NewFromFloat(price), r.PriceTick, false)
	a := roundToStep(decimal.NewFromFloat(amount), r.AmountStep, true)
	if !p.IsPositive() {
		return p, a, fmt.Errorf("%w: price %s rounds to zero", models.ErrBelowMinimumSize, p)
	}
	if !a.IsPositive() || a.LessThan(r.MinSize) {
		return p, a, fmt.Errorf("%w: amount %s below minimum %s", models.ErrBelowMinimumSize, a, r.MinSize)
	}
	if value := p.Mul(a); value.LessThan(r.MinValue) {
		return p, a, fmt.Errorf("%w: order value %s below minimum %s", models.ErrBelowMinimumSize, value, r.MinValue)
	}
	return p, a, nil
}

func roundToStep(v, step decimal.Decimal, down bool) decimal.Decimal {
	if !step.IsPositive() {
		return v
	}
	units := v.Div(step)
	if down {
		units = units.Floor()
	} else {
		units = units.Round(0)
	}
	return units.Mul(step)
}
