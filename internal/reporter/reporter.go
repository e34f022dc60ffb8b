package reporter

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"zone-grid-bot-go/internal/bot"
	"zone-grid-bot-go/internal/models"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// TradeStats 从成交记录统计出的运行指标
type TradeStats struct {
	TotalTrades int
	BuyTrades   int
	SellTrades  int
	BuyVolume   float64 // 计价货币
	SellVolume  float64
	NetCashFlow float64 // 卖出所得 - 买入花费
	First       time.Time
	Last        time.Time
}

// Summarize 统计成交记录，忽略方向未知的记录
func Summarize(trades []models.Trade) TradeStats {
	var s TradeStats
	for _, t := range trades {
		value := t.Price * t.Amount
		switch t.Side {
		case models.SideBuy:
			s.BuyTrades++
			s.BuyVolume += value
		case models.SideSell:
			s.SellTrades++
			s.SellVolume += value
		default:
			continue
		}
		s.TotalTrades++
		if s.First.IsZero() || t.Timestamp.Before(s.First) {
			s.First = t.Timestamp
		}
		if t.Timestamp.After(s.Last) {
			s.Last = t.Timestamp
		}
	}
	s.NetCashFlow = s.SellVolume - s.BuyVolume
	return s
}

// EquityCurve 记录组合估值的时间序列，用于计算最大回撤。并发安全。
type EquityCurve struct {
	mu     sync.Mutex
	values []float64
	max    int
}

// NewEquityCurve 最多保留 max 个点，max <= 0 表示不限制
func NewEquityCurve(max int) *EquityCurve {
	return &EquityCurve{max: max}
}

func (c *EquityCurve) Add(v float64) {
	if v <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, v)
	if c.max > 0 && len(c.values) > c.max {
		c.values = c.values[len(c.values)-c.max:]
	}
}

// MaxDrawdown 返回最大回撤比例(0..1)
func (c *EquityCurve) MaxDrawdown() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return calculateMaxDrawdown(c.values)
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	if title != "" {
		t.SetTitle("%s", title)
	}
	t.SetStyle(table.StyleLight)
	return t
}

// RenderStatus 打印机器人状态与各价位
func RenderStatus(w io.Writer, st bot.Status) {
	t := newTable(w, "Grid Bot")
	t.AppendRows([]table.Row{
		{"State", st.State},
		{"Mode", fmt.Sprintf("%s (%s/%s)", st.Mode, st.Exchange, st.Network)},
		{"Symbol", st.Symbol},
		{"Active zones", joinInts(st.ActiveZones)},
		{"Active levels", st.ActiveLevels},
		{"Open orders", st.OpenOrders},
		{"Realized PnL", fmt.Sprintf("%.4f", st.PnL.Realized)},
		{"Unrealized PnL", fmt.Sprintf("%.4f", st.PnL.Unrealized)},
		{"Inventory", formatInventory(st.Inventory)},
		{"Updated", st.UpdatedAt.Format("2006-01-02 15:04:05")},
	})
	if st.LastError != "" {
		t.AppendRow(table.Row{"Last error", st.LastError})
	}
	t.Render()

	if len(st.Levels) == 0 {
		return
	}
	lt := newTable(w, "Levels")
	lt.AppendHeader(table.Row{"#", "Price", "Side", "Zone", "Active", "State"})
	lt.SetColumnConfigs([]table.ColumnConfig{{Number: 2, Align: text.AlignRight}})
	for i := len(st.Levels) - 1; i >= 0; i-- {
		l := st.Levels[i]
		lt.AppendRow(table.Row{l.Index, fmt.Sprintf("%.2f", l.Price), l.Side, l.ZoneID, l.Active, l.State})
	}
	lt.Render()
}

// RenderPortfolio 打印组合估值，maxDrawdown 为比例
func RenderPortfolio(w io.Writer, snap models.PortfolioSnapshot, maxDrawdown float64) {
	t := newTable(w, "Portfolio ("+snap.Settlement+")")
	t.AppendHeader(table.Row{"Currency", "Amount", "Value"})
	currencies := make([]string, 0, len(snap.Balances))
	for cur := range snap.Balances {
		currencies = append(currencies, cur)
	}
	sort.Strings(currencies)
	for _, cur := range currencies {
		t.AppendRow(table.Row{cur, fmt.Sprintf("%.8f", snap.Balances[cur]), fmt.Sprintf("%.2f", snap.Contributions[cur])})
	}
	t.AppendFooter(table.Row{"Total", "", fmt.Sprintf("%.2f", snap.Total)})
	if len(snap.Unpriced) > 0 {
		t.SetCaption("unpriced: %s", strings.Join(snap.Unpriced, ", "))
	}
	t.Render()
	if maxDrawdown > 0 {
		fmt.Fprintf(w, "max drawdown: %.2f%%\n", maxDrawdown*100)
	}
}

// RenderTrades 打印成交统计和最近 limit 笔成交(输入按时间倒序)
func RenderTrades(w io.Writer, trades []models.Trade, limit int) {
	s := Summarize(trades)
	t := newTable(w, "Trades")
	t.AppendRows([]table.Row{
		{"Total", s.TotalTrades},
		{"Buys", fmt.Sprintf("%d (%.2f)", s.BuyTrades, s.BuyVolume)},
		{"Sells", fmt.Sprintf("%d (%.2f)", s.SellTrades, s.SellVolume)},
		{"Net cash flow", fmt.Sprintf("%.2f", s.NetCashFlow)},
	})
	t.Render()

	if limit <= 0 || len(trades) == 0 {
		return
	}
	if len(trades) > limit {
		trades = trades[:limit]
	}
	rt := newTable(w, "")
	rt.AppendHeader(table.Row{"Time", "Level", "Side", "Price", "Amount"})
	for _, tr := range trades {
		rt.AppendRow(table.Row{tr.Timestamp.Format("01-02 15:04:05"), tr.LevelIndex, tr.Side, fmt.Sprintf("%.2f", tr.Price), fmt.Sprintf("%.8f", tr.Amount)})
	}
	rt.Render()
}

func joinInts(v []int) string {
	if len(v) == 0 {
		return "-"
	}
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}

func formatInventory(inv map[string]float64) string {
	if len(inv) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(inv))
	for k := range inv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s %.8g", k, inv[k])
	}
	return strings.Join(parts, "  ")
}
