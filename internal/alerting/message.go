package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dexmonitor/internal/fetcher"
)

// AlertMessage is the context rendered into an alert text.
type AlertMessage struct {
	Symbol       string
	ChainID      string
	TokenAddress string
	PrevPrice    decimal.Decimal
	Price        decimal.Decimal
	PctChange    decimal.Decimal
	ThresholdPct decimal.Decimal
	ObservedAt   time.Time
}

func displayName(symbol, address string) string {
	if symbol == "" || symbol == "?" {
		return fetcher.ShortAddress(address)
	}
	return symbol
}

// Render formats an alert, e.g.
//
//	⚡ BONK/USD: -7.32% | (2024-01-01 12:00:05 UTC): $95.00
func (m AlertMessage) Render() string {
	name := displayName(m.Symbol, m.TokenAddress)

	icon := "📈"
	if m.PctChange.Sign() < 0 {
		icon = "📉"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("⚡ %s/USD: %s%% | (%s UTC): $%s\n",
		name,
		signed(m.PctChange),
		m.ObservedAt.UTC().Format(time.DateTime),
		m.Price.String(),
	))
	b.WriteString(fmt.Sprintf("%s from $%s (threshold %s%%)\n", icon, m.PrevPrice.String(), m.ThresholdPct.String()))
	b.WriteString(fmt.Sprintf("Chain: %s\nToken: %s", m.ChainID, m.TokenAddress))
	return b.String()
}

// BaselineMessage is the notice sent when a monitor records its first price.
type BaselineMessage struct {
	Symbol       string
	TokenAddress string
	Price        decimal.Decimal
	ObservedAt   time.Time
}

// Render formats the notice, e.g. "📊 BONK/USD (2024-01-01 12:00:05 UTC): $95".
func (m BaselineMessage) Render() string {
	return fmt.Sprintf("📊 %s/USD (%s UTC): $%s",
		displayName(m.Symbol, m.TokenAddress),
		m.ObservedAt.UTC().Format(time.DateTime),
		m.Price.String(),
	)
}

func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	if d.Sign() > 0 {
		return "+" + s
	}
	return s
}
