package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultSampleSource tags samples fetched from DexScreener.
const DefaultSampleSource = "dexscreener"

// TokenKey identifies a token on a chain.
type TokenKey struct {
	ChainID      string
	TokenAddress string
}

func (k TokenKey) String() string {
	return k.ChainID + ":" + k.TokenAddress
}

// Participant is the user/chat pair behind a front-end interaction.
type Participant struct {
	UserID    int64
	Username  string
	ChatID    int64
	ChatType  string
	ChatTitle string
}

// Token is a lazily created token row.
type Token struct {
	ChainID      string
	TokenAddress string
	Symbol       *string
	FirstSeen    time.Time
}

// Monitor is a standing subscription of one chat to one token.
type Monitor struct {
	ID           int64
	ChatID       int64
	ChainID      string
	TokenAddress string
	ThresholdPct decimal.Decimal
	IsActive     bool
	PrevPriceUSD *decimal.Decimal
	PrevPriceAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the token key of the monitor.
func (m Monitor) Key() TokenKey {
	return TokenKey{ChainID: m.ChainID, TokenAddress: m.TokenAddress}
}

// SameVersion reports whether other carries the same row version as m.
func (m Monitor) SameVersion(other Monitor) bool {
	if m.IsActive != other.IsActive || !m.UpdatedAt.Equal(other.UpdatedAt) {
		return false
	}
	switch {
	case m.PrevPriceAt == nil && other.PrevPriceAt == nil:
		return true
	case m.PrevPriceAt == nil || other.PrevPriceAt == nil:
		return false
	default:
		return m.PrevPriceAt.Equal(*other.PrevPriceAt)
	}
}

// PriceSample is an append-only price point.
type PriceSample struct {
	ChainID      string
	TokenAddress string
	Timestamp    time.Time
	PriceUSD     decimal.Decimal
	Source       string
}

// Alert is the audit record of one firing decision.
type Alert struct {
	ID        int64
	MonitorID int64
	Timestamp time.Time
	PriceUSD  decimal.Decimal
	PctChange decimal.Decimal
	Message   string
}
