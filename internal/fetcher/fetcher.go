package fetcher

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrTimeout marks a fetch that exceeded its deadline.
	ErrTimeout = errors.New("price source: timeout")
	// ErrNotFound marks a token the source has no price for.
	ErrNotFound = errors.New("price source: not found")
	// ErrRateLimited marks an upstream throttling response.
	ErrRateLimited = errors.New("price source: rate limited")
	// ErrUnknown marks any other failure.
	ErrUnknown = errors.New("price source: unknown error")
)

// Quote is one observed USD price for a token.
type Quote struct {
	PriceUSD   decimal.Decimal
	ObservedAt time.Time
	Symbol     string
}

// PriceSource fetches the current USD price of a token.
type PriceSource interface {
	FetchPrice(ctx context.Context, chainID, tokenAddress string) (Quote, error)
}

// Kind maps err to one of the sentinel fetch errors.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrTimeout
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrUnknown
}

// Transient reports whether a later cycle may succeed where err failed.
func Transient(err error) bool {
	switch Kind(err) {
	case ErrTimeout, ErrRateLimited, ErrUnknown:
		return true
	default:
		return false
	}
}
