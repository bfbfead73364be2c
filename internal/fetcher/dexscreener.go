package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const tokensPath = "/tokens/v1"

// DexScreenerOptions parameterise the DexScreener fetcher.
type DexScreenerOptions struct {
	BaseURL       string
	Timeout       time.Duration
	UserAgent     string
	RatePerSecond float64
	Burst         int
	// SampleBucket quantizes ObservedAt so monitors sharing a token share a sample.
	SampleBucket time.Duration
	Clock        func() time.Time
}

// DexScreener fetches token prices from the DexScreener public API.
type DexScreener struct {
	opts    DexScreenerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	clock   func() time.Time
}

// NewDexScreener constructs a DexScreener price source.
func NewDexScreener(opts DexScreenerOptions, logger zerolog.Logger) *DexScreener {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com"
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &DexScreener{
		opts:    opts,
		logger:  logger.With().Str("component", "dexscreener_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: limiter,
		clock:   clock,
	}
}

// FetchPrice returns the USD price of the token's first matching pair.
func (d *DexScreener) FetchPrice(ctx context.Context, chainID, tokenAddress string) (Quote, error) {
	if chainID == "" || tokenAddress == "" {
		return Quote{}, fmt.Errorf("%w: chain and token address required", ErrNotFound)
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return Quote{}, fmt.Errorf("%w: rate limiter: %v", ErrTimeout, err)
		}
	}

	endpoint := fmt.Sprintf("%s%s/%s/%s", d.baseURL, tokensPath, url.PathEscape(chainID), url.PathEscape(tokenAddress))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: build request: %v", ErrUnknown, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "dex-monitor/1.0")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if Kind(err) == ErrTimeout {
			return Quote{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return Quote{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: read body: %v", Kind(err), err)
	}

	if resp.StatusCode != http.StatusOK {
		return Quote{}, statusError(resp.StatusCode, payload)
	}

	pairs, err := decodePairs(payload)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: decode pairs: %v", ErrUnknown, err)
	}
	best, ok := selectPair(pairs, tokenAddress)
	if !ok {
		return Quote{}, fmt.Errorf("%w: no pairs for %s on %s", ErrNotFound, tokenAddress, chainID)
	}
	if strings.TrimSpace(best.PriceUSD) == "" {
		return Quote{}, fmt.Errorf("%w: no priceUsd for %s on %s", ErrNotFound, tokenAddress, chainID)
	}

	price, err := decimal.NewFromString(best.PriceUSD)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: parse priceUsd %q: %v", ErrUnknown, best.PriceUSD, err)
	}

	observed := d.clock().UTC()
	if d.opts.SampleBucket > 0 {
		observed = observed.Truncate(d.opts.SampleBucket)
	}

	d.logger.Debug().
		Str("chain_id", chainID).
		Str("token", tokenAddress).
		Str("price_usd", price.String()).
		Msg("price fetched")

	return Quote{PriceUSD: price, ObservedAt: observed, Symbol: best.BaseToken.Symbol}, nil
}

type pairToken struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type pair struct {
	ChainID   string    `json:"chainId"`
	DexID     string    `json:"dexId"`
	PairAddr  string    `json:"pairAddress"`
	BaseToken pairToken `json:"baseToken"`
	PriceUSD  string    `json:"priceUsd"`
}

// decodePairs accepts both the bare array and the {"pairs": [...]} envelope.
func decodePairs(payload []byte) ([]pair, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		var pairs []pair
		if err := json.Unmarshal(payload, &pairs); err != nil {
			return nil, err
		}
		return pairs, nil
	}

	var envelope struct {
		Pairs []pair `json:"pairs"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, err
	}
	return envelope.Pairs, nil
}

// selectPair prefers the first pair quoting the token as base asset.
func selectPair(pairs []pair, tokenAddress string) (pair, bool) {
	if len(pairs) == 0 {
		return pair{}, false
	}
	for _, p := range pairs {
		if strings.EqualFold(p.BaseToken.Address, tokenAddress) {
			return p, true
		}
	}
	return pairs[0], true
}

func statusError(status int, payload []byte) error {
	body := strings.TrimSpace(string(payload))
	if len(body) > 200 {
		body = body[:200]
	}

	var kind error
	switch {
	case status == http.StatusNotFound:
		kind = ErrNotFound
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimited
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		kind = ErrTimeout
	default:
		kind = ErrUnknown
	}

	if body != "" {
		return fmt.Errorf("%w: dexscreener status %d: %s", kind, status, body)
	}
	return fmt.Errorf("%w: dexscreener status %d", kind, status)
}

var _ PriceSource = (*DexScreener)(nil)
