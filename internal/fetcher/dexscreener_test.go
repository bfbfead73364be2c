package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestSource(baseURL string, clock func() time.Time) *DexScreener {
	return NewDexScreener(DexScreenerOptions{
		BaseURL:      baseURL,
		Timeout:      time.Second,
		UserAgent:    "test",
		SampleBucket: 5 * time.Second,
		Clock:        clock,
	}, noopLogger())
}

func TestDexScreenerFetchSuccess(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"baseToken": map[string]string{"address": "OTHER", "symbol": "USDC"}, "priceUsd": "1.00"},
			{"baseToken": map[string]string{"address": "tokY", "symbol": "TOK"}, "priceUsd": "102.50"},
		})
	}))
	defer srv.Close()

	now := time.Date(2024, 1, 1, 12, 0, 7, 300, time.UTC)
	src := newTestSource(srv.URL, func() time.Time { return now })

	quote, err := src.FetchPrice(context.Background(), "solana", "tokY")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotPath != "/tokens/v1/solana/tokY" {
		t.Fatalf("path = %s", gotPath)
	}
	if gotUA != "test" {
		t.Fatalf("user agent = %s", gotUA)
	}
	if !quote.PriceUSD.Equal(decimal.RequireFromString("102.50")) {
		t.Fatalf("price = %s", quote.PriceUSD)
	}
	if quote.Symbol != "TOK" {
		t.Fatalf("symbol = %s", quote.Symbol)
	}
	if want := time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC); !quote.ObservedAt.Equal(want) {
		t.Fatalf("observed at = %s, want %s", quote.ObservedAt, want)
	}
}

func TestDexScreenerFetchEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pairs":[{"baseToken":{"address":"x","symbol":"X"},"priceUsd":"0.5"}]}`))
	}))
	defer srv.Close()

	quote, err := newTestSource(srv.URL, nil).FetchPrice(context.Background(), "solana", "tokY")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !quote.PriceUSD.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("price = %s", quote.PriceUSD)
	}
}

func TestDexScreenerErrorKinds(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"message":"slow down"}`, ErrRateLimited},
		{"not found status", http.StatusNotFound, ``, ErrNotFound},
		{"server error", http.StatusInternalServerError, `oops`, ErrUnknown},
		{"empty pairs", http.StatusOK, `[]`, ErrNotFound},
		{"missing price", http.StatusOK, `[{"baseToken":{"address":"tokY"}}]`, ErrNotFound},
		{"bad json", http.StatusOK, `{`, ErrUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestSource(srv.URL, nil).FetchPrice(context.Background(), "solana", "tokY")
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestDexScreenerTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestSource(srv.URL, nil).FetchPrice(ctx, "solana", "tokY")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !Transient(err) {
		t.Fatal("timeout should be transient")
	}
}

func TestKind(t *testing.T) {
	if Kind(nil) != nil {
		t.Fatal("nil should map to nil")
	}
	if Kind(context.DeadlineExceeded) != ErrTimeout {
		t.Fatal("deadline should map to timeout")
	}
	if Kind(errors.New("boom")) != ErrUnknown {
		t.Fatal("plain error should map to unknown")
	}
	if Transient(ErrNotFound) {
		t.Fatal("not found is not transient")
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("Ethereum", "0x9D39A5DE30E57443BfF2A8307A4256c8797A3497")
	if err != nil {
		t.Fatalf("normalize evm: %v", err)
	}
	if got != strings.ToLower("0x9D39A5DE30E57443BfF2A8307A4256c8797A3497") {
		t.Fatalf("evm address = %s", got)
	}

	if _, err := NormalizeAddress("base", "0x1234"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("short evm address err = %v", err)
	}

	sol := "7S2dUDw6VR3jtWbzyizfNmeh8F5TLvz4sVgYxnUWpump"
	got, err = NormalizeAddress("solana", "  "+sol+" ")
	if err != nil || got != sol {
		t.Fatalf("solana address = %q, %v", got, err)
	}

	if _, err := NormalizeAddress("solana", ""); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("empty err = %v", err)
	}
	if _, err := NormalizeAddress("solana", "a/b"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("path char err = %v", err)
	}
}

func TestShortAddress(t *testing.T) {
	if got := ShortAddress("abc"); got != "abc" {
		t.Fatalf("short = %s", got)
	}
	if got := ShortAddress("7S2dUDw6VR3jtWbzyizfNmeh8F5TLvz4sVgYxnUWpump"); got != "7S2dUD…pump" {
		t.Fatalf("short = %s", got)
	}
}
