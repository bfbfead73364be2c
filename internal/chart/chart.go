// Package chart renders price samples as a PNG line chart or CSV.
package chart

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	gochart "github.com/wcharczuk/go-chart/v2"

	"dexmonitor/internal/fetcher"
	"dexmonitor/internal/storage"
)

// ErrNoData is returned when there are no samples to render.
var ErrNoData = errors.New("chart: no price data in window")

// Options control rendering.
type Options struct {
	Width     int
	Height    int
	MaxPoints int
}

// Series is the price history of one token.
type Series struct {
	Key     storage.TokenKey
	Symbol  string
	Samples []storage.PriceSample
}

// Name is the symbol, or the abbreviated address when unknown.
func (s Series) Name() string {
	if s.Symbol != "" {
		return s.Symbol
	}
	return fetcher.ShortAddress(s.Key.TokenAddress)
}

// Span is the time between the first and last sample.
func (s Series) Span() time.Duration {
	if len(s.Samples) < 2 {
		return 0
	}
	return s.Samples[len(s.Samples)-1].Timestamp.Sub(s.Samples[0].Timestamp)
}

// Caption summarises the series, e.g. "TOK (solana), 120 points, past 5h 59m".
func (s Series) Caption() string {
	return fmt.Sprintf("%s (%s), %d points, past %s", s.Name(), s.Key.ChainID, len(s.Samples), formatSpan(s.Span()))
}

func formatSpan(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", h, m)
}

// LoadSeries reads samples of key since the given time together with the
// token symbol.
func LoadSeries(ctx context.Context, store storage.SampleStore, key storage.TokenKey, since time.Time) (Series, error) {
	samples, err := store.ListSamplesSince(ctx, key, since)
	if err != nil {
		return Series{}, err
	}
	symbol, err := store.TokenSymbol(ctx, key)
	if err != nil {
		return Series{}, err
	}
	return Series{Key: key, Symbol: symbol, Samples: samples}, nil
}

// Downsample keeps at most max evenly spaced samples, always including the
// first and last.
func Downsample(samples []storage.PriceSample, max int) []storage.PriceSample {
	if max <= 1 || len(samples) <= max {
		return samples
	}

	result := make([]storage.PriceSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		result = append(result, samples[idx])
	}
	return result
}

// WritePNG renders the series as a PNG line chart.
func WritePNG(w io.Writer, s Series, opts Options) error {
	samples := Downsample(s.Samples, opts.MaxPoints)
	if len(samples) == 0 {
		return ErrNoData
	}
	if opts.Width <= 0 {
		opts.Width = 1280
	}
	if opts.Height <= 0 {
		opts.Height = 480
	}

	x := make([]time.Time, len(samples))
	y := make([]float64, len(samples))
	minY, maxY := math.Inf(1), math.Inf(-1)
	for i, sample := range samples {
		x[i] = sample.Timestamp.UTC()
		y[i] = sample.PriceUSD.InexactFloat64()
		minY = math.Min(minY, y[i])
		maxY = math.Max(maxY, y[i])
	}

	xAxis := gochart.XAxis{
		Name:           "Time (UTC)",
		ValueFormatter: gochart.TimeValueFormatterWithFormat("15:04"),
	}
	if len(samples) == 1 {
		mid := gochart.TimeToFloat64(x[0])
		pad := float64(time.Minute)
		xAxis.Range = &gochart.ContinuousRange{Min: mid - pad, Max: mid + pad}
	}

	yAxis := gochart.YAxis{
		Name:           "Price (USD)",
		ValueFormatter: priceFormatter(maxY),
	}
	if minY == maxY {
		pad := math.Abs(minY) * 0.01
		if pad == 0 {
			pad = 1
		}
		yAxis.Range = &gochart.ContinuousRange{Min: minY - pad, Max: maxY + pad}
	}

	graph := gochart.Chart{
		Title:  fmt.Sprintf("%s on %s, past %s", s.Name(), s.Key.ChainID, formatSpan(s.Span())),
		Width:  opts.Width,
		Height: opts.Height,
		XAxis:  xAxis,
		YAxis:  yAxis,
		Series: []gochart.Series{
			gochart.TimeSeries{
				Name:    s.Name(),
				XValues: x,
				YValues: y,
			},
		},
	}

	if err := graph.Render(gochart.PNG, w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

// priceFormatter picks enough decimals for sub-cent tokens.
func priceFormatter(maxY float64) gochart.ValueFormatter {
	format := "%.2f"
	switch {
	case maxY < 0.0001:
		format = "%.8f"
	case maxY < 0.01:
		format = "%.6f"
	case maxY < 1:
		format = "%.4f"
	}
	return func(v interface{}) string {
		return gochart.FloatValueFormatterWithFormat(v, format)
	}
}

// WriteCSV writes the series as ts,price_usd,source rows.
func WriteCSV(w io.Writer, s Series) error {
	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"ts", "chain_id", "token_address", "price_usd", "source"}); err != nil {
		return err
	}
	for _, sample := range s.Samples {
		record := []string{
			sample.Timestamp.UTC().Format(time.RFC3339),
			sample.ChainID,
			sample.TokenAddress,
			sample.PriceUSD.String(),
			sample.Source,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}
