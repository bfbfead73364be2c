package chart

import (
	"bytes"
	"encoding/csv"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dexmonitor/internal/storage"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func samples(prices ...string) []storage.PriceSample {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]storage.PriceSample, len(prices))
	for i, p := range prices {
		out[i] = storage.PriceSample{
			ChainID:      "solana",
			TokenAddress: "7S2dUDw6VR3jtWbzyizfNmeh8F5TLvz4sVgYxnUWpump",
			Timestamp:    start.Add(time.Duration(i) * 30 * time.Minute),
			PriceUSD:     decimal.RequireFromString(p),
			Source:       storage.DefaultSampleSource,
		}
	}
	return out
}

func series(prices ...string) Series {
	return Series{
		Key:     storage.TokenKey{ChainID: "solana", TokenAddress: "7S2dUDw6VR3jtWbzyizfNmeh8F5TLvz4sVgYxnUWpump"},
		Samples: samples(prices...),
	}
}

func TestWritePNG(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePNG(&buf, series("1.0", "1.2", "0.9", "1.1"), Options{Width: 640, Height: 240}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), pngMagic) {
		t.Fatal("output is not a PNG")
	}
}

func TestWritePNGFlatAndSingle(t *testing.T) {
	for name, s := range map[string]Series{
		"flat":   series("0.00000120", "0.00000120", "0.00000120"),
		"single": series("42"),
	} {
		var buf bytes.Buffer
		if err := WritePNG(&buf, s, Options{}); err != nil {
			t.Fatalf("%s: render: %v", name, err)
		}
		if !bytes.HasPrefix(buf.Bytes(), pngMagic) {
			t.Fatalf("%s: output is not a PNG", name)
		}
	}
}

func TestWritePNGNoData(t *testing.T) {
	if err := WritePNG(&bytes.Buffer{}, Series{}, Options{}); !errors.Is(err, ErrNoData) {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, series("1.5", "2")); err != nil {
		t.Fatalf("csv: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[1][0] != "2024-01-01T00:00:00Z" || rows[1][3] != "1.5" || rows[2][4] != "dexscreener" {
		t.Fatalf("rows = %v", rows)
	}
}

func TestDownsampleKeepsEnds(t *testing.T) {
	in := samples("1", "2", "3", "4", "5", "6", "7", "8", "9", "10")
	out := Downsample(in, 4)
	if len(out) != 4 {
		t.Fatalf("len = %d", len(out))
	}
	if !out[0].Timestamp.Equal(in[0].Timestamp) || !out[3].Timestamp.Equal(in[9].Timestamp) {
		t.Fatal("first and last samples must be kept")
	}
	if got := Downsample(in, 0); len(got) != len(in) {
		t.Fatal("non-positive max keeps everything")
	}
}

func TestCaption(t *testing.T) {
	s := series("1", "2", "3")
	if got := s.Caption(); got != "7S2dUD…pump (solana), 3 points, past 1h 0m" {
		t.Fatalf("caption = %q", got)
	}
	s.Symbol = "TOK"
	if s.Name() != "TOK" {
		t.Fatalf("name = %q", s.Name())
	}
}
