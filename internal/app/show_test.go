package app

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"dexmonitor/internal/storage"
)

func TestWriteMonitors(t *testing.T) {
	price := decimal.RequireFromString("0.0123")
	seen := time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC)
	monitors := []storage.Monitor{
		{ID: 1, ChatID: -100, ChainID: "solana", TokenAddress: "tokA", ThresholdPct: decimal.NewFromInt(5), IsActive: true, PrevPriceUSD: &price, PrevPriceAt: &seen},
		{ID: 2, ChatID: -100, ChainID: "base", TokenAddress: "0xabc", ThresholdPct: decimal.RequireFromString("2.5")},
	}

	var buf bytes.Buffer
	if err := writeMonitors(&buf, monitors); err != nil {
		t.Fatalf("writeMonitors: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header and 2 rows, got %d:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "ID") {
		t.Fatalf("unexpected header %q", lines[0])
	}
	for _, want := range []string{"tokA", "0.0123", "2024-01-01T12:00:05Z", "true"} {
		if !strings.Contains(lines[1], want) {
			t.Fatalf("row %q missing %q", lines[1], want)
		}
	}
	if fields := strings.Fields(lines[2]); fields[len(fields)-1] != "-" || fields[len(fields)-2] != "-" {
		t.Fatalf("expected placeholders for missing baseline, got %q", lines[2])
	}
}

func TestWriteMonitorsEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMonitors(&buf, nil); err != nil {
		t.Fatalf("writeMonitors: %v", err)
	}
	if got := buf.String(); got != "no monitors found\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestWriteAlertsFlattensMessage(t *testing.T) {
	alerts := []storage.Alert{{
		ID:        7,
		MonitorID: 1,
		Timestamp: time.Date(2024, 1, 1, 12, 0, 5, 0, time.UTC),
		PriceUSD:  decimal.NewFromInt(95),
		PctChange: decimal.RequireFromString("-7.3171"),
		Message:   "line one\nline two",
	}}

	var buf bytes.Buffer
	if err := writeAlerts(&buf, alerts); err != nil {
		t.Fatalf("writeAlerts: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "line one line two") {
		t.Fatalf("message not flattened:\n%s", out)
	}
	if !strings.Contains(out, "-7.32") {
		t.Fatalf("pct not rounded:\n%s", out)
	}
}
