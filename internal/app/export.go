package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"dexmonitor/internal/chart"
)

// ChartOptions hold parameters for exporting a token's price history.
type ChartOptions struct {
	ChainID      string
	TokenAddress string
	// Window zero selects chart.default_window.
	Window    time.Duration
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Chart renders a token's recent samples as CSV and/or PNG.
func (a *App) Chart(ctx context.Context, opts ChartOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	store, closeStore, err := a.requireStore(ctx, "export chart")
	if err != nil {
		return err
	}
	defer closeStore()

	key, err := a.newMonitors(store).ResolveKey(opts.ChainID, opts.TokenAddress)
	if err != nil {
		return err
	}

	window := a.Config.ResolveWindow(opts.Window)
	series, err := chart.LoadSeries(ctx, store, key, time.Now().UTC().Add(-window))
	if err != nil {
		return err
	}
	if len(series.Samples) == 0 {
		a.Logger.Info().Str("token", key.String()).Dur("window", window).Msg("no samples found for export window")
		return nil
	}
	a.Logger.Info().Str("token", key.String()).Int("samples", len(series.Samples)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeFile(opts.CSVPath, func(f *os.File) error { return chart.WriteCSV(f, series) }); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		chartOpts := a.chartOptions()
		chartOpts.MaxPoints = opts.MaxPoints
		if err := writeFile(opts.PNGPath, func(f *os.File) error { return chart.WritePNG(f, series, chartOpts) }); err != nil {
			return err
		}
	}

	return nil
}

func writeFile(path string, write func(*os.File) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
