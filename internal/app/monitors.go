package app

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"dexmonitor/internal/storage"
)

// CreateMonitorOptions configure the monitor create command.
type CreateMonitorOptions struct {
	ChatID       int64
	ChatType     string
	ChainID      string
	TokenAddress string
	// ThresholdPct empty selects telegram.default_threshold.
	ThresholdPct string
}

// CreateMonitor registers a monitor for a chat.
func (a *App) CreateMonitor(ctx context.Context, opts CreateMonitorOptions) error {
	store, closeStore, err := a.requireStore(ctx, "create monitor")
	if err != nil {
		return err
	}
	defer closeStore()

	monitors := a.newMonitors(store)
	threshold := monitors.DefaultThreshold()
	if opts.ThresholdPct != "" {
		threshold, err = decimal.NewFromString(opts.ThresholdPct)
		if err != nil {
			return fmt.Errorf("invalid threshold %q: %w", opts.ThresholdPct, err)
		}
	}
	chatType := opts.ChatType
	if chatType == "" {
		chatType = "private"
	}

	m, err := monitors.Create(ctx, storage.Participant{ChatID: opts.ChatID, ChatType: chatType}, opts.ChainID, opts.TokenAddress, threshold)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "monitor %d created for %s (threshold %s%%)\n", m.ID, m.Key(), m.ThresholdPct.String())
	return nil
}

// StopMonitor deactivates a monitor by id.
func (a *App) StopMonitor(ctx context.Context, id int64) error {
	store, closeStore, err := a.requireStore(ctx, "stop monitor")
	if err != nil {
		return err
	}
	defer closeStore()

	if err := a.newMonitors(store).Deactivate(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "monitor %d stopped\n", id)
	return nil
}

// ReactivateMonitor restarts a stopped monitor with a cleared baseline.
func (a *App) ReactivateMonitor(ctx context.Context, id int64) error {
	store, closeStore, err := a.requireStore(ctx, "reactivate monitor")
	if err != nil {
		return err
	}
	defer closeStore()

	m, err := a.newMonitors(store).Reactivate(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "monitor %d active for %s\n", m.ID, m.Key())
	return nil
}
