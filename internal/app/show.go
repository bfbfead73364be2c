package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"dexmonitor/internal/storage"
)

// MonitorListOptions configure the monitor list command.
type MonitorListOptions struct {
	ChatID int64
	All    bool
}

// AlertsOptions configure the alerts command.
type AlertsOptions struct {
	MonitorID int64
	Limit     int
}

// ShowMonitors prints a chat's monitors.
func (a *App) ShowMonitors(ctx context.Context, opts MonitorListOptions) error {
	store, closeStore, err := a.requireStore(ctx, "list monitors")
	if err != nil {
		return err
	}
	defer closeStore()

	monitors, err := store.ListChatMonitors(ctx, opts.ChatID, !opts.All)
	if err != nil {
		return err
	}
	return writeMonitors(a.Out, monitors)
}

// ShowAlerts prints recent alerts, optionally for one monitor.
func (a *App) ShowAlerts(ctx context.Context, opts AlertsOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show alerts")
	if err != nil {
		return err
	}
	defer closeStore()

	var alerts []storage.Alert
	if opts.MonitorID > 0 {
		alerts, err = store.ListMonitorAlerts(ctx, opts.MonitorID, opts.Limit)
	} else {
		alerts, err = store.ListRecentAlerts(ctx, opts.Limit)
	}
	if err != nil {
		return err
	}
	return writeAlerts(a.Out, alerts)
}

func writeMonitors(out io.Writer, monitors []storage.Monitor) error {
	if len(monitors) == 0 {
		fmt.Fprintln(out, "no monitors found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tChat\tChain\tToken\tThreshold%\tActive\tLast Price\tLast Seen (UTC)")
	for _, m := range monitors {
		price, seen := "-", "-"
		if m.PrevPriceUSD != nil {
			price = m.PrevPriceUSD.String()
		}
		if m.PrevPriceAt != nil {
			seen = m.PrevPriceAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%s\t%t\t%s\t%s\n",
			m.ID, m.ChatID, m.ChainID, m.TokenAddress, m.ThresholdPct.String(), m.IsActive, price, seen)
	}
	return writer.Flush()
}

func writeAlerts(out io.Writer, alerts []storage.Alert) error {
	if len(alerts) == 0 {
		fmt.Fprintln(out, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tMonitor\tTime (UTC)\tPrice\tChange%\tMessage")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%d\t%d\t%s\t%s\t%s\t%s\n",
			alert.ID,
			alert.MonitorID,
			alert.Timestamp.UTC().Format(time.RFC3339),
			alert.PriceUSD.String(),
			alert.PctChange.StringFixed(2),
			sanitizeInline(alert.Message),
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
