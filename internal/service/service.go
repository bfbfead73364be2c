// Package service runs the monitor evaluation cycle, the retention sweep and
// the monitor lifecycle operations on top of storage, fetcher and alerting.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"dexmonitor/internal/alerting"
	"dexmonitor/internal/evaluator"
	"dexmonitor/internal/fetcher"
	"dexmonitor/internal/storage"
)

// ErrCycleInProgress is returned when RunCycle is called while another cycle
// is still running.
var ErrCycleInProgress = errors.New("service: evaluation cycle already in progress")

// CycleObserver receives the outcome of every cycle. The health tracker
// implements it.
type CycleObserver interface {
	ObserveCycle(at time.Time, err error)
}

// RunnerOptions bound a single evaluation cycle.
type RunnerOptions struct {
	FetchWorkers  int
	FetchTimeout  time.Duration
	CycleTimeout  time.Duration
	NotifyTimeout time.Duration
	SampleSource  string
	// BaselineNotice sends a one-line price notice when a monitor records
	// its first baseline. No alert row is written for it.
	BaselineNotice bool
}

// Runner drives evaluation cycles: load active monitors, fetch one price per
// token, apply each monitor in its own transaction, then notify.
type Runner struct {
	store     storage.MonitorStore
	source    fetcher.PriceSource
	notifier  alerting.Notifier
	evaluator *evaluator.Evaluator
	observer  CycleObserver
	opts      RunnerOptions
	logger    zerolog.Logger

	inFlight atomic.Bool
}

// NewRunner constructs a Runner. observer may be nil.
func NewRunner(store storage.MonitorStore, source fetcher.PriceSource, notifier alerting.Notifier, observer CycleObserver, opts RunnerOptions, logger zerolog.Logger) *Runner {
	if opts.FetchWorkers <= 0 {
		opts.FetchWorkers = 1
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 10 * time.Second
	}
	if opts.SampleSource == "" {
		opts.SampleSource = storage.DefaultSampleSource
	}
	return &Runner{
		store:     store,
		source:    source,
		notifier:  notifier,
		evaluator: evaluator.New(logger),
		observer:  observer,
		opts:      opts,
		logger:    logger.With().Str("component", "runner").Logger(),
	}
}

// CycleReport summarises one evaluation cycle.
type CycleReport struct {
	StartedAt      time.Time
	Duration       time.Duration
	Monitors       int
	Tokens         int
	FetchFailures  int
	Skipped        int
	NoBaseline     int
	Below          int
	Crossed        int
	Invalid        int
	Conflicts      int
	ApplyFailures  int
	Alerts         int
	Notices        int
	NotifyFailures int
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (r CycleReport) MarshalZerologObject(e *zerolog.Event) {
	e.Dur("duration", r.Duration).
		Int("monitors", r.Monitors).
		Int("tokens", r.Tokens).
		Int("fetch_failures", r.FetchFailures).
		Int("skipped", r.Skipped).
		Int("no_baseline", r.NoBaseline).
		Int("below", r.Below).
		Int("crossed", r.Crossed).
		Int("invalid", r.Invalid).
		Int("conflicts", r.Conflicts).
		Int("apply_failures", r.ApplyFailures).
		Int("alerts", r.Alerts).
		Int("notices", r.Notices).
		Int("notify_failures", r.NotifyFailures)
}

type tokenGroup struct {
	key      storage.TokenKey
	monitors []storage.Monitor
	quote    fetcher.Quote
	err      error
}

// outbound is a message queued for delivery after its transaction committed.
// alertID is zero for baseline notices.
type outbound struct {
	chatID    int64
	monitorID int64
	alertID   int64
	text      string
}

// Tick adapts RunCycle to the scheduler.
func (r *Runner) Tick(ctx context.Context, tick time.Time) error {
	_, err := r.RunCycle(ctx)
	return err
}

// RunCycle executes one evaluation cycle. It returns ErrCycleInProgress if a
// cycle is already running, and the Loading error if active monitors could
// not be listed. Per-token and per-monitor failures are counted in the report
// and do not fail the cycle.
func (r *Runner) RunCycle(ctx context.Context) (CycleReport, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Warn().Msg("previous cycle still running; skipping")
		return CycleReport{}, ErrCycleInProgress
	}
	defer r.inFlight.Store(false)

	report := CycleReport{StartedAt: time.Now().UTC()}
	if r.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.CycleTimeout)
		defer cancel()
	}

	monitors, err := r.store.ListActiveMonitors(ctx)
	r.observe(report.StartedAt, err)
	if err != nil {
		return report, fmt.Errorf("list active monitors: %w", err)
	}
	report.Monitors = len(monitors)

	groups := groupByToken(monitors)
	report.Tokens = len(groups)

	r.fetchAll(ctx, groups)

	var pending []outbound
	for _, g := range groups {
		if g.err != nil {
			report.FetchFailures++
			report.Skipped += len(g.monitors)
			r.logger.Warn().Err(g.err).
				Str("chain_id", g.key.ChainID).
				Str("token", g.key.TokenAddress).
				Bool("transient", fetcher.Transient(g.err)).
				Int("monitors", len(g.monitors)).
				Msg("price fetch failed; skipping token this cycle")
			continue
		}
		for _, m := range g.monitors {
			if ctx.Err() != nil {
				report.Skipped++
				continue
			}
			if p := r.apply(ctx, m, g.quote, &report); p != nil {
				pending = append(pending, *p)
			}
		}
	}

	r.notifyAll(ctx, pending, &report)

	report.Duration = time.Since(report.StartedAt)
	r.logger.Info().EmbedObject(report).Msg("evaluation cycle complete")

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("evaluation cycle: %w", err)
	}
	return report, nil
}

func (r *Runner) observe(at time.Time, err error) {
	if r.observer != nil {
		r.observer.ObserveCycle(at, err)
	}
}

func groupByToken(monitors []storage.Monitor) []*tokenGroup {
	index := make(map[storage.TokenKey]*tokenGroup)
	groups := make([]*tokenGroup, 0)
	for _, m := range monitors {
		g, ok := index[m.Key()]
		if !ok {
			g = &tokenGroup{key: m.Key()}
			index[m.Key()] = g
			groups = append(groups, g)
		}
		g.monitors = append(g.monitors, m)
	}
	return groups
}

// fetchAll fetches one quote per group with at most FetchWorkers requests in
// flight. Each group records its own error; Wait orders the writes before
// the caller reads them.
func (r *Runner) fetchAll(ctx context.Context, groups []*tokenGroup) {
	var g errgroup.Group
	g.SetLimit(r.opts.FetchWorkers)

	for _, group := range groups {
		group := group
		g.Go(func() error {
			fetchCtx := ctx
			if r.opts.FetchTimeout > 0 {
				var cancel context.CancelFunc
				fetchCtx, cancel = context.WithTimeout(ctx, r.opts.FetchTimeout)
				defer cancel()
			}

			quote, err := r.source.FetchPrice(fetchCtx, group.key.ChainID, group.key.TokenAddress)
			if err != nil {
				err = fmt.Errorf("%w: %v", fetcher.Kind(err), err)
			}

			group.quote, group.err = quote, err
			return nil
		})
	}
	_ = g.Wait()
}

// apply evaluates m against quote and persists the outcome in one monitor
// transaction. It returns the message to deliver for the committed outcome,
// if any.
func (r *Runner) apply(ctx context.Context, m storage.Monitor, quote fetcher.Quote, report *CycleReport) *outbound {
	log := r.logger.With().
		Int64("monitor_id", m.ID).
		Int64("chat_id", m.ChatID).
		Str("chain_id", m.ChainID).
		Str("token", m.TokenAddress).
		Logger()

	decision := r.evaluator.Decide(m, quote.PriceUSD, quote.ObservedAt)
	if decision.Kind == evaluator.InvalidPrice {
		report.Invalid++
		return nil
	}

	tx, err := r.store.BeginMonitorUpdate(ctx, m)
	if err != nil {
		r.countApplyError(log, err, report)
		return nil
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				log.Warn().Err(rbErr).Msg("rollback monitor transaction")
			}
		}
	}()

	sample := storage.PriceSample{
		ChainID:      m.ChainID,
		TokenAddress: m.TokenAddress,
		Timestamp:    decision.ObservedAt,
		PriceUSD:     decision.Price,
		Source:       r.opts.SampleSource,
	}
	if err := tx.InsertPriceSample(ctx, sample); err != nil {
		r.countApplyError(log, fmt.Errorf("insert price sample: %w", err), report)
		return nil
	}
	if quote.Symbol != "" {
		if err := tx.BackfillSymbol(ctx, quote.Symbol); err != nil {
			r.countApplyError(log, fmt.Errorf("backfill symbol: %w", err), report)
			return nil
		}
	}

	var alert *storage.Alert
	if decision.Alerts() {
		alert = &storage.Alert{
			MonitorID: m.ID,
			Timestamp: decision.ObservedAt,
			PriceUSD:  decision.Price,
			PctChange: decision.PctChange,
			Message: alerting.AlertMessage{
				Symbol:       quote.Symbol,
				ChainID:      m.ChainID,
				TokenAddress: m.TokenAddress,
				PrevPrice:    decision.PrevPrice,
				Price:        decision.Price,
				PctChange:    decision.PctChange,
				ThresholdPct: m.ThresholdPct,
				ObservedAt:   decision.ObservedAt,
			}.Render(),
		}
	}

	rec, err := tx.Commit(ctx, decision.Price, decision.ObservedAt, alert)
	committed = true
	if err != nil {
		r.countApplyError(log, fmt.Errorf("commit: %w", err), report)
		return nil
	}

	switch decision.Kind {
	case evaluator.NoPriorBaseline:
		report.NoBaseline++
	case evaluator.BelowThreshold:
		report.Below++
	case evaluator.Crossed:
		report.Crossed++
	}

	log.Debug().
		Str("kind", decision.Kind.String()).
		Str("price_usd", decision.Price.String()).
		Str("pct_change", decision.PctChange.String()).
		Msg("monitor evaluated")

	if rec != nil {
		report.Alerts++
		return &outbound{chatID: m.ChatID, monitorID: m.ID, alertID: rec.ID, text: rec.Message}
	}
	if decision.Kind == evaluator.NoPriorBaseline && r.opts.BaselineNotice {
		report.Notices++
		text := alerting.BaselineMessage{
			Symbol:       quote.Symbol,
			TokenAddress: m.TokenAddress,
			Price:        decision.Price,
			ObservedAt:   decision.ObservedAt,
		}.Render()
		return &outbound{chatID: m.ChatID, monitorID: m.ID, text: text}
	}
	return nil
}

func (r *Runner) countApplyError(log zerolog.Logger, err error, report *CycleReport) {
	if errors.Is(err, storage.ErrConcurrencyConflict) {
		report.Conflicts++
		log.Info().Msg("monitor changed since load; retrying next cycle")
		return
	}
	report.ApplyFailures++
	log.Error().Err(err).Msg("apply evaluation failed")
}

// notifyAll delivers messages of committed transactions. Delivery runs
// detached from the cycle deadline since the outcomes are already persisted.
func (r *Runner) notifyAll(ctx context.Context, pending []outbound, report *CycleReport) {
	if r.notifier == nil || len(pending) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, p := range pending {
		sendCtx, cancel := context.WithTimeout(base, r.opts.NotifyTimeout)
		err := r.notifier.Send(sendCtx, p.chatID, p.text)
		cancel()
		if err != nil {
			report.NotifyFailures++
			r.logger.Error().Err(err).
				Int64("chat_id", p.chatID).
				Int64("monitor_id", p.monitorID).
				Int64("alert_id", p.alertID).
				Bool("blocked", errors.Is(err, alerting.ErrBlocked)).
				Msg("failed to deliver message")
		}
	}
}
