package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dexmonitor/internal/alerting"
	"dexmonitor/internal/fetcher"
	"dexmonitor/internal/storage"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeSource struct {
	mu     sync.Mutex
	quotes map[string]fetcher.Quote
	errs   map[string]error
	calls  map[string]int

	// when set, FetchPrice signals started and waits for release or ctx.
	started chan struct{}
	release chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		quotes: make(map[string]fetcher.Quote),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeSource) set(chain, addr, price string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := chain + ":" + addr
	delete(f.errs, key)
	f.quotes[key] = fetcher.Quote{PriceUSD: dec(price), ObservedAt: at, Symbol: "TOK"}
}

func (f *fakeSource) fail(chain, addr string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[chain+":"+addr] = err
}

func (f *fakeSource) callCount(chain, addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[chain+":"+addr]
}

func (f *fakeSource) FetchPrice(ctx context.Context, chainID, tokenAddress string) (fetcher.Quote, error) {
	key := chainID + ":" + tokenAddress
	f.mu.Lock()
	f.calls[key]++
	started, release := f.started, f.release
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
			return fetcher.Quote{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[key]; ok {
		return fetcher.Quote{}, err
	}
	q, ok := f.quotes[key]
	if !ok {
		return fetcher.Quote{}, fetcher.ErrNotFound
	}
	return q, nil
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{chatID: chatID, text: text})
	return n.err
}

func (n *fakeNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentMessage(nil), n.sent...)
}

type fakeObserver struct {
	mu   sync.Mutex
	errs []error
}

func (o *fakeObserver) ObserveCycle(at time.Time, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

type harness struct {
	store    *storage.Memory
	source   *fakeSource
	notifier *fakeNotifier
	observer *fakeObserver
	runner   *Runner
	monitors *Monitors
}

func newHarness(t *testing.T, opts RunnerOptions) *harness {
	t.Helper()
	if opts.FetchWorkers == 0 {
		opts.FetchWorkers = 2
	}
	h := &harness{
		store:    storage.NewMemory(),
		source:   newFakeSource(),
		notifier: &fakeNotifier{},
		observer: &fakeObserver{},
	}
	h.runner = NewRunner(h.store, h.source, h.notifier, h.observer, opts, zerolog.Nop())
	h.monitors = NewMonitors(h.store, "solana", dec("3"), zerolog.Nop())
	return h
}

func (h *harness) create(t *testing.T, chatID int64, addr, threshold string) storage.Monitor {
	t.Helper()
	m, err := h.monitors.Create(context.Background(), storage.Participant{UserID: chatID, ChatID: chatID, ChatType: "private"}, "solana", addr, dec(threshold))
	if err != nil {
		t.Fatalf("create monitor: %v", err)
	}
	return m
}

func (h *harness) cycle(t *testing.T) CycleReport {
	t.Helper()
	report, err := h.runner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	return report
}

func (h *harness) monitor(t *testing.T, id int64) storage.Monitor {
	t.Helper()
	m, err := h.store.GetMonitor(context.Background(), id)
	if err != nil {
		t.Fatalf("get monitor: %v", err)
	}
	return m
}

func (h *harness) alerts(t *testing.T, id int64) []storage.Alert {
	t.Helper()
	alerts, err := h.store.ListMonitorAlerts(context.Background(), id, 0)
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	return alerts
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFirstEvaluationSetsBaseline(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	m := h.create(t, 1, "tokY", "3")

	h.source.set("solana", "tokY", "100.00", t0)
	report := h.cycle(t)

	if report.NoBaseline != 1 || report.Alerts != 0 {
		t.Fatalf("report = %+v", report)
	}
	got := h.monitor(t, m.ID)
	if got.PrevPriceUSD == nil || !got.PrevPriceUSD.Equal(dec("100")) || !got.PrevPriceAt.Equal(t0) {
		t.Fatalf("baseline = %v at %v", got.PrevPriceUSD, got.PrevPriceAt)
	}
	if h.store.SampleCount() != 1 {
		t.Fatalf("samples = %d", h.store.SampleCount())
	}
	symbol, _ := h.store.TokenSymbol(context.Background(), m.Key())
	if symbol != "TOK" {
		t.Fatalf("symbol = %q", symbol)
	}
}

func TestBelowThresholdThenCrossed(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	m := h.create(t, 1, "tokY", "3.0")

	h.source.set("solana", "tokY", "100.00", t0)
	h.cycle(t)

	// +2.5% stays below a 3% threshold and moves the baseline.
	h.source.set("solana", "tokY", "102.50", t0.Add(30*time.Second))
	report := h.cycle(t)
	if report.Below != 1 || report.Alerts != 0 {
		t.Fatalf("below report = %+v", report)
	}
	if got := h.monitor(t, m.ID); !got.PrevPriceUSD.Equal(dec("102.50")) {
		t.Fatalf("baseline = %s", got.PrevPriceUSD)
	}
	if len(h.notifier.messages()) != 0 {
		t.Fatal("no message expected below threshold")
	}

	// 102.50 -> 95.00 is -7.32%.
	at := t0.Add(60 * time.Second)
	h.source.set("solana", "tokY", "95.00", at)
	report = h.cycle(t)
	if report.Crossed != 1 || report.Alerts != 1 {
		t.Fatalf("crossed report = %+v", report)
	}

	alerts := h.alerts(t, m.ID)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d", len(alerts))
	}
	if !alerts[0].PctChange.Equal(dec("-7.32")) || !alerts[0].PriceUSD.Equal(dec("95")) || !alerts[0].Timestamp.Equal(at) {
		t.Fatalf("alert = %+v", alerts[0])
	}
	if got := h.monitor(t, m.ID); !got.PrevPriceUSD.Equal(dec("95")) {
		t.Fatalf("baseline = %s", got.PrevPriceUSD)
	}

	msgs := h.notifier.messages()
	if len(msgs) != 1 || msgs[0].chatID != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].text, "-7.32%") {
		t.Fatalf("message = %q", msgs[0].text)
	}
}

func TestSharedTokenFetchedOnceEvaluatedPerMonitor(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	tight := h.create(t, 1, "tokY", "1")
	loose := h.create(t, 2, "tokY", "10")

	h.source.set("solana", "tokY", "100", t0)
	h.cycle(t)
	h.source.set("solana", "tokY", "105", t0.Add(30*time.Second))
	report := h.cycle(t)

	if got := h.source.callCount("solana", "tokY"); got != 2 {
		t.Fatalf("fetches = %d, want one per cycle", got)
	}
	if report.Tokens != 1 || report.Monitors != 2 {
		t.Fatalf("report = %+v", report)
	}
	if len(h.alerts(t, tight.ID)) != 1 {
		t.Fatal("tight monitor should alert")
	}
	if len(h.alerts(t, loose.ID)) != 0 {
		t.Fatal("loose monitor should not alert")
	}
	if got := h.monitor(t, loose.ID); !got.PrevPriceUSD.Equal(dec("105")) {
		t.Fatalf("loose baseline = %s", got.PrevPriceUSD)
	}
	if h.store.SampleCount() != 2 {
		t.Fatalf("samples = %d, want one per token per bucket", h.store.SampleCount())
	}
	msgs := h.notifier.messages()
	if len(msgs) != 1 || msgs[0].chatID != 1 {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestDuplicateActiveMonitorRejected(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	h.create(t, 1, "tokY", "3")

	_, err := h.monitors.Create(context.Background(), storage.Participant{ChatID: 1}, "solana", "tokY", dec("5"))
	if !errors.Is(err, storage.ErrDuplicateActiveMonitor) {
		t.Fatalf("err = %v", err)
	}
	active, _ := h.monitors.List(context.Background(), 1, true)
	if len(active) != 1 {
		t.Fatalf("active monitors = %d", len(active))
	}
}

func TestFetchTimeoutLeavesBaselineUntouched(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	m := h.create(t, 1, "tokY", "3")

	h.source.set("solana", "tokY", "100", t0)
	h.cycle(t)
	before := h.monitor(t, m.ID)

	h.source.fail("solana", "tokY", fetcher.ErrTimeout)
	report := h.cycle(t)

	if report.FetchFailures != 1 || report.Skipped != 1 {
		t.Fatalf("report = %+v", report)
	}
	after := h.monitor(t, m.ID)
	if !after.SameVersion(before) || !after.PrevPriceUSD.Equal(*before.PrevPriceUSD) {
		t.Fatalf("monitor changed: before %+v after %+v", before, after)
	}
	if h.store.SampleCount() != 1 {
		t.Fatalf("samples = %d", h.store.SampleCount())
	}
}

func TestFetchTimeoutBounded(t *testing.T) {
	h := newHarness(t, RunnerOptions{FetchTimeout: 20 * time.Millisecond})
	h.create(t, 1, "tokY", "3")
	h.source.set("solana", "tokY", "100", t0)
	h.source.started = make(chan struct{}, 1)
	h.source.release = make(chan struct{})
	defer close(h.source.release)

	report := h.cycle(t)
	if report.FetchFailures != 1 {
		t.Fatalf("report = %+v", report)
	}
	if h.store.SampleCount() != 0 {
		t.Fatal("no sample expected after timeout")
	}
}

func TestCycleIsIdempotentForSamePrice(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	m := h.create(t, 1, "tokY", "3")

	h.source.set("solana", "tokY", "100", t0)
	h.cycle(t)
	h.source.set("solana", "tokY", "110", t0.Add(30*time.Second))
	h.cycle(t)
	h.cycle(t)
	h.cycle(t)

	if got := len(h.alerts(t, m.ID)); got != 1 {
		t.Fatalf("alerts = %d, want 1", got)
	}
	if got := len(h.notifier.messages()); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}
}

func TestFailingTokenDoesNotAffectOthers(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	bad := h.create(t, 1, "tokA", "3")
	good := h.create(t, 1, "tokB", "3")

	h.source.set("solana", "tokA", "1", t0)
	h.source.set("solana", "tokB", "1", t0)
	h.cycle(t)

	h.source.fail("solana", "tokA", fetcher.ErrRateLimited)
	h.source.set("solana", "tokB", "2", t0.Add(30*time.Second))
	report := h.cycle(t)

	if report.FetchFailures != 1 || report.Crossed != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(h.alerts(t, bad.ID)) != 0 || len(h.alerts(t, good.ID)) != 1 {
		t.Fatal("failure must stay isolated to its token")
	}
}

func TestInvalidPriceSkipsMonitor(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	m := h.create(t, 1, "tokY", "3")

	h.source.set("solana", "tokY", "100", t0)
	h.cycle(t)
	h.source.set("solana", "tokY", "0", t0.Add(30*time.Second))
	report := h.cycle(t)

	if report.Invalid != 1 {
		t.Fatalf("report = %+v", report)
	}
	if got := h.monitor(t, m.ID); !got.PrevPriceUSD.Equal(dec("100")) {
		t.Fatalf("baseline = %s", got.PrevPriceUSD)
	}
	if h.store.SampleCount() != 1 {
		t.Fatalf("samples = %d", h.store.SampleCount())
	}
}

func TestNotifierFailureKeepsAlert(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	h.notifier.err = alerting.ErrBlocked
	m := h.create(t, 1, "tokY", "3")

	h.source.set("solana", "tokY", "100", t0)
	h.cycle(t)
	h.source.set("solana", "tokY", "90", t0.Add(30*time.Second))
	report := h.cycle(t)

	if report.NotifyFailures != 1 || report.Alerts != 1 {
		t.Fatalf("report = %+v", report)
	}
	if len(h.alerts(t, m.ID)) != 1 {
		t.Fatal("alert must stay persisted when delivery fails")
	}
	if got := h.monitor(t, m.ID); !got.PrevPriceUSD.Equal(dec("90")) {
		t.Fatalf("baseline = %s", got.PrevPriceUSD)
	}

	// A later identical price neither re-alerts nor retries delivery.
	h.cycle(t)
	if got := len(h.notifier.messages()); got != 1 {
		t.Fatalf("messages = %d", got)
	}
}

func TestOverlappingCycleRejected(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	h.create(t, 1, "tokY", "3")
	h.source.set("solana", "tokY", "100", t0)
	h.source.started = make(chan struct{}, 1)
	h.source.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.runner.RunCycle(context.Background())
		done <- err
	}()

	select {
	case <-h.source.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle did not start fetching")
	}

	if _, err := h.runner.RunCycle(context.Background()); !errors.Is(err, ErrCycleInProgress) {
		t.Fatalf("second cycle err = %v", err)
	}

	close(h.source.release)
	if err := <-done; err != nil {
		t.Fatalf("first cycle: %v", err)
	}

	// The flag is released once the cycle finishes.
	h.cycle(t)
}

func TestCycleDeadlineReturnsError(t *testing.T) {
	h := newHarness(t, RunnerOptions{CycleTimeout: 30 * time.Millisecond})
	m := h.create(t, 1, "tokY", "3")
	h.source.set("solana", "tokY", "100", t0)
	h.source.started = make(chan struct{}, 1)
	h.source.release = make(chan struct{})
	defer close(h.source.release)

	_, err := h.runner.RunCycle(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if got := h.monitor(t, m.ID); got.PrevPriceUSD != nil {
		t.Fatal("baseline must not move when the cycle times out")
	}
}

func TestLoadFailureReported(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	h.store.SetPingError(errors.New("connection refused"))

	if _, err := h.runner.RunCycle(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	if len(h.observer.errs) != 1 || h.observer.errs[0] == nil {
		t.Fatalf("observer = %+v", h.observer.errs)
	}
}

// racingStore deactivates a monitor right after the cycle has loaded it.
type racingStore struct {
	*storage.Memory
	victim int64
}

func (s *racingStore) ListActiveMonitors(ctx context.Context) ([]storage.Monitor, error) {
	monitors, err := s.Memory.ListActiveMonitors(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Memory.DeactivateMonitor(ctx, s.victim); err != nil {
		return nil, err
	}
	return monitors, nil
}

func TestConcurrentDeactivationWins(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	m := h.create(t, 1, "tokY", "3")
	h.source.set("solana", "tokY", "100", t0)

	runner := NewRunner(&racingStore{Memory: h.store, victim: m.ID}, h.source, h.notifier, nil, RunnerOptions{FetchWorkers: 1}, zerolog.Nop())
	report, err := runner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Conflicts != 1 {
		t.Fatalf("report = %+v", report)
	}
	got := h.monitor(t, m.ID)
	if got.IsActive || got.PrevPriceUSD != nil {
		t.Fatalf("monitor = %+v", got)
	}
	if h.store.SampleCount() != 0 {
		t.Fatal("conflicting monitor must not write samples")
	}
}

// peakSource records the highest number of concurrent FetchPrice calls.
type peakSource struct {
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (p *peakSource) FetchPrice(ctx context.Context, chainID, tokenAddress string) (fetcher.Quote, error) {
	p.calls.Add(1)
	n := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}

	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return fetcher.Quote{}, ctx.Err()
	}
	return fetcher.Quote{PriceUSD: dec("1"), ObservedAt: t0, Symbol: "TOK"}, nil
}

func TestFetchConcurrencyBounded(t *testing.T) {
	store := storage.NewMemory()
	monitors := NewMonitors(store, "solana", dec("3"), zerolog.Nop())
	for i := 0; i < 20; i++ {
		addr := fmt.Sprintf("tok%02d", i)
		if _, err := monitors.Create(context.Background(), storage.Participant{UserID: 1, ChatID: 1, ChatType: "private"}, "solana", addr, dec("3")); err != nil {
			t.Fatalf("create monitor %s: %v", addr, err)
		}
	}

	source := &peakSource{delay: 10 * time.Millisecond}
	runner := NewRunner(store, source, &fakeNotifier{}, nil, RunnerOptions{FetchWorkers: 3, FetchTimeout: time.Second}, zerolog.Nop())

	report, err := runner.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Tokens != 20 || report.NoBaseline != 20 {
		t.Fatalf("report = %+v", report)
	}
	if got := source.calls.Load(); got != 20 {
		t.Fatalf("fetch calls = %d, want 20", got)
	}
	if peak := source.peak.Load(); peak > 3 {
		t.Fatalf("peak concurrent fetches = %d, want <= 3", peak)
	} else if peak < 2 {
		t.Fatalf("peak concurrent fetches = %d, fetches did not run in parallel", peak)
	}
}

func TestBaselineNotice(t *testing.T) {
	h := newHarness(t, RunnerOptions{BaselineNotice: true})
	m := h.create(t, 42, "tokY", "3")

	h.source.set("solana", "tokY", "100", t0)
	report := h.cycle(t)
	if report.Notices != 1 || report.Alerts != 0 {
		t.Fatalf("report = %+v", report)
	}

	sent := h.notifier.messages()
	if len(sent) != 1 || sent[0].chatID != 42 {
		t.Fatalf("sent = %+v", sent)
	}
	if want := "📊 TOK/USD (2024-01-01 12:00:00 UTC): $100"; sent[0].text != want {
		t.Fatalf("notice = %q, want %q", sent[0].text, want)
	}
	if alerts := h.alerts(t, m.ID); len(alerts) != 0 {
		t.Fatalf("baseline notice wrote alerts: %+v", alerts)
	}

	h.source.set("solana", "tokY", "101", t0.Add(30*time.Second))
	if report := h.cycle(t); report.Notices != 0 || report.Below != 1 {
		t.Fatalf("second report = %+v", report)
	}
	if sent := h.notifier.messages(); len(sent) != 1 {
		t.Fatalf("unexpected messages after baseline: %+v", sent)
	}
}

func TestBaselineNoticeDisabledByDefault(t *testing.T) {
	h := newHarness(t, RunnerOptions{})
	h.create(t, 42, "tokY", "3")

	h.source.set("solana", "tokY", "100", t0)
	if report := h.cycle(t); report.Notices != 0 {
		t.Fatalf("report = %+v", report)
	}
	if sent := h.notifier.messages(); len(sent) != 0 {
		t.Fatalf("sent = %+v", sent)
	}
}
