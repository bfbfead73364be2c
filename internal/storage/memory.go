package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type sampleKey struct {
	token TokenKey
	ts    int64
}

// Memory is an in-process Repository with the same invariants as Store:
// one active monitor per chat and token, write-once samples and
// compare-and-swap monitor transactions.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	nextMonitorID int64
	nextAlertID   int64

	users    map[int64]Participant
	chats    map[int64]Participant
	tokens   map[TokenKey]*Token
	monitors map[int64]*Monitor
	samples  map[sampleKey]PriceSample
	alerts   []Alert
	pingErr  error
}

// NewMemory constructs an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		users:    make(map[int64]Participant),
		chats:    make(map[int64]Participant),
		tokens:   make(map[TokenKey]*Token),
		monitors: make(map[int64]*Monitor),
		samples:  make(map[sampleKey]PriceSample),
	}
}

// SetClock replaces the clock used for row timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SetPingError makes Ping return err, simulating lost connectivity.
func (m *Memory) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Close is a no-op.
func (m *Memory) Close() {}

// Ping reports the configured ping error.
func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.pingErr
}

// stamp returns a timestamp strictly after prev so row versions always move.
func (m *Memory) stamp(prev time.Time) time.Time {
	t := m.now().UTC().Truncate(time.Microsecond)
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

func (m *Memory) ListActiveMonitors(ctx context.Context) ([]Monitor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pingErr != nil {
		return nil, m.pingErr
	}

	out := make([]Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		if mon.IsActive {
			out = append(out, *mon)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		if out[i].TokenAddress != out[j].TokenAddress {
			return out[i].TokenAddress < out[j].TokenAddress
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetMonitor(ctx context.Context, id int64) (Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[id]
	if !ok {
		return Monitor{}, ErrMonitorNotFound
	}
	return *mon, nil
}

func (m *Memory) ListChatMonitors(ctx context.Context, chatID int64, activeOnly bool) ([]Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Monitor, 0)
	for _, mon := range m.monitors {
		if mon.ChatID != chatID || (activeOnly && !mon.IsActive) {
			continue
		}
		out = append(out, *mon)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsActive != out[j].IsActive {
			return out[i].IsActive
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (m *Memory) activeFor(chatID int64, key TokenKey) *Monitor {
	for _, mon := range m.monitors {
		if mon.IsActive && mon.ChatID == chatID && mon.Key() == key {
			return mon
		}
	}
	return nil
}

func (m *Memory) CreateMonitor(ctx context.Context, req NewMonitor) (Monitor, error) {
	if err := ctx.Err(); err != nil {
		return Monitor{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := TokenKey{ChainID: req.ChainID, TokenAddress: req.TokenAddress}
	if m.activeFor(req.Participant.ChatID, key) != nil {
		return Monitor{}, ErrDuplicateActiveMonitor
	}

	now := m.stamp(time.Time{})
	if req.Participant.UserID != 0 {
		m.users[req.Participant.UserID] = req.Participant
	}
	m.chats[req.Participant.ChatID] = req.Participant
	if _, ok := m.tokens[key]; !ok {
		m.tokens[key] = &Token{ChainID: key.ChainID, TokenAddress: key.TokenAddress, FirstSeen: now}
	}

	m.nextMonitorID++
	mon := &Monitor{
		ID:           m.nextMonitorID,
		ChatID:       req.Participant.ChatID,
		ChainID:      req.ChainID,
		TokenAddress: req.TokenAddress,
		ThresholdPct: req.ThresholdPct,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.monitors[mon.ID] = mon
	return *mon, nil
}

func (m *Memory) DeactivateMonitor(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[id]
	if !ok {
		return ErrMonitorNotFound
	}
	if mon.IsActive {
		mon.IsActive = false
		mon.UpdatedAt = m.stamp(mon.UpdatedAt)
	}
	return nil
}

func (m *Memory) DeactivateByToken(ctx context.Context, chatID int64, key TokenKey) (Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon := m.activeFor(chatID, key)
	if mon == nil {
		return Monitor{}, ErrMonitorNotFound
	}
	mon.IsActive = false
	mon.UpdatedAt = m.stamp(mon.UpdatedAt)
	return *mon, nil
}

func (m *Memory) ReactivateMonitor(ctx context.Context, id int64) (Monitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mon, ok := m.monitors[id]
	if !ok {
		return Monitor{}, ErrMonitorNotFound
	}
	if mon.IsActive {
		return *mon, nil
	}
	if m.activeFor(mon.ChatID, mon.Key()) != nil {
		return Monitor{}, ErrDuplicateActiveMonitor
	}
	mon.IsActive = true
	mon.PrevPriceUSD = nil
	mon.PrevPriceAt = nil
	mon.UpdatedAt = m.stamp(mon.UpdatedAt)
	return *mon, nil
}

func (m *Memory) BeginMonitorUpdate(ctx context.Context, snapshot Monitor) (MonitorTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.monitors[snapshot.ID]
	if !ok {
		return nil, ErrMonitorNotFound
	}
	if !cur.IsActive || !cur.SameVersion(snapshot) {
		return nil, ErrConcurrencyConflict
	}
	return &memMonitorTx{store: m, monitor: *cur}, nil
}

func (m *Memory) insertSampleLocked(sample PriceSample) {
	if sample.Source == "" {
		sample.Source = DefaultSampleSource
	}
	key := sampleKey{
		token: TokenKey{ChainID: sample.ChainID, TokenAddress: sample.TokenAddress},
		ts:    sample.Timestamp.UTC().UnixMicro(),
	}
	if _, exists := m.samples[key]; exists {
		return
	}
	sample.Timestamp = sample.Timestamp.UTC()
	m.samples[key] = sample
}

func (m *Memory) InsertPriceSample(ctx context.Context, sample PriceSample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertSampleLocked(sample)
	return nil
}

func (m *Memory) DeleteSamplesOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, sample := range m.samples {
		if deleted >= int64(batchSize) {
			break
		}
		if sample.Timestamp.Before(cutoff) {
			delete(m.samples, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *Memory) ListSamplesSince(ctx context.Context, key TokenKey, since time.Time) ([]PriceSample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PriceSample, 0)
	for k, sample := range m.samples {
		if k.token == key && !sample.Timestamp.Before(since) {
			out = append(out, sample)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SampleCount returns the number of stored samples.
func (m *Memory) SampleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func (m *Memory) TokenSymbol(ctx context.Context, key TokenKey) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[key]
	if !ok || tok.Symbol == nil {
		return "", nil
	}
	return *tok.Symbol, nil
}

func (m *Memory) ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	return m.listAlerts(func(Alert) bool { return true }, limit), nil
}

func (m *Memory) ListMonitorAlerts(ctx context.Context, monitorID int64, limit int) ([]Alert, error) {
	return m.listAlerts(func(a Alert) bool { return a.MonitorID == monitorID }, limit), nil
}

func (m *Memory) listAlerts(keep func(Alert) bool, limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0)
	for i := len(m.alerts) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if keep(m.alerts[i]) {
			out = append(out, m.alerts[i])
		}
	}
	return out
}

type memMonitorTx struct {
	store   *Memory
	monitor Monitor
	samples []PriceSample
	symbol  string
	done    bool
}

func (t *memMonitorTx) Monitor() Monitor {
	return t.monitor
}

func (t *memMonitorTx) InsertPriceSample(ctx context.Context, sample PriceSample) error {
	if t.done {
		return ErrTxDone
	}
	t.samples = append(t.samples, sample)
	return nil
}

func (t *memMonitorTx) BackfillSymbol(ctx context.Context, symbol string) error {
	if t.done {
		return ErrTxDone
	}
	t.symbol = symbol
	return nil
}

func (t *memMonitorTx) Commit(ctx context.Context, prevPrice decimal.Decimal, prevAt time.Time, alert *Alert) (*Alert, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.monitors[t.monitor.ID]
	if !ok {
		return nil, ErrMonitorNotFound
	}
	if !cur.IsActive || !cur.SameVersion(t.monitor) {
		return nil, ErrConcurrencyConflict
	}

	for _, sample := range t.samples {
		m.insertSampleLocked(sample)
	}
	if t.symbol != "" {
		if tok, ok := m.tokens[cur.Key()]; ok && tok.Symbol == nil {
			symbol := t.symbol
			tok.Symbol = &symbol
		}
	}

	price := prevPrice
	at := prevAt.UTC()
	cur.PrevPriceUSD = &price
	cur.PrevPriceAt = &at
	cur.UpdatedAt = m.stamp(cur.UpdatedAt)

	if alert == nil {
		return nil, nil
	}
	m.nextAlertID++
	rec := *alert
	rec.ID = m.nextAlertID
	rec.MonitorID = cur.ID
	m.alerts = append(m.alerts, rec)
	return &rec, nil
}

func (t *memMonitorTx) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}

var _ Repository = (*Memory)(nil)
