package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrDuplicateActiveMonitor is returned when an active monitor already exists for the key.
	ErrDuplicateActiveMonitor = errors.New("storage: active monitor already exists for chat and token")
	// ErrMonitorNotFound is returned for unknown monitor ids or keys.
	ErrMonitorNotFound = errors.New("storage: monitor not found")
	// ErrConcurrencyConflict is returned when a monitor changed since it was loaded.
	ErrConcurrencyConflict = errors.New("storage: monitor modified concurrently")
	// ErrTxDone is returned when a finished monitor transaction is reused.
	ErrTxDone = errors.New("storage: monitor transaction already finished")
)

// NewMonitor carries the fields required to create a monitor.
type NewMonitor struct {
	Participant  Participant
	ChainID      string
	TokenAddress string
	ThresholdPct decimal.Decimal
}

// MonitorStore covers monitor lifecycle and the evaluation hot path.
type MonitorStore interface {
	ListActiveMonitors(ctx context.Context) ([]Monitor, error)
	// BeginMonitorUpdate opens a transaction on the monitor row and fails with
	// ErrConcurrencyConflict when the row no longer matches snapshot.
	BeginMonitorUpdate(ctx context.Context, snapshot Monitor) (MonitorTx, error)
	CreateMonitor(ctx context.Context, req NewMonitor) (Monitor, error)
	DeactivateMonitor(ctx context.Context, id int64) error
	DeactivateByToken(ctx context.Context, chatID int64, key TokenKey) (Monitor, error)
	ReactivateMonitor(ctx context.Context, id int64) (Monitor, error)
	GetMonitor(ctx context.Context, id int64) (Monitor, error)
	ListChatMonitors(ctx context.Context, chatID int64, activeOnly bool) ([]Monitor, error)
}

// MonitorTx is an open read-modify-write transaction on one monitor.
type MonitorTx interface {
	// Monitor returns the locked row.
	Monitor() Monitor
	InsertPriceSample(ctx context.Context, sample PriceSample) error
	BackfillSymbol(ctx context.Context, symbol string) error
	// Commit updates the baseline, inserts alert when non-nil, and commits.
	Commit(ctx context.Context, prevPrice decimal.Decimal, prevAt time.Time, alert *Alert) (*Alert, error)
	Rollback(ctx context.Context) error
}

// SampleStore defines operations for price sample persistence.
type SampleStore interface {
	InsertPriceSample(ctx context.Context, sample PriceSample) error
	DeleteSamplesOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
	ListSamplesSince(ctx context.Context, key TokenKey, since time.Time) ([]PriceSample, error)
	TokenSymbol(ctx context.Context, key TokenKey) (string, error)
}

// AlertStore defines read operations for the alert audit trail.
type AlertStore interface {
	ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error)
	ListMonitorAlerts(ctx context.Context, monitorID int64, limit int) ([]Alert, error)
}

// Repository aggregates every store capability.
type Repository interface {
	MonitorStore
	SampleStore
	AlertStore
	Ping(ctx context.Context) error
	Close()
}
