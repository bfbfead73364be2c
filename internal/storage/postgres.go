package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	uniqueViolation       = "23505"
	activeMonitorIndex    = "monitors_one_active_per_chat_token"
	monitorColumns        = `id, chat_id, chain_id, token_address, threshold_pct, is_active, prev_price_usd, prev_price_at, created_at, updated_at`
	alertColumns          = `id, monitor_id, ts, price_usd, pct_change, message`
	listActiveMonitorsSQL = `SELECT ` + monitorColumns + `
    FROM monitors
    WHERE is_active
    ORDER BY chain_id, token_address, id;`

	lockMonitorSQL = `SELECT ` + monitorColumns + `
    FROM monitors
    WHERE id = $1
    FOR UPDATE;`

	getMonitorSQL = `SELECT ` + monitorColumns + ` FROM monitors WHERE id = $1;`

	listChatMonitorsSQL = `SELECT ` + monitorColumns + `
    FROM monitors
    WHERE chat_id = $1
      AND (NOT $2::boolean OR is_active)
    ORDER BY is_active DESC, created_at DESC;`

	upsertUserSQL = `INSERT INTO users (id, username) VALUES ($1, NULLIF($2, ''))
    ON CONFLICT (id) DO UPDATE
    SET username  = COALESCE(EXCLUDED.username, users.username),
        last_seen = now();`

	upsertChatSQL = `INSERT INTO chats (id, type, title) VALUES ($1, COALESCE(NULLIF($2, ''), 'private'), NULLIF($3, ''))
    ON CONFLICT (id) DO UPDATE
    SET type      = EXCLUDED.type,
        title     = COALESCE(EXCLUDED.title, chats.title),
        last_seen = now();`

	ensureTokenSQL = `INSERT INTO tokens (chain_id, token_address) VALUES ($1, $2)
    ON CONFLICT (chain_id, token_address) DO NOTHING;`

	backfillSymbolSQL = `UPDATE tokens SET symbol = $3
    WHERE chain_id = $1 AND token_address = $2 AND symbol IS NULL;`

	tokenSymbolSQL = `SELECT COALESCE(symbol, '') FROM tokens WHERE chain_id = $1 AND token_address = $2;`

	insertMonitorSQL = `INSERT INTO monitors (chat_id, chain_id, token_address, threshold_pct)
    VALUES ($1, $2, $3, $4)
    RETURNING ` + monitorColumns + `;`

	deactivateMonitorSQL = `UPDATE monitors
    SET updated_at = CASE WHEN is_active THEN clock_timestamp() ELSE updated_at END,
        is_active  = FALSE
    WHERE id = $1;`

	deactivateByTokenSQL = `UPDATE monitors
    SET is_active = FALSE, updated_at = clock_timestamp()
    WHERE chat_id = $1 AND chain_id = $2 AND token_address = $3 AND is_active
    RETURNING ` + monitorColumns + `;`

	reactivateMonitorSQL = `UPDATE monitors
    SET is_active = TRUE, prev_price_usd = NULL, prev_price_at = NULL, updated_at = clock_timestamp()
    WHERE id = $1 AND NOT is_active
    RETURNING ` + monitorColumns + `;`

	updateBaselineSQL = `UPDATE monitors
    SET prev_price_usd = $2, prev_price_at = $3, updated_at = clock_timestamp()
    WHERE id = $1;`

	insertPriceSampleSQL = `INSERT INTO price_samples (chain_id, token_address, ts, price_usd, source)
    VALUES ($1, $2, $3, $4, $5)
    ON CONFLICT (chain_id, token_address, ts) DO NOTHING;`

	deleteSamplesOlderThanSQL = `DELETE FROM price_samples
    WHERE ctid IN (
        SELECT ctid FROM price_samples WHERE ts < $1 LIMIT $2
    );`

	listSamplesSinceSQL = `SELECT chain_id, token_address, ts, price_usd, source
    FROM price_samples
    WHERE chain_id = $1 AND token_address = $2 AND ts >= $3
    ORDER BY ts;`

	insertAlertSQL = `INSERT INTO alerts (monitor_id, ts, price_usd, pct_change, message)
    VALUES ($1, $2, $3, $4, $5)
    RETURNING id;`

	listRecentAlertsSQL = `SELECT ` + alertColumns + ` FROM alerts ORDER BY ts DESC, id DESC LIMIT $1;`

	listMonitorAlertsSQL = `SELECT ` + alertColumns + `
    FROM alerts
    WHERE monitor_id = $1
    ORDER BY ts DESC, id DESC
    LIMIT $2;`
)

// Store is the PostgreSQL Repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Ping checks repository connectivity.
func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return pool.Ping(ctx)
}

// ListActiveMonitors returns every active monitor ordered by token.
func (s *Store) ListActiveMonitors(ctx context.Context) ([]Monitor, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listActiveMonitorsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active monitors: %w", err)
	}
	return collectMonitors(rows)
}

// GetMonitor loads one monitor by id.
func (s *Store) GetMonitor(ctx context.Context, id int64) (Monitor, error) {
	pool, err := s.getPool()
	if err != nil {
		return Monitor{}, err
	}
	m, err := scanMonitor(pool.QueryRow(ctx, getMonitorSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Monitor{}, ErrMonitorNotFound
	}
	if err != nil {
		return Monitor{}, fmt.Errorf("get monitor: %w", err)
	}
	return m, nil
}

// ListChatMonitors lists the monitors owned by a chat.
func (s *Store) ListChatMonitors(ctx context.Context, chatID int64, activeOnly bool) ([]Monitor, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listChatMonitorsSQL, chatID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list chat monitors: %w", err)
	}
	return collectMonitors(rows)
}

// CreateMonitor records the participant, ensures the token and inserts an
// active monitor without a baseline.
func (s *Store) CreateMonitor(ctx context.Context, req NewMonitor) (Monitor, error) {
	pool, err := s.getPool()
	if err != nil {
		return Monitor{}, err
	}

	var created Monitor
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		p := req.Participant
		if p.UserID != 0 {
			if _, err := tx.Exec(ctx, upsertUserSQL, p.UserID, p.Username); err != nil {
				return fmt.Errorf("upsert user: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, upsertChatSQL, p.ChatID, p.ChatType, p.ChatTitle); err != nil {
			return fmt.Errorf("upsert chat: %w", err)
		}
		if _, err := tx.Exec(ctx, ensureTokenSQL, req.ChainID, req.TokenAddress); err != nil {
			return fmt.Errorf("ensure token: %w", err)
		}

		m, err := scanMonitor(tx.QueryRow(ctx, insertMonitorSQL, p.ChatID, req.ChainID, req.TokenAddress, req.ThresholdPct.String()))
		if err != nil {
			if isActiveMonitorViolation(err) {
				return ErrDuplicateActiveMonitor
			}
			return fmt.Errorf("insert monitor: %w", err)
		}
		created = m
		return nil
	})
	if err != nil {
		return Monitor{}, err
	}
	return created, nil
}

// DeactivateMonitor clears the active flag. Deactivating an inactive monitor
// is a no-op.
func (s *Store) DeactivateMonitor(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, deactivateMonitorSQL, id)
	if err != nil {
		return fmt.Errorf("deactivate monitor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMonitorNotFound
	}
	return nil
}

// DeactivateByToken deactivates the chat's active monitor for key.
func (s *Store) DeactivateByToken(ctx context.Context, chatID int64, key TokenKey) (Monitor, error) {
	pool, err := s.getPool()
	if err != nil {
		return Monitor{}, err
	}
	m, err := scanMonitor(pool.QueryRow(ctx, deactivateByTokenSQL, chatID, key.ChainID, key.TokenAddress))
	if errors.Is(err, pgx.ErrNoRows) {
		return Monitor{}, ErrMonitorNotFound
	}
	if err != nil {
		return Monitor{}, fmt.Errorf("deactivate monitor by token: %w", err)
	}
	return m, nil
}

// ReactivateMonitor re-enables a monitor with a cleared baseline. The partial
// unique index rejects the update when another active row exists.
func (s *Store) ReactivateMonitor(ctx context.Context, id int64) (Monitor, error) {
	pool, err := s.getPool()
	if err != nil {
		return Monitor{}, err
	}
	m, err := scanMonitor(pool.QueryRow(ctx, reactivateMonitorSQL, id))
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, pgx.ErrNoRows):
		// Either unknown or already active.
		return s.GetMonitor(ctx, id)
	case isActiveMonitorViolation(err):
		return Monitor{}, ErrDuplicateActiveMonitor
	default:
		return Monitor{}, fmt.Errorf("reactivate monitor: %w", err)
	}
}

// BeginMonitorUpdate locks the monitor row and compares it to snapshot.
func (s *Store) BeginMonitorUpdate(ctx context.Context, snapshot Monitor) (MonitorTx, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin monitor update: %w", err)
	}

	current, err := scanMonitor(tx.QueryRow(ctx, lockMonitorSQL, snapshot.ID))
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMonitorNotFound
		}
		return nil, fmt.Errorf("lock monitor: %w", err)
	}

	if !current.IsActive || !current.SameVersion(snapshot) {
		_ = tx.Rollback(ctx)
		return nil, ErrConcurrencyConflict
	}

	return &pgMonitorTx{tx: tx, monitor: current}, nil
}

// InsertPriceSample appends a sample outside of a monitor transaction.
func (s *Store) InsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	return insertPriceSample(ctx, pool, sample)
}

// DeleteSamplesOlderThan removes at most batchSize samples older than cutoff.
func (s *Store) DeleteSamplesOlderThan(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, deleteSamplesOlderThanSQL, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete samples older than: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSamplesSince lists a token's samples since the given time.
func (s *Store) ListSamplesSince(ctx context.Context, key TokenKey, since time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listSamplesSinceSQL, key.ChainID, key.TokenAddress, since)
	if err != nil {
		return nil, fmt.Errorf("list samples since: %w", err)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		var sample PriceSample
		var priceStr string
		if err := rows.Scan(&sample.ChainID, &sample.TokenAddress, &sample.Timestamp, &priceStr, &sample.Source); err != nil {
			return nil, err
		}
		if sample.PriceUSD, err = decimal.NewFromString(priceStr); err != nil {
			return nil, fmt.Errorf("parse sample price: %w", err)
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// TokenSymbol returns the known symbol of a token or an empty string.
func (s *Store) TokenSymbol(ctx context.Context, key TokenKey) (string, error) {
	pool, err := s.getPool()
	if err != nil {
		return "", err
	}
	var symbol string
	err = pool.QueryRow(ctx, tokenSymbolSQL, key.ChainID, key.TokenAddress).Scan(&symbol)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("token symbol: %w", err)
	}
	return symbol, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listRecentAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent alerts: %w", err)
	}
	return collectAlerts(rows, limit)
}

// ListMonitorAlerts lists the most recent alerts of one monitor.
func (s *Store) ListMonitorAlerts(ctx context.Context, monitorID int64, limit int) ([]Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, listMonitorAlertsSQL, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list monitor alerts: %w", err)
	}
	return collectAlerts(rows, limit)
}

type pgMonitorTx struct {
	tx      pgx.Tx
	monitor Monitor
	done    bool
}

func (t *pgMonitorTx) Monitor() Monitor {
	return t.monitor
}

func (t *pgMonitorTx) InsertPriceSample(ctx context.Context, sample PriceSample) error {
	if t.done {
		return ErrTxDone
	}
	return insertPriceSample(ctx, t.tx, sample)
}

func (t *pgMonitorTx) BackfillSymbol(ctx context.Context, symbol string) error {
	if t.done {
		return ErrTxDone
	}
	if symbol == "" {
		return nil
	}
	if _, err := t.tx.Exec(ctx, backfillSymbolSQL, t.monitor.ChainID, t.monitor.TokenAddress, symbol); err != nil {
		return fmt.Errorf("backfill token symbol: %w", err)
	}
	return nil
}

func (t *pgMonitorTx) Commit(ctx context.Context, prevPrice decimal.Decimal, prevAt time.Time, alert *Alert) (*Alert, error) {
	if t.done {
		return nil, ErrTxDone
	}
	t.done = true

	if _, err := t.tx.Exec(ctx, updateBaselineSQL, t.monitor.ID, prevPrice.String(), prevAt); err != nil {
		_ = t.tx.Rollback(ctx)
		return nil, fmt.Errorf("update monitor baseline: %w", err)
	}

	var stored *Alert
	if alert != nil {
		rec := *alert
		rec.MonitorID = t.monitor.ID
		err := t.tx.QueryRow(ctx, insertAlertSQL,
			rec.MonitorID,
			rec.Timestamp,
			rec.PriceUSD.String(),
			rec.PctChange.String(),
			rec.Message,
		).Scan(&rec.ID)
		if err != nil {
			_ = t.tx.Rollback(ctx)
			return nil, fmt.Errorf("insert alert: %w", err)
		}
		stored = &rec
	}

	if err := t.tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit monitor update: %w", err)
	}
	return stored, nil
}

func (t *pgMonitorTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertPriceSample(ctx context.Context, db execer, sample PriceSample) error {
	source := sample.Source
	if source == "" {
		source = DefaultSampleSource
	}
	_, err := db.Exec(ctx, insertPriceSampleSQL,
		sample.ChainID,
		sample.TokenAddress,
		sample.Timestamp,
		sample.PriceUSD.String(),
		source,
	)
	if err != nil {
		return fmt.Errorf("insert price sample: %w", err)
	}
	return nil
}

func isActiveMonitorViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeMonitorIndex
}

func collectMonitors(rows pgx.Rows) ([]Monitor, error) {
	defer rows.Close()

	monitors := make([]Monitor, 0)
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		monitors = append(monitors, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return monitors, nil
}

func scanMonitor(row pgx.Row) (Monitor, error) {
	var (
		m            Monitor
		thresholdStr string
		prevStr      *string
	)
	if err := row.Scan(
		&m.ID,
		&m.ChatID,
		&m.ChainID,
		&m.TokenAddress,
		&thresholdStr,
		&m.IsActive,
		&prevStr,
		&m.PrevPriceAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return Monitor{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return Monitor{}, fmt.Errorf("parse threshold pct: %w", err)
	}
	m.ThresholdPct = threshold

	if prevStr != nil {
		prev, err := decimal.NewFromString(*prevStr)
		if err != nil {
			return Monitor{}, fmt.Errorf("parse prev price: %w", err)
		}
		m.PrevPriceUSD = &prev
	}
	return m, nil
}

func collectAlerts(rows pgx.Rows, limit int) ([]Alert, error) {
	defer rows.Close()

	alerts := make([]Alert, 0, limit)
	for rows.Next() {
		var (
			rec      Alert
			priceStr string
			pctStr   string
		)
		if err := rows.Scan(&rec.ID, &rec.MonitorID, &rec.Timestamp, &priceStr, &pctStr, &rec.Message); err != nil {
			return nil, err
		}

		var convErr error
		rec.PriceUSD, convErr = decimal.NewFromString(priceStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert price: %w", convErr)
		}
		rec.PctChange, convErr = decimal.NewFromString(pctStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse alert pct change: %w", convErr)
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

var _ Repository = (*Store)(nil)
