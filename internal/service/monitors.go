package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dexmonitor/internal/fetcher"
	"dexmonitor/internal/storage"
)

// ErrInvalidThreshold is returned for non-positive thresholds.
var ErrInvalidThreshold = errors.New("service: threshold must be positive")

// Monitors implements the monitor lifecycle operations used by the chat
// front-end and the CLI.
type Monitors struct {
	store            storage.MonitorStore
	defaultChain     string
	defaultThreshold decimal.Decimal
	logger           zerolog.Logger
}

// NewMonitors constructs the lifecycle service.
func NewMonitors(store storage.MonitorStore, defaultChain string, defaultThreshold decimal.Decimal, logger zerolog.Logger) *Monitors {
	return &Monitors{
		store:            store,
		defaultChain:     fetcher.NormalizeChain(defaultChain),
		defaultThreshold: defaultThreshold,
		logger:           logger.With().Str("component", "monitors").Logger(),
	}
}

// DefaultThreshold is the threshold applied when a caller supplies none.
func (s *Monitors) DefaultThreshold() decimal.Decimal {
	return s.defaultThreshold
}

// DefaultChain is the chain applied when a caller supplies none.
func (s *Monitors) DefaultChain() string {
	return s.defaultChain
}

// ResolveKey normalises chain and address into a storage key.
func (s *Monitors) ResolveKey(chainID, tokenAddress string) (storage.TokenKey, error) {
	chain := fetcher.NormalizeChain(chainID)
	if chain == "" {
		chain = s.defaultChain
	}
	addr, err := fetcher.NormalizeAddress(chain, tokenAddress)
	if err != nil {
		return storage.TokenKey{}, err
	}
	return storage.TokenKey{ChainID: chain, TokenAddress: addr}, nil
}

// Create upserts the participant, ensures the token and inserts an active
// monitor with no baseline. It fails with storage.ErrDuplicateActiveMonitor
// when the chat already watches the token.
func (s *Monitors) Create(ctx context.Context, p storage.Participant, chainID, tokenAddress string, threshold decimal.Decimal) (storage.Monitor, error) {
	if threshold.Sign() <= 0 {
		return storage.Monitor{}, fmt.Errorf("%w: %s", ErrInvalidThreshold, threshold.String())
	}
	key, err := s.ResolveKey(chainID, tokenAddress)
	if err != nil {
		return storage.Monitor{}, err
	}

	m, err := s.store.CreateMonitor(ctx, storage.NewMonitor{
		Participant:  p,
		ChainID:      key.ChainID,
		TokenAddress: key.TokenAddress,
		ThresholdPct: threshold,
	})
	if err != nil {
		return storage.Monitor{}, err
	}

	s.logger.Info().
		Int64("monitor_id", m.ID).
		Int64("chat_id", m.ChatID).
		Str("chain_id", m.ChainID).
		Str("token", m.TokenAddress).
		Str("threshold_pct", threshold.String()).
		Msg("monitor created")
	return m, nil
}

// Deactivate stops a monitor. Stopping an inactive monitor is a no-op;
// unknown ids yield storage.ErrMonitorNotFound.
func (s *Monitors) Deactivate(ctx context.Context, id int64) error {
	if err := s.store.DeactivateMonitor(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Int64("monitor_id", id).Msg("monitor deactivated")
	return nil
}

// DeactivateByToken stops the chat's active monitor for the token.
func (s *Monitors) DeactivateByToken(ctx context.Context, chatID int64, chainID, tokenAddress string) (storage.Monitor, error) {
	key, err := s.ResolveKey(chainID, tokenAddress)
	if err != nil {
		return storage.Monitor{}, err
	}
	m, err := s.store.DeactivateByToken(ctx, chatID, key)
	if err != nil {
		return storage.Monitor{}, err
	}
	s.logger.Info().Int64("monitor_id", m.ID).Int64("chat_id", chatID).Msg("monitor deactivated")
	return m, nil
}

// Reactivate restarts a stopped monitor with a cleared baseline.
func (s *Monitors) Reactivate(ctx context.Context, id int64) (storage.Monitor, error) {
	m, err := s.store.ReactivateMonitor(ctx, id)
	if err != nil {
		return storage.Monitor{}, err
	}
	s.logger.Info().Int64("monitor_id", id).Msg("monitor reactivated")
	return m, nil
}

// Get returns a monitor by id.
func (s *Monitors) Get(ctx context.Context, id int64) (storage.Monitor, error) {
	return s.store.GetMonitor(ctx, id)
}

// List returns the chat's monitors.
func (s *Monitors) List(ctx context.Context, chatID int64, activeOnly bool) ([]storage.Monitor, error) {
	return s.store.ListChatMonitors(ctx, chatID, activeOnly)
}
