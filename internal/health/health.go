// Package health exposes repository connectivity and evaluation liveness
// over HTTP.
package health

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Pinger checks repository connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Tracker records the outcome of evaluation cycles.
type Tracker struct {
	mu        sync.RWMutex
	startedAt time.Time
	lastOK    time.Time
	lastAt    time.Time
	lastErr   error
	now       func() time.Time
}

// NewTracker constructs a tracker. now defaults to time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{startedAt: now().UTC(), now: now}
}

// ObserveCycle records a cycle's Loading outcome.
func (t *Tracker) ObserveCycle(at time.Time, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastAt = at.UTC()
	t.lastErr = err
	if err == nil {
		t.lastOK = at.UTC()
	}
}

// Snapshot is the reported health state.
type Snapshot struct {
	Status      string     `json:"status"`
	Database    string     `json:"database"`
	StartedAt   time.Time  `json:"started_at"`
	LastCycleAt *time.Time `json:"last_cycle_at,omitempty"`
	LastOKAt    *time.Time `json:"last_ok_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Snapshot evaluates health. It is unhealthy when the ping fails or no cycle
// has loaded monitors successfully within staleAfter.
func (t *Tracker) Snapshot(pingErr error, staleAfter time.Duration) (Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{Status: "healthy", Database: "ok", StartedAt: t.startedAt}
	if !t.lastAt.IsZero() {
		at := t.lastAt
		snap.LastCycleAt = &at
	}
	if !t.lastOK.IsZero() {
		ok := t.lastOK
		snap.LastOKAt = &ok
	}
	if t.lastErr != nil {
		snap.LastError = t.lastErr.Error()
	}

	healthy := true
	if pingErr != nil {
		snap.Database = pingErr.Error()
		healthy = false
	}
	if staleAfter > 0 {
		ref := t.lastOK
		if ref.IsZero() {
			ref = t.startedAt
		}
		if t.now().UTC().Sub(ref) > staleAfter {
			healthy = false
		}
	}
	if !healthy {
		snap.Status = "unhealthy"
	}
	return snap, healthy
}

// Options configure the HTTP server.
type Options struct {
	ListenAddr  string
	StaleAfter  time.Duration
	ReadTimeout time.Duration
}

// Server serves / and /health.
type Server struct {
	engine  *gin.Engine
	tracker *Tracker
	pinger  Pinger
	opts    Options
	logger  zerolog.Logger
}

// NewServer constructs the gin engine.
func NewServer(tracker *Tracker, pinger Pinger, opts Options, logger zerolog.Logger) *Server {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:  engine,
		tracker: tracker,
		pinger:  pinger,
		opts:    opts,
		logger:  logger.With().Str("component", "health").Logger(),
	}
	engine.GET("/", s.handleRoot)
	engine.GET("/health", s.handleHealth)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleRoot(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.ReadTimeout)
	defer cancel()

	var pingErr error
	if s.pinger != nil {
		pingErr = s.pinger.Ping(ctx)
	}
	snap, healthy := s.tracker.Snapshot(pingErr, s.opts.StaleAfter)

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		s.logger.Warn().Str("database", snap.Database).Str("last_error", snap.LastError).Msg("health check failing")
	}
	c.JSON(status, snap)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: s.opts.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.ListenAddr).Msg("health server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
