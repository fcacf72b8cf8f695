// Package daemon runs governor passes on an interval and serves health and
// metrics endpoints while it does.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/sunset/governor"
	"github.com/yairfalse/sunset/telemetry"
)

// Runner runs governor passes
type Runner interface {
	RunPass(ctx context.Context) (*governor.Summary, error)
	LastSummary() *governor.Summary
}

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	// ListenAddr serves /metrics, /healthz and /readyz; empty disables HTTP
	ListenAddr string
	// ShutdownTimeout bounds how long an in-flight pass and the HTTP server
	// may take to finish after shutdown starts
	ShutdownTimeout time.Duration
	// Gatherer backs /metrics, defaults to prometheus.DefaultGatherer
	Gatherer prometheus.Gatherer
	Meter    metric.Meter
}

// Daemon manages the continuous governor loop
type Daemon struct {
	cfg       Config
	runner    Runner
	logger    *telemetry.Logger
	metrics   *DaemonMetrics
	startTime time.Time

	passCount atomic.Int64
	ready     atomic.Bool
	addr      atomic.Pointer[net.TCPAddr]

	mu      sync.RWMutex
	lastErr error
}

// NewDaemon creates a new daemon instance
func NewDaemon(cfg Config, runner Runner, logger *telemetry.Logger) (*Daemon, error) {
	if runner == nil {
		return nil, errors.New("daemon: runner is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive, got %s", cfg.Interval)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = telemetry.NewLogger("daemon")
	}

	metrics, err := NewDaemonMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("daemon metrics: %w", err)
	}

	return &Daemon{
		cfg:       cfg,
		runner:    runner,
		logger:    logger,
		metrics:   metrics,
		startTime: time.Now(),
	}, nil
}

// Start runs a pass immediately and then on every interval until ctx ends
// or the process receives SIGINT or SIGTERM. A clean shutdown returns nil.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error {
		d.loop(ctx)
		return nil
	}, func(error) {
		cancel()
	})

	if d.cfg.ListenAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", d.cfg.ListenAddr, err)
		}
		if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
			d.addr.Store(tcp)
		}

		srv := &http.Server{
			Handler:           d.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Add(func() error {
			d.logger.WithContext(ctx).Info().Str("addr", ln.Addr().String()).Msg("http server listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ShutdownTimeout)
			defer stop()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				d.logger.WithContext(ctx).Warn().Err(err).Msg("http server shutdown")
			}
		})
	}

	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	err := g.Run()
	var sig run.SignalError
	switch {
	case errors.As(err, &sig):
		d.logger.WithContext(ctx).Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	}
	return err
}

func (d *Daemon) loop(ctx context.Context) {
	d.tick(ctx)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Daemon) tick(ctx context.Context) {
	d.passCount.Add(1)
	start := time.Now()

	passCtx, cancel := d.passContext(ctx)
	summary, err := d.runner.RunPass(passCtx)
	cancel()

	d.mu.Lock()
	d.lastErr = err
	d.mu.Unlock()

	logger := d.logger.WithContext(ctx)
	status := "success"
	switch {
	case errors.Is(err, governor.ErrPassInProgress):
		status = "skipped"
		logger.Warn().Msg("previous pass still running, skipping tick")
	case err != nil:
		status = "error"
		logger.Error().Err(err).Msg("pass failed")
	default:
		d.ready.Store(true)
		d.metrics.RecordSuccess(ctx, time.Now())
		if summary != nil && summary.HasTerminalFailures() {
			logger.Warn().
				Strs("resources", summary.TerminalFailures).
				Msg("resources need operator attention")
		}
	}
	d.metrics.RecordIteration(ctx, status, time.Since(start))
}

// passContext lets an in-flight pass outlive ctx by ShutdownTimeout
func (d *Daemon) passContext(ctx context.Context) (context.Context, context.CancelFunc) {
	passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(d.cfg.ShutdownTimeout, cancel)
	})
	return passCtx, func() {
		stop()
		cancel()
	}
}

// Handler serves /metrics, /healthz and /readyz
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", d.handleHealth)
	mux.HandleFunc("/readyz", d.handleReady)
	return d.metrics.instrument(mux)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Health())
}

func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	if !d.ready.Load() {
		http.Error(w, "no pass has completed yet", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status        string    `json:"status"`
	Uptime        int64     `json:"uptime_seconds"`
	Passes        int64     `json:"passes"`
	LastPassID    string    `json:"last_pass_id,omitempty"`
	LastPassAt    time.Time `json:"last_pass_at,omitempty"`
	LastAborted   bool      `json:"last_pass_aborted,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	NeedAttention []string  `json:"need_attention,omitempty"`
}

// Health returns daemon health status. The daemon stays live while passes
// fail; a failing last pass reports "degraded".
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Passes: d.passCount.Load(),
	}

	d.mu.RLock()
	lastErr := d.lastErr
	d.mu.RUnlock()
	if lastErr != nil && !errors.Is(lastErr, governor.ErrPassInProgress) {
		h.Status = "degraded"
		h.LastError = lastErr.Error()
	}

	if s := d.runner.LastSummary(); s != nil {
		h.LastPassID = s.PassID
		h.LastPassAt = s.FinishedAt
		h.LastAborted = s.Aborted
		h.NeedAttention = s.TerminalFailures
	}
	return h
}

// PassCount returns the number of ticks that attempted a pass
func (d *Daemon) PassCount() int64 {
	return d.passCount.Load()
}

// Ready reports whether a pass has completed
func (d *Daemon) Ready() bool {
	return d.ready.Load()
}

// Port returns the bound HTTP port, or 0 before the server listens
func (d *Daemon) Port() int {
	if addr := d.addr.Load(); addr != nil {
		return addr.Port
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
