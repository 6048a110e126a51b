// Package server coordinates run lifecycle: cooperative cancellation
// from interrupts or a wall-clock budget, and ordered teardown of the
// components holding unflushed state.
package server

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownManager owns the run's cancellation flag and its teardown
// sequence. The flag is set by the first interrupt, by the wall-clock
// watchdog, or by Shutdown itself when the run finishes on its own.
// Dispatch loops check the run context between task units; nothing is
// interrupted mid-flush.
type ShutdownManager struct {
	budget time.Duration
	logger *zap.Logger

	cancel     context.CancelFunc
	shutdownCh chan struct{}
	stopCh     chan struct{}
	beginOnce  sync.Once
	closeOnce  sync.Once

	closers   []io.Closer
	closersMu sync.Mutex

	// exit is os.Exit unless a test swaps it out.
	exit func(int)
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// Budget is the wall-clock allowance for the whole run. Zero
	// disables the watchdog.
	Budget time.Duration
}

// NewShutdownManager creates a shutdown manager with the given
// configuration.
func NewShutdownManager(cfg ShutdownConfig, logger *zap.Logger) *ShutdownManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{
		budget:     cfg.Budget,
		logger:     logger.Named("shutdown"),
		shutdownCh: make(chan struct{}),
		stopCh:     make(chan struct{}),
		exit:       os.Exit,
	}
}

// Start derives the run context, installs the interrupt handler and,
// when a budget is configured, arms the watchdog. The returned context
// ends as soon as cancellation begins; in-flight work drains and the
// caller then runs Shutdown.
func (sm *ShutdownManager) Start(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sm.cancel = cancel

	go sm.watchSignals()
	if sm.budget > 0 {
		go sm.watchBudget()
	}

	return ctx
}

// watchSignals handles SIGINT and SIGTERM. The first signal begins
// cooperative shutdown; a second one forces an unclean exit because
// the operator has decided that losing staged data beats waiting.
func (sm *ShutdownManager) watchSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		sm.logger.Warn("interrupt received, draining in-flight tasks",
			zap.String("signal", sig.String()))
		sm.Trigger("interrupt: " + sig.String())
	case <-sm.stopCh:
		return
	}

	select {
	case sig := <-sigCh:
		sm.logger.Error("second interrupt, forcing unclean exit; staged data may be lost",
			zap.String("signal", sig.String()))
		sm.exit(1)
	case <-sm.stopCh:
	}
}

// watchBudget ends the run once the wall-clock allowance is spent.
func (sm *ShutdownManager) watchBudget() {
	timer := time.NewTimer(sm.budget)
	defer timer.Stop()

	select {
	case <-timer.C:
		sm.logger.Warn("wall-clock budget exhausted, draining in-flight tasks",
			zap.Duration("budget", sm.budget))
		sm.Trigger("wall-clock budget exhausted")
	case <-sm.stopCh:
	}
}

// Trigger sets the cancellation flag and ends the run context. Safe to
// call from any goroutine, any number of times.
func (sm *ShutdownManager) Trigger(reason string) {
	sm.beginOnce.Do(func() {
		sm.logger.Debug("cancellation flag set", zap.String("reason", reason))
		close(sm.shutdownCh)
		if sm.cancel != nil {
			sm.cancel()
		}
	})
}

// RegisterCloser adds a closer to run during Shutdown. Closers run in
// reverse registration order, so register the archive manager first:
// its flush must be the last thing standing between staged blobs and
// process exit.
func (sm *ShutdownManager) RegisterCloser(closer io.Closer) {
	sm.closersMu.Lock()
	defer sm.closersMu.Unlock()
	sm.closers = append(sm.closers, closer)
}

// IsShuttingDown reports whether cancellation has begun.
func (sm *ShutdownManager) IsShuttingDown() bool {
	select {
	case <-sm.shutdownCh:
		return true
	default:
		return false
	}
}

// ShutdownCh returns a channel closed when cancellation begins.
func (sm *ShutdownManager) ShutdownCh() <-chan struct{} {
	return sm.shutdownCh
}

// Shutdown runs the registered closers in LIFO order, once, after the
// run loop has drained. Every closer runs even when an earlier one
// fails; the first error is returned and the caller maps it to a
// non-zero exit. The interrupt handler stays armed until the closers
// are done, so a frustrated second interrupt during the final flush
// still forces an exit instead of hanging.
func (sm *ShutdownManager) Shutdown() error {
	var shutdownErr error

	sm.closeOnce.Do(func() {
		sm.Trigger("run complete")

		sm.closersMu.Lock()
		closers := sm.closers
		sm.closersMu.Unlock()

		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				sm.logger.Error("closer failed during shutdown", zap.Error(err))
				if shutdownErr == nil {
					shutdownErr = err
				}
			}
		}

		close(sm.stopCh)
	})

	return shutdownErr
}

// CloserFunc is an adapter to allow ordinary functions to be used as
// io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}

// MetricsServer serves the Prometheus endpoint for the lifetime of a
// run and shuts it down with everything else.
type MetricsServer struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewMetricsServer builds the metrics endpoint on addr and registers
// its teardown with the shutdown manager.
func NewMetricsServer(addr string, handler http.Handler, sm *ShutdownManager, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	sm.RegisterCloser(CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))

	return &MetricsServer{srv: srv, logger: logger}
}

// Serve blocks until the listener fails or shutdown closes it. A
// closed server is a clean return, not an error.
func (ms *MetricsServer) Serve() error {
	ms.logger.Info("metrics endpoint listening", zap.String("addr", ms.srv.Addr))
	if err := ms.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
