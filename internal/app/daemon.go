package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

// MetricsHandler serves the Prometheus registry and a liveness probe.
func (a *App) MetricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func (a *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			a.logger.Info(ctx, "received signal, shutting down", "signal", sig.String())
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

// Run is the daemon: bootstrap credentials, then run the scheduler with the
// health and metrics endpoints until ctx is cancelled or a signal arrives.
// Runs in flight are cancelled and finalized before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	a.logger.Info(ctx, "Starting app...")
	a.initSignalHandler(ctx, cancelFunc)

	if err := a.Bootstrap(ctx); err != nil {
		return err
	}

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancelFunc()
	}

	if a.config.HealthAddr != "" {
		hs := NewHealthServer(a.config.HealthAddr, a.logger)
		hs.SetServing(true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Run(ctx); err != nil {
				a.logger.Error(ctx, "gRPC server failed", "error", err)
				fail(err)
			}
		}()
	}

	if a.config.MetricsAddr != "" {
		srv := &http.Server{Addr: a.config.MetricsAddr, Handler: a.MetricsHandler(), ReadHeaderTimeout: 5 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info(ctx, "Starting metrics server", "address", a.config.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error(ctx, "metrics server failed", "error", err)
				fail(err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Scheduler.Run(ctx); err != nil {
			fail(err)
		}
	}()

	wg.Wait()
	a.logger.Info(context.WithoutCancel(ctx), "app stopped")
	return runErr
}
