package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunDaemon builds an Engine from ConfigFromEnv, starts it, serves
// /healthz and /metrics on addr, and blocks until SIGINT/SIGTERM, the
// way each of teacher's cmd/automata-*/main.go wired promhttp and
// signal.NotifyContext by hand. extra, if non-nil, registers additional
// routes (automata-api's read-only stats endpoint) before the server
// starts listening.
func RunDaemon(name, addr string, extra func(mux *http.ServeMux, e *Engine)) error {
	cfg := ConfigFromEnv()
	logger := cfg.Logger
	logger.Info("starting " + name)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if !engine.Sched.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if extra != nil {
		extra(mux, engine)
	}

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(name+": http server failed", "error", err)
		}
	}()
	logger.Info(name+": listening", "addr", addr)

	<-ctx.Done()
	logger.Info("shutting down " + name)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	return engine.Stop(shutdownCtx)
}
