package common

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// NewDebugMux returns a mux exposing Prometheus runtime metrics on /metrics
// and the statsviz dashboard on /debug/statsviz.
func NewDebugMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := statsviz.Register(mux); err != nil {
		return nil, err
	}
	return mux, nil
}

// RunMetricsServer serves the debug mux on addr until ctx is done.
func RunMetricsServer(ctx context.Context, addr string, log *logger.Logger) error {
	mux, err := NewDebugMux()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          logger.NewStdLogger(log, logger.LevelError),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info(ctx, "starting metrics server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
