package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/resofly/internal/httputil"
)

const shutdownGrace = 2 * time.Second

// StatusFunc reports process state for /healthz. A nil StatusFunc reports
// only {"status": "ok"}.
type StatusFunc func() map[string]any

// Handler serves the collectors gathered from g in the Prometheus text
// format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewMux routes /metrics and /healthz.
func NewMux(g prometheus.Gatherer, status StatusFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			httputil.MethodNotAllowed(w, http.MethodGet, http.MethodHead)
			return
		}
		body := map[string]any{}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		body["status"] = "ok"
		httputil.WriteJSON(w, http.StatusOK, body)
	})
	return mux
}

// ServeMetrics serves NewMux on addr until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, g prometheus.Gatherer, status StatusFunc) error {
	srv := &http.Server{Addr: addr, Handler: NewMux(g, status), ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		Logf("metrics listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
