package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/datazip-inc/olake-cdc/logger"
	"github.com/datazip-inc/olake-cdc/pkg/metrics"
	"github.com/felixge/fgprof"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

func statusCode(status Status) int {
	if status == Unhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warnf("failed to write health response: %s", err)
	}
}

// NewRouter exposes the monitor, the metrics registry and pprof endpoints.
func NewRouter(monitor *Monitor, collector *metrics.Collector) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := monitor.Run(r.Context())
		writeJSON(w, statusCode(report.Status), report)
	}).Methods(http.MethodGet)
	router.HandleFunc("/health/{check}", func(w http.ResponseWriter, r *http.Request) {
		name := mux.Vars(r)["check"]
		res, found := monitor.RunOne(r.Context(), name)
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("unknown check %q", name)})
			return
		}
		writeJSON(w, statusCode(res.Status), res)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", collector.Handler())

	router.HandleFunc("/debug/pprof", pprof.Index)
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.Handle("/debug/pprof/profile", fgprof.Handler())
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	router.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	return router
}

// Serve blocks until ctx is cancelled or the listener fails.
func Serve(ctx context.Context, port int, monitor *Monitor, collector *metrics.Collector) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(monitor, collector),
		ReadTimeout:       time.Second * 60,
		ReadHeaderTimeout: time.Second * 60,
		IdleTimeout:       time.Second * 65,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Infof("health server listening on %s", server.Addr)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
