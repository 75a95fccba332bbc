// Package api builds the engine's debug/observability HTTP surface: health,
// readiness, Prometheus metrics and pprof. It replaces the teacher's bare
// http.ServeMux (originally here, serving playlists/segments/keys) with a
// chi router for consistency with the middleware stack the rest of the
// retrieval pack builds on (ManuGH-xg2g's internal/api/server_routes.go);
// this engine serves no playlists or segments itself, since it is a
// client-side streaming engine rather than a restreaming proxy.
package api

import (
	"context"
	"net/http"
	"net/http/pprof"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ericcug/streamengine/internal/logger"
)

// StatusProvider reports the engine's current high-level state for the
// readiness endpoint: whether a manifest has loaded and playback is not in
// a fatal error state.
type StatusProvider interface {
	Ready() bool
}

// Router builds the chi-based debug/observability handler. log is used for
// the request-logging middleware; status, if non-nil, backs /readyz.
func Router(log logger.Logger, status StatusProvider) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(status))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/debug/pprof", func(r chi.Router) {
		r.Get("/", pprof.Index)
		r.Get("/cmdline", pprof.Cmdline)
		r.Get("/profile", pprof.Profile)
		r.Get("/symbol", pprof.Symbol)
		r.Get("/trace", pprof.Trace)
		r.Handle("/goroutine", pprof.Handler("goroutine"))
		r.Handle("/heap", pprof.Handler("heap"))
		r.Handle("/allocs", pprof.Handler("allocs"))
	})

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReadyz(status StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if status != nil && !status.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

func requestLogger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debugf("api: %s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}

// AtomicReady is a simple StatusProvider backed by an atomic bool, set by
// the engine once the first manifest load and clock start succeed.
type AtomicReady struct {
	ready atomic.Bool
}

func (a *AtomicReady) Ready() bool     { return a.ready.Load() }
func (a *AtomicReady) SetReady(v bool) { a.ready.Store(v) }

var _ StatusProvider = (*AtomicReady)(nil)

// Serve starts an HTTP server on addr serving handler, shutting down
// gracefully when ctx is cancelled (mirrors the teacher's cmd/server
// signal-driven shutdown, one layer down).
func Serve(ctx context.Context, addr string, handler http.Handler, log logger.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("api: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
