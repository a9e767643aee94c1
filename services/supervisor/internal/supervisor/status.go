package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"idia-astro/go-toolvisor/pkg/httpHelpers"
	"idia-astro/go-toolvisor/pkg/shared/defs"
)

const statusTimeout = 2 * time.Second

// StatusRouter serves a read-mostly view of the supervisor's workers.
func StatusRouter(s *Supervisor) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// List all workers
	r.Get("/workers", func(w http.ResponseWriter, r *http.Request) {
		statuses, ok := snapshot(w, r, s)
		if !ok {
			return
		}
		items := make([]defs.WorkerListItem, 0, len(statuses))
		for _, st := range statuses {
			items = append(items, defs.WorkerListItem{Name: st.Name, State: st.State, ProcessId: st.ProcessId})
		}
		httpHelpers.WriteOutput(w, items)
	})

	// Get details of a specific worker
	r.Get("/worker/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		statuses, ok := snapshot(w, r, s)
		if !ok {
			return
		}
		for _, st := range statuses {
			if st.Name == name {
				httpHelpers.WriteOutput(w, st)
				return
			}
		}
		httpHelpers.WriteError(w, http.StatusNotFound, "Worker not found")
	})

	// Kill the live instance of a worker; the restart policy applies
	r.Delete("/worker/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
		defer cancel()

		start := time.Now()
		err := s.Kill(ctx, name)
		elapsed := time.Since(start)
		switch {
		case err == nil:
		case errors.Is(err, ErrUnknownWorker):
			httpHelpers.WriteError(w, http.StatusNotFound, "Worker not found")
			return
		case errors.Is(err, ErrNotRunning):
			httpHelpers.WriteError(w, http.StatusConflict, "Worker is not running")
			return
		case errors.Is(err, ErrStopped):
			httpHelpers.WriteError(w, http.StatusServiceUnavailable, "Supervisor stopped")
			return
		default:
			slog.Error("Error stopping worker", "worker", name, "error", err)
			httpHelpers.WriteError(w, http.StatusInternalServerError, "Error stopping worker")
			return
		}

		httpHelpers.WriteTimings(w, httpHelpers.Timings{"stop-time": elapsed})
		httpHelpers.WriteOutput(w, map[string]any{"msg": "Worker killed"})
	})

	return r
}

func snapshot(w http.ResponseWriter, r *http.Request, s *Supervisor) ([]defs.WorkerStatus, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	statuses, err := s.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, ErrStopped) {
			httpHelpers.WriteError(w, http.StatusServiceUnavailable, "Supervisor stopped")
		} else {
			httpHelpers.WriteError(w, http.StatusGatewayTimeout, "Timed out waiting for supervisor")
		}
		return nil, false
	}
	return statuses, true
}

// StartStatusServer listens on addr and serves the status API until ctx is
// cancelled.
func StartStatusServer(ctx context.Context, addr string, s *Supervisor, logger *slog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{Handler: StatusRouter(s), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Status server failed", "error", err)
		}
	}()
	logger.Info("Status API listening", "addr", ln.Addr().String())
	return ln.Addr(), nil
}
