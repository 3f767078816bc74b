package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hsvp/farmacontrol/backend/cmd/farmacontrol/handlers"
	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

// NewRouter registers the local API.
func NewRouter(app *App) *http.ServeMux {
	syncHandler := handlers.NewSyncHandler(app.Session)
	viewsHandler := handlers.NewViewsHandler(app.Session)
	rolloverHandler := handlers.NewRolloverHandler(app.Session)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", handlers.Health(app.Session))
	mux.HandleFunc("/api/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("/api/sync/flush", syncHandler.Flush)
	mux.HandleFunc("/api/sync/errors", syncHandler.GetErrors)
	mux.HandleFunc("/api/sync/queue", syncHandler.ClearQueue)
	mux.HandleFunc("/api/views", viewsHandler.Get)
	mux.HandleFunc("/api/rollover", rolloverHandler.Run)
	mux.HandleFunc("/api/rollover/resume", rolloverHandler.Resume)
	mux.Handle("/metrics", metrics.Handler())
	if app.Hub != nil {
		mux.HandleFunc("/ws", HandleWebSocket(app.Hub))
	}
	return mux
}

// Serve runs the HTTP server until ctx is cancelled, then drains it.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Local server listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logging.Info("Shutting down local server", nil)
	return srv.Shutdown(shutdownCtx)
}
