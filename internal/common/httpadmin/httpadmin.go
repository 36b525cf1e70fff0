// Package httpadmin serves the small internal-only HTTP surface every
// relay and consumer process exposes: a health check for orchestrators
// and a JSON snapshot of outbox/ledger/dead-letter counts for operators.
// It is deliberately not a customer-facing edge — no routing framework,
// no authentication beyond optional mTLS — so it never stands in for the
// CRUD/HTTP front-ends this module does not implement.
package httpadmin

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/procopio420/basecommerce/internal/common/logger"
	"github.com/procopio420/basecommerce/internal/common/middleware"
	"github.com/procopio420/basecommerce/internal/common/mtls"
)

// Checker reports whether a dependency the process relies on is reachable.
// Both the Postgres and Redis connections implement this via their own
// Health(ctx) methods.
type Checker interface {
	Health(ctx context.Context) error
}

// Counts is the operational snapshot payload: how many events sit in each
// watched outbox state and in the dead-letter table, queried fresh on every request rather than
// cached, since this endpoint exists for operators debugging a stuck
// pipeline, not for dashboards that tolerate staleness.
type Counts struct {
	PendingOutbox   int64 `json:"pending_outbox"`
	PublishingStuck int64 `json:"publishing_stuck"`
	FailedOutbox    int64 `json:"failed_outbox"`
	DeadLettered    int64 `json:"dead_lettered"`
}

// CountsSource supplies the numbers behind Counts. Implemented by a thin
// adapter in each binary's main package that knows how to query its own
// outbox/dead-letter stores.
type CountsSource func(ctx context.Context) (Counts, error)

// Server is the admin HTTP listener. One instance runs per relay or
// consumer process.
type Server struct {
	httpServer *http.Server
	logger     *logger.Logger
}

// New builds the admin server. db and cache are consulted by /health;
// counts is consulted by /snapshot. tlsCfg may be nil; only when it is
// non-nil with Enabled set (MTLS_ENABLED=true via mtls.LoadFromEnv) does
// the listener require and verify client certificates exactly as
// internal/common/mtls configures it for any other service.
func New(addr string, db, cache Checker, counts CountsSource, tlsCfg *mtls.Config, log *logger.Logger) (*Server, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": err.Error()})
			return
		}
		if cache != nil {
			if err := cache.Health(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "redis": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		c, err := counts(ctx)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, c)
	})

	handler := middleware.Recovery(log)(middleware.Logging(log)(mux))

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	if tlsCfg != nil && tlsCfg.Enabled {
		tc, err := tlsCfg.ServerTLSConfig()
		if err != nil {
			return nil, err
		}
		httpServer.TLSConfig = tc
	}

	return &Server{httpServer: httpServer, logger: log}, nil
}

// Run starts serving until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.httpServer.TLSConfig != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("admin server shutting down")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
