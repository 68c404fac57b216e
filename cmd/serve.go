package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fema-etl/internal/femasync"
	"github.com/sells-group/fema-etl/internal/metrics"
)

var servePort int

// ledgerReader is the read side of the run ledger.
type ledgerReader interface {
	Get(ctx context.Context, processName string) (*femasync.LedgerEntry, error)
	List(ctx context.Context) ([]femasync.LedgerEntry, error)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve run status and metrics over HTTP",
	Long:  "Starts an HTTP server exposing /healthz, the etl_control ledger under /status and Prometheus metrics under /metrics.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		router := buildRouter(femasync.NewLedger(pool), cfg.ETL.ProcessName, metrics.NewPipeline(), cfg.Server.CORSOrigins)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter wires the status routes. Before each scrape the last-run
// gauges are refreshed from the ledger entry of processName. CORS is only
// enabled when origins is non-empty.
func buildRouter(ledger ledgerReader, processName string, m *metrics.Pipeline, origins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/status", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			entries, err := ledger.List(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if entries == nil {
				entries = []femasync.LedgerEntry{}
			}
			writeJSON(w, http.StatusOK, entries)
		})

		r.Get("/{process}", func(w http.ResponseWriter, r *http.Request) {
			name := chi.URLParam(r, "process")
			entry, err := ledger.Get(r.Context(), name)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if entry == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no runs recorded for %s", name)})
				return
			}
			writeJSON(w, http.StatusOK, entry)
		})
	})

	metricsHandler := m.Handler()
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		entry, err := ledger.Get(r.Context(), processName)
		switch {
		case err != nil:
			zap.L().Warn("metrics: read ledger", zap.String("process", processName), zap.Error(err))
		case entry != nil:
			m.ObserveLedger(entry.Status == femasync.StatusCompleted, entry.LastRun)
		}
		metricsHandler.ServeHTTP(w, r)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	zap.L().Error("status request failed", zap.Error(err))
	writeJSON(w, status, map[string]string{"error": "ledger unavailable"})
}
