package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/campusdata/scrape-cli/internal/model"
	"github.com/campusdata/scrape-cli/internal/monitoring"
	"github.com/campusdata/scrape-cli/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the corpus and queue state over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(st),
		}

		go shutdownOnDone(ctx, srv, 10*time.Second)

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

// shutdownOnDone drains the server once ctx is canceled. The signal context
// is already dead at that point, so the drain gets its own deadline.
func shutdownOnDone(ctx context.Context, srv *http.Server, drain time.Duration) {
	<-ctx.Done()
	zap.L().Info("shutting down server")
	drainCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	_ = srv.Shutdown(drainCtx)
}

// newRouter builds the HTTP API over the store.
func newRouter(st store.Store) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		snap, err := monitoring.NewCollector(st).Collect(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	r.Get("/sites", func(w http.ResponseWriter, r *http.Request) {
		filter := store.SiteFilter{
			Status: model.SiteStatus(r.URL.Query().Get("status")),
			Limit:  queryInt(r, "limit", 100),
			Offset: queryInt(r, "offset", 0),
		}
		sites, err := st.ListSites(r.Context(), filter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, sites)
	})

	r.Get("/sites/{unitID}", func(w http.ResponseWriter, r *http.Request) {
		site, err := st.GetSite(r.Context(), chi.URLParam(r, "unitID"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, site)
	})

	r.Get("/documents/{docID}", func(w http.ResponseWriter, r *http.Request) {
		doc, err := st.GetDocument(r.Context(), chi.URLParam(r, "docID"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, doc)
	})

	r.Post("/sites", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			UnitID  string `json:"unit_id"`
			WebAddr string `json:"web_addr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
			return
		}
		url := model.NormalizeSiteURL(req.WebAddr)
		if req.UnitID == "" || url == "" {
			writeError(w, http.StatusBadRequest, eris.New("unit_id and web_addr are required"))
			return
		}
		if _, err := st.UpsertSites(r.Context(), []model.Site{{
			UnitID:  req.UnitID,
			WebAddr: req.WebAddr,
			URL:     url,
		}}); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"unit_id": req.UnitID,
			"url":     url,
		})
	})

	r.Get("/dlq", func(w http.ResponseWriter, r *http.Request) {
		entries, err := st.ListDLQ(r.Context(), queryInt(r, "limit", 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
	})

	r.Delete("/dlq/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := st.DeleteDLQ(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	})

	r.Post("/dlq/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		entry, err := findDLQEntry(r.Context(), st, chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if _, err := st.InsertDocument(r.Context(), entry.Document, true); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if err := st.DeleteDLQ(r.Context(), entry.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "replayed",
			"doc_id": entry.Document.DocID,
		})
	})

	return r
}

// findDLQEntry scans the DLQ for the given entry ID. The queue is small by
// design, so a scan beats widening the store interface.
func findDLQEntry(ctx context.Context, st store.Store, id string) (*store.DLQEntry, error) {
	entries, err := st.ListDLQ(ctx, 1000)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}
	return nil, eris.Errorf("dlq entry not found: %s", id)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
