// Vigil probe worker — scheduled availability and health checks for HTTP
// endpoints and SQL databases.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/vigil/internal/auth"
	"github.com/marcus-qen/vigil/internal/config"
	"github.com/marcus-qen/vigil/internal/fanout"
	"github.com/marcus-qen/vigil/internal/metrics"
	"github.com/marcus-qen/vigil/internal/store"
	"github.com/marcus-qen/vigil/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("VIGIL_CONFIG"), "path to config file")
	flag.Parse()

	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reloader, err := config.NewReloader(config.FileSource{Path: *configPath}, logger.Named("config"))
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	cfg := reloader.Current()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("cannot create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}

	st, err := store.New(filepath.Join(cfg.DataDir, "vigil.db"), logger.Named("store"))
	if err != nil {
		logger.Fatal("cannot open worker database", zap.Error(err))
	}
	defer st.Close()

	spillPath := cfg.Limits.DeadLetterSpillPath
	if spillPath == "" {
		spillPath = filepath.Join(cfg.DataDir, "results.spill")
	}
	writer := store.NewWriter(st, spillPath, logger)

	agg := metrics.New()
	bus := fanout.New(auth.PermissionPolicy{}, agg, 64, logger.Named("fanout"))
	defer bus.CloseAll()

	wk := worker.New(reloader, st, writer, agg, bus, version, logger)

	writerCtx, writerCancel := context.WithCancel(context.Background())
	writer.Start(writerCtx, cfg.Limits.ShutdownDeadline())

	go reloader.Run(ctx)

	wsServer := fanout.NewWSServer(bus, principalResolver(cfg), logger.Named("ws"))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version": version, "commit": commit, "date": date,
		})
	})
	mux.Handle("GET /metrics", agg.Handler())

	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		inst, err := st.GetInstance(wk.InstanceID())
		if err != nil {
			http.Error(w, `{"error":"instance not registered"}`, http.StatusServiceUnavailable)
			return
		}
		health := worker.ClassifyInstance(inst, reloader.Current().Limits.HeartbeatInterval(), time.Now().UTC())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"instance": inst,
			"health":   health,
			"status":   wk.Status(),
		})
	})

	mux.HandleFunc("GET /api/v1/results", func(w http.ResponseWriter, r *http.Request) {
		results, err := st.ReadResults(filterFromQuery(r))
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"results": results, "count": len(results)})
	})

	mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		job, err := st.GetJob(r.PathValue("id"))
		if err != nil {
			http.Error(w, `{"error":"job not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(job)
	})

	mux.HandleFunc("POST /api/v1/trigger", func(w http.ResponseWriter, r *http.Request) {
		ids := wk.TriggerAll()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"job_ids": ids})
	})

	mux.HandleFunc("POST /api/v1/targets/{name}/trigger", func(w http.ResponseWriter, r *http.Request) {
		ids, err := wk.TriggerTarget(r.PathValue("name"))
		if err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"job_ids": ids})
	})

	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		cancelled := wk.CancelJob(r.PathValue("id"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"cancelled": cancelled})
	})

	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", func(w http.ResponseWriter, r *http.Request) {
		if err := wk.RetryJob(r.PathValue("id")); err != nil {
			http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
	})

	mux.HandleFunc("POST /api/v1/config/reload", func(w http.ResponseWriter, r *http.Request) {
		report, err := reloader.Reload()
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
		_ = json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("GET /ws/events", wsServer.HandleSubscriber)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting probe worker",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.Int("endpoints", len(cfg.Endpoints)),
		zap.Int("connections", len(cfg.Connections)),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	if err := wk.Run(ctx); err != nil {
		logger.Error("worker exited with error", zap.Error(err))
	}

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	// Stop the writer last so the final drain sees everything the worker
	// produced during teardown.
	writerCancel()
	writer.Wait()
}

func newLogger() *zap.Logger {
	level := zap.InfoLevel
	if raw := os.Getenv("VIGIL_LOG_LEVEL"); raw != "" {
		if parsed, err := zap.ParseAtomicLevel(raw); err == nil {
			level = parsed.Level()
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

// principalResolver grants admin to callers presenting the signing key as a
// bearer token. With auth disabled every caller is an anonymous viewer.
func principalResolver(cfg config.Config) fanout.PrincipalResolver {
	if !cfg.Auth.Enabled {
		return nil
	}
	key := []byte(cfg.Auth.SigningKey)
	return func(token string) (auth.Principal, bool) {
		if len(token) == 0 {
			return auth.Principal{}, false
		}
		if subtle.ConstantTimeCompare([]byte(token), key) == 1 {
			return auth.Principal{Subject: "admin", Roles: []auth.Role{auth.RoleAdmin}}, true
		}
		return auth.Principal{}, false
	}
}

func filterFromQuery(r *http.Request) store.ResultFilter {
	q := r.URL.Query()
	f := store.ResultFilter{
		Target:      q.Get("target"),
		Query:       q.Get("query"),
		Status:      q.Get("status"),
		Environment: q.Get("environment"),
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil {
		f.Page = v
	}
	if v, err := strconv.Atoi(q.Get("page_size")); err == nil {
		f.PageSize = v
	}
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		f.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		f.Until = &t
	}
	return f
}
