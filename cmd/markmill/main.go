// Markmill is a document to Markdown conversion service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"markmill/internal/api"
	"markmill/internal/config"
	"markmill/internal/convert"
	"markmill/internal/describe"
	"markmill/internal/janitor"
	"markmill/internal/jobs"
	"markmill/internal/pdf"
	"markmill/internal/queue"
	"markmill/internal/store"
	"markmill/internal/vision"
	"markmill/internal/webhook"
	"markmill/pkg/crypto"
)

const (
	// shutdownTimeout bounds the HTTP server drain on SIGINT/SIGTERM.
	shutdownTimeout = 20 * time.Second

	// drainTimeout bounds how long workers may finish in-flight tasks
	// after the queue closes.
	drainTimeout = 30 * time.Second
)

// applyFlags lets flags override environment-derived configuration.
func applyFlags(cfg *config.Config) {
	flag.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Task storage root (env DATA_DIR)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env DB_PATH)")
	flag.Int64Var(&cfg.MaxUploadSize, "max-upload-size", cfg.MaxUploadSize, "Upload size ceiling in bytes (env MAX_UPLOAD_SIZE)")
	flag.IntVar(&cfg.MaxConcurrentTasks, "workers", cfg.MaxConcurrentTasks, "Worker pool size (env MAX_CONCURRENT_TASKS)")
	flag.StringVar(&cfg.Host, "host", cfg.Host, "HTTP listen host (env HOST)")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port (env PORT)")
	flag.Parse()
}

func logConfig(cfg config.Config) {
	// Do not log secret values
	log.Printf("markmill configuration:")
	log.Printf("  addr=%s", cfg.Addr())
	log.Printf("  data_dir=%s", cfg.DataDir)
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  max_upload_size=%d", cfg.MaxUploadSize)
	log.Printf("  workers=%d", cfg.MaxConcurrentTasks)
	log.Printf("  max_concurrent_descriptions=%d", cfg.MaxConcurrentDescriptions)
	log.Printf("  description_max_retries=%d", cfg.DescriptionMaxRetries)
	log.Printf("  description_retry_delay=%s", cfg.DescriptionRetryDelay)
	log.Printf("  webhook_timeout=%s", cfg.WebhookTimeout)
	log.Printf("  webhook_max_retries=%d", cfg.WebhookMaxRetries)
	log.Printf("  webhook_retry_delay=%s", cfg.WebhookRetryDelay)
	log.Printf("  cleanup_interval=%s", cfg.CleanupInterval)
	log.Printf("  retention=%s", cfg.Retention)
	log.Printf("  openai_api_key=%s", crypto.RedactSecret(cfg.OpenAIAPIKey))
	log.Printf("  openai_base_url=%s", cfg.OpenAIBaseURL)
	log.Printf("  openai_model=%s", cfg.OpenAIModel)
}

// newServer builds the HTTP server. ReadTimeout and WriteTimeout stay unset:
// they cover the whole body transfer, and uploads up to MaxUploadSize or zip
// downloads of a large task can legitimately run for minutes. Slow-header
// clients are still cut off by ReadHeaderTimeout.
func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[markmill] ")
	logger := log.Default()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Printf("invalid configuration: %v", err)
		os.Exit(1)
	}
	logConfig(cfg)

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "tasks"), 0o755); err != nil {
		log.Printf("failed to create data dir: %v", err)
		os.Exit(1)
	}

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	q := queue.New()

	var describer convert.Describer
	if cfg.VisionEnabled() {
		client := vision.New(vision.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, logger)
		describer = describe.New(client, describe.Config{
			MaxConcurrent: cfg.MaxConcurrentDescriptions,
			MaxRetries:    cfg.DescriptionMaxRetries,
			RetryDelay:    cfg.DescriptionRetryDelay,
		}, logger)
	} else {
		log.Printf("OPENAI_API_KEY not set; image descriptions disabled")
	}

	pipeline := convert.New(pdf.NewExtractor(logger), describer, convert.Config{DataDir: cfg.DataDir}, logger)
	notifier := webhook.New(st, webhook.Config{
		Timeout:    cfg.WebhookTimeout,
		MaxRetries: cfg.WebhookMaxRetries,
		RetryDelay: cfg.WebhookRetryDelay,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	pool := jobs.New(st, q, pipeline, notifier, jobs.Config{Workers: cfg.MaxConcurrentTasks}, logger)
	if err := pool.EnqueueBacklog(workerCtx); err != nil {
		log.Printf("failed to recover queued tasks: %v", err)
		os.Exit(1)
	}
	pool.Start(workerCtx)

	jan := janitor.New(st, janitor.Config{DataDir: cfg.DataDir, Interval: cfg.CleanupInterval}, logger)
	go jan.Run(workerCtx)

	srv := newServer(cfg, api.NewRouter(st, q, cfg, logger))

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	// Stop admitting work, let workers drain what is already queued, then
	// cancel anything still running.
	q.Close()
	drained := make(chan struct{})
	go func() {
		pool.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		log.Printf("workers drained")
	case <-time.After(drainTimeout):
		log.Printf("drain window elapsed, canceling in-flight tasks")
		workerCancel()
		select {
		case <-drained:
		case <-time.After(5 * time.Second):
			log.Printf("workers did not stop in time")
		}
	}
	workerCancel()

	log.Printf("server stopped")
}
