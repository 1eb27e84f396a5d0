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

// Package api exposes the HTTP surface: upload admission, task status,
// output file retrieval, and the operational endpoints (health, metrics).
package api

import (
	"context"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"markmill/internal/config"
	"markmill/internal/metrics"
	mw "markmill/internal/middleware"
	"markmill/pkg/tasks"
)

// Store is the persistence surface the handlers need.
type Store interface {
	CreateTask(ctx context.Context, t *tasks.Task) error
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
}

// Enqueuer hands admitted task IDs to the worker pool.
type Enqueuer interface {
	Enqueue(id string) bool
	Len() int
}

// Handler carries the dependencies shared by all routes.
type Handler struct {
	store  Store
	queue  Enqueuer
	cfg    config.Config
	logger *log.Logger
}

// NewRouter wires the full route table with its middleware chain.
func NewRouter(st Store, q Enqueuer, cfg config.Config, logger *log.Logger) http.Handler {
	h := &Handler{store: st, queue: q, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(mw.Correlation)
	r.Use(mw.RequestLogger(logger))
	r.Use(mw.SecurityHeaders)

	r.Get("/health", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Post("/tasks", h.handleCreateTask)
	r.Get("/tasks/{taskID}", h.handleGetTask)
	r.Get("/tasks/{taskID}/download.zip", h.handleDownloadZip)
	r.Get("/tasks/{taskID}/files/*", h.handleGetFile)

	return r
}

func (h *Handler) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf("[api] "+format, args...)
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
