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

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"markmill/internal/store"
	"markmill/pkg/tasks"
)

// taskStatusResponse is the public view of a task. Output files appear only
// on completed tasks, error fields only on failed ones.
type taskStatusResponse struct {
	TaskID           string     `json:"task_id"`
	Status           string     `json:"status"`
	OriginalFilename string     `json:"original_filename"`
	SizeBytes        int64      `json:"size_bytes"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	Outputs          []string   `json:"outputs,omitempty"`
	ErrorCode        *string    `json:"error_code,omitempty"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	t, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		h.logf("get task %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to read task")
		return
	}

	resp := taskStatusResponse{
		TaskID:           t.ID,
		Status:           t.Status.String(),
		OriginalFilename: t.OriginalFilename,
		SizeBytes:        t.SizeBytes,
		CreatedAt:        t.CreatedAt,
		StartedAt:        t.StartedAt,
		FinishedAt:       t.FinishedAt,
	}
	switch t.Status {
	case tasks.StatusCompleted:
		resp.Outputs = t.OutputFiles
	case tasks.StatusFailed:
		resp.ErrorCode = t.ErrorCode
		resp.ErrorMessage = t.ErrorMessage
	}

	writeJSON(w, http.StatusOK, resp)
}
