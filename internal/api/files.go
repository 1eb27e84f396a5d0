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
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"markmill/internal/store"
	"markmill/pkg/tasks"
)

// handleGetFile serves one output file from a completed task's directory.
func (h *Handler) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	rel := chi.URLParam(r, "*")

	if !safeRelPath(rel) {
		writeError(w, http.StatusBadRequest, "Invalid file path")
		return
	}

	t, ok := h.loadServableTask(w, r, id)
	if !ok {
		return
	}

	taskDir := filepath.Join(h.cfg.DataDir, "tasks", t.ID)
	full, ok := resolveOutput(taskDir, rel)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid file path")
		return
	}

	f, err := os.Open(full)
	if err != nil {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// handleDownloadZip streams every recorded output of a completed task as one
// zip archive. Files that have vanished from disk are skipped rather than
// failing the archive.
func (h *Handler) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")

	t, ok := h.loadServableTask(w, r, id)
	if !ok {
		return
	}

	taskDir := filepath.Join(h.cfg.DataDir, "tasks", t.ID)

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, t.ID))
	w.WriteHeader(http.StatusOK)

	zw := zip.NewWriter(w)
	for _, rel := range t.OutputFiles {
		if !safeRelPath(rel) {
			continue
		}
		full, ok := resolveOutput(taskDir, rel)
		if !ok {
			h.logf("zip for task %s: skipping %s: escapes task dir", t.ID, rel)
			continue
		}
		f, err := os.Open(full)
		if err != nil {
			h.logf("zip for task %s: skipping %s: %v", t.ID, rel, err)
			continue
		}
		entry, err := zw.Create(rel)
		if err != nil {
			_ = f.Close()
			break
		}
		_, _ = io.Copy(entry, f)
		_ = f.Close()
	}
	_ = zw.Close()
}

// loadServableTask fetches the task and applies the shared output gating:
// 404 unknown, 410 expired, 400 not yet completed. Returns ok=false after
// writing the error response.
func (h *Handler) loadServableTask(w http.ResponseWriter, r *http.Request, id string) (*tasks.Task, bool) {
	t, err := h.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return nil, false
	}
	if err != nil {
		h.logf("get task %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to read task")
		return nil, false
	}

	switch t.Status {
	case tasks.StatusExpired:
		writeError(w, http.StatusGone, "Task outputs have expired")
		return nil, false
	case tasks.StatusCompleted:
		return t, true
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Task is not completed (status: %s)", t.Status))
		return nil, false
	}
}

// resolveOutput joins rel onto taskDir and confirms containment twice: first
// lexically on the cleaned path, then on the symlink-resolved path when the
// file exists. A dangling path passes the lexical check and surfaces as a 404
// from the open that follows.
func resolveOutput(taskDir, rel string) (string, bool) {
	candidate := filepath.Join(taskDir, filepath.FromSlash(rel))
	if candidate != taskDir && !strings.HasPrefix(candidate, taskDir+string(filepath.Separator)) {
		return "", false
	}

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return candidate, true
	}
	base, err := filepath.EvalSymlinks(taskDir)
	if err != nil {
		return candidate, true
	}
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}

// safeRelPath accepts only clean forward-slash relative paths that cannot
// escape the task directory.
func safeRelPath(rel string) bool {
	if rel == "" || strings.Contains(rel, "\\") || strings.ContainsRune(rel, 0) {
		return false
	}
	if path.IsAbs(rel) {
		return false
	}
	clean := path.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return false
	}
	return true
}
