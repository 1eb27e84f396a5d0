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
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"markmill/internal/metrics"
	"markmill/pkg/tasks"
)

// copyChunkSize is the buffer size for streaming an upload to disk.
const copyChunkSize = 1 << 20

// maxFieldLen bounds non-file form fields so a hostile part cannot balloon
// memory before validation rejects it.
const maxFieldLen = 8 << 10

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.\s-]`)

type createTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// handleCreateTask admits one upload. The multipart stream is consumed part
// by part in arrival order so the file never needs to be buffered whole; the
// task row is inserted and the ID enqueued only after the upload is fully on
// disk, so a queued row always has its input file.
func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	describeImages := false
	if v := r.URL.Query().Get("describe_images"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			describeImages = b
		}
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart request")
		return
	}

	id := tasks.NewID()
	taskDir := filepath.Join(h.cfg.DataDir, "tasks", id)

	var (
		savedName   string
		contentType *string
		sizeBytes   int64
		webhookURL  *string
		haveFile    bool
	)

	cleanup := func() { _ = os.RemoveAll(taskDir) }

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			writeError(w, http.StatusBadRequest, "Invalid multipart request")
			return
		}

		switch part.FormName() {
		case "webhook_url":
			raw, err := io.ReadAll(io.LimitReader(part, maxFieldLen))
			_ = part.Close()
			if err != nil {
				cleanup()
				writeError(w, http.StatusBadRequest, "Invalid multipart request")
				return
			}
			val := strings.TrimSpace(string(raw))
			if val == "" {
				continue
			}
			if !validWebhookURL(val) {
				cleanup()
				metrics.IncUploadRejected(metrics.RejectReasonInvalidWebhook)
				writeError(w, http.StatusBadRequest, "Invalid webhook URL. Must be a valid http/https URL.")
				return
			}
			webhookURL = &val

		case "file":
			if haveFile {
				// Only the first file part counts; drain the rest.
				_, _ = io.Copy(io.Discard, part)
				_ = part.Close()
				continue
			}
			name := sanitizeFilename(part.FileName())
			if ct := part.Header.Get("Content-Type"); ct != "" {
				contentType = &ct
			}

			n, status, detail := h.saveUpload(taskDir, name, part)
			_ = part.Close()
			if status != 0 {
				cleanup()
				writeError(w, status, detail)
				return
			}
			savedName = name
			sizeBytes = n
			haveFile = true

		default:
			_, _ = io.Copy(io.Discard, part)
			_ = part.Close()
		}
	}

	if !haveFile {
		cleanup()
		metrics.IncUploadRejected(metrics.RejectReasonMissingFile)
		writeError(w, http.StatusUnprocessableEntity, "No file provided")
		return
	}

	t := tasks.NewTask(id, savedName, contentType, sizeBytes, describeImages, webhookURL, h.cfg.Retention)
	if err := h.store.CreateTask(r.Context(), &t); err != nil {
		cleanup()
		h.logf("create task %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to create task")
		return
	}

	h.queue.Enqueue(id)
	metrics.IncTaskAdmitted()
	metrics.SetQueueDepth(h.queue.Len())
	h.logf("admitted task %s (%s, %d bytes, describe_images=%t)", id, savedName, sizeBytes, describeImages)

	writeJSON(w, http.StatusAccepted, createTaskResponse{TaskID: id, Status: tasks.StatusQueued.String()})
}

// saveUpload streams one file part to tasks/<id>/input/<name>, enforcing the
// upload ceiling as bytes arrive. A non-zero status return means the upload
// was rejected and the response is ready to write.
func (h *Handler) saveUpload(taskDir, name string, part io.Reader) (written int64, status int, detail string) {
	inputDir := filepath.Join(taskDir, "input")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		h.logf("create input dir: %v", err)
		return 0, http.StatusInternalServerError, "Failed to save uploaded file"
	}

	dst, err := os.Create(filepath.Join(inputDir, name))
	if err != nil {
		h.logf("create upload file: %v", err)
		return 0, http.StatusInternalServerError, "Failed to save uploaded file"
	}
	defer dst.Close()

	buf := make([]byte, copyChunkSize)
	for {
		n, rerr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > h.cfg.MaxUploadSize {
				metrics.IncUploadRejected(metrics.RejectReasonTooLarge)
				limitMB := h.cfg.MaxUploadSize / (1024 * 1024)
				return written, http.StatusRequestEntityTooLarge,
					"File too large. Maximum size is " + strconv.FormatInt(limitMB, 10) + "MB"
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				h.logf("write upload: %v", werr)
				return written, http.StatusInternalServerError, "Failed to save uploaded file"
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			h.logf("read upload: %v", rerr)
			return written, http.StatusInternalServerError, "Failed to save uploaded file"
		}
	}
	return written, 0, ""
}

// sanitizeFilename reduces a client-supplied filename to a safe basename:
// path components stripped, characters outside [A-Za-z0-9_.\s-] replaced
// with underscores, length capped at 255 preserving the extension.
func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)

	if name == "" || name == "." || name == ".." {
		return "upload"
	}

	if len(name) > 255 {
		ext := filepath.Ext(name)
		if len(ext) >= 255 {
			return name[:255]
		}
		name = name[:255-len(ext)] + ext
	}
	return name
}

// validWebhookURL accepts absolute http/https URLs with a host.
func validWebhookURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
