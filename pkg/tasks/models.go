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

// Package tasks contains the shared task model and lifecycle constants used
// by the store, workers, notifier, janitor, and API handlers.
package tasks

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a conversion task.
// Transitions form a DAG:
// queued → running → {completed|failed} → expired.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// ErrorCodeConversion is the error code recorded on every failed task.
// The pipeline collapses all of its failure modes into this one code; the
// message carries the detail.
const ErrorCodeConversion = "CONVERSION_ERROR"

// MaxErrorMessageLen caps the error message persisted on a failed task.
const MaxErrorMessageLen = 500

// Valid reports whether the status is one of the allowed states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state
// (completed, failed, or expired).
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether to is a legal successor of s.
// The store persists whatever it is given; callers use this to keep
// themselves honest.
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return to == StatusExpired
	default:
		return false
	}
}

// String returns the string value of the Status.
func (s Status) String() string { return string(s) }

// Task represents one document conversion job and its lifecycle. The task
// ID doubles as the on-disk directory name and the Markdown filename stem.
type Task struct {
	ID                   string     `json:"task_id" db:"task_id"`
	Status               Status     `json:"status" db:"status"`
	OriginalFilename     string     `json:"original_filename" db:"original_filename"`
	ContentType          *string    `json:"content_type,omitempty" db:"content_type"`
	SizeBytes            int64      `json:"size_bytes" db:"size_bytes"`
	DescribeImages       bool       `json:"describe_images" db:"describe_images"`
	WebhookURL           *string    `json:"webhook_url,omitempty" db:"webhook_url"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	StartedAt            *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt           *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ExpiresAt            time.Time  `json:"expires_at" db:"expires_at"`
	ErrorCode            *string    `json:"error_code,omitempty" db:"error_code"`
	ErrorMessage         *string    `json:"error_message,omitempty" db:"error_message"`
	OutputFiles          []string   `json:"output_files,omitempty" db:"output_files"`
	WebhookLastStatus    *int       `json:"webhook_last_status,omitempty" db:"webhook_last_status"`
	WebhookLastAttemptAt *time.Time `json:"webhook_last_attempt_at,omitempty" db:"webhook_last_attempt_at"`
	WebhookAttemptCount  int        `json:"webhook_attempt_count" db:"webhook_attempt_count"`
}

// NewTask constructs a queued Task with creation and expiry timestamps
// stamped in UTC. Retention measures how long outputs survive after creation.
func NewTask(id, originalFilename string, contentType *string, sizeBytes int64, describeImages bool, webhookURL *string, retention time.Duration) Task {
	now := time.Now().UTC()
	return Task{
		ID:               id,
		Status:           StatusQueued,
		OriginalFilename: originalFilename,
		ContentType:      contentType,
		SizeBytes:        sizeBytes,
		DescribeImages:   describeImages,
		WebhookURL:       webhookURL,
		CreatedAt:        now,
		ExpiresAt:        now.Add(retention),
	}
}

// NewID returns a new task identifier. UUIDv7 values are time-prefixed, so
// identifiers sort lexicographically by creation time, which keeps directory
// listings and recovery scans in admission order.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// crypto/rand failure; fall back to a random v4.
		return uuid.New().String()
	}
	return id.String()
}
