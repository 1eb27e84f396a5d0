package store

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

// Tests for the store layer: migrations, task CRUD, the queued-task claim, and
// expiry listing.

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"markmill/pkg/tasks"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newQueuedTask(id string) tasks.Task {
	return tasks.NewTask(id, "report.pdf", ptrString("application/pdf"), 2048, false, nil, 24*time.Hour)
}

func TestOpenAndMigrations_TaskCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := tasks.NewTask("task-1", "scan.pdf", ptrString("application/pdf"), 4096, true, ptrString("https://hooks.example/done"), 24*time.Hour)
	if err := s.CreateTask(ctx, &task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.ID != task.ID || got.Status != tasks.StatusQueued || got.OriginalFilename != "scan.pdf" || got.SizeBytes != 4096 {
		t.Fatalf("task mismatch:\n got: %+v\nwant: %+v", got, task)
	}
	if !got.DescribeImages {
		t.Fatalf("expected describe_images=true, got false")
	}
	if got.ContentType == nil || *got.ContentType != "application/pdf" {
		t.Fatalf("content type mismatch: got %v", got.ContentType)
	}
	if got.WebhookURL == nil || *got.WebhookURL != "https://hooks.example/done" {
		t.Fatalf("webhook URL mismatch: got %v", got.WebhookURL)
	}
	if !got.CreatedAt.Equal(task.CreatedAt) || !got.ExpiresAt.Equal(task.ExpiresAt) {
		t.Fatalf("timestamp mismatch: created got=%v want=%v expires got=%v want=%v",
			got.CreatedAt, task.CreatedAt, got.ExpiresAt, task.ExpiresAt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Fatalf("expected nil started/finished on new task, got %v / %v", got.StartedAt, got.FinishedAt)
	}
	if got.OutputFiles != nil {
		t.Fatalf("expected nil output files on new task, got %v", got.OutputFiles)
	}
	if got.WebhookLastStatus != nil || got.WebhookLastAttemptAt != nil || got.WebhookAttemptCount != 0 {
		t.Fatalf("expected zero webhook telemetry on new task, got %+v", got)
	}
}

func TestCreateTaskDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newQueuedTask("task-dup")
	if err := s.CreateTask(ctx, &task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	again := newQueuedTask("task-dup")
	if err := s.CreateTask(ctx, &again); err != ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists on duplicate ID, got %v", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetTask(context.Background(), "no-such-task"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing task, got %v", err)
	}
}

func TestUpdateTaskStatusPatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newQueuedTask("task-patch")
	if err := s.CreateTask(ctx, &task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	finished := time.Now().UTC()
	outputs := []string{"task-patch/report.md", "task-patch/images/p1-i0.png"}
	err := s.UpdateTaskStatus(ctx, task.ID, tasks.StatusCompleted, StatusPatch{
		FinishedAt:  &finished,
		OutputFiles: outputs,
	})
	if err != nil {
		t.Fatalf("UpdateTaskStatus completed failed: %v", err)
	}

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.Status != tasks.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(finished) {
		t.Fatalf("finished_at mismatch: got %v want %v", got.FinishedAt, finished)
	}
	if len(got.OutputFiles) != 2 || got.OutputFiles[0] != outputs[0] || got.OutputFiles[1] != outputs[1] {
		t.Fatalf("output files mismatch: got %v want %v", got.OutputFiles, outputs)
	}
	// Fields absent from the patch must be untouched.
	if got.ErrorCode != nil || got.ErrorMessage != nil {
		t.Fatalf("expected nil error fields, got %v / %v", got.ErrorCode, got.ErrorMessage)
	}

	// Failure patch on a second task.
	task2 := newQueuedTask("task-patch-fail")
	if err := s.CreateTask(ctx, &task2); err != nil {
		t.Fatalf("CreateTask (2) failed: %v", err)
	}
	err = s.UpdateTaskStatus(ctx, task2.ID, tasks.StatusFailed, StatusPatch{
		FinishedAt:   &finished,
		ErrorCode:    ptrString(tasks.ErrorCodeConversion),
		ErrorMessage: ptrString("unsupported file format: .docx"),
	})
	if err != nil {
		t.Fatalf("UpdateTaskStatus failed failed: %v", err)
	}
	got2, err := s.GetTask(ctx, task2.ID)
	if err != nil {
		t.Fatalf("GetTask (2) failed: %v", err)
	}
	if got2.Status != tasks.StatusFailed {
		t.Fatalf("expected failed, got %s", got2.Status)
	}
	if got2.ErrorCode == nil || *got2.ErrorCode != tasks.ErrorCodeConversion {
		t.Fatalf("error code mismatch: got %v", got2.ErrorCode)
	}
	if got2.ErrorMessage == nil || *got2.ErrorMessage != "unsupported file format: .docx" {
		t.Fatalf("error message mismatch: got %v", got2.ErrorMessage)
	}

	// Invalid status is rejected.
	if err := s.UpdateTaskStatus(ctx, task.ID, tasks.Status("bogus"), StatusPatch{}); err == nil {
		t.Fatalf("expected error for invalid status")
	}
}

func TestClaimQueuedTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newQueuedTask("task-claim")
	if err := s.CreateTask(ctx, &task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	startedAt := time.Now().UTC()
	claimed, err := s.ClaimQueuedTask(ctx, task.ID, startedAt)
	if err != nil {
		t.Fatalf("ClaimQueuedTask failed: %v", err)
	}
	if claimed.Status != tasks.StatusRunning {
		t.Fatalf("expected running after claim, got %s", claimed.Status)
	}
	if claimed.StartedAt == nil || !claimed.StartedAt.Equal(startedAt) {
		t.Fatalf("started_at mismatch: got %v want %v", claimed.StartedAt, startedAt)
	}

	// A second claim of the same task must lose the race.
	if _, err := s.ClaimQueuedTask(ctx, task.ID, time.Now().UTC()); err != ErrNotQueued {
		t.Fatalf("expected ErrNotQueued on second claim, got %v", err)
	}

	// Claiming a missing task behaves the same way.
	if _, err := s.ClaimQueuedTask(ctx, "no-such-task", time.Now().UTC()); err != ErrNotQueued {
		t.Fatalf("expected ErrNotQueued for missing task, got %v", err)
	}
}

func TestUpdateWebhookStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newQueuedTask("task-hook")
	if err := s.CreateTask(ctx, &task); err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}

	before := time.Now().UTC().Add(-time.Second)
	if err := s.UpdateWebhookStatus(ctx, task.ID, 503, 1); err != nil {
		t.Fatalf("UpdateWebhookStatus (503) failed: %v", err)
	}
	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.WebhookLastStatus == nil || *got.WebhookLastStatus != 503 {
		t.Fatalf("last status mismatch: got %v", got.WebhookLastStatus)
	}
	if got.WebhookAttemptCount != 1 {
		t.Fatalf("attempt count mismatch: got %d want 1", got.WebhookAttemptCount)
	}
	if got.WebhookLastAttemptAt == nil || got.WebhookLastAttemptAt.Before(before) {
		t.Fatalf("last attempt timestamp not stamped: got %v", got.WebhookLastAttemptAt)
	}

	// Subsequent attempt overwrites telemetry.
	if err := s.UpdateWebhookStatus(ctx, task.ID, 200, 2); err != nil {
		t.Fatalf("UpdateWebhookStatus (200) failed: %v", err)
	}
	got2, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask (2) failed: %v", err)
	}
	if got2.WebhookLastStatus == nil || *got2.WebhookLastStatus != 200 || got2.WebhookAttemptCount != 2 {
		t.Fatalf("telemetry not overwritten: status=%v count=%d", got2.WebhookLastStatus, got2.WebhookAttemptCount)
	}
}

func TestListQueuedTasksOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"task-c", "task-a", "task-b"} {
		task := newQueuedTask(id)
		// Stagger admission times out of lexical order.
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateTask(ctx, &task); err != nil {
			t.Fatalf("CreateTask %s failed: %v", id, err)
		}
	}

	// One running task must not appear.
	running := newQueuedTask("task-running")
	if err := s.CreateTask(ctx, &running); err != nil {
		t.Fatalf("CreateTask running failed: %v", err)
	}
	if _, err := s.ClaimQueuedTask(ctx, running.ID, time.Now().UTC()); err != nil {
		t.Fatalf("ClaimQueuedTask failed: %v", err)
	}

	all, err := s.ListQueuedTasks(ctx, 0)
	if err != nil {
		t.Fatalf("ListQueuedTasks (all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 queued tasks, got %d", len(all))
	}
	if all[0].ID != "task-c" || all[1].ID != "task-a" || all[2].ID != "task-b" {
		t.Fatalf("queued tasks out of admission order: %s, %s, %s", all[0].ID, all[1].ID, all[2].ID)
	}

	limited, err := s.ListQueuedTasks(ctx, 2)
	if err != nil {
		t.Fatalf("ListQueuedTasks (limit 2) failed: %v", err)
	}
	if len(limited) != 2 || limited[0].ID != "task-c" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}
}

func TestListExpiredTasksAndMarkExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	finished := now.Add(-2 * time.Hour)

	// Terminal and past retention: should be listed.
	old := newQueuedTask("task-old")
	old.ExpiresAt = now.Add(-time.Hour)
	if err := s.CreateTask(ctx, &old); err != nil {
		t.Fatalf("CreateTask old failed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, old.ID, tasks.StatusCompleted, StatusPatch{FinishedAt: &finished, OutputFiles: []string{"task-old/report.md"}}); err != nil {
		t.Fatalf("UpdateTaskStatus old failed: %v", err)
	}

	// Failed and past retention: also listed.
	failed := newQueuedTask("task-failed")
	failed.ExpiresAt = now.Add(-30 * time.Minute)
	if err := s.CreateTask(ctx, &failed); err != nil {
		t.Fatalf("CreateTask failed-task failed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, failed.ID, tasks.StatusFailed, StatusPatch{FinishedAt: &finished}); err != nil {
		t.Fatalf("UpdateTaskStatus failed-task failed: %v", err)
	}

	// Terminal but still within retention: not listed.
	fresh := newQueuedTask("task-fresh")
	if err := s.CreateTask(ctx, &fresh); err != nil {
		t.Fatalf("CreateTask fresh failed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, fresh.ID, tasks.StatusCompleted, StatusPatch{FinishedAt: &finished}); err != nil {
		t.Fatalf("UpdateTaskStatus fresh failed: %v", err)
	}

	// Queued and past retention: never swept while non-terminal.
	stale := newQueuedTask("task-stale-queued")
	stale.ExpiresAt = now.Add(-time.Hour)
	if err := s.CreateTask(ctx, &stale); err != nil {
		t.Fatalf("CreateTask stale failed: %v", err)
	}

	expired, err := s.ListExpiredTasks(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredTasks failed: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired tasks, got %d: %+v", len(expired), expired)
	}
	if expired[0].ID != "task-old" || expired[1].ID != "task-failed" {
		t.Fatalf("expired tasks out of order: %s, %s", expired[0].ID, expired[1].ID)
	}

	// Marking expired removes a task from subsequent sweeps.
	if err := s.MarkTaskExpired(ctx, "task-old"); err != nil {
		t.Fatalf("MarkTaskExpired failed: %v", err)
	}
	got, err := s.GetTask(ctx, "task-old")
	if err != nil {
		t.Fatalf("GetTask after expiry failed: %v", err)
	}
	if got.Status != tasks.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}
	remaining, err := s.ListExpiredTasks(ctx, now)
	if err != nil {
		t.Fatalf("ListExpiredTasks (after mark) failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != "task-failed" {
		t.Fatalf("expected only task-failed remaining, got %+v", remaining)
	}
}

func TestCountTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"task-1", "task-2", "task-3"} {
		task := newQueuedTask(id)
		if err := s.CreateTask(ctx, &task); err != nil {
			t.Fatalf("CreateTask %s failed: %v", id, err)
		}
	}
	if _, err := s.ClaimQueuedTask(ctx, "task-2", time.Now().UTC()); err != nil {
		t.Fatalf("ClaimQueuedTask failed: %v", err)
	}

	queued, err := s.CountTasksByStatus(ctx, tasks.StatusQueued)
	if err != nil {
		t.Fatalf("CountTasksByStatus queued failed: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected 2 queued, got %d", queued)
	}
	running, err := s.CountTasksByStatus(ctx, tasks.StatusRunning)
	if err != nil {
		t.Fatalf("CountTasksByStatus running failed: %v", err)
	}
	if running != 1 {
		t.Fatalf("expected 1 running, got %d", running)
	}
	completed, err := s.CountTasksByStatus(ctx, tasks.StatusCompleted)
	if err != nil {
		t.Fatalf("CountTasksByStatus completed failed: %v", err)
	}
	if completed != 0 {
		t.Fatalf("expected 0 completed, got %d", completed)
	}

	if _, err := s.CountTasksByStatus(ctx, tasks.Status("bogus")); err == nil {
		t.Fatalf("expected error for invalid status")
	}
}

// TestSettingsSetAndGet validates settings upsert and retrieval.
func TestSettingsSetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "test_key", "test_value"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	val, err := s.GetSetting(ctx, "test_key")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if val != "test_value" {
		t.Fatalf("expected 'test_value', got %q", val)
	}

	if err := s.SetSetting(ctx, "test_key", "new_value"); err != nil {
		t.Fatalf("SetSetting (update) failed: %v", err)
	}
	val, err = s.GetSetting(ctx, "test_key")
	if err != nil {
		t.Fatalf("GetSetting (after update) failed: %v", err)
	}
	if val != "new_value" {
		t.Fatalf("expected 'new_value', got %q", val)
	}

	_, err = s.GetSetting(ctx, "nonexistent")
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for nonexistent key, got %v", err)
	}
}

func ptrString(s string) *string { return &s }
