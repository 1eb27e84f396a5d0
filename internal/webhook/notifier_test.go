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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"markmill/pkg/tasks"
)

type fakeStore struct {
	mu       sync.Mutex
	task     *tasks.Task
	statuses []int
	attempts []int
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (*tasks.Task, error) {
	return s.task, nil
}

func (s *fakeStore) UpdateWebhookStatus(ctx context.Context, id string, statusCode, attemptCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, statusCode)
	s.attempts = append(s.attempts, attemptCount)
	return nil
}

func (s *fakeStore) telemetry() ([]int, []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.statuses...), append([]int(nil), s.attempts...)
}

func completedTask(id, url string) *tasks.Task {
	now := time.Now().UTC()
	started := now.Add(-2 * time.Second)
	finished := now.Add(-time.Second)
	return &tasks.Task{
		ID:          id,
		Status:      tasks.StatusCompleted,
		CreatedAt:   now.Add(-3 * time.Second),
		StartedAt:   &started,
		FinishedAt:  &finished,
		WebhookURL:  &url,
		OutputFiles: []string{id + ".md"},
	}
}

func testConfig() Config {
	return Config{Timeout: 2 * time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}
}

func TestNotifyDeliversPayload(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies [][]byte
		ctype  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		ctype = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{task: completedTask("t1", srv.URL)}
	n := New(store, testConfig(), nil)
	n.Notify(context.Background(), "t1")

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(bodies))
	}
	if ctype != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ctype)
	}

	var got map[string]any
	if err := json.Unmarshal(bodies[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["task_id"] != "t1" || got["status"] != "completed" {
		t.Errorf("unexpected payload: %v", got)
	}
	if _, ok := got["outputs"]; !ok {
		t.Error("completed payload should carry outputs")
	}
	if _, ok := got["error_code"]; ok {
		t.Error("completed payload should not carry error_code")
	}

	statuses, attempts := store.telemetry()
	if len(statuses) != 1 || statuses[0] != http.StatusOK || attempts[0] != 1 {
		t.Errorf("telemetry = %v/%v, want [200]/[1]", statuses, attempts)
	}
}

func TestNotifyFailedTaskPayload(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	code := tasks.ErrorCodeConversion
	msg := "extract: boom"
	task := completedTask("t2", srv.URL)
	task.Status = tasks.StatusFailed
	task.OutputFiles = nil
	task.ErrorCode = &code
	task.ErrorMessage = &msg

	store := &fakeStore{task: task}
	New(store, testConfig(), nil).Notify(context.Background(), "t2")

	mu.Lock()
	defer mu.Unlock()
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["error_code"] != tasks.ErrorCodeConversion {
		t.Errorf("error_code = %v, want %s", got["error_code"], tasks.ErrorCodeConversion)
	}
	if _, ok := got["outputs"]; ok {
		t.Error("failed payload should not carry outputs")
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := &fakeStore{task: completedTask("t3", srv.URL)}
	New(store, testConfig(), nil).Notify(context.Background(), "t3")

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	statuses, attempts := store.telemetry()
	want := []int{http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK}
	if len(statuses) != 3 {
		t.Fatalf("telemetry statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] || attempts[i] != i+1 {
			t.Errorf("attempt %d telemetry = (%d,%d), want (%d,%d)", i+1, statuses[i], attempts[i], want[i], i+1)
		}
	}
}

func TestNotifyExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &fakeStore{task: completedTask("t4", srv.URL)}
	New(store, testConfig(), nil).Notify(context.Background(), "t4")

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	statuses, attempts := store.telemetry()
	if len(statuses) != 3 || statuses[2] != http.StatusInternalServerError || attempts[2] != 3 {
		t.Errorf("final telemetry = %v/%v, want last (500,3)", statuses, attempts)
	}
}

func TestNotifyTransportFailureRecordsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	store := &fakeStore{task: completedTask("t5", url)}
	New(store, testConfig(), nil).Notify(context.Background(), "t5")

	statuses, attempts := store.telemetry()
	if len(statuses) != 3 {
		t.Fatalf("expected 3 recorded attempts, got %v", statuses)
	}
	for i, s := range statuses {
		if s != 0 {
			t.Errorf("attempt %d status = %d, want 0", i+1, s)
		}
	}
	if attempts[2] != 3 {
		t.Errorf("final attempt count = %d, want 3", attempts[2])
	}
}

func TestNotifySkipsNonTerminalTask(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	task := completedTask("t6", srv.URL)
	task.Status = tasks.StatusRunning
	store := &fakeStore{task: task}
	New(store, testConfig(), nil).Notify(context.Background(), "t6")

	if calls.Load() != 0 {
		t.Errorf("expected no delivery for running task, got %d", calls.Load())
	}
}

func TestNotifySkipsTaskWithoutURL(t *testing.T) {
	task := completedTask("t7", "")
	task.WebhookURL = nil
	store := &fakeStore{task: task}
	New(store, testConfig(), nil).Notify(context.Background(), "t7")

	statuses, _ := store.telemetry()
	if len(statuses) != 0 {
		t.Errorf("expected no telemetry without a URL, got %v", statuses)
	}
}
