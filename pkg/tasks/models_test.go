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

package tasks

import (
	"sort"
	"testing"
	"time"
)

func TestStatusValid(t *testing.T) {
	valid := []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusExpired}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("status %q should be valid", s)
		}
	}
	for _, s := range []Status{"", "cancelled", "QUEUED", "done"} {
		if s.Valid() {
			t.Errorf("status %q should be invalid", s)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusQueued:    false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusExpired:   true,
	}
	for s, want := range cases {
		if got := s.IsTerminal(); got != want {
			t.Errorf("IsTerminal(%q) = %v, want %v", s, got, want)
		}
	}
}

func TestStatusCanTransitionTo(t *testing.T) {
	all := []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusExpired}
	legal := map[Status][]Status{
		StatusQueued:    {StatusRunning},
		StatusRunning:   {StatusCompleted, StatusFailed},
		StatusCompleted: {StatusExpired},
		StatusFailed:    {StatusExpired},
		StatusExpired:   {},
	}
	for _, from := range all {
		allowed := map[Status]bool{}
		for _, to := range legal[from] {
			allowed[to] = true
		}
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != allowed[to] {
				t.Errorf("CanTransitionTo(%q -> %q) = %v, want %v", from, to, got, allowed[to])
			}
		}
	}
}

func TestNewTask(t *testing.T) {
	before := time.Now().UTC()
	task := NewTask("01HZX", "report.pdf", nil, 1234, true, nil, 24*time.Hour)
	after := time.Now().UTC()

	if task.Status != StatusQueued {
		t.Errorf("new task status = %q, want %q", task.Status, StatusQueued)
	}
	if task.CreatedAt.Before(before) || task.CreatedAt.After(after) {
		t.Errorf("created_at %v outside [%v, %v]", task.CreatedAt, before, after)
	}
	if got, want := task.ExpiresAt, task.CreatedAt.Add(24*time.Hour); !got.Equal(want) {
		t.Errorf("expires_at = %v, want %v", got, want)
	}
	if task.StartedAt != nil || task.FinishedAt != nil {
		t.Error("new task must not have started/finished timestamps")
	}
	if len(task.OutputFiles) != 0 {
		t.Errorf("new task has output files: %v", task.OutputFiles)
	}
}

func TestNewIDSortable(t *testing.T) {
	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, NewID())
		time.Sleep(2 * time.Millisecond)
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("sequentially generated IDs are not sorted: %v", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
