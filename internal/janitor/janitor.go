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

// Package janitor enforces the retention window: terminal tasks whose
// expires_at has passed get their directory deleted and their status flipped
// to expired. The sweep is idempotent and survives every per-task error.
package janitor

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"markmill/internal/metrics"
	"markmill/pkg/tasks"
)

// Store is the persistence surface required by the janitor.
type Store interface {
	ListExpiredTasks(ctx context.Context, now time.Time) ([]*tasks.Task, error)
	MarkTaskExpired(ctx context.Context, id string) error
}

// Config controls sweep behavior.
type Config struct {
	// DataDir is the root under which tasks/<id>/ directories live.
	DataDir string

	// Interval is the period between sweeps.
	Interval time.Duration
}

// Janitor periodically removes the files of expired tasks.
type Janitor struct {
	store  Store
	cfg    Config
	logger *log.Logger
	now    func() time.Time
}

// New constructs a Janitor. Interval defaults to 15 minutes when unset.
func New(store Store, cfg Config, logger *log.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	return &Janitor{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (j *Janitor) logf(format string, args ...any) {
	if j.logger != nil {
		j.logger.Printf("[janitor] "+format, args...)
	}
}

// Run sweeps immediately, then on every tick until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	j.logf("started, cleanup interval: %s", j.cfg.Interval)

	if _, err := j.Sweep(ctx); err != nil {
		j.logf("sweep error: %v", err)
	}

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logf("stopped")
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logf("sweep error: %v", err)
			}
		}
	}
}

// Sweep deletes the directories of expired tasks and marks them expired,
// returning how many tasks it cleaned up. Per-task failures are logged and
// skipped so one stuck task cannot wedge the rest of the sweep.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	expired, err := j.store.ListExpiredTasks(ctx, j.now())
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	j.logf("found %d expired tasks to clean up", len(expired))
	cleaned := 0
	for _, t := range expired {
		taskDir := filepath.Join(j.cfg.DataDir, "tasks", t.ID)
		if err := os.RemoveAll(taskDir); err != nil {
			j.logf("failed to clean up task %s: %v", t.ID, err)
			continue
		}
		if err := j.store.MarkTaskExpired(ctx, t.ID); err != nil {
			j.logf("failed to mark task %s expired: %v", t.ID, err)
			continue
		}
		metrics.IncTaskExpired()
		cleaned++
	}
	return cleaned, nil
}
