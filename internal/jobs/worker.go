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

// Package jobs implements the worker pool that drains the job queue, claims
// queued tasks, drives the conversion pipeline, and commits terminal state.
// A worker never dies on a bad task: panics and pipeline errors both land as
// a failed task with a conversion error code.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"

	"markmill/internal/metrics"
	"markmill/internal/queue"
	"markmill/internal/store"
	"markmill/pkg/tasks"
)

// Store defines the persistence operations required by the pool.
type Store interface {
	ClaimQueuedTask(ctx context.Context, id string, startedAt time.Time) (*tasks.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status tasks.Status, patch store.StatusPatch) error
	ListQueuedTasks(ctx context.Context, limit int) ([]*tasks.Task, error)
	CountTasksByStatus(ctx context.Context, status tasks.Status) (int, error)
}

// Pipeline converts one claimed task and returns its output file list.
type Pipeline interface {
	Run(ctx context.Context, task *tasks.Task) ([]string, error)
}

// Notifier delivers the terminal-state webhook. Implementations bound their
// own retry budget; the pool calls them synchronously.
type Notifier interface {
	Notify(ctx context.Context, taskID string)
}

// Config controls pool behavior.
type Config struct {
	// Workers is the number of concurrent task processors.
	Workers int
}

// Pool is a fixed-size set of workers sharing one queue.
type Pool struct {
	store    Store
	queue    *queue.Queue
	pipeline Pipeline
	notifier Notifier
	cfg      Config
	logger   *log.Logger
	now      func() time.Time
	wg       sync.WaitGroup
}

// New constructs a Pool. Workers defaults to 2 when unset. The notifier may
// be nil, which disables webhook delivery entirely.
func New(st Store, q *queue.Queue, pipeline Pipeline, notifier Notifier, cfg Config, logger *log.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	return &Pool{
		store:    st,
		queue:    q,
		pipeline: pipeline,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pool) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf("[jobs] "+format, args...)
	}
}

// EnqueueBacklog re-enqueues every queued row, oldest first. The queue is
// memory-only, so this runs once at startup to recover tasks that were
// admitted but never claimed before the last shutdown. Orphaned running rows
// are counted and logged but left alone: re-running a half-written task
// directory has no idempotence guarantee.
func (p *Pool) EnqueueBacklog(ctx context.Context) error {
	queued, err := p.store.ListQueuedTasks(ctx, 0)
	if err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}
	for _, t := range queued {
		p.queue.Enqueue(t.ID)
	}
	if len(queued) > 0 {
		p.logf("re-enqueued %d queued tasks from previous run", len(queued))
	}
	metrics.SetQueueDepth(p.queue.Len())

	orphans, err := p.store.CountTasksByStatus(ctx, tasks.StatusRunning)
	if err != nil {
		return fmt.Errorf("count running tasks: %w", err)
	}
	if orphans > 0 {
		p.logf("WARNING: %d tasks stuck in running state from previous run; leaving as-is", orphans)
	}
	return nil
}

// Start launches the workers. They run until the queue is closed and
// drained; ctx bounds their store and pipeline calls.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func(workerID int) {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}(i + 1)
	}
	p.logf("started %d workers", p.cfg.Workers)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID int) {
	p.logf("worker %d started", workerID)
	for {
		id, ok := p.queue.Dequeue()
		if !ok {
			break
		}
		metrics.SetQueueDepth(p.queue.Len())
		p.process(ctx, workerID, id)
	}
	p.logf("worker %d stopped", workerID)
}

// process claims the task and runs it to a terminal state.
func (p *Pool) process(ctx context.Context, workerID int, id string) {
	task, err := p.store.ClaimQueuedTask(ctx, id, p.now())
	if err != nil {
		if errors.Is(err, store.ErrNotQueued) {
			p.logf("worker %d: task %s not claimable, skipping", workerID, id)
		} else {
			p.logf("worker %d: claim task %s: %v", workerID, id, err)
		}
		return
	}

	p.logf("worker %d processing task %s", workerID, id)
	start := p.now()
	outputs, err := p.runPipeline(ctx, task)
	finished := p.now()
	metrics.ObserveConversion(finished.Sub(start))

	if err != nil {
		code := tasks.ErrorCodeConversion
		msg := truncate(err.Error(), tasks.MaxErrorMessageLen)
		patch := store.StatusPatch{FinishedAt: &finished, ErrorCode: &code, ErrorMessage: &msg}
		if uerr := p.store.UpdateTaskStatus(ctx, id, tasks.StatusFailed, patch); uerr != nil {
			p.logf("worker %d: mark task %s failed: %v", workerID, id, uerr)
			return
		}
		metrics.IncTaskFinished(tasks.StatusFailed.String())
		p.logf("worker %d: task %s failed: %s", workerID, id, msg)
	} else {
		patch := store.StatusPatch{FinishedAt: &finished, OutputFiles: outputs}
		if uerr := p.store.UpdateTaskStatus(ctx, id, tasks.StatusCompleted, patch); uerr != nil {
			p.logf("worker %d: mark task %s completed: %v", workerID, id, uerr)
			return
		}
		metrics.IncTaskFinished(tasks.StatusCompleted.String())
		p.logf("worker %d: task %s completed with %d outputs", workerID, id, len(outputs))
	}

	if p.notifier != nil && task.WebhookURL != nil && *task.WebhookURL != "" {
		p.notifier.Notify(ctx, id)
	}
}

// runPipeline invokes the conversion pipeline with a panic barrier. A panic
// anywhere below is classified like any other conversion failure so the task
// still reaches a terminal state and the worker survives.
func (p *Pool) runPipeline(ctx context.Context, task *tasks.Task) (outputs []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = fmt.Errorf("panic during conversion: %v", r)
		}
	}()
	return p.pipeline.Run(ctx, task)
}

// truncate caps s at max bytes, backing up so a multi-byte rune is never
// split.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
