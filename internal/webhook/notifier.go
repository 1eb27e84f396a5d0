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

// Package webhook delivers best-effort task completion notifications to
// caller-supplied URLs. Delivery is at-most-once per terminal transition with
// bounded linear-backoff retry; failures are absorbed into telemetry and
// never fail the task.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"markmill/internal/metrics"
	"markmill/pkg/tasks"
)

// Store is the persistence surface required by the notifier: it re-reads the
// task for the payload and records delivery telemetry per attempt.
type Store interface {
	GetTask(ctx context.Context, id string) (*tasks.Task, error)
	UpdateWebhookStatus(ctx context.Context, id string, statusCode, attemptCount int) error
}

// Config controls delivery behavior.
type Config struct {
	// Timeout bounds each individual delivery attempt.
	Timeout time.Duration

	// MaxRetries is the total attempt budget per notification.
	MaxRetries int

	// RetryDelay is the linear backoff base: attempt n waits n*RetryDelay.
	RetryDelay time.Duration
}

// Notifier posts task completion payloads to webhook URLs.
type Notifier struct {
	store  Store
	cfg    Config
	logger *log.Logger
}

// payload is the JSON body sent to the webhook URL. Optional fields are
// omitted when empty; outputs appear only for completed tasks and the error
// fields only for failed ones.
type payload struct {
	TaskID       string     `json:"task_id"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Outputs      []string   `json:"outputs,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// New constructs a Notifier. Zero config fields get defaults: 10s per-attempt
// timeout, 3 attempts, 5s backoff base.
func New(store Store, cfg Config, logger *log.Logger) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Notifier{store: store, cfg: cfg, logger: logger}
}

func (n *Notifier) logf(format string, args ...any) {
	if n.logger != nil {
		n.logger.Printf("[webhook] "+format, args...)
	}
}

// Notify re-reads the task and, when it is terminal with a webhook URL
// registered, posts the payload with bounded retry. Every failure path is
// logged and swallowed; the task is never affected.
func (n *Notifier) Notify(ctx context.Context, taskID string) {
	task, err := n.store.GetTask(ctx, taskID)
	if err != nil {
		n.logf("skipping webhook for task %s: %v", taskID, err)
		return
	}
	if task.WebhookURL == nil || *task.WebhookURL == "" {
		return
	}
	if task.Status != tasks.StatusCompleted && task.Status != tasks.StatusFailed {
		n.logf("skipping webhook for task %s with status %s", taskID, task.Status)
		return
	}

	body, err := json.Marshal(buildPayload(task))
	if err != nil {
		n.logf("encode payload for task %s: %v", taskID, err)
		return
	}

	if err := n.deliver(ctx, task, body); err != nil {
		n.logf("webhook delivery failed for task %s after %d attempts: %v", taskID, n.cfg.MaxRetries, err)
	}
}

// deliver runs the retry loop through a per-delivery retryablehttp client.
// CheckRetry doubles as the telemetry hook: it observes every attempt,
// records the HTTP status (0 for transport failures) through the store, and
// treats any non-2xx response as retryable.
func (n *Notifier) deliver(ctx context.Context, task *tasks.Task, body []byte) error {
	attempt := 0

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: n.cfg.Timeout}
	client.RetryMax = n.cfg.MaxRetries - 1
	client.RetryWaitMin = n.cfg.RetryDelay
	client.RetryWaitMax = time.Duration(n.cfg.MaxRetries) * n.cfg.RetryDelay
	client.Logger = nil
	client.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		// Linear: attempt 1 waits base, attempt 2 waits 2*base, ...
		return time.Duration(attemptNum+1) * n.cfg.RetryDelay
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if cerr := ctx.Err(); cerr != nil {
			return false, cerr
		}

		attempt++
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		if terr := n.store.UpdateWebhookStatus(ctx, task.ID, status, attempt); terr != nil {
			n.logf("record webhook telemetry for task %s: %v", task.ID, terr)
		}

		switch {
		case err != nil || status == 0:
			metrics.IncWebhookAttempt(metrics.WebhookOutcomeTransport)
			n.logf("webhook error for task %s (attempt %d): %v", task.ID, attempt, err)
			return true, nil
		case status >= 200 && status < 300:
			metrics.IncWebhookAttempt(metrics.WebhookOutcomeDelivered)
			n.logf("webhook delivered for task %s (attempt %d, status %d)", task.ID, attempt, status)
			return false, nil
		default:
			metrics.IncWebhookAttempt(metrics.WebhookOutcomeHTTPError)
			n.logf("webhook delivery failed for task %s (attempt %d, status %d)", task.ID, attempt, status)
			return true, nil
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, *task.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}
	return err
}

func buildPayload(task *tasks.Task) payload {
	p := payload{
		TaskID:     task.ID,
		Status:     task.Status.String(),
		CreatedAt:  task.CreatedAt,
		StartedAt:  task.StartedAt,
		FinishedAt: task.FinishedAt,
	}
	switch task.Status {
	case tasks.StatusCompleted:
		p.Outputs = task.OutputFiles
	case tasks.StatusFailed:
		p.ErrorCode = task.ErrorCode
		p.ErrorMessage = task.ErrorMessage
	}
	return p
}
