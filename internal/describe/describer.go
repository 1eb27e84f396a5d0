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

// Package describe adds vision-generated descriptions to image references in
// converted Markdown. Calls to the vision backend run concurrently under a
// semaphore, each with its own retry budget; failures degrade to an inline
// sentinel rather than failing the task.
package describe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"markmill/internal/convert"
	"markmill/internal/metrics"
)

// Request is one vision call: raw image bytes plus the text that surrounded
// the image in the document.
type Request struct {
	Image         []byte
	MediaType     string
	ContextBefore string
	ContextAfter  string
}

// VisionClient maps an image to a textual description. Implementations make
// exactly one backend attempt per call; retry policy lives here, not in the
// client.
type VisionClient interface {
	Describe(ctx context.Context, req Request) (string, error)
}

// APIError reports a non-2xx response from the vision backend. The status
// code drives retry classification.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vision api status %d: %s", e.StatusCode, e.Message)
}

// Config controls describer concurrency and retry behavior.
type Config struct {
	// MaxConcurrent bounds in-flight vision calls per Rewrite invocation.
	MaxConcurrent int

	// MaxRetries is the total attempt budget per image.
	MaxRetries int

	// RetryDelay is the backoff base; rate limits wait twice as long.
	RetryDelay time.Duration
}

// Describer implements convert.Describer on top of a VisionClient.
type Describer struct {
	client VisionClient
	cfg    Config
	logger *log.Logger
	sleep  func(ctx context.Context, d time.Duration)
}

// New constructs a Describer. Zero config fields get defaults: 5 concurrent
// calls, 3 attempts, 1s backoff base.
func New(client VisionClient, cfg Config, logger *log.Logger) *Describer {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Describer{
		client: client,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepContext,
	}
}

func (d *Describer) logf(format string, args ...any) {
	if d.logger != nil {
		d.logger.Printf("[describe] "+format, args...)
	}
}

type result struct {
	description string
	lastError   string
}

// Rewrite describes every image concurrently, then replaces each bare image
// reference in the Markdown with its description block. Images that could
// not be described get a "description unavailable" sentinel. The Markdown is
// always returned in usable form.
func (d *Describer) Rewrite(ctx context.Context, markdown string, images []convert.ImageRecord, imagesDir string) string {
	if len(images) == 0 {
		return markdown
	}

	d.logf("describing %d images (max %d concurrent)", len(images), d.cfg.MaxConcurrent)

	results := make([]result, len(images))
	sem := make(chan struct{}, d.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	for i := range images {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = d.describeOne(ctx, images[i], imagesDir)
		}(i)
	}
	wg.Wait()

	success, failed := 0, 0
	for i, rec := range images {
		pattern := imageRef(rec)

		var block string
		if results[i].description != "" {
			block = descriptionBlock(rec, results[i].description)
			success++
		} else {
			lastErr := results[i].lastError
			if lastErr == "" {
				lastErr = "unknown error"
			}
			block = descriptionBlock(rec, fmt.Sprintf("description unavailable (%s)", lastErr))
			failed++
		}
		markdown = strings.ReplaceAll(markdown, pattern, block)
	}

	d.logf("image descriptions complete: %d success, %d failed", success, failed)
	return markdown
}

// describeOne runs the per-image retry loop. An empty description in the
// result signals failure, with lastError carrying the final classification.
func (d *Describer) describeOne(ctx context.Context, rec convert.ImageRecord, imagesDir string) result {
	var lastErr string

	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		description, err := d.callVision(ctx, rec, imagesDir)
		if err == nil {
			metrics.IncVisionCall(metrics.VisionOutcomeOK)
			return result{description: description}
		}

		backoff := time.Duration(1<<uint(attempt)) * d.cfg.RetryDelay
		var wait time.Duration
		fatal := false

		var apiErr *APIError
		var urlErr *url.Error
		switch {
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
			metrics.IncVisionCall(metrics.VisionOutcomeRateLimited)
			lastErr = fmt.Sprintf("rate limit: %v", err)
			wait = 2 * backoff
			d.logf("rate limit for %s, retry %d/%d in %s", rec.ID, attempt+1, d.cfg.MaxRetries, wait)

		case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			metrics.IncVisionCall(metrics.VisionOutcomeClientError)
			lastErr = fmt.Sprintf("API error: %v", err)
			d.logf("non-retryable API error for %s: %v", rec.ID, err)
			fatal = true

		case errors.As(err, &apiErr):
			metrics.IncVisionCall(metrics.VisionOutcomeServerError)
			lastErr = fmt.Sprintf("API error: %v", err)
			wait = backoff
			d.logf("API error for %s, retry %d/%d in %s", rec.ID, attempt+1, d.cfg.MaxRetries, wait)

		case errors.Is(err, fs.ErrNotExist):
			lastErr = err.Error()
			d.logf("image file not found: %s", rec.ID)
			fatal = true

		case errors.As(err, &urlErr):
			metrics.IncVisionCall(metrics.VisionOutcomeTransport)
			lastErr = fmt.Sprintf("connection error: %v", err)
			wait = backoff
			d.logf("connection error for %s, retry %d/%d in %s", rec.ID, attempt+1, d.cfg.MaxRetries, wait)

		default:
			lastErr = truncate(err.Error(), 100)
			wait = backoff
			d.logf("unexpected error for %s: %v, retry %d/%d", rec.ID, err, attempt+1, d.cfg.MaxRetries)
		}

		if fatal {
			break
		}
		if attempt+1 < d.cfg.MaxRetries {
			d.sleep(ctx, wait)
		}
	}

	d.logf("failed to describe %s after all retries: %s", rec.ID, lastErr)
	return result{lastError: lastErr}
}

// callVision reads the persisted image and makes one backend attempt.
func (d *Describer) callVision(ctx context.Context, rec convert.ImageRecord, imagesDir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(imagesDir, rec.Filename))
	if err != nil {
		return "", err
	}

	mediaType := "image/jpeg"
	if strings.EqualFold(filepath.Ext(rec.Filename), ".png") {
		mediaType = "image/png"
	}

	return d.client.Describe(ctx, Request{
		Image:         data,
		MediaType:     mediaType,
		ContextBefore: rec.ContextBefore,
		ContextAfter:  rec.ContextAfter,
	})
}

// descriptionBlock builds the Markdown fragment that replaces a bare image
// reference: context before, the reference itself, the description line,
// context after. Empty context lines are omitted.
func descriptionBlock(rec convert.ImageRecord, description string) string {
	lines := make([]string, 0, 6)
	if rec.ContextBefore != "" {
		lines = append(lines, rec.ContextBefore, "")
	}
	lines = append(lines,
		imageRef(rec),
		fmt.Sprintf("Image %s: %s", rec.ID, description),
		"",
	)
	if rec.ContextAfter != "" {
		lines = append(lines, rec.ContextAfter)
	}
	return strings.Join(lines, "\n")
}

func imageRef(rec convert.ImageRecord) string {
	return fmt.Sprintf("![%s](images/%s)", rec.ID, rec.Filename)
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// truncate caps s at max bytes without splitting a multi-byte rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
