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

// Package convert implements the per-task conversion pipeline: locate the
// uploaded PDF, run the extractor, persist images, decorate the Markdown
// with page locators and image references, optionally run the describer,
// and materialize the output files under the task directory.
package convert

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"markmill/pkg/tasks"
)

var (
	// ErrNoInput indicates the task's input directory holds no file.
	ErrNoInput = errors.New("no input file found")

	// ErrUnsupportedFormat indicates the uploaded file is not a PDF.
	ErrUnsupportedFormat = errors.New("unsupported file format")
)

// Config controls pipeline behavior.
type Config struct {
	// DataDir is the root under which tasks/<id>/ directories live.
	DataDir string

	// ContextChars is how much surrounding text the extractor captures per
	// image, on each side.
	ContextChars int
}

// Pipeline converts one task's upload into Markdown plus image files.
// The describer may be nil, which disables description even for tasks that
// requested it.
type Pipeline struct {
	extractor Extractor
	describer Describer
	cfg       Config
	logger    *log.Logger
}

// New constructs a Pipeline. ContextChars defaults to 500 when unset.
func New(extractor Extractor, describer Describer, cfg Config, logger *log.Logger) *Pipeline {
	if cfg.ContextChars <= 0 {
		cfg.ContextChars = 500
	}
	return &Pipeline{
		extractor: extractor,
		describer: describer,
		cfg:       cfg,
		logger:    logger,
	}
}

func (p *Pipeline) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf("[pipeline] "+format, args...)
	}
}

// Run converts the task's input file and returns the ordered list of output
// paths relative to the task directory, Markdown first. Any returned error
// fails the task.
func (p *Pipeline) Run(ctx context.Context, task *tasks.Task) ([]string, error) {
	taskDir := filepath.Join(p.cfg.DataDir, "tasks", task.ID)
	inputDir := filepath.Join(taskDir, "input")
	imagesDir := filepath.Join(taskDir, "images")

	inputPath, err := findInputFile(inputDir)
	if err != nil {
		return nil, err
	}
	if ext := strings.ToLower(filepath.Ext(inputPath)); ext != ".pdf" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	p.logf("converting %s for task %s", inputPath, task.ID)

	if err := os.MkdirAll(imagesDir, 0o755); err != nil {
		return nil, fmt.Errorf("create images dir: %w", err)
	}

	markdown, pages, records, err := p.extractor.Extract(ctx, inputPath, p.cfg.ContextChars)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}

	kept := make([]ImageRecord, 0, len(records))
	for i := range records {
		filename, err := persistImage(records[i], imagesDir)
		if err != nil {
			p.logf("task %s: dropping image %s: %v", task.ID, records[i].ID, err)
			continue
		}
		records[i].Filename = filename
		kept = append(kept, records[i])
	}
	p.logf("task %s: extracted %d images (%d kept)", task.ID, len(records), len(kept))

	markdown = insertPageLocators(markdown, pages)
	if len(kept) > 0 {
		markdown = placeImageRefs(markdown, kept)
	}

	if task.DescribeImages && len(kept) > 0 {
		if p.describer != nil {
			markdown = p.describer.Rewrite(ctx, markdown, kept, imagesDir)
		} else {
			p.logf("task %s requested image descriptions but no vision client is configured", task.ID)
		}
	}

	outputName := task.ID + ".md"
	if err := os.WriteFile(filepath.Join(taskDir, outputName), []byte(markdown), 0o644); err != nil {
		return nil, fmt.Errorf("write markdown: %w", err)
	}

	outputs := []string{outputName}
	entries, err := os.ReadDir(imagesDir)
	if err == nil {
		for _, entry := range entries {
			outputs = append(outputs, "images/"+entry.Name())
		}
	}
	return outputs, nil
}

// findInputFile returns the single uploaded file inside inputDir.
func findInputFile(inputDir string) (string, error) {
	entries, err := os.ReadDir(inputDir)
	if err != nil || len(entries) == 0 {
		return "", ErrNoInput
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			return filepath.Join(inputDir, entry.Name()), nil
		}
	}
	return "", ErrNoInput
}
