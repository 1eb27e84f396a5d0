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

// Package pdf implements the convert.Extractor port with two libraries:
// ledongthuc/pdf for per-page plain text and the authoritative page count,
// pdfcpu for the embedded image streams. Pages are joined with horizontal
// rules so the pipeline's page-break heuristic can re-find the boundaries.
package pdf

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"

	ledongthuc "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"markmill/internal/convert"
)

// pageBreak separates pages in the generated Markdown. The surrounding
// blank lines keep the rule from attaching to adjacent paragraphs.
const pageBreak = "\n\n---\n\n"

// Extractor reads a PDF from disk and produces Markdown plus image records.
type Extractor struct {
	logger *log.Logger
}

// NewExtractor constructs an Extractor.
func NewExtractor(logger *log.Logger) *Extractor {
	return &Extractor{logger: logger}
}

func (e *Extractor) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf("[pdf] "+format, args...)
	}
}

// Extract returns the document text as Markdown, the page count, and one
// ImageRecord per embedded image. Image context windows are approximated
// from the owning page's text (tail) and the following page's text (head),
// since the text extractor does not expose intra-page image positions.
func (e *Extractor) Extract(ctx context.Context, pdfPath string, contextChars int) (string, int, []convert.ImageRecord, error) {
	if contextChars <= 0 {
		contextChars = 500
	}

	pageTexts, err := extractPageTexts(pdfPath)
	if err != nil {
		return "", 0, nil, fmt.Errorf("read pdf text: %w", err)
	}
	pages := len(pageTexts)

	records, err := e.extractImages(ctx, pdfPath, pageTexts, contextChars)
	if err != nil {
		// Text-only conversion still has value; images degrade to none.
		e.logf("image extraction failed for %s: %v", pdfPath, err)
		records = nil
	}

	return strings.Join(pageTexts, pageBreak), pages, records, nil
}

// extractPageTexts pulls plain text per page. Pages whose content cannot be
// decoded contribute an empty string so page numbering stays aligned.
func extractPageTexts(pdfPath string) ([]string, error) {
	f, reader, err := ledongthuc.Open(pdfPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	total := reader.NumPage()
	texts := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			texts = append(texts, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			texts = append(texts, "")
			continue
		}
		texts = append(texts, strings.TrimSpace(text))
	}
	return texts, nil
}

// extractImages walks the embedded image streams page by page. IDs follow
// the p<page>-i<index> convention with index ordering taken from the
// object numbers within each page.
func (e *Extractor) extractImages(ctx context.Context, pdfPath string, pageTexts []string, contextChars int) ([]convert.ImageRecord, error) {
	f, err := os.Open(pdfPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	pageImages, err := api.ExtractImagesRaw(f, nil, conf)
	if err != nil {
		return nil, err
	}

	var records []convert.ImageRecord
	for _, byObj := range pageImages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		objNrs := make([]int, 0, len(byObj))
		for objNr := range byObj {
			objNrs = append(objNrs, objNr)
		}
		sort.Ints(objNrs)

		index := 0
		for _, objNr := range objNrs {
			img := byObj[objNr]
			data, err := io.ReadAll(img)
			if err != nil {
				e.logf("read image object %d: %v", objNr, err)
				continue
			}
			if len(data) == 0 {
				continue
			}
			index++

			page := img.PageNr
			before, after := contextWindows(pageTexts, page, contextChars)
			records = append(records, convert.ImageRecord{
				ID:            fmt.Sprintf("p%d-i%d", page, index),
				Page:          page,
				Index:         index,
				Data:          data,
				FormatHint:    img.FileType,
				ContextBefore: before,
				ContextAfter:  after,
			})
		}
	}
	return records, nil
}

// contextWindows derives the text around an image on page (1-based): the
// tail of that page's text and the head of the next page's.
func contextWindows(pageTexts []string, page, contextChars int) (before, after string) {
	if page >= 1 && page <= len(pageTexts) {
		before = tail(pageTexts[page-1], contextChars)
	}
	if page >= 0 && page < len(pageTexts) {
		after = head(pageTexts[page], contextChars)
	}
	return before, after
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}

func head(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
