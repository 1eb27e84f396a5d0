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

package convert

import "context"

// ImageRecord is one image pulled out of a document, with its position and
// the text that surrounded it. Filename is empty until the pipeline has
// persisted the image under the task's images directory; records that cannot
// be decoded keep an empty Filename and are dropped from the output.
type ImageRecord struct {
	// ID is unique within a task, e.g. "p3-i2" for page 3, image 2.
	ID    string
	Page  int
	Index int

	// Raw bytes as found in the document, in whatever encoding the
	// container used. FormatHint is advisory only.
	Data       []byte
	FormatHint string

	// Pixel dimensions when the container declares them, zero otherwise.
	Width  int
	Height int

	ContextBefore string
	ContextAfter  string

	Filename string
}

// Extractor turns a PDF on disk into Markdown plus image records. The page
// count is authoritative and comes from the PDF itself, not from counting
// break markers in the Markdown.
type Extractor interface {
	Extract(ctx context.Context, pdfPath string, contextChars int) (markdown string, pages int, images []ImageRecord, err error)
}

// Describer rewrites Markdown so that each bare image reference carries a
// generated description. It always returns usable Markdown; per-image
// failures are absorbed into the text as sentinels and never fail the task.
type Describer interface {
	Rewrite(ctx context.Context, markdown string, images []ImageRecord, imagesDir string) string
}
