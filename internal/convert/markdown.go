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

import (
	"fmt"
	"sort"
	"strings"
)

// isPageBreak reports whether a Markdown line marks a page boundary.
// Horizontal rules and form feeds are treated as breaks. This is a lossy
// heuristic: a legitimate "---" rule in the content also counts as a page
// boundary.
func isPageBreak(line string) bool {
	switch strings.TrimSpace(line) {
	case "---", "***", "___":
		return true
	}
	return strings.Contains(line, "\f")
}

// insertPageLocators injects "<!-- Page k / N -->" comments into Markdown.
// The first page's locator always leads the document; subsequent locators
// follow each page-break line.
func insertPageLocators(markdown string, totalPages int) string {
	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines)+totalPages+1)

	page := 1
	out = append(out, pageLocator(page, totalPages))
	for _, line := range lines {
		out = append(out, line)
		if isPageBreak(line) {
			page++
			out = append(out, pageLocator(page, totalPages))
		}
	}
	return strings.Join(out, "\n")
}

func pageLocator(page, total int) string {
	return fmt.Sprintf("<!-- Page %d / %d -->", page, total)
}

// placeImageRefs inserts "![id](images/file)" lines into Markdown that has
// already been through insertPageLocators. Each page's images land right
// after that page's break line, each preceded by a blank line. Images whose
// page never appears (page 0, or beyond the last break) flush at the end in
// page order.
func placeImageRefs(markdown string, images []ImageRecord) string {
	byPage := make(map[int][]ImageRecord)
	for _, rec := range images {
		if rec.Filename == "" {
			continue
		}
		byPage[rec.Page] = append(byPage[rec.Page], rec)
	}
	for page := range byPage {
		group := byPage[page]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Index < group[j].Index })
	}

	lines := strings.Split(markdown, "\n")
	out := make([]string, 0, len(lines)+2*len(images))

	page := 1
	for _, line := range lines {
		out = append(out, line)
		if isPageBreak(line) {
			for _, rec := range byPage[page] {
				out = append(out, "", imageRef(rec))
			}
			delete(byPage, page)
			page++
		}
	}

	remaining := make([]int, 0, len(byPage))
	for page := range byPage {
		remaining = append(remaining, page)
	}
	sort.Ints(remaining)
	for _, page := range remaining {
		for _, rec := range byPage[page] {
			out = append(out, "", imageRef(rec))
		}
	}

	return strings.Join(out, "\n")
}

func imageRef(rec ImageRecord) string {
	return fmt.Sprintf("![%s](images/%s)", rec.ID, rec.Filename)
}
