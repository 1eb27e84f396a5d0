package convert

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

import (
	"strings"
	"testing"
)

func TestIsPageBreak(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"---", true},
		{"  ---  ", true},
		{"***", true},
		{"___", true},
		{"some text\fmore text", true},
		{"----", false},
		{"- - -", false},
		{"regular line", false},
		{"<!-- Page 2 / 3 -->", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isPageBreak(tt.line); got != tt.want {
			t.Errorf("isPageBreak(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

func TestInsertPageLocators(t *testing.T) {
	in := "first page\n---\nsecond page\n***\nthird page"
	want := strings.Join([]string{
		"<!-- Page 1 / 3 -->",
		"first page",
		"---",
		"<!-- Page 2 / 3 -->",
		"second page",
		"***",
		"<!-- Page 3 / 3 -->",
		"third page",
	}, "\n")

	if got := insertPageLocators(in, 3); got != want {
		t.Fatalf("insertPageLocators mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestInsertPageLocatorsEmptyDocument(t *testing.T) {
	got := insertPageLocators("", 0)
	want := "<!-- Page 1 / 0 -->\n"
	if got != want {
		t.Fatalf("insertPageLocators on empty input = %q, want %q", got, want)
	}
}

func TestPlaceImageRefsAfterBreaks(t *testing.T) {
	md := strings.Join([]string{
		"<!-- Page 1 / 2 -->",
		"first page",
		"---",
		"<!-- Page 2 / 2 -->",
		"second page",
	}, "\n")

	images := []ImageRecord{
		{ID: "p1-i1", Page: 1, Index: 1, Filename: "p1-i1.png"},
		{ID: "p1-i0", Page: 1, Index: 0, Filename: "p1-i0.jpeg"},
	}

	want := strings.Join([]string{
		"<!-- Page 1 / 2 -->",
		"first page",
		"---",
		"",
		"![p1-i0](images/p1-i0.jpeg)",
		"",
		"![p1-i1](images/p1-i1.png)",
		"<!-- Page 2 / 2 -->",
		"second page",
	}, "\n")

	if got := placeImageRefs(md, images); got != want {
		t.Fatalf("placeImageRefs mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestPlaceImageRefsFlushesUnplacedAtEnd(t *testing.T) {
	// No page breaks at all: everything flushes at the end in page order.
	md := "only page"
	images := []ImageRecord{
		{ID: "p2-i0", Page: 2, Index: 0, Filename: "p2-i0.png"},
		{ID: "p1-i0", Page: 1, Index: 0, Filename: "p1-i0.png"},
		{ID: "p0-i0", Page: 0, Index: 0, Filename: "p0-i0.png"},
	}

	want := strings.Join([]string{
		"only page",
		"",
		"![p0-i0](images/p0-i0.png)",
		"",
		"![p1-i0](images/p1-i0.png)",
		"",
		"![p2-i0](images/p2-i0.png)",
	}, "\n")

	if got := placeImageRefs(md, images); got != want {
		t.Fatalf("placeImageRefs mismatch:\n got: %q\nwant: %q", got, want)
	}
}

func TestPlaceImageRefsSkipsUnpersistedRecords(t *testing.T) {
	md := "line\n---\nrest"
	images := []ImageRecord{
		{ID: "p1-i0", Page: 1, Index: 0, Filename: ""},
	}
	if got := placeImageRefs(md, images); got != md {
		t.Fatalf("placeImageRefs with unpersisted image changed content:\n got: %q\nwant: %q", got, md)
	}
}
