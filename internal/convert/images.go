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
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

var (
	jpegMagic = []byte{0xFF, 0xD8}
	pngMagic  = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}
)

var errUndecodable = errors.New("image data not decodable")

// persistImage writes one extracted image under imagesDir and returns the
// bare filename. JPEG and PNG payloads are written verbatim; everything else
// is decoded (or reassembled from packed pixels) and re-encoded as PNG.
// Returns errUndecodable when no interpretation of the bytes works.
func persistImage(rec ImageRecord, imagesDir string) (string, error) {
	if bytes.HasPrefix(rec.Data, jpegMagic) {
		filename := rec.ID + ".jpeg"
		if err := os.WriteFile(filepath.Join(imagesDir, filename), rec.Data, 0o644); err != nil {
			return "", fmt.Errorf("write jpeg: %w", err)
		}
		return filename, nil
	}
	if bytes.HasPrefix(rec.Data, pngMagic) {
		filename := rec.ID + ".png"
		if err := os.WriteFile(filepath.Join(imagesDir, filename), rec.Data, 0o644); err != nil {
			return "", fmt.Errorf("write png: %w", err)
		}
		return filename, nil
	}

	img, err := imaging.Decode(bytes.NewReader(rec.Data))
	if err != nil {
		img = imageFromPackedPixels(rec)
	}
	if img == nil {
		return "", errUndecodable
	}

	// Non-RGB color models (CMYK in particular) are converted during the
	// PNG encode, which keeps the outputs browser friendly.
	filename := rec.ID + ".png"
	if err := imaging.Save(img, filepath.Join(imagesDir, filename)); err != nil {
		return "", fmt.Errorf("encode png: %w", err)
	}
	return filename, nil
}

// imageFromPackedPixels interprets raw bytes as packed pixel data using the
// declared dimensions, trying RGB, grayscale, then RGBA. The first layout
// whose expected size fits inside the payload wins; excess bytes are
// ignored. Returns nil when dimensions are unknown or nothing fits.
func imageFromPackedPixels(rec ImageRecord) image.Image {
	w, h := rec.Width, rec.Height
	if w <= 0 || h <= 0 {
		return nil
	}

	if n := w * h * 3; len(rec.Data) >= n {
		img := image.NewNRGBA(image.Rect(0, 0, w, h))
		for i, j := 0, 0; i < n; i, j = i+3, j+4 {
			img.Pix[j] = rec.Data[i]
			img.Pix[j+1] = rec.Data[i+1]
			img.Pix[j+2] = rec.Data[i+2]
			img.Pix[j+3] = 0xFF
		}
		return img
	}
	if n := w * h; len(rec.Data) >= n {
		return &image.Gray{Pix: rec.Data[:n], Stride: w, Rect: image.Rect(0, 0, w, h)}
	}
	if n := w * h * 4; len(rec.Data) >= n {
		return &image.NRGBA{Pix: rec.Data[:n], Stride: 4 * w, Rect: image.Rect(0, 0, w, h)}
	}
	return nil
}
