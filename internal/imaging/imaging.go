// Package imaging derives the display variant of an item photo: a
// bounded jpeg suitable for grids and detail views, downscaled from the
// full-resolution original.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

const (
	// displayMaxDim bounds the longest edge of the display variant.
	displayMaxDim = 1280

	jpegQuality = 82
)

// Display produces the display variant from original photo bytes.
// Jpegs already within bounds pass through untouched; everything else
// is downscaled to fit and re-encoded as jpeg.
func Display(original []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(original))
	if err != nil {
		return nil, fmt.Errorf("decoding photo: %w", err)
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if format == "jpeg" && w <= displayMaxDim && h <= displayMaxDim {
		return original, nil
	}

	dw, dh := fit(w, h, displayMaxDim)

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encoding display variant: %w", err)
	}

	return buf.Bytes(), nil
}

// fit scales (w, h) down so the longest edge is at most max, preserving
// aspect ratio. Dimensions already within bounds are returned as-is.
func fit(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}

	if w >= h {
		scaled := h * max / w
		if scaled < 1 {
			scaled = 1
		}

		return max, scaled
	}

	scaled := w * max / h
	if scaled < 1 {
		scaled = 1
	}

	return scaled, max
}
