// Package overlay draws detection boxes onto frames.
package overlay

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"rtsp-face-overlay/internal/detection"
)

// Style controls how boxes are drawn.
type Style struct {
	Color     color.RGBA
	Thickness int
	// Labels draws each box id above its box when set.
	Labels bool
}

// DefaultStyle is a 2px green outline.
var DefaultStyle = Style{
	Color:     color.RGBA{G: 255, A: 255},
	Thickness: 2,
}

// Draw outlines every box on img, clipped to the frame.
func Draw(img *gocv.Mat, boxes []detection.Box, labels []string, style Style) {
	if img.Empty() {
		return
	}
	bounds := image.Rect(0, 0, img.Cols(), img.Rows())

	for i, box := range boxes {
		rect := box.Rect().Intersect(bounds)
		if rect.Empty() {
			continue
		}
		gocv.Rectangle(img, rect, style.Color, style.Thickness)

		if style.Labels && i < len(labels) && labels[i] != "" {
			pos := image.Pt(rect.Min.X, rect.Min.Y-5)
			if pos.Y < 10 {
				pos.Y = rect.Min.Y + 15
			}
			gocv.PutText(img, labels[i], pos, gocv.FontHersheySimplex, 0.4, style.Color, 1)
		}
	}
}
