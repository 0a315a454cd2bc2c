package annotation

import (
	"time"

	"gocv.io/x/gocv"

	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/overlay"
)

// Renderer draws the oldest renderable annotation of a camera onto each
// outgoing frame.
type Renderer struct {
	agg   *Aggregator
	style overlay.Style
	// partial draws entries before all their boxes arrived.
	partial bool
}

// NewRenderer creates a renderer over agg.
func NewRenderer(agg *Aggregator, style overlay.Style, renderPartial bool) *Renderer {
	return &Renderer{agg: agg, style: style, partial: renderPartial}
}

// Apply draws the next due annotation on img, starts its showing window, and
// drops it once the window has passed.
func (r *Renderer) Apply(id camera.ID, img *gocv.Mat, now time.Time) {
	entry, ok := r.agg.NextRenderable(id, now, !r.partial)
	if !ok {
		return
	}

	overlay.Draw(img, entry.Boxes, entry.BoxIDs, r.style)
	if entry.Complete {
		r.agg.MarkRendered(id, entry.Key, now)
	}
	r.agg.EvictIfStale(id, entry.Key, now)
}
