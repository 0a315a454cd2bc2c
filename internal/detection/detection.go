// Package detection defines the face-detection results posted by external
// detectors.
package detection

import (
	"errors"
	"fmt"
	"image"

	"github.com/google/uuid"

	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/fingerprint"
)

// Box is an axis-aligned rectangle in frame pixel coordinates.
type Box struct {
	X1 int
	Y1 int
	X2 int
	Y2 int
}

// BoxFromSlice accepts the [x1, y1, x2, y2] form used on the wire.
func BoxFromSlice(v []int) (Box, error) {
	if len(v) != 4 {
		return Box{}, fmt.Errorf("box needs 4 coordinates, got %d", len(v))
	}
	return Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, nil
}

// Rect returns the box as a canonical image rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// Result is one box reported for one frame. A frame with several faces
// arrives as several results sharing a fingerprint, each declaring the total
// number of boxes to expect.
type Result struct {
	MessageID     string
	CameraID      camera.ID
	Fingerprint   fingerprint.Grid
	FrameKey      string
	BoxID         string
	Box           Box
	ExpectedBoxes int
}

// Key identifies the frame the result belongs to. Detectors that know the
// buffer-internal key send it; otherwise the fingerprint stands in.
func (r Result) Key() string {
	if r.FrameKey != "" {
		return r.FrameKey
	}
	return r.Fingerprint.Key()
}

// Validate checks the fields every consumer relies on and assigns a message
// id when the producer did not send one.
func (r *Result) Validate() error {
	if r.CameraID == "" {
		return errors.New("detection: camera id is required")
	}
	if r.FrameKey == "" && r.Fingerprint.Empty() {
		return errors.New("detection: frame fingerprint or frame key is required")
	}
	if r.ExpectedBoxes < 1 {
		return fmt.Errorf("detection: num_box must be at least 1, got %d", r.ExpectedBoxes)
	}
	if r.Box.Rect().Empty() {
		return fmt.Errorf("detection: box %v is empty", r.Box)
	}
	if r.MessageID == "" {
		r.MessageID = uuid.NewString()
	}
	return nil
}
