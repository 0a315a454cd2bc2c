package camera

import (
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"rtsp-face-overlay/internal/buffer"
	"rtsp-face-overlay/internal/fingerprint"
)

// FrameRecord is one captured frame waiting in a camera buffer.
type FrameRecord struct {
	// Seq increases by one per captured frame of a session.
	Seq        uint64
	CapturedAt time.Time

	Fingerprint fingerprint.Grid

	// Image is owned by whoever holds the record; Close releases it.
	Image gocv.Mat

	// TTL is how many frames after a fingerprint match still receive the
	// matched overlay.
	TTL int
}

// Close releases the frame image.
func (r *FrameRecord) Close() error {
	return r.Image.Close()
}

// Frames is the registry holding every camera buffer.
type Frames = buffer.Registry[*FrameRecord]

// NewFrames creates a frame registry that releases the image of every record
// it drops.
func NewFrames(log zerolog.Logger) *Frames {
	return buffer.NewRegistry[*FrameRecord](
		buffer.WithLogger[*FrameRecord](log),
		buffer.WithEvictHook[*FrameRecord](func(name string, rec *FrameRecord) {
			if rec != nil {
				rec.Close()
			}
		}),
	)
}
