package detection

import (
	"fmt"

	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/fingerprint"
)

// Payload is the JSON document detectors post over HTTP or publish on MQTT.
// frame_id carries the fingerprint grid as a square matrix.
type Payload struct {
	MessageID string      `json:"message_id,omitempty"`
	CameraID  string      `json:"camera_id" binding:"required"`
	FrameID   [][]float64 `json:"frame_id,omitempty"`
	FrameKey  string      `json:"frame_key,omitempty"`
	BoxID     string      `json:"box_id"`
	Box       []int       `json:"box" binding:"required"`
	NumBox    int         `json:"num_box"`
}

// Result converts and validates the payload.
func (p Payload) Result() (Result, error) {
	box, err := BoxFromSlice(p.Box)
	if err != nil {
		return Result{}, fmt.Errorf("detection: %w", err)
	}

	var grid fingerprint.Grid
	if len(p.FrameID) > 0 {
		grid, err = fingerprint.FromRows(p.FrameID)
		if err != nil {
			return Result{}, fmt.Errorf("detection: frame_id: %w", err)
		}
	}

	r := Result{
		MessageID:     p.MessageID,
		CameraID:      camera.ID(p.CameraID),
		Fingerprint:   grid,
		FrameKey:      p.FrameKey,
		BoxID:         p.BoxID,
		Box:           box,
		ExpectedBoxes: p.NumBox,
	}
	if err := r.Validate(); err != nil {
		return Result{}, err
	}
	return r, nil
}
