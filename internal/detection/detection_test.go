package detection

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsp-face-overlay/internal/fingerprint"
)

func TestPayloadResult(t *testing.T) {
	raw := `{
		"camera_id": "abc",
		"frame_id": [[1, 2], [3, 4]],
		"box_id": "face-1",
		"box": [10, 20, 110, 140],
		"num_box": 2
	}`

	var p Payload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	r, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, "abc", r.CameraID.String())
	assert.Equal(t, fingerprint.Grid{N: 2, Cells: []float64{1, 2, 3, 4}}, r.Fingerprint)
	assert.Equal(t, Box{X1: 10, Y1: 20, X2: 110, Y2: 140}, r.Box)
	assert.Equal(t, 2, r.ExpectedBoxes)
	assert.NotEmpty(t, r.MessageID, "message id is assigned when missing")
	assert.Equal(t, r.Fingerprint.Key(), r.Key())
}

func TestPayloadResultKeepsMessageIDAndFrameKey(t *testing.T) {
	p := Payload{
		MessageID: "m-1",
		CameraID:  "abc",
		FrameKey:  "frame-42",
		Box:       []int{0, 0, 5, 5},
		NumBox:    1,
	}

	r, err := p.Result()
	require.NoError(t, err)
	assert.Equal(t, "m-1", r.MessageID)
	assert.Equal(t, "frame-42", r.Key())
}

func TestPayloadResultErrors(t *testing.T) {
	tests := []struct {
		name string
		p    Payload
	}{
		{
			name: "missing camera",
			p:    Payload{FrameKey: "k", Box: []int{0, 0, 1, 1}, NumBox: 1},
		},
		{
			name: "short box",
			p:    Payload{CameraID: "c", FrameKey: "k", Box: []int{0, 0, 1}, NumBox: 1},
		},
		{
			name: "empty box",
			p:    Payload{CameraID: "c", FrameKey: "k", Box: []int{5, 5, 5, 9}, NumBox: 1},
		},
		{
			name: "zero expected boxes",
			p:    Payload{CameraID: "c", FrameKey: "k", Box: []int{0, 0, 1, 1}},
		},
		{
			name: "no frame reference",
			p:    Payload{CameraID: "c", Box: []int{0, 0, 1, 1}, NumBox: 1},
		},
		{
			name: "ragged grid",
			p:    Payload{CameraID: "c", FrameID: [][]float64{{1, 2}, {3}}, Box: []int{0, 0, 1, 1}, NumBox: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.p.Result()
			assert.Error(t, err)
		})
	}
}

func TestBoxRectNormalises(t *testing.T) {
	b := Box{X1: 50, Y1: 60, X2: 10, Y2: 20}
	r := b.Rect()
	assert.Equal(t, 10, r.Min.X)
	assert.Equal(t, 20, r.Min.Y)
	assert.Equal(t, 50, r.Max.X)
	assert.Equal(t, 60, r.Max.Y)
}
