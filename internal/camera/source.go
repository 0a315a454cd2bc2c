package camera

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Source yields decoded frames. gocv.VideoCapture satisfies it.
type Source interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// OpenFunc opens the source behind a camera URI.
type OpenFunc func(uri string) (Source, error)

// OpenVideoCapture opens uri with OpenCV. Numeric URIs select a local device.
func OpenVideoCapture(uri string) (Source, error) {
	capture, err := gocv.OpenVideoCapture(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture %s: %w", uri, err)
	}

	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture is not opened for %s", uri)
	}

	capture.Set(gocv.VideoCaptureBufferSize, 1)
	return capture, nil
}
