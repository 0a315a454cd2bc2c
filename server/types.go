package main

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/detection"
	"rtsp-face-overlay/internal/pipeline"
	"rtsp-face-overlay/internal/stream"
)

// Service is the pipeline surface the HTTP handlers call.
type Service interface {
	AddCamera(uri string, skipFrame int) (pipeline.CameraResponse, error)
	StopCamera(uri string) (pipeline.CameraResponse, error)
	SubmitDetection(ctx context.Context, r detection.Result) error
	ListCameras() []camera.ID
	Cameras() []camera.Info
	StartStream(id camera.ID) (stream.Info, bool, error)
	StopStream(id camera.ID) error
	Stats(id camera.ID) (pipeline.CameraStats, error)
	StreamURL(id camera.ID) string
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	svc Service
	hub *ViewerHub
	log zerolog.Logger
}

// ViewerHub fans annotated frames out to WebSocket viewers, per camera.
type ViewerHub struct {
	clients map[camera.ID]map[string]*Client
	mu      sync.RWMutex
	log     zerolog.Logger
}

// Client represents a connected viewer of one camera
type Client struct {
	id       string
	cameraID camera.ID
	conn     *websocket.Conn
	send     chan []byte
	hub      *ViewerHub
	closed   bool
	mu       sync.Mutex
}

// AddCameraRequest is the add_camera body.
type AddCameraRequest struct {
	CameraURI string `json:"camera_uri" binding:"required"`
	SkipFrame int    `json:"skip_frame"`
}

// StopCameraRequest is the stop_camera body.
type StopCameraRequest struct {
	CameraURI string `json:"camera_uri" binding:"required"`
}

// StatsResponse extends the pipeline stats with the viewer count.
type StatsResponse struct {
	pipeline.CameraStats
	StreamURL   string `json:"stream_url"`
	ViewerCount int    `json:"viewer_count"`
}
