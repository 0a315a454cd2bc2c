package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/detection"
	"rtsp-face-overlay/internal/pipeline"
	"rtsp-face-overlay/internal/stream"
)

// getUpgrader returns a WebSocket upgrader configured to allow all origins
func getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// routes builds the gin engine
func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	// CORS middleware
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	r.POST("/add_camera", s.handleAddCamera)
	r.POST("/stop_camera", s.handleStopCamera)
	r.POST("/face_recognition_notice", s.handleDetection)
	r.GET("/cameras", s.handleListCameras)
	r.GET("/cameras/:cameraId/stats", s.handleCameraStats)
	r.POST("/streams/:cameraId", s.handleStartStream)
	r.DELETE("/streams/:cameraId", s.handleStopStream)

	// WebSocket route
	r.GET("/ws/:cameraId", s.handleWebSocket)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
		})
	})
	return r
}

// requestLogger logs every request through zerolog
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// handleAddCamera registers a camera and starts its annotated stream
func (s *Server) handleAddCamera(c *gin.Context) {
	var req AddCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.svc.AddCamera(req.CameraURI, req.SkipFrame)
	if err != nil {
		s.log.Error().Err(err).Str("camera_uri", req.CameraURI).Msg("add camera failed")
		c.JSON(http.StatusBadGateway, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleStopCamera stops a camera; unknown cameras are reported in the status
func (s *Server) handleStopCamera(c *gin.Context) {
	var req StopCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.svc.StopCamera(req.CameraURI)
	s.hub.DisconnectCamera(camera.NewID(req.CameraURI))
	if err != nil {
		s.log.Error().Err(err).Str("camera_uri", req.CameraURI).Msg("stop camera failed")
		c.JSON(http.StatusInternalServerError, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleDetection accepts one box reported by a face detector
func (s *Server) handleDetection(c *gin.Context) {
	var p detection.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	r, err := p.Result()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.svc.SubmitDetection(c.Request.Context(), r); err != nil {
		if errors.Is(err, camera.ErrNotInList) {
			c.JSON(http.StatusOK, gin.H{"status": pipeline.StatusNotInList, "message_id": r.MessageID})
			return
		}
		s.log.Error().Err(err).Str("camera_id", r.CameraID.String()).Msg("submit detection failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": pipeline.StatusDone, "message_id": r.MessageID})
}

// handleListCameras returns the ids of every camera with an active buffer
func (s *Server) handleListCameras(c *gin.Context) {
	ids := s.svc.ListCameras()
	cameras := make([]string, 0, len(ids))
	for _, id := range ids {
		cameras = append(cameras, id.String())
	}
	c.JSON(http.StatusOK, gin.H{"cameras": cameras})
}

// handleCameraStats returns statistics about a specific camera
func (s *Server) handleCameraStats(c *gin.Context) {
	id := camera.ID(c.Param("cameraId"))

	stats, err := s.svc.Stats(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, StatsResponse{
		CameraStats: stats,
		StreamURL:   s.svc.StreamURL(id),
		ViewerCount: s.hub.Count(id),
	})
}

// handleStartStream starts pushing a camera's annotated frames
func (s *Server) handleStartStream(c *gin.Context) {
	id := camera.ID(c.Param("cameraId"))

	info, created, err := s.svc.StartStream(id)
	if err != nil {
		if errors.Is(err, camera.ErrNotInList) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "status": pipeline.StatusNotInList})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := pipeline.StatusDone
	if !created {
		status = pipeline.StatusStreamedAlready
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "stream": info})
}

// handleStopStream stops a camera's stream; the camera keeps capturing
func (s *Server) handleStopStream(c *gin.Context) {
	id := camera.ID(c.Param("cameraId"))

	if err := s.svc.StopStream(id); err != nil {
		if errors.Is(err, stream.ErrNotStreaming) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": pipeline.StatusDone, "camera_id": id})
}

// handleWebSocket upgrades HTTP connection to WebSocket for live annotated frames
func (s *Server) handleWebSocket(c *gin.Context) {
	id := camera.ID(c.Param("cameraId"))

	if _, err := s.svc.Stats(id); err != nil {
		s.log.Warn().Str("camera_id", id.String()).Msg("websocket connection failed: camera not found")
		c.JSON(http.StatusNotFound, gin.H{"error": "Camera not found"})
		return
	}

	upgrader := getUpgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	s.hub.AddClient(id, conn)
}
