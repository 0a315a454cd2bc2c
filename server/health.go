package main

import (
	"context"
	"time"

	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/stream"
)

// supervise periodically restarts failed streams of running cameras and
// reports cameras that stopped delivering frames.
func (s *Server) supervise(ctx context.Context, interval, maxStall time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.checkCameras(now, maxStall)
		}
	}
}

func (s *Server) checkCameras(now time.Time, maxStall time.Duration) {
	for _, info := range s.svc.Cameras() {
		if info.State != camera.StateRunning.String() {
			continue
		}
		log := s.log.With().Str("camera_id", info.CameraID.String()).Logger()

		if !info.LastFrameTime.IsZero() && now.Sub(info.LastFrameTime) > maxStall {
			log.Warn().Time("last_frame_time", info.LastFrameTime).Msg("camera stalled")
		}

		stats, err := s.svc.Stats(info.CameraID)
		if err != nil || stats.Stream == nil || stats.Stream.Status != stream.StatusFailed {
			continue
		}

		log.Warn().Str("last_error", stats.Stream.LastError).Msg("stream failed, restarting encoder")
		if err := s.svc.StopStream(info.CameraID); err != nil {
			log.Warn().Err(err).Msg("failed to stop stream")
		}
		if _, _, err := s.svc.StartStream(info.CameraID); err != nil {
			log.Error().Err(err).Msg("failed to restart stream")
		}
	}
}
