package config

import (
	"fmt"

	"rtsp-face-overlay/internal/dispatch"
	"rtsp-face-overlay/internal/fingerprint"
)

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", cfg.Log.Format)
	}

	if cfg.Stream.RTSPHost == "" || cfg.Stream.RTSPPort == "" {
		return fmt.Errorf("stream.rtsp_host and stream.rtsp_port are required")
	}
	if cfg.Stream.DelayFrames < 0 {
		return fmt.Errorf("stream.delay_frames must be >= 0")
	}
	if cfg.BufferCapacity() <= 0 {
		return fmt.Errorf("stream.delay_frames + stream.headroom must be > 0")
	}
	if cfg.Stream.JPEGQuality < 1 || cfg.Stream.JPEGQuality > 100 {
		return fmt.Errorf("stream.jpeg_quality must be in [1, 100]")
	}

	if cfg.Encoder.Binary == "" {
		return fmt.Errorf("encoder.binary is required")
	}
	if cfg.Encoder.FrameRate <= 0 {
		return fmt.Errorf("encoder.frame_rate must be > 0")
	}

	printer := fingerprint.Fingerprinter{Size: cfg.Fingerprint.Size, Cells: cfg.Fingerprint.Cells}
	if err := printer.Validate(); err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}
	if cfg.Fingerprint.PercentageThresh < 0 || cfg.Fingerprint.PercentageThresh > 1 {
		return fmt.Errorf("fingerprint.percentage_thresh must be in [0, 1]")
	}

	if cfg.Annotation.ShowingTime < 0 {
		return fmt.Errorf("annotation.showing_time must not be negative")
	}
	if cfg.Annotation.MaxAge <= 0 {
		return fmt.Errorf("annotation.max_age must be > 0")
	}
	if cfg.Annotation.SweepInterval <= 0 {
		return fmt.Errorf("annotation.sweep_interval must be > 0")
	}

	if cfg.Dispatch.MaxQSize <= 0 {
		return fmt.Errorf("dispatch.max_qsize must be > 0")
	}
	if cfg.Dispatch.NumOfThread <= 0 {
		return fmt.Errorf("dispatch.num_of_thread must be > 0")
	}
	if _, err := dispatch.ParseMode(cfg.Dispatch.MatchMode); err != nil {
		return fmt.Errorf("dispatch.match_mode: %w", err)
	}
	for uri, mode := range cfg.Dispatch.CameraModes {
		if _, err := dispatch.ParseMode(mode); err != nil {
			return fmt.Errorf("dispatch.camera_modes[%s]: %w", uri, err)
		}
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.topic is required when mqtt.broker is set")
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "rtsp-face-overlay"
		}
	}

	return nil
}
