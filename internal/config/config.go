// Package config loads the service configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Stream      StreamConfig      `yaml:"stream"`
	Encoder     EncoderConfig     `yaml:"encoder"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Annotation  AnnotationConfig  `yaml:"annotation"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
}

// ServerConfig contains the HTTP listener settings
type ServerConfig struct {
	Addr             string        `yaml:"addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	AutoStartStreams *bool         `yaml:"auto_start_streams"` // start the sink on add_camera (default: true)
}

// LogConfig contains logger settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
	File   string `yaml:"file"`   // empty disables file output
}

// StreamConfig contains the output sink settings
type StreamConfig struct {
	RTSPHost     string        `yaml:"rtsp_host"`
	RTSPPort     string        `yaml:"rtsp_port"`
	DelayFrames  int           `yaml:"delay_frames"` // frames held back before pushing
	Headroom     int           `yaml:"headroom"`     // extra buffer slots beyond the delay window
	PollInterval time.Duration `yaml:"poll_interval"`
	StopGrace    time.Duration `yaml:"stop_grace"`
	JoinTimeout  time.Duration `yaml:"join_timeout"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
}

// EncoderConfig contains the ffmpeg settings
type EncoderConfig struct {
	Binary      string        `yaml:"binary"`
	FrameRate   int           `yaml:"frame_rate"`
	Bitrate     string        `yaml:"bitrate"`
	BufSize     string        `yaml:"bufsize"`
	GOP         int           `yaml:"gop"`
	Preset      string        `yaml:"preset"`
	Format      string        `yaml:"format"`
	ExitTimeout time.Duration `yaml:"exit_timeout"`
}

// FingerprintConfig contains grid and matching settings
type FingerprintConfig struct {
	Size             int     `yaml:"size"`
	Cells            int     `yaml:"cells"`
	PixelThresh      float64 `yaml:"pixel_thresh"`
	PercentageThresh float64 `yaml:"percentage_thresh"`
}

// AnnotationConfig contains aggregation windows
type AnnotationConfig struct {
	ShowingTime   time.Duration `yaml:"showing_time"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RenderPartial bool          `yaml:"render_partial"`
	Labels        bool          `yaml:"labels"`
}

// DispatchConfig contains the worker pool settings
type DispatchConfig struct {
	MaxQSize    int               `yaml:"max_qsize"`
	NumOfThread int               `yaml:"num_of_thread"`
	MatchMode   string            `yaml:"match_mode"`  // aggregate, fingerprint
	CameraModes map[string]string `yaml:"camera_modes"` // camera uri -> mode
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // empty disables MQTT ingress
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	autoStart := true
	return &Config{
		Server: ServerConfig{
			Addr:             ":8091",
			ShutdownTimeout:  5 * time.Second,
			AutoStartStreams: &autoStart,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			File:   "logs/app.log",
		},
		Stream: StreamConfig{
			RTSPHost:     "rtmp://localhost",
			RTSPPort:     "8554",
			DelayFrames:  0,
			Headroom:     30,
			PollInterval: 50 * time.Millisecond,
			StopGrace:    200 * time.Millisecond,
			JoinTimeout:  5 * time.Second,
			JPEGQuality:  90,
		},
		Encoder: EncoderConfig{
			Binary:      "ffmpeg",
			FrameRate:   25,
			Bitrate:     "1M",
			BufSize:     "16M",
			GOP:         50,
			Preset:      "veryfast",
			Format:      "flv",
			ExitTimeout: 5 * time.Second,
		},
		Fingerprint: FingerprintConfig{
			Size:             544,
			Cells:            32,
			PixelThresh:      10,
			PercentageThresh: 0.01,
		},
		Annotation: AnnotationConfig{
			ShowingTime:   time.Second,
			MaxAge:        10 * time.Second,
			SweepInterval: time.Second,
		},
		Dispatch: DispatchConfig{
			MaxQSize:    10,
			NumOfThread: 1,
			MatchMode:   "aggregate",
		},
		MQTT: MQTTConfig{
			ClientID: "rtsp-face-overlay",
			Topic:    "face/detections",
			QoS:      1,
		},
	}
}

// Load reads a YAML configuration file over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// StreamURL returns the output base address, rtsp_host:rtsp_port.
func (c *Config) StreamURL() string {
	return c.Stream.RTSPHost + ":" + c.Stream.RTSPPort
}

// BufferCapacity is the per-camera buffer size.
func (c *Config) BufferCapacity() int {
	return c.Stream.DelayFrames + c.Stream.Headroom
}

// AutoStart reports whether add_camera also starts the stream.
func (c *Config) AutoStart() bool {
	return c.Server.AutoStartStreams == nil || *c.Server.AutoStartStreams
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	str("LOG_FILE", &cfg.Log.File)
	str("RTSP_HOST", &cfg.Stream.RTSPHost)
	str("RTSP_PORT", &cfg.Stream.RTSPPort)
	str("MATCH_MODE", &cfg.Dispatch.MatchMode)
	str("MQTT_BROKER", &cfg.MQTT.Broker)

	if err := num("MAX_QSIZE", &cfg.Dispatch.MaxQSize); err != nil {
		return err
	}
	if err := num("NUM_OF_THREAD", &cfg.Dispatch.NumOfThread); err != nil {
		return err
	}
	if err := num("DELAY_FRAMES", &cfg.Stream.DelayFrames); err != nil {
		return err
	}

	// SHOWING_TIME is seconds, as a plain number, or a Go duration.
	if v, ok := lookup("SHOWING_TIME"); ok && v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Annotation.ShowingTime = time.Duration(secs * float64(time.Second))
		} else if d, err := time.ParseDuration(v); err == nil {
			cfg.Annotation.ShowingTime = d
		} else {
			return fmt.Errorf("SHOWING_TIME: cannot parse %q", v)
		}
	}
	return nil
}
