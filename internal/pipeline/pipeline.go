// Package pipeline wires ingestion, detection dispatch, annotation and
// streaming together behind the operations the front ends call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"rtsp-face-overlay/internal/annotation"
	"rtsp-face-overlay/internal/buffer"
	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/config"
	"rtsp-face-overlay/internal/detection"
	"rtsp-face-overlay/internal/dispatch"
	"rtsp-face-overlay/internal/fingerprint"
	"rtsp-face-overlay/internal/overlay"
	"rtsp-face-overlay/internal/stream"
)

// Status strings returned to remote callers.
const (
	StatusDone            = "Done"
	StatusNotInList       = "Camera isn't added to list"
	StatusStreamedAlready = "Camera is streamed already"
)

// CameraResponse answers add_camera and stop_camera.
type CameraResponse struct {
	CameraURI string `json:"camera_uri"`
	CameraID  string `json:"camera_id"`
	SkipFrame int    `json:"skip_frame"`
	Status    string `json:"status"`
	StreamURL string `json:"stream_url"`
}

// CameraStats is the per-camera status report.
type CameraStats struct {
	Camera             camera.Info   `json:"camera"`
	Buffer             buffer.Stats  `json:"buffer"`
	Stream             *stream.Info  `json:"stream,omitempty"`
	Mode               dispatch.Mode `json:"mode"`
	PendingAnnotations int           `json:"pending_annotations"`
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	open      camera.OpenFunc
	encoder   stream.EncoderFactory
	publisher stream.Publisher
}

// WithSourceOpener replaces the OpenCV camera opener.
func WithSourceOpener(open camera.OpenFunc) Option {
	return func(o *options) { o.open = open }
}

// WithEncoderFactory replaces the ffmpeg encoder.
func WithEncoderFactory(f stream.EncoderFactory) Option {
	return func(o *options) { o.encoder = f }
}

// WithPublisher fans encoded frames out to p.
func WithPublisher(p stream.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// Pipeline owns every component of the service.
type Pipeline struct {
	cfg *config.Config
	log zerolog.Logger

	frames   *camera.Frames
	cameras  *camera.Manager
	agg      *annotation.Aggregator
	renderer *annotation.Renderer
	streams  *stream.Streamer
	pool     *dispatch.Pool

	defaultMode dispatch.Mode
	modes       map[camera.ID]dispatch.Mode

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds the pipeline from a validated configuration.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Pipeline, error) {
	o := options{
		open: camera.OpenVideoCapture,
		encoder: stream.FFmpeg(stream.EncoderConfig{
			Binary:      cfg.Encoder.Binary,
			FrameRate:   cfg.Encoder.FrameRate,
			Bitrate:     cfg.Encoder.Bitrate,
			BufSize:     cfg.Encoder.BufSize,
			GOP:         cfg.Encoder.GOP,
			Preset:      cfg.Encoder.Preset,
			Format:      cfg.Encoder.Format,
			ExitTimeout: cfg.Encoder.ExitTimeout,
		}, log),
	}
	for _, opt := range opts {
		opt(&o)
	}

	defaultMode, err := dispatch.ParseMode(cfg.Dispatch.MatchMode)
	if err != nil {
		return nil, err
	}
	modes := make(map[camera.ID]dispatch.Mode, len(cfg.Dispatch.CameraModes))
	for uri, name := range cfg.Dispatch.CameraModes {
		mode, err := dispatch.ParseMode(name)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", uri, err)
		}
		modes[camera.NewID(uri)] = mode
	}

	style := overlay.DefaultStyle
	style.Labels = cfg.Annotation.Labels

	p := &Pipeline{
		cfg:         cfg,
		log:         log,
		frames:      camera.NewFrames(log),
		defaultMode: defaultMode,
		modes:       modes,
	}

	p.cameras = camera.NewManager(
		p.frames,
		fingerprint.Fingerprinter{Size: cfg.Fingerprint.Size, Cells: cfg.Fingerprint.Cells},
		camera.Config{BufferCapacity: cfg.BufferCapacity(), JoinTimeout: cfg.Stream.JoinTimeout},
		log,
		camera.WithOpener(o.open),
	)

	p.agg = annotation.New(annotation.Config{
		MaxAge:      cfg.Annotation.MaxAge,
		ShowingTime: cfg.Annotation.ShowingTime,
	}, log)
	p.renderer = annotation.NewRenderer(p.agg, style, cfg.Annotation.RenderPartial)

	streamOpts := []stream.Option{stream.WithOverlays(p.overlayFor)}
	if o.publisher != nil {
		streamOpts = append(streamOpts, stream.WithPublisher(o.publisher))
	}
	p.streams = stream.New(p.frames, o.encoder, stream.Config{
		DelayFrames:  cfg.Stream.DelayFrames,
		PollInterval: cfg.Stream.PollInterval,
		StopGrace:    cfg.Stream.StopGrace,
		JoinTimeout:  cfg.Stream.JoinTimeout,
		JPEGQuality:  cfg.Stream.JPEGQuality,
		URL:          p.StreamURL,
	}, log, streamOpts...)

	inbound, err := dispatch.NewInbound(cfg.Dispatch.MaxQSize, log)
	if err != nil {
		return nil, err
	}
	p.pool = dispatch.New(inbound, p.frames, p.agg, dispatch.Config{
		Workers: cfg.Dispatch.NumOfThread,
		Matcher: fingerprint.Matcher{
			PixelThresh:      cfg.Fingerprint.PixelThresh,
			PercentageThresh: cfg.Fingerprint.PercentageThresh,
		},
		Style: style,
		Mode:  p.Mode,
	}, log)

	return p, nil
}

// Start launches the dispatch workers and the annotation sweeper.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.pool.Start(ctx)
	go func() {
		defer close(p.done)
		p.agg.Run(ctx, p.cfg.Annotation.SweepInterval)
	}()
}

// Close stops every stream, camera and worker.
func (p *Pipeline) Close() {
	p.streams.StopAll()
	p.cameras.StopAll()

	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.mu.Unlock()

	p.pool.Stop()
	if cancel != nil {
		cancel()
		<-done
	}
}

// StreamURL returns the output address for a camera.
func (p *Pipeline) StreamURL(id camera.ID) string {
	return p.cfg.StreamURL() + "/" + id.StreamPath()
}

// Mode returns how detections for the camera are applied.
func (p *Pipeline) Mode(id camera.ID) dispatch.Mode {
	if mode, ok := p.modes[id]; ok {
		return mode
	}
	return p.defaultMode
}

func (p *Pipeline) overlayFor(id camera.ID) stream.Overlay {
	if p.Mode(id) != dispatch.ModeAggregate {
		// Fingerprint mode draws straight into the buffer.
		return nil
	}
	return p.renderer
}

// AddCamera registers the camera and, when configured, starts its stream.
// Adding a known camera reports its current state unchanged.
func (p *Pipeline) AddCamera(uri string, skipFrame int) (CameraResponse, error) {
	id := camera.NewID(uri)
	resp := CameraResponse{
		CameraURI: uri,
		CameraID:  id.String(),
		SkipFrame: skipFrame,
		StreamURL: p.StreamURL(id),
	}

	s, created, err := p.cameras.Add(uri, skipFrame)
	if err != nil {
		resp.Status = err.Error()
		return resp, err
	}
	if !created {
		resp.SkipFrame = s.Info().SkipFrame
		resp.Status = StatusStreamedAlready
		return resp, nil
	}

	if p.cfg.AutoStart() {
		if _, _, err := p.streams.Start(id); err != nil {
			p.log.Error().Err(err).Str("camera_id", id.String()).Str("op", "start_stream").Msg("failed to start stream")
		}
	}

	resp.Status = StatusDone
	return resp, nil
}

// StopCamera stops the camera's stream and capture and drops its pending
// annotations. An unknown camera is reported, not treated as an error.
func (p *Pipeline) StopCamera(uri string) (CameraResponse, error) {
	id := camera.NewID(uri)
	resp := CameraResponse{
		CameraURI: uri,
		CameraID:  id.String(),
		StreamURL: p.StreamURL(id),
	}

	if err := p.streams.Stop(id); err != nil && !errors.Is(err, stream.ErrNotStreaming) {
		p.log.Warn().Err(err).Str("camera_id", id.String()).Str("op", "stop_stream").Msg("stream did not stop cleanly")
	}

	err := p.cameras.StopID(id)
	switch {
	case errors.Is(err, camera.ErrNotInList):
		resp.Status = StatusNotInList
		return resp, nil
	case err != nil:
		resp.Status = err.Error()
		p.agg.RemoveCamera(id)
		return resp, err
	}

	p.agg.RemoveCamera(id)
	resp.Status = StatusDone
	return resp, nil
}

// SubmitDetection queues a detection for a camera with an active buffer.
func (p *Pipeline) SubmitDetection(ctx context.Context, r detection.Result) error {
	if !p.frames.Exists(r.CameraID.String()) {
		return fmt.Errorf("submit detection for %s: %w", r.CameraID, camera.ErrNotInList)
	}
	return p.pool.Submit(ctx, r)
}

// ListCameras returns the ids of every camera with an active buffer. The
// detection queue lives in its own registry and is never listed.
func (p *Pipeline) ListCameras() []camera.ID {
	names := p.frames.Names()
	ids := make([]camera.ID, 0, len(names))
	for _, name := range names {
		ids = append(ids, camera.ID(name))
	}
	return ids
}

// Cameras returns every registered session.
func (p *Pipeline) Cameras() []camera.Info {
	return p.cameras.List()
}

// StartStream starts pushing the camera's frames to its stream URL.
func (p *Pipeline) StartStream(id camera.ID) (stream.Info, bool, error) {
	if _, ok := p.cameras.Get(id); !ok {
		return stream.Info{}, false, fmt.Errorf("start stream %s: %w", id, camera.ErrNotInList)
	}
	return p.streams.Start(id)
}

// StopStream stops the camera's stream. The camera keeps capturing.
func (p *Pipeline) StopStream(id camera.ID) error {
	return p.streams.Stop(id)
}

// Stats reports the camera's session, buffer, stream and annotation state.
func (p *Pipeline) Stats(id camera.ID) (CameraStats, error) {
	s, ok := p.cameras.Get(id)
	if !ok {
		return CameraStats{}, fmt.Errorf("stats %s: %w", id, camera.ErrNotInList)
	}

	stats := CameraStats{
		Camera:             s.Info(),
		Mode:               p.Mode(id),
		PendingAnnotations: p.agg.Len(id),
	}
	if b, err := p.frames.Stats(id.String()); err == nil {
		stats.Buffer = b
	}
	if info, ok := p.streams.Info(id); ok {
		stats.Stream = &info
	}
	return stats, nil
}
