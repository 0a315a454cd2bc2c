// Package stream pushes buffered camera frames, with their annotations drawn
// on, into one encoder process per camera.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"rtsp-face-overlay/internal/buffer"
	"rtsp-face-overlay/internal/camera"
)

var (
	// ErrNotStreaming is returned when stopping a camera that has no stream.
	ErrNotStreaming = errors.New("camera isn't streamed")

	// ErrJoinTimeout is returned when a push loop does not exit in time.
	ErrJoinTimeout = errors.New("push loop did not stop in time")
)

// Status is the lifecycle state of a stream.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "failed"
)

// Overlay draws whatever annotations are due onto a frame about to be sent.
type Overlay interface {
	Apply(id camera.ID, img *gocv.Mat, now time.Time)
}

// Publisher receives every encoded frame after it was written to the
// encoder. Publish must not block.
type Publisher interface {
	Publish(id camera.ID, frame []byte)
}

// Config holds the push loop settings.
type Config struct {
	// DelayFrames is how many frames must be buffered before one is pulled.
	DelayFrames  int
	PollInterval time.Duration
	GetTimeout   time.Duration
	StopGrace    time.Duration
	JoinTimeout  time.Duration
	JPEGQuality  int
	// URL returns the output address for a camera.
	URL func(id camera.ID) string
}

// Info is a snapshot of a stream for status reporting.
type Info struct {
	CameraID      camera.ID `json:"camera_id"`
	URL           string    `json:"stream_url"`
	Status        Status    `json:"status"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	FramesWritten int64     `json:"frames_written"`
	WriteErrors   int64     `json:"write_errors"`
	StartedAt     time.Time `json:"started_at"`
	LastError     string    `json:"last_error,omitempty"`
}

type stream struct {
	id        camera.ID
	url       string
	startedAt time.Time

	stop chan struct{}
	done chan struct{}

	framesWritten atomic.Int64
	writeErrors   atomic.Int64

	mu      sync.Mutex
	status  Status
	lastErr error
	encoder Encoder
	width   int
	height  int
}

func (st *stream) setStatus(status Status, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.status = status
	if err != nil {
		st.lastErr = err
	}
}

func (st *stream) stopping() bool {
	select {
	case <-st.stop:
		return true
	default:
		return false
	}
}

func (st *stream) info() Info {
	st.mu.Lock()
	defer st.mu.Unlock()
	info := Info{
		CameraID:      st.id,
		URL:           st.url,
		Status:        st.status,
		Width:         st.width,
		Height:        st.height,
		FramesWritten: st.framesWritten.Load(),
		WriteErrors:   st.writeErrors.Load(),
		StartedAt:     st.startedAt,
	}
	if st.lastErr != nil {
		info.LastError = st.lastErr.Error()
	}
	return info
}

// Streamer runs the push loops.
type Streamer struct {
	mu      sync.Mutex
	streams map[camera.ID]*stream

	frames     *camera.Frames
	overlays   func(id camera.ID) Overlay
	publisher  Publisher
	newEncoder EncoderFactory
	cfg        Config
	log        zerolog.Logger
}

// Option configures a Streamer.
type Option func(*Streamer)

// WithOverlays sets the per-camera overlay lookup. A nil Overlay leaves frames
// untouched.
func WithOverlays(fn func(id camera.ID) Overlay) Option {
	return func(s *Streamer) {
		s.overlays = fn
	}
}

// WithPublisher fans encoded frames out to p.
func WithPublisher(p Publisher) Option {
	return func(s *Streamer) {
		s.publisher = p
	}
}

// New creates a streamer pulling from frames and writing to encoders built
// by newEncoder.
func New(frames *camera.Frames, newEncoder EncoderFactory, cfg Config, log zerolog.Logger, opts ...Option) *Streamer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 90
	}
	if cfg.URL == nil {
		cfg.URL = func(id camera.ID) string { return id.StreamPath() }
	}

	s := &Streamer{
		streams:    make(map[camera.ID]*stream),
		frames:     frames,
		newEncoder: newEncoder,
		cfg:        cfg,
		log:        log.With().Str("component", "stream").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the push loop for the camera. Starting a camera that is
// already streaming returns its current state with created set to false.
func (s *Streamer) Start(id camera.ID) (info Info, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, exists := s.streams[id]; exists {
		return st.info(), false, nil
	}
	if !s.frames.Exists(id.String()) {
		return Info{}, false, fmt.Errorf("start stream %s: %w", id, buffer.ErrUnknownBuffer)
	}

	st := &stream{
		id:        id,
		url:       s.cfg.URL(id),
		startedAt: time.Now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		status:    StatusStarting,
	}
	s.streams[id] = st
	go s.run(st)

	s.log.Info().Str("camera_id", id.String()).Str("stream_url", st.url).Msg("stream started")
	return st.info(), true, nil
}

// Stop ends the camera's stream: it signals the push loop, waits for it, then
// closes the encoder's input and waits for the encoder to exit. The camera
// keeps its buffer; it is released when the camera itself is stopped.
func (s *Streamer) Stop(id camera.ID) error {
	s.mu.Lock()
	st, exists := s.streams[id]
	if exists {
		delete(s.streams, id)
	}
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("stop stream %s: %w", id, ErrNotStreaming)
	}

	close(st.stop)
	time.Sleep(s.cfg.StopGrace)

	var joinErr error
	select {
	case <-st.done:
	case <-time.After(s.cfg.JoinTimeout):
		joinErr = fmt.Errorf("stop stream %s: %w after %s", id, ErrJoinTimeout, s.cfg.JoinTimeout)
		s.log.Error().Err(joinErr).Str("camera_id", id.String()).Str("op", "stop").Msg("push loop failed to stop")
	}

	st.mu.Lock()
	enc := st.encoder
	st.mu.Unlock()
	if enc != nil {
		if err := enc.Close(); err != nil {
			s.log.Warn().Err(err).Str("camera_id", id.String()).Msg("encoder exited with error")
		}
	}

	st.setStatus(StatusStopped, nil)
	s.log.Info().Str("camera_id", id.String()).Int64("frames_written", st.framesWritten.Load()).Msg("stream stopped")
	return joinErr
}

// StopAll stops every stream. Used on shutdown.
func (s *Streamer) StopAll() {
	s.mu.Lock()
	ids := make([]camera.ID, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if err := s.Stop(id); err != nil && !errors.Is(err, ErrNotStreaming) {
			s.log.Error().Err(err).Str("camera_id", id.String()).Msg("failed to stop stream")
		}
	}
}

// Info returns the stream state for the camera.
func (s *Streamer) Info(id camera.ID) (Info, bool) {
	s.mu.Lock()
	st, exists := s.streams[id]
	s.mu.Unlock()
	if !exists {
		return Info{}, false
	}
	return st.info(), true
}

// List returns every stream ordered by camera id.
func (s *Streamer) List() []Info {
	s.mu.Lock()
	infos := make([]Info, 0, len(s.streams))
	for _, st := range s.streams {
		infos = append(infos, st.info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].CameraID < infos[j].CameraID })
	return infos
}

// URL returns the output address for a camera.
func (s *Streamer) URL(id camera.ID) string {
	return s.cfg.URL(id)
}

func (s *Streamer) run(st *stream) {
	defer close(st.done)

	name := st.id.String()
	log := s.log.With().Str("camera_id", name).Str("buffer", name).Logger()

	// The first frame fixes the dimensions the encoder is configured with.
	if !s.waitDelay(st, log) {
		return
	}
	first, ok := s.next(st, log)
	if !ok {
		return
	}

	// The encoder outlives this loop; Stop closes its input once the loop
	// has returned.
	width, height := first.Image.Cols(), first.Image.Rows()
	enc, err := s.newEncoder(context.Background(), st.id, width, height, st.url)
	if err != nil {
		first.Close()
		err = fmt.Errorf("%w: %v", ErrEncoderProcess, err)
		log.Error().Err(err).Str("op", "start_encoder").Msg("failed to start encoder")
		st.setStatus(StatusFailed, err)
		return
	}

	st.mu.Lock()
	st.encoder = enc
	st.width, st.height = width, height
	st.mu.Unlock()
	st.setStatus(StatusRunning, nil)
	log.Info().Int("width", width).Int("height", height).Str("stream_url", st.url).Msg("encoder started")

	s.push(st, enc, first, log)

	for {
		if enc.Exited() {
			err := fmt.Errorf("%w: encoder exited", ErrEncoderProcess)
			log.Error().Err(err).Msg("encoder process terminated, stopping stream")
			st.setStatus(StatusFailed, err)
			return
		}
		if !s.waitDelay(st, log) {
			return
		}
		rec, ok := s.next(st, log)
		if !ok {
			return
		}
		s.push(st, enc, rec, log)
	}
}

// next pulls the oldest buffered frame, retrying on timeouts until the
// stream is stopped or the buffer goes away.
func (s *Streamer) next(st *stream, log zerolog.Logger) (*camera.FrameRecord, bool) {
	for {
		if st.stopping() {
			return nil, false
		}
		rec, err := s.frames.Get(st.id.String(), s.cfg.GetTimeout)
		switch {
		case err == nil:
			return rec, true
		case errors.Is(err, buffer.ErrTimeout):
			continue
		default:
			if !st.stopping() {
				log.Error().Err(err).Str("op", "get").Msg("camera buffer unavailable, stopping stream")
				st.setStatus(StatusFailed, err)
			}
			return nil, false
		}
	}
}

// waitDelay holds the loop until the buffer holds the delay window, giving
// detections time to arrive before their frame is shown.
func (s *Streamer) waitDelay(st *stream, log zerolog.Logger) bool {
	for {
		size, err := s.frames.Size(st.id.String())
		if err != nil {
			if !st.stopping() {
				log.Error().Err(err).Str("op", "size").Msg("camera buffer unavailable, stopping stream")
				st.setStatus(StatusFailed, err)
			}
			return false
		}
		if size >= s.cfg.DelayFrames {
			return true
		}

		select {
		case <-st.stop:
			return false
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// push draws, encodes and writes one frame. A failed write is logged and the
// frame skipped; the caller decides whether the encoder is gone.
func (s *Streamer) push(st *stream, enc Encoder, rec *camera.FrameRecord, log zerolog.Logger) {
	defer rec.Close()

	if s.overlays != nil {
		if ov := s.overlays(st.id); ov != nil {
			ov.Apply(st.id, &rec.Image, time.Now())
		}
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, rec.Image, []int{gocv.IMWriteJpegQuality, s.cfg.JPEGQuality})
	if err != nil {
		st.writeErrors.Add(1)
		log.Warn().Err(err).Uint64("seq", rec.Seq).Msg("failed to encode frame")
		return
	}
	frame := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	if err := enc.Write(frame); err != nil {
		st.writeErrors.Add(1)
		log.Error().Err(err).Uint64("seq", rec.Seq).Msg("cannot write frame to encoder")
		return
	}
	st.framesWritten.Add(1)

	if s.publisher != nil {
		s.publisher.Publish(st.id, frame)
	}
}
