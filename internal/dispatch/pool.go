// Package dispatch drains the inbound detection queue with a fixed pool of
// workers and routes every result to its camera's annotation strategy.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtsp-face-overlay/internal/annotation"
	"rtsp-face-overlay/internal/buffer"
	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/detection"
	"rtsp-face-overlay/internal/fingerprint"
	"rtsp-face-overlay/internal/overlay"
)

// InboundQueue is the buffer name detections are queued under.
const InboundQueue = "output_face_reg"

// Mode selects how a camera's detections reach its frames.
type Mode string

const (
	// ModeAggregate collects boxes per frame and lets the streaming sink draw
	// them once complete.
	ModeAggregate Mode = "aggregate"
	// ModeFingerprint draws each box straight onto the buffered frames whose
	// fingerprint matches.
	ModeFingerprint Mode = "fingerprint"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeAggregate, ModeFingerprint:
		return m, nil
	default:
		return "", fmt.Errorf("unknown match mode %q, want %q or %q", s, ModeAggregate, ModeFingerprint)
	}
}

// Inbound is the queue detections wait in.
type Inbound = buffer.Registry[detection.Result]

// NewInbound creates the inbound registry with its queue.
func NewInbound(capacity int, log zerolog.Logger) (*Inbound, error) {
	in := buffer.NewRegistry[detection.Result](
		buffer.WithLogger[detection.Result](log),
		buffer.WithEvictHook[detection.Result](func(name string, r detection.Result) {
			log.Warn().Str("buffer", name).Str("camera_id", r.CameraID.String()).
				Str("message_id", r.MessageID).Msg("detection queue full, dropped oldest result")
		}),
	)
	if err := in.Create(InboundQueue, capacity); err != nil {
		return nil, err
	}
	return in, nil
}

// Config holds the pool settings.
type Config struct {
	Workers    int
	GetTimeout time.Duration
	Matcher    fingerprint.Matcher
	Style      overlay.Style
	// Mode returns the strategy for a camera.
	Mode func(id camera.ID) Mode
}

// Pool is the set of dispatch workers.
type Pool struct {
	inbound *Inbound
	frames  *camera.Frames
	agg     *annotation.Aggregator
	cfg     Config
	log     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool. Start launches the workers.
func New(inbound *Inbound, frames *camera.Frames, agg *annotation.Aggregator, cfg Config, log zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = time.Second
	}
	if cfg.Mode == nil {
		cfg.Mode = func(camera.ID) Mode { return ModeAggregate }
	}
	return &Pool{
		inbound: inbound,
		frames:  frames,
		agg:     agg,
		cfg:     cfg,
		log:     log.With().Str("component", "dispatch").Logger(),
	}
}

// Submit queues a detection for the workers. A full queue drops its oldest
// result.
func (p *Pool) Submit(ctx context.Context, r detection.Result) error {
	return p.inbound.Put(ctx, InboundQueue, r)
}

// Start launches the workers. Calling Start on a running pool does nothing.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}
	p.log.Info().Int("workers", p.cfg.Workers).Msg("dispatch workers started")
}

// Stop signals the workers and waits for them to exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.log.Info().Msg("dispatch workers stopped")
}

func (p *Pool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker", n).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		r, err := p.inbound.Get(InboundQueue, p.cfg.GetTimeout)
		switch {
		case err == nil:
			p.Handle(r)
		case errors.Is(err, buffer.ErrTimeout):
		case errors.Is(err, buffer.ErrUnknownBuffer):
			log.Warn().Err(err).Msg("detection queue removed, worker exiting")
			return
		default:
			log.Error().Err(err).Msg("failed to read detection queue")
		}
	}
}

// Handle routes one detection according to its camera's mode.
func (p *Pool) Handle(r detection.Result) {
	switch p.cfg.Mode(r.CameraID) {
	case ModeFingerprint:
		if _, err := p.DrawMatching(r); err != nil {
			p.log.Warn().Err(err).Str("camera_id", r.CameraID.String()).Str("message_id", r.MessageID).Msg("cannot apply detection")
		}
	default:
		p.agg.Add(r)
	}
}

// DrawMatching draws r's box on the buffered frame whose fingerprint matches
// and on the frames that follow it within that frame's ttl. The camera's
// ingestion gate is closed for the duration. It returns the number of frames
// drawn on.
func (p *Pool) DrawMatching(r detection.Result) (int, error) {
	name := r.CameraID.String()
	log := p.log.With().Str("camera_id", name).Str("buffer", name).Str("op", "draw_matching").Logger()

	if err := p.frames.Pause(name); err != nil {
		return 0, err
	}
	defer func() {
		if err := p.frames.Resume(name); err != nil {
			log.Warn().Err(err).Msg("failed to resume buffer")
		}
	}()

	boxes := []detection.Box{r.Box}
	labels := []string{r.BoxID}

	// since counts frames after the latest match; -1 until one is found.
	since := -1
	matched, drawn := 0, 0
	err := p.frames.Scan(name, func(rec *camera.FrameRecord) bool {
		if p.matches(rec, r) {
			since = 0
			matched++
		}
		if since >= 0 {
			if since <= rec.TTL {
				overlay.Draw(&rec.Image, boxes, labels, p.cfg.Style)
				drawn++
			}
			since++
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	if matched == 0 {
		log.Debug().Str("message_id", r.MessageID).Msg("no buffered frame matches detection")
	}
	return drawn, nil
}

func (p *Pool) matches(rec *camera.FrameRecord, r detection.Result) bool {
	if !r.Fingerprint.Empty() {
		return p.cfg.Matcher.Same(rec.Fingerprint, r.Fingerprint)
	}
	return r.FrameKey != "" && rec.Fingerprint.Key() == r.FrameKey
}
