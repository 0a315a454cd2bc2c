// Package camera runs one capture loop per registered camera, fingerprinting
// every frame and pushing it into the camera's buffer.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"rtsp-face-overlay/internal/buffer"
	"rtsp-face-overlay/internal/fingerprint"
)

var (
	// ErrNotInList is returned when stopping a camera that was never added.
	ErrNotInList = errors.New("camera isn't added to list")

	// ErrSourceRead marks a camera source that stopped producing frames or
	// could not be opened.
	ErrSourceRead = errors.New("camera source read failure")

	// ErrJoinTimeout is returned when a capture loop does not exit within the
	// configured grace period.
	ErrJoinTimeout = errors.New("capture loop did not stop in time")
)

// Config holds the ingestion settings.
type Config struct {
	// BufferCapacity is the per-camera buffer size: the streaming delay
	// window plus headroom.
	BufferCapacity int
	JoinTimeout    time.Duration
}

// Manager owns the ingestion sessions. Creation and removal are serialised
// per camera id.
type Manager struct {
	mu       sync.Mutex
	sessions map[ID]*Session

	frames  *Frames
	printer fingerprint.Fingerprinter
	open    OpenFunc
	cfg     Config
	log     zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithOpener replaces the OpenCV source opener.
func WithOpener(open OpenFunc) Option {
	return func(m *Manager) {
		m.open = open
	}
}

// NewManager creates a manager that stores frames in frames.
func NewManager(frames *Frames, printer fingerprint.Fingerprinter, cfg Config, log zerolog.Logger, opts ...Option) *Manager {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 5 * time.Second
	}
	m := &Manager{
		sessions: make(map[ID]*Session),
		frames:   frames,
		printer:  printer,
		open:     OpenVideoCapture,
		cfg:      cfg,
		log:      log.With().Str("component", "camera").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers the camera behind uri and starts its capture loop. Adding a
// URI that already has a session returns that session unchanged with
// created set to false.
func (m *Manager) Add(uri string, skipFrame int) (s *Session, created bool, err error) {
	id := NewID(uri)

	m.mu.Lock()
	if existing, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		return existing, false, nil
	}
	s = newSession(id, uri, skipFrame)
	m.sessions[id] = s
	m.mu.Unlock()

	log := m.log.With().Str("camera_id", id.String()).Logger()

	// Opening an RTSP source can take seconds; the Idle placeholder keeps
	// concurrent adds of the same URI from opening it twice.
	src, err := m.open(uri)
	if err != nil {
		err = fmt.Errorf("open camera %s: %w: %v", id, ErrSourceRead, err)
		s.stopWith(err)
		m.discard(s)
		log.Error().Err(err).Str("op", "add").Msg("failed to open camera source")
		return nil, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessions[id] != s {
		src.Close()
		s.stopWith(nil)
		return nil, false, fmt.Errorf("camera %s stopped while starting: %w", id, ErrNotInList)
	}

	if err := m.frames.Create(id.String(), m.cfg.BufferCapacity); err != nil && !errors.Is(err, buffer.ErrAlreadyExists) {
		src.Close()
		s.stopWith(err)
		delete(m.sessions, id)
		return nil, false, fmt.Errorf("create buffer for camera %s: %w", id, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	s.state.Store(int32(StateRunning))
	go m.capture(ctx, s, src)

	log.Info().Str("camera_uri", uri).Int("skip_frame", skipFrame).Msg("camera started")
	return s, true, nil
}

// Stop halts the camera behind uri, waits for its capture loop, releases its
// buffer and forgets the session.
func (m *Manager) Stop(uri string) error {
	return m.StopID(NewID(uri))
}

// StopID is Stop keyed by camera id.
func (m *Manager) StopID(id ID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("stop camera %s: %w", id, ErrNotInList)
	}
	delete(m.sessions, id)
	started, cancel, done := s.started, s.cancel, s.done
	m.mu.Unlock()

	var joinErr error
	if started {
		cancel()
		select {
		case <-done:
		case <-time.After(m.cfg.JoinTimeout):
			joinErr = fmt.Errorf("stop camera %s: %w after %s", id, ErrJoinTimeout, m.cfg.JoinTimeout)
			m.log.Error().Err(joinErr).Str("camera_id", id.String()).Str("op", "stop").Msg("capture loop failed to stop")
		}
	}

	// Removing the buffer also unblocks a capture loop stuck on a closed gate.
	m.frames.Remove(id.String())
	s.stopWith(nil)

	m.log.Info().Str("camera_id", id.String()).Msg("camera stopped")
	return joinErr
}

// StopAll stops every session. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	ids := make([]ID, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.StopID(id); err != nil && !errors.Is(err, ErrNotInList) {
			m.log.Error().Err(err).Str("camera_id", id.String()).Msg("failed to stop camera")
		}
	}
}

// Get returns the session for id.
func (m *Manager) Get(id ID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns a snapshot of every session ordered by camera id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].CameraID < infos[j].CameraID })
	return infos
}

func (m *Manager) discard(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
}

// capture reads frames until the context is cancelled, the source fails or
// the buffer disappears.
func (m *Manager) capture(ctx context.Context, s *Session, src Source) {
	defer close(s.done)
	defer src.Close()

	name := s.id.String()
	log := m.log.With().Str("camera_id", name).Str("buffer", name).Logger()

	for {
		select {
		case <-ctx.Done():
			s.stopWith(nil)
			return
		default:
		}

		img := gocv.NewMat()
		if ok := src.Read(&img); !ok || img.Empty() {
			img.Close()
			if ctx.Err() != nil {
				s.stopWith(nil)
				return
			}
			err := fmt.Errorf("camera %s: %w", name, ErrSourceRead)
			log.Error().Err(err).Str("op", "capture").Uint64("frames", s.frameCount.Load()).Msg("camera source stopped producing frames")
			s.stopWith(err)
			return
		}

		grid, err := m.printer.Compute(img)
		if err != nil {
			img.Close()
			log.Warn().Err(err).Str("op", "fingerprint").Msg("skipping frame")
			continue
		}

		now := time.Now()
		rec := &FrameRecord{
			Seq:         s.frameCount.Add(1),
			CapturedAt:  now,
			Fingerprint: grid,
			Image:       img,
			TTL:         s.skipFrame,
		}
		s.lastFrameTime.Store(now.UnixNano())

		if err := m.frames.Put(ctx, name, rec); err != nil {
			rec.Close()
			if ctx.Err() != nil {
				s.stopWith(nil)
				return
			}
			log.Error().Err(err).Str("op", "put").Msg("camera buffer unavailable, stopping capture")
			s.stopWith(err)
			return
		}
	}
}
