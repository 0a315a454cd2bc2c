package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of an ingestion session.
type State int32

const (
	// StateIdle is a session whose source is still being opened.
	StateIdle State = iota
	// StateRunning is a session whose capture loop is producing frames.
	StateRunning
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is one registered camera and its capture loop.
type Session struct {
	id        ID
	uri       string
	skipFrame int
	createdAt time.Time

	state         atomic.Int32
	frameCount    atomic.Uint64
	lastFrameTime atomic.Int64

	mu      sync.Mutex
	lastErr error

	// Set under the manager lock once the capture loop starts.
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Info is a snapshot of a session for status reporting.
type Info struct {
	CameraID      ID        `json:"camera_id"`
	CameraURI     string    `json:"camera_uri"`
	State         string    `json:"state"`
	SkipFrame     int       `json:"skip_frame"`
	FrameCount    uint64    `json:"frame_count"`
	LastFrameTime time.Time `json:"last_frame_time"`
	CreatedAt     time.Time `json:"created_at"`
	LastError     string    `json:"last_error,omitempty"`
}

func newSession(id ID, uri string, skipFrame int) *Session {
	return &Session{
		id:        id,
		uri:       uri,
		skipFrame: skipFrame,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// ID returns the camera id.
func (s *Session) ID() ID { return s.id }

// URI returns the source URI.
func (s *Session) URI() string { return s.uri }

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Err returns the error that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Info returns a status snapshot.
func (s *Session) Info() Info {
	info := Info{
		CameraID:   s.id,
		CameraURI:  s.uri,
		State:      s.State().String(),
		SkipFrame:  s.skipFrame,
		FrameCount: s.frameCount.Load(),
		CreatedAt:  s.createdAt,
	}
	if nanos := s.lastFrameTime.Load(); nanos != 0 {
		info.LastFrameTime = time.Unix(0, nanos)
	}
	if err := s.Err(); err != nil {
		info.LastError = err.Error()
	}
	return info
}

func (s *Session) stopWith(err error) {
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
	s.state.Store(int32(StateStopped))
}
