// Package annotation collects the boxes detectors report for a frame until
// the frame's annotation is complete, and hands completed annotations to the
// streaming sink for rendering.
package annotation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/detection"
)

// DefaultMaxAge applies when Config.MaxAge is not positive.
const DefaultMaxAge = 10 * time.Second

// Config holds the eviction windows.
type Config struct {
	// MaxAge bounds how long any entry may stay pending, complete or not.
	MaxAge time.Duration
	// ShowingTime is how long a completed entry is rendered before removal.
	ShowingTime time.Duration
}

// Entry is a snapshot of one frame's pending annotation.
type Entry struct {
	CameraID    camera.ID
	Key         string
	Expected    int
	Boxes       []detection.Box
	BoxIDs      []string
	Complete    bool
	FirstSeen   time.Time
	CompletedAt time.Time
	RenderedAt  time.Time
}

type pending struct {
	key         string
	expected    int
	boxes       []detection.Box
	boxIDs      []string
	firstSeen   time.Time
	completedAt time.Time
	renderedAt  time.Time
}

func (p *pending) complete() bool {
	return len(p.boxes) == p.expected
}

func (p *pending) snapshot(id camera.ID) Entry {
	return Entry{
		CameraID:    id,
		Key:         p.key,
		Expected:    p.expected,
		Boxes:       append([]detection.Box(nil), p.boxes...),
		BoxIDs:      append([]string(nil), p.boxIDs...),
		Complete:    p.complete(),
		FirstSeen:   p.firstSeen,
		CompletedAt: p.completedAt,
		RenderedAt:  p.renderedAt,
	}
}

// pendingSet is one camera's annotations in insertion order.
type pendingSet struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*pending

	// detached is set once the set is no longer reachable from the aggregator.
	detached bool
}

func (s *pendingSet) remove(key string) {
	delete(s.entries, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

// Aggregator owns every pending annotation, locked per camera.
type Aggregator struct {
	mu      sync.RWMutex
	cameras map[camera.ID]*pendingSet

	cfg Config
	log zerolog.Logger
}

// New creates an empty aggregator.
func New(cfg Config, log zerolog.Logger) *Aggregator {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	return &Aggregator{
		cameras: make(map[camera.ID]*pendingSet),
		cfg:     cfg,
		log:     log.With().Str("component", "annotation").Logger(),
	}
}

func (a *Aggregator) set(id camera.ID, create bool) *pendingSet {
	a.mu.RLock()
	s, ok := a.cameras[id]
	a.mu.RUnlock()
	if ok || !create {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.cameras[id]; !ok {
		s = &pendingSet{entries: make(map[string]*pending)}
		a.cameras[id] = s
	}
	return s
}

// Add records one box for the frame r refers to and returns the updated
// entry. A repeated box id replaces the earlier box.
func (a *Aggregator) Add(r detection.Result) Entry {
	return a.add(r, time.Now())
}

func (a *Aggregator) add(r detection.Result, now time.Time) Entry {
	key := r.Key()
	log := a.log.With().Str("camera_id", r.CameraID.String()).Str("frame_key", key).Logger()

	var s *pendingSet
	for {
		s = a.set(r.CameraID, true)
		s.mu.Lock()
		if !s.detached {
			break
		}
		s.mu.Unlock()
	}
	defer s.mu.Unlock()

	p, ok := s.entries[key]
	if !ok {
		p = &pending{key: key, expected: r.ExpectedBoxes, firstSeen: now}
		s.entries[key] = p
		s.order = append(s.order, key)
	} else if p.expected != r.ExpectedBoxes {
		log.Warn().Int("expected", p.expected).Int("got", r.ExpectedBoxes).Msg("num_box disagrees with earlier boxes, keeping the first")
	}

	replaced := false
	if r.BoxID != "" {
		for i, id := range p.boxIDs {
			if id == r.BoxID {
				p.boxes[i] = r.Box
				replaced = true
				break
			}
		}
	}

	switch {
	case replaced:
	case p.complete():
		log.Warn().Str("box_id", r.BoxID).Msg("annotation already complete, ignoring extra box")
	default:
		p.boxes = append(p.boxes, r.Box)
		p.boxIDs = append(p.boxIDs, r.BoxID)
		if p.complete() {
			p.completedAt = now
			log.Debug().Int("boxes", len(p.boxes)).Msg("annotation complete")
		}
	}

	return p.snapshot(r.CameraID)
}

// Next returns the oldest entry for the camera, complete or not.
func (a *Aggregator) Next(id camera.ID) (Entry, bool) {
	s := a.set(id, false)
	if s == nil {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return Entry{}, false
	}
	return s.entries[s.order[0]].snapshot(id), true
}

// NextRenderable walks the camera's entries oldest first, evicting stale ones
// on the way, and returns the first entry that may be drawn. With
// requireComplete set, partial entries are skipped but left pending.
func (a *Aggregator) NextRenderable(id camera.ID, now time.Time, requireComplete bool) (Entry, bool) {
	s := a.set(id, false)
	if s == nil {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.order); {
		p := s.entries[s.order[i]]
		if a.stale(p, now) {
			s.remove(p.key)
			continue
		}
		if !requireComplete || p.complete() {
			return p.snapshot(id), true
		}
		i++
	}
	return Entry{}, false
}

// MarkRendered records the first time an entry was drawn. The showing-time
// window starts then.
func (a *Aggregator) MarkRendered(id camera.ID, key string, now time.Time) {
	s := a.set(id, false)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.entries[key]; ok && p.renderedAt.IsZero() {
		p.renderedAt = now
	}
}

// EvictIfStale removes the entry when it exceeded MaxAge or has been shown
// for ShowingTime after completing. It reports whether the entry was removed.
func (a *Aggregator) EvictIfStale(id camera.ID, key string, now time.Time) bool {
	s := a.set(id, false)
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[key]
	if !ok || !a.stale(p, now) {
		return false
	}
	s.remove(key)
	return true
}

// Sweep runs one eviction pass over every camera and returns the number of
// entries removed.
func (a *Aggregator) Sweep(now time.Time) int {
	a.mu.RLock()
	sets := make(map[camera.ID]*pendingSet, len(a.cameras))
	for id, s := range a.cameras {
		sets[id] = s
	}
	a.mu.RUnlock()

	removed := 0
	var empty []camera.ID
	for id, s := range sets {
		s.mu.Lock()
		var dropped []string
		for _, key := range s.order {
			if p := s.entries[key]; a.stale(p, now) {
				dropped = append(dropped, key)
			}
		}
		for _, key := range dropped {
			p := s.entries[key]
			if !p.complete() {
				a.log.Debug().Str("camera_id", id.String()).Str("frame_key", key).
					Int("expected", p.expected).Int("received", len(p.boxes)).
					Msg("evicting incomplete annotation")
			}
			s.remove(key)
		}
		if len(s.order) == 0 {
			empty = append(empty, id)
		}
		s.mu.Unlock()
		removed += len(dropped)
	}

	if len(empty) > 0 {
		a.mu.Lock()
		for _, id := range empty {
			s, ok := a.cameras[id]
			if !ok {
				continue
			}
			s.mu.Lock()
			if len(s.order) == 0 {
				s.detached = true
				delete(a.cameras, id)
			}
			s.mu.Unlock()
		}
		a.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := a.Sweep(now); n > 0 {
				a.log.Debug().Int("evicted", n).Msg("annotation sweep")
			}
		}
	}
}

// Len returns the number of pending entries for the camera.
func (a *Aggregator) Len(id camera.ID) int {
	s := a.set(id, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// RemoveCamera drops every entry of the camera.
func (a *Aggregator) RemoveCamera(id camera.ID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.cameras[id]; ok {
		s.mu.Lock()
		s.detached = true
		s.mu.Unlock()
		delete(a.cameras, id)
	}
}

func (a *Aggregator) stale(p *pending, now time.Time) bool {
	if now.Sub(p.firstSeen) >= a.cfg.MaxAge {
		return true
	}
	return p.complete() && !p.renderedAt.IsZero() && now.Sub(p.renderedAt) >= a.cfg.ShowingTime
}
