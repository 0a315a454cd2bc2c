// Package buffer provides named, bounded FIFO queues with a per-queue
// ingestion gate.
//
// A full queue drops its oldest record to admit a new one, so producers never
// block on capacity. Producers do block while a queue's gate is closed; a
// consumer closes the gate (Pause) when it needs to scan or mutate the queued
// records without racing a writer.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrUnknownBuffer is returned for operations on a name that was never
	// created or has been removed.
	ErrUnknownBuffer = errors.New("unknown buffer")

	// ErrTimeout is returned by Get when no record arrived in time.
	ErrTimeout = errors.New("timed out waiting for record")

	// ErrAlreadyExists is returned by Create for a name that is taken.
	// Callers treat it as a no-op.
	ErrAlreadyExists = errors.New("buffer already exists")
)

// EvictFunc receives records the registry drops: the oldest record of a full
// buffer on Put, and every record still queued when a buffer is removed.
type EvictFunc[T any] func(name string, rec T)

// Option configures a Registry.
type Option[T any] func(*Registry[T])

// WithEvictHook installs fn as the eviction hook.
func WithEvictHook[T any](fn EvictFunc[T]) Option[T] {
	return func(r *Registry[T]) {
		r.onEvict = fn
	}
}

// WithLogger sets the registry logger.
func WithLogger[T any](log zerolog.Logger) Option[T] {
	return func(r *Registry[T]) {
		r.log = log
	}
}

// Stats describes the state of one buffer.
type Stats struct {
	Name     string `json:"name"`
	Size     int    `json:"size"`
	Capacity int    `json:"capacity"`
	Paused   bool   `json:"paused"`
	Dropped  uint64 `json:"dropped"`
}

// Registry owns every buffer and the records stored in them.
type Registry[T any] struct {
	mu      sync.RWMutex
	buffers map[string]*queue[T]
	onEvict EvictFunc[T]
	log     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry[T any](opts ...Option[T]) *Registry[T] {
	r := &Registry[T]{
		buffers: make(map[string]*queue[T]),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers a new buffer holding at most capacity records.
func (r *Registry[T]) Create(name string, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("create buffer %s: capacity must be positive, got %d", name, capacity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.buffers[name]; exists {
		r.log.Warn().Str("buffer", name).Str("op", "create").Msg("buffer already exists, choose another buffer name")
		return fmt.Errorf("create buffer %s: %w", name, ErrAlreadyExists)
	}

	r.buffers[name] = newQueue[T](name, capacity)
	r.log.Info().Str("buffer", name).Int("capacity", capacity).Msg("buffer created")
	return nil
}

// Remove drops the buffer and its gate. Blocked producers and consumers
// return ErrUnknownBuffer. Removing an unknown name is a no-op.
func (r *Registry[T]) Remove(name string) {
	r.mu.Lock()
	q, exists := r.buffers[name]
	if exists {
		delete(r.buffers, name)
	}
	r.mu.Unlock()

	if !exists {
		return
	}

	leftover := q.close()
	for _, rec := range leftover {
		r.evict(name, rec)
	}
	r.log.Info().Str("buffer", name).Int("released", len(leftover)).Msg("buffer removed")
}

// Put appends rec to the named buffer, waiting while its gate is closed.
// When the buffer is full its oldest record is dropped first.
func (r *Registry[T]) Put(ctx context.Context, name string, rec T) error {
	q, err := r.lookup(name)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}

	evicted, dropped, err := q.put(ctx, rec)
	if err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	if dropped {
		r.log.Debug().Str("buffer", name).Msg("buffer full, dropped oldest record")
		r.evict(name, evicted)
	}
	return nil
}

// Get removes and returns the oldest record, waiting up to timeout for one to
// arrive. A timeout of zero or less waits until a record arrives or the
// buffer is removed.
func (r *Registry[T]) Get(name string, timeout time.Duration) (T, error) {
	q, err := r.lookup(name)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("get %s: %w", name, err)
	}

	rec, err := q.get(timeout)
	if err != nil {
		return rec, fmt.Errorf("get %s: %w", name, err)
	}
	return rec, nil
}

// Pause closes the ingestion gate of the named buffer. Pauses nest: the gate
// reopens once every Pause has been matched by a Resume.
func (r *Registry[T]) Pause(name string) error {
	q, err := r.lookup(name)
	if err != nil {
		return fmt.Errorf("pause %s: %w", name, err)
	}
	q.pause()
	return nil
}

// Resume opens the ingestion gate of the named buffer.
func (r *Registry[T]) Resume(name string) error {
	q, err := r.lookup(name)
	if err != nil {
		return fmt.Errorf("resume %s: %w", name, err)
	}
	q.resume()
	return nil
}

// Scan calls fn for each queued record, oldest first, while holding the
// buffer's lock. Scanning stops early when fn returns false. fn must not call
// back into the registry.
func (r *Registry[T]) Scan(name string, fn func(rec T) bool) error {
	q, err := r.lookup(name)
	if err != nil {
		return fmt.Errorf("scan %s: %w", name, err)
	}
	q.scan(fn)
	return nil
}

// Size returns the number of queued records.
func (r *Registry[T]) Size(name string) (int, error) {
	q, err := r.lookup(name)
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", name, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count, nil
}

// Exists reports whether a buffer with the given name is registered.
func (r *Registry[T]) Exists(name string) bool {
	_, err := r.lookup(name)
	return err == nil
}

// Names returns the registered buffer names in sorted order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.buffers))
	for name := range r.buffers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Stats reports occupancy for the named buffer.
func (r *Registry[T]) Stats(name string) (Stats, error) {
	q, err := r.lookup(name)
	if err != nil {
		return Stats{}, fmt.Errorf("stats %s: %w", name, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Name:     name,
		Size:     q.count,
		Capacity: len(q.items),
		Paused:   q.pauses > 0,
		Dropped:  q.dropped,
	}, nil
}

func (r *Registry[T]) lookup(name string) (*queue[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	q, exists := r.buffers[name]
	if !exists {
		return nil, ErrUnknownBuffer
	}
	return q, nil
}

func (r *Registry[T]) evict(name string, rec T) {
	if r.onEvict != nil {
		r.onEvict(name, rec)
	}
}
