package camera

import (
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"rtsp-face-overlay/internal/fingerprint"
)

// fakeSource copies the same frame on every read, waiting on block first when
// set. It fails after limit reads; a negative limit never fails.
type fakeSource struct {
	frame  gocv.Mat
	limit  int
	read   atomic.Int64
	block  chan struct{}
	closed atomic.Bool
}

func newFakeSource(limit int) *fakeSource {
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 48, 64, gocv.MatTypeCV8UC3)
	gocv.Rectangle(&img, image.Rect(0, 0, 32, 48), color.RGBA{R: 200, G: 200, B: 200}, -1)
	return &fakeSource{frame: img, limit: limit}
}

func (f *fakeSource) Read(m *gocv.Mat) bool {
	if f.block != nil {
		<-f.block
	}
	if f.limit >= 0 && int(f.read.Load()) >= f.limit {
		return false
	}
	f.read.Add(1)
	f.frame.CopyTo(m)
	return true
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

type harness struct {
	frames  *Frames
	manager *Manager
	opened  atomic.Int64
	sources sync.Map
}

func newHarness(t *testing.T, newSource func() *fakeSource) *harness {
	t.Helper()
	h := &harness{frames: NewFrames(zerolog.Nop())}
	opener := func(uri string) (Source, error) {
		if uri == "rtsp://broken" {
			return nil, errors.New("connection refused")
		}
		h.opened.Add(1)
		src := newSource()
		h.sources.Store(uri, src)
		return src, nil
	}
	h.manager = NewManager(
		h.frames,
		fingerprint.Fingerprinter{Size: 32, Cells: 4},
		Config{BufferCapacity: 3, JoinTimeout: time.Second},
		zerolog.Nop(),
		WithOpener(opener),
	)
	return h
}

func (h *harness) source(uri string) *fakeSource {
	v, _ := h.sources.Load(uri)
	return v.(*fakeSource)
}

func TestNewIDIsDeterministic(t *testing.T) {
	a := NewID("rtsp://cam/1")
	b := NewID("rtsp://cam/1")
	c := NewID("rtsp://cam/2")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a.String(), 40)
	assert.Equal(t, "live/"+a.String(), a.StreamPath())
}

func TestAddIsIdempotent(t *testing.T) {
	h := newHarness(t, func() *fakeSource { return newFakeSource(-1) })
	defer h.manager.StopAll()

	first, created, err := h.manager.Add("rtsp://cam/1", 0)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := h.manager.Add("rtsp://cam/1", 5)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Same(t, first, second)
	assert.Equal(t, first.ID(), second.ID())
	assert.Equal(t, int64(1), h.opened.Load())
	assert.Len(t, h.manager.List(), 1)
	assert.Equal(t, []string{first.ID().String()}, h.frames.Names())
}

func TestConcurrentAddsOpenOnce(t *testing.T) {
	h := newHarness(t, func() *fakeSource { return newFakeSource(-1) })
	defer h.manager.StopAll()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = h.manager.Add("rtsp://cam/race", 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), h.opened.Load())
	assert.Len(t, h.manager.List(), 1)
}

func TestCaptureFillsBufferWithFingerprintedFrames(t *testing.T) {
	h := newHarness(t, func() *fakeSource { return newFakeSource(-1) })
	defer h.manager.StopAll()

	s, _, err := h.manager.Add("rtsp://cam/1", 2)
	require.NoError(t, err)

	name := s.ID().String()
	require.Eventually(t, func() bool {
		size, err := h.frames.Size(name)
		return err == nil && size == 3
	}, 2*time.Second, 5*time.Millisecond)

	rec, err := h.frames.Get(name, time.Second)
	require.NoError(t, err)
	defer rec.Close()

	assert.Equal(t, 4, rec.Fingerprint.N)
	assert.Len(t, rec.Fingerprint.Cells, 16)
	assert.Equal(t, 2, rec.TTL)
	assert.False(t, rec.Image.Empty())
	assert.Positive(t, rec.Seq)
	assert.Equal(t, StateRunning, s.State())
}

func TestSourceFailureStopsSession(t *testing.T) {
	h := newHarness(t, func() *fakeSource { return newFakeSource(2) })
	defer h.manager.StopAll()

	s, _, err := h.manager.Add("rtsp://cam/short", 0)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.State() == StateStopped
	}, 2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Err(), ErrSourceRead)
	assert.Equal(t, uint64(2), s.Info().FrameCount)
	assert.True(t, h.source("rtsp://cam/short").closed.Load())

	// The buffered frames stay available until the camera is stopped.
	size, err := h.frames.Size(s.ID().String())
	require.NoError(t, err)
	assert.Equal(t, 2, size)
}

func TestAddFailsWhenSourceCannotOpen(t *testing.T) {
	h := newHarness(t, func() *fakeSource { return newFakeSource(-1) })

	_, _, err := h.manager.Add("rtsp://broken", 0)
	assert.ErrorIs(t, err, ErrSourceRead)
	assert.Empty(t, h.manager.List())
	assert.Empty(t, h.frames.Names())
}

func TestStopRemovesSessionAndBuffer(t *testing.T) {
	h := newHarness(t, func() *fakeSource { return newFakeSource(-1) })

	s, _, err := h.manager.Add("rtsp://cam/1", 0)
	require.NoError(t, err)

	require.NoError(t, h.manager.Stop("rtsp://cam/1"))
	assert.Equal(t, StateStopped, s.State())
	assert.False(t, h.frames.Exists(s.ID().String()))
	assert.Empty(t, h.manager.List())
	assert.True(t, h.source("rtsp://cam/1").closed.Load())

	// A second stop reports the camera as not listed.
	assert.ErrorIs(t, h.manager.Stop("rtsp://cam/1"), ErrNotInList)
}

func TestStopUnknownCamera(t *testing.T) {
	h := newHarness(t, func() *fakeSource { return newFakeSource(-1) })
	assert.ErrorIs(t, h.manager.Stop("rtsp://never-added"), ErrNotInList)
}

func TestStopReportsJoinTimeout(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, func() *fakeSource {
		src := newFakeSource(-1)
		src.block = block
		return src
	})
	h.manager.cfg.JoinTimeout = 30 * time.Millisecond

	s, _, err := h.manager.Add("rtsp://cam/stuck", 0)
	require.NoError(t, err)

	err = h.manager.Stop("rtsp://cam/stuck")
	assert.ErrorIs(t, err, ErrJoinTimeout)
	assert.False(t, h.frames.Exists(s.ID().String()))

	close(block)
}
