package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"rtsp-face-overlay/internal/buffer"
	"rtsp-face-overlay/internal/camera"
)

type fakeEncoder struct {
	mu     sync.Mutex
	frames [][]byte
	failN  int
	exited atomic.Bool
	closed atomic.Bool
}

func (e *fakeEncoder) Write(frame []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failN > 0 {
		e.failN--
		return errors.New("broken pipe")
	}
	e.frames = append(e.frames, frame)
	return nil
}

func (e *fakeEncoder) Exited() bool { return e.exited.Load() }

func (e *fakeEncoder) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *fakeEncoder) written() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.frames)
}

type recordingOverlay struct {
	calls atomic.Int64
}

func (o *recordingOverlay) Apply(id camera.ID, img *gocv.Mat, now time.Time) {
	o.calls.Add(1)
}

type recordingPublisher struct {
	count atomic.Int64
}

func (p *recordingPublisher) Publish(id camera.ID, frame []byte) {
	if len(frame) > 0 {
		p.count.Add(1)
	}
}

type fixture struct {
	frames  *camera.Frames
	id      camera.ID
	enc     *fakeEncoder
	started atomic.Int64
	size    [2]int
	url     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		frames: camera.NewFrames(zerolog.Nop()),
		id:     camera.NewID("rtsp://cam/1"),
		enc:    &fakeEncoder{},
	}
	require.NoError(t, f.frames.Create(f.id.String(), 10))
	return f
}

func (f *fixture) factory(ctx context.Context, id camera.ID, width, height int, url string) (Encoder, error) {
	f.started.Add(1)
	f.size = [2]int{width, height}
	f.url = url
	return f.enc, nil
}

func (f *fixture) put(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(10, 20, 30, 0), 24, 32, gocv.MatTypeCV8UC3)
		rec := &camera.FrameRecord{Seq: uint64(i + 1), CapturedAt: time.Now(), Image: img}
		require.NoError(t, f.frames.Put(context.Background(), f.id.String(), rec))
	}
}

func (f *fixture) streamer(cfg Config, opts ...Option) *Streamer {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.GetTimeout == 0 {
		cfg.GetTimeout = 20 * time.Millisecond
	}
	cfg.URL = func(id camera.ID) string { return "rtmp://localhost:8554/" + id.StreamPath() }
	return New(f.frames, f.factory, cfg, zerolog.Nop(), opts...)
}

func TestStreamerPushesFramesInOrder(t *testing.T) {
	f := newFixture(t)
	ov := &recordingOverlay{}
	pub := &recordingPublisher{}
	s := f.streamer(Config{}, WithOverlays(func(camera.ID) Overlay { return ov }), WithPublisher(pub))

	info, created, err := s.Start(f.id)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "rtmp://localhost:8554/live/"+f.id.String(), info.URL)

	f.put(t, 3)
	require.Eventually(t, func() bool { return f.enc.written() == 3 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), f.started.Load())
	assert.Equal(t, [2]int{32, 24}, f.size)
	assert.Equal(t, int64(3), ov.calls.Load())
	assert.Equal(t, int64(3), pub.count.Load())

	got, ok := s.Info(f.id)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, int64(3), got.FramesWritten)

	require.NoError(t, s.Stop(f.id))
	assert.True(t, f.enc.closed.Load())
	_, ok = s.Info(f.id)
	assert.False(t, ok)
}

func TestStreamerStartIsIdempotent(t *testing.T) {
	f := newFixture(t)
	s := f.streamer(Config{})
	defer s.StopAll()

	_, created, err := s.Start(f.id)
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = s.Start(f.id)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Len(t, s.List(), 1)
}

func TestStreamerStartUnknownBuffer(t *testing.T) {
	f := newFixture(t)
	s := f.streamer(Config{})

	_, _, err := s.Start(camera.NewID("rtsp://cam/missing"))
	assert.ErrorIs(t, err, buffer.ErrUnknownBuffer)
	assert.Empty(t, s.List())
}

func TestStreamerStopUnknown(t *testing.T) {
	f := newFixture(t)
	s := f.streamer(Config{})
	assert.ErrorIs(t, s.Stop(f.id), ErrNotStreaming)
}

func TestStreamerHoldsDelayWindow(t *testing.T) {
	f := newFixture(t)
	s := f.streamer(Config{DelayFrames: 3})
	defer s.StopAll()

	_, _, err := s.Start(f.id)
	require.NoError(t, err)

	// Nothing is pulled, not even the frame that opens the encoder, until
	// three are queued.
	f.put(t, 2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.enc.written())
	assert.Equal(t, int64(0), f.started.Load())

	f.put(t, 1)
	require.Eventually(t, func() bool { return f.enc.written() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.enc.written())

	f.put(t, 1)
	require.Eventually(t, func() bool { return f.enc.written() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStreamerSkipsFailedWrites(t *testing.T) {
	f := newFixture(t)
	f.enc.failN = 1
	s := f.streamer(Config{})
	defer s.StopAll()

	_, _, err := s.Start(f.id)
	require.NoError(t, err)
	f.put(t, 3)

	require.Eventually(t, func() bool { return f.enc.written() == 2 }, 2*time.Second, 5*time.Millisecond)
	info, _ := s.Info(f.id)
	assert.Equal(t, int64(1), info.WriteErrors)
	assert.Equal(t, StatusRunning, info.Status)
}

func TestStreamerFailsWhenEncoderExits(t *testing.T) {
	f := newFixture(t)
	s := f.streamer(Config{})
	defer s.StopAll()

	_, _, err := s.Start(f.id)
	require.NoError(t, err)
	f.put(t, 1)
	require.Eventually(t, func() bool { return f.enc.written() == 1 }, time.Second, 5*time.Millisecond)

	f.enc.exited.Store(true)
	f.put(t, 1)

	require.Eventually(t, func() bool {
		info, _ := s.Info(f.id)
		return info.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
	info, _ := s.Info(f.id)
	assert.Contains(t, info.LastError, ErrEncoderProcess.Error())
}

func TestStreamerFailsWhenBufferRemoved(t *testing.T) {
	f := newFixture(t)
	s := f.streamer(Config{})
	defer s.StopAll()

	_, _, err := s.Start(f.id)
	require.NoError(t, err)
	f.frames.Remove(f.id.String())

	require.Eventually(t, func() bool {
		info, _ := s.Info(f.id)
		return info.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, f.started.Load())
}

func TestEncoderArgs(t *testing.T) {
	cfg := EncoderConfig{Binary: "ffmpeg", FrameRate: 25, Bitrate: "2M", BufSize: "4M", GOP: 50, Preset: "veryfast", Format: "flv"}
	args := cfg.Args(640, 480, "rtmp://host/live/x")

	assert.Equal(t, "rtmp://host/live/x", args[len(args)-1])
	assert.Contains(t, args, "640x480")
	assert.Contains(t, args, "libx264")
	assert.Contains(t, args, "image2pipe")
}

func TestLineLoggerSplitsLines(t *testing.T) {
	l := &lineLogger{log: zerolog.Nop()}
	n, err := l.Write([]byte("frame=1\nframe=2\rpartial"))
	require.NoError(t, err)
	assert.Equal(t, 23, n)
	assert.Equal(t, "partial", string(l.buf))
}
