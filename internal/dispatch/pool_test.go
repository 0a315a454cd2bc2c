package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"rtsp-face-overlay/internal/annotation"
	"rtsp-face-overlay/internal/camera"
	"rtsp-face-overlay/internal/detection"
	"rtsp-face-overlay/internal/fingerprint"
	"rtsp-face-overlay/internal/overlay"
)

func grid(v float64) fingerprint.Grid {
	return fingerprint.Grid{N: 2, Cells: []float64{v, v, v, v}}
}

type env struct {
	inbound *Inbound
	frames  *camera.Frames
	agg     *annotation.Aggregator
	pool    *Pool
	cam     camera.ID
	recs    []*camera.FrameRecord
}

func newEnv(t *testing.T, mode Mode) *env {
	t.Helper()
	inbound, err := NewInbound(4, zerolog.Nop())
	require.NoError(t, err)

	e := &env{
		inbound: inbound,
		frames:  camera.NewFrames(zerolog.Nop()),
		agg:     annotation.New(annotation.Config{MaxAge: time.Minute, ShowingTime: time.Second}, zerolog.Nop()),
		cam:     camera.NewID("rtsp://cam/1"),
	}
	require.NoError(t, e.frames.Create(e.cam.String(), 10))

	e.pool = New(inbound, e.frames, e.agg, Config{
		Workers:    2,
		GetTimeout: 10 * time.Millisecond,
		Matcher:    fingerprint.Matcher{PixelThresh: 5, PercentageThresh: 0.1},
		Style:      overlay.DefaultStyle,
		Mode:       func(camera.ID) Mode { return mode },
	}, zerolog.Nop())
	t.Cleanup(func() { e.frames.Remove(e.cam.String()) })
	return e
}

// buffer queues one frame per grid value, each with the given ttl.
func (e *env) buffer(t *testing.T, ttl int, values ...float64) {
	t.Helper()
	for i, v := range values {
		rec := &camera.FrameRecord{
			Seq:         uint64(i + 1),
			Fingerprint: grid(v),
			Image:       gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 40, 40, gocv.MatTypeCV8UC3),
			TTL:         ttl,
		}
		e.recs = append(e.recs, rec)
		require.NoError(t, e.frames.Put(context.Background(), e.cam.String(), rec))
	}
}

func drawnOn(rec *camera.FrameRecord) bool {
	return rec.Image.GetVecbAt(5, 10)[1] == 255
}

func detectionFor(cam camera.ID, g fingerprint.Grid) detection.Result {
	return detection.Result{
		MessageID:     "m1",
		CameraID:      cam,
		Fingerprint:   g,
		BoxID:         "b1",
		Box:           detection.Box{X1: 5, Y1: 5, X2: 20, Y2: 20},
		ExpectedBoxes: 1,
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "aggregate", want: ModeAggregate},
		{in: "fingerprint", want: ModeFingerprint},
		{in: "", wantErr: true},
		{in: "both", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDrawMatchingCoversTTLWindow(t *testing.T) {
	e := newEnv(t, ModeFingerprint)
	e.buffer(t, 1, 10, 100, 200, 210, 220)

	drawn, err := e.pool.DrawMatching(detectionFor(e.cam, grid(100)))
	require.NoError(t, err)

	// The match and the one frame after it.
	assert.Equal(t, 2, drawn)
	got := make([]bool, len(e.recs))
	for i, rec := range e.recs {
		got[i] = drawnOn(rec)
	}
	assert.Equal(t, []bool{false, true, true, false, false}, got)

	stats, err := e.frames.Stats(e.cam.String())
	require.NoError(t, err)
	assert.False(t, stats.Paused)
}

func TestDrawMatchingWithoutTTLDrawsOnlyMatch(t *testing.T) {
	e := newEnv(t, ModeFingerprint)
	e.buffer(t, 0, 10, 100, 102)

	drawn, err := e.pool.DrawMatching(detectionFor(e.cam, grid(100)))
	require.NoError(t, err)

	// 102 is within PixelThresh of 100, so it matches on its own.
	assert.Equal(t, 2, drawn)
	assert.False(t, drawnOn(e.recs[0]))
	assert.True(t, drawnOn(e.recs[1]))
	assert.True(t, drawnOn(e.recs[2]))
}

func TestDrawMatchingNoMatch(t *testing.T) {
	e := newEnv(t, ModeFingerprint)
	e.buffer(t, 3, 10, 20)

	drawn, err := e.pool.DrawMatching(detectionFor(e.cam, grid(250)))
	require.NoError(t, err)
	assert.Zero(t, drawn)
}

func TestDrawMatchingByFrameKey(t *testing.T) {
	e := newEnv(t, ModeFingerprint)
	e.buffer(t, 0, 10, 20)

	r := detectionFor(e.cam, fingerprint.Grid{})
	r.FrameKey = grid(20).Key()
	drawn, err := e.pool.DrawMatching(r)
	require.NoError(t, err)
	assert.Equal(t, 1, drawn)
	assert.True(t, drawnOn(e.recs[1]))
}

func TestDrawMatchingUnknownCamera(t *testing.T) {
	e := newEnv(t, ModeFingerprint)
	_, err := e.pool.DrawMatching(detectionFor(camera.NewID("rtsp://cam/none"), grid(1)))
	assert.Error(t, err)
}

func TestWorkersFeedAggregator(t *testing.T) {
	e := newEnv(t, ModeAggregate)
	e.pool.Start(context.Background())
	defer e.pool.Stop()

	r := detectionFor(e.cam, grid(100))
	r.ExpectedBoxes = 2
	require.NoError(t, e.pool.Submit(context.Background(), r))

	r2 := r
	r2.BoxID = "b2"
	require.NoError(t, e.pool.Submit(context.Background(), r2))

	require.Eventually(t, func() bool {
		entry, ok := e.agg.Next(e.cam)
		return ok && entry.Complete
	}, time.Second, 5*time.Millisecond)
}

func TestWorkersDrawInFingerprintMode(t *testing.T) {
	e := newEnv(t, ModeFingerprint)
	e.buffer(t, 0, 100)
	e.pool.Start(context.Background())
	defer e.pool.Stop()

	require.NoError(t, e.pool.Submit(context.Background(), detectionFor(e.cam, grid(100))))

	require.Eventually(t, func() bool {
		stats, err := e.frames.Stats(e.cam.String())
		return err == nil && !stats.Paused && drawnOnLocked(e, 0)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, e.agg.Len(e.cam))
}

// drawnOnLocked inspects a buffered record under the buffer lock.
func drawnOnLocked(e *env, i int) bool {
	var drawn bool
	_ = e.frames.Scan(e.cam.String(), func(rec *camera.FrameRecord) bool {
		if rec == e.recs[i] {
			drawn = drawnOn(rec)
			return false
		}
		return true
	})
	return drawn
}

func TestStopIsIdempotent(t *testing.T) {
	e := newEnv(t, ModeAggregate)
	e.pool.Start(context.Background())
	e.pool.Start(context.Background())
	e.pool.Stop()
	e.pool.Stop()
}

func TestInboundDropsOldest(t *testing.T) {
	e := newEnv(t, ModeAggregate)
	for i := 0; i < 6; i++ {
		r := detectionFor(e.cam, grid(float64(i)))
		r.MessageID = string(rune('a' + i))
		require.NoError(t, e.pool.Submit(context.Background(), r))
	}

	size, err := e.inbound.Size(InboundQueue)
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	first, err := e.inbound.Get(InboundQueue, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c", first.MessageID)
}
