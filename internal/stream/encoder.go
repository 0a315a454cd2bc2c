package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtsp-face-overlay/internal/camera"
)

// ErrEncoderProcess marks an encoder that exited or rejected a frame.
var ErrEncoderProcess = errors.New("encoder process failure")

// Encoder consumes encoded frames in capture order.
type Encoder interface {
	Write(frame []byte) error
	// Exited reports whether the encoder process has terminated.
	Exited() bool
	// Close ends the input stream and waits for the process to exit.
	Close() error
}

// EncoderFactory starts an encoder for one camera's stream.
type EncoderFactory func(ctx context.Context, id camera.ID, width, height int, url string) (Encoder, error)

// EncoderConfig describes the ffmpeg re-encode.
type EncoderConfig struct {
	Binary    string
	FrameRate int
	Bitrate   string
	BufSize   string
	GOP       int
	Preset    string
	Format    string
	// ExitTimeout bounds the wait for ffmpeg to exit after stdin closes.
	ExitTimeout time.Duration
}

// Args returns the ffmpeg command line for a width×height JPEG stream sent to
// url.
func (c EncoderConfig) Args(width, height int, url string) []string {
	return []string{
		"-re",
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-framerate", strconv.Itoa(c.FrameRate),
		"-video_size", fmt.Sprintf("%dx%d", width, height),
		"-i", "-",
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264",
		"-preset", c.Preset,
		"-g", strconv.Itoa(c.GOP),
		"-b:v", c.Bitrate,
		"-maxrate", c.Bitrate,
		"-bufsize", c.BufSize,
		"-an", // No audio
		"-f", c.Format,
		url,
	}
}

// FFmpeg returns a factory that launches cfg.Binary for every stream.
func FFmpeg(cfg EncoderConfig, log zerolog.Logger) EncoderFactory {
	return func(ctx context.Context, id camera.ID, width, height int, url string) (Encoder, error) {
		cmd := exec.CommandContext(ctx, cfg.Binary, cfg.Args(width, height, url)...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
		}
		cmd.Stderr = &lineLogger{log: log.With().Str("camera_id", id.String()).Str("component", "ffmpeg").Logger()}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
		}

		p := &process{
			cmd:         cmd,
			stdin:       stdin,
			exited:      make(chan struct{}),
			exitTimeout: cfg.ExitTimeout,
		}
		go func() {
			p.waitErr = cmd.Wait()
			close(p.exited)
		}()
		return p, nil
	}
}

// process is a running ffmpeg fed through its stdin.
type process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	exitTimeout time.Duration

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
	closeErr  error
}

func (p *process) Write(frame []byte) error {
	if p.Exited() {
		return fmt.Errorf("%w: ffmpeg exited: %v", ErrEncoderProcess, p.waitErr)
	}
	if _, err := p.stdin.Write(frame); err != nil {
		return fmt.Errorf("%w: write to ffmpeg stdin: %v", ErrEncoderProcess, err)
	}
	return nil
}

func (p *process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

func (p *process) Close() error {
	p.closeOnce.Do(func() {
		p.stdin.Close()

		timeout := p.exitTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		select {
		case <-p.exited:
		case <-time.After(timeout):
			p.cmd.Process.Kill()
			<-p.exited
		}

		var exitErr *exec.ExitError
		if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
			p.closeErr = p.waitErr
		}
	})
	return p.closeErr
}

// lineLogger forwards ffmpeg's stderr to the logger one line at a time.
type lineLogger struct {
	log zerolog.Logger
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexAny(l.buf, "\r\n")
		if i < 0 {
			break
		}
		if line := bytes.TrimSpace(l.buf[:i]); len(line) > 0 {
			l.log.Debug().Msg(string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
