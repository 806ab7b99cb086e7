package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	sprintpilot "github.com/vango-go/sprintpilot/sdk"
)

// FFmpegCapture streams microphone audio through an ffmpeg subprocess. It
// can produce raw PCM16 or an Ogg/Opus stream, which makes it the capture
// backend for the WebRTC transport.
type FFmpegCapture struct {
	command string
	// InputFormat and InputDevice select the ffmpeg source, e.g. "pulse"
	// and "default" on Linux or "avfoundation" and ":0" on macOS.
	InputFormat string
	InputDevice string
}

func NewFFmpegCapture(command string) *FFmpegCapture {
	if command == "" {
		command = "ffmpeg"
	}
	return &FFmpegCapture{command: command}
}

func (c *FFmpegCapture) Start(ctx context.Context, format sprintpilot.CaptureFormat) (sprintpilot.CaptureSession, error) {
	sampleRate := format.SampleRate
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	channels := format.Channels
	if channels <= 0 {
		channels = 1
	}
	inputFormat := c.InputFormat
	if inputFormat == "" {
		inputFormat = "pulse"
	}
	inputDevice := c.InputDevice
	if inputDevice == "" {
		inputDevice = "default"
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", inputFormat,
		"-i", inputDevice,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
	}
	switch format.Encoding {
	case sprintpilot.EncodingPCM16:
		args = append(args, "-f", "s16le", "-")
	case sprintpilot.EncodingOggOpus:
		// 20ms pages keep uplink sample durations uniform.
		args = append(args,
			"-c:a", "libopus",
			"-application", "voip",
			"-page_duration", "20000",
			"-f", "ogg", "-")
	default:
		return nil, fmt.Errorf("unsupported capture encoding %q", format.Encoding)
	}

	cmd := exec.CommandContext(ctx, c.command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// Give ffmpeg a moment to fail on a bad device before handing the
	// stream out.
	select {
	case err := <-waitErr:
		if err != nil {
			return nil, fmt.Errorf("ffmpeg exited before capture started: %w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("ffmpeg exited before capture started")
	case <-time.After(250 * time.Millisecond):
	}

	return &ffmpegSession{
		stdout:  stdout,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

type ffmpegSession struct {
	stdout  io.ReadCloser
	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *ffmpegSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

func (s *ffmpegSession) Close() error {
	s.stopOnce.Do(func() {
		if s.process != nil {
			_ = s.process.Signal(os.Interrupt)
		}
		select {
		case err, ok := <-s.waitErr:
			if ok {
				s.stopErr = normalizeStopErr(err)
			}
		case <-time.After(2 * time.Second):
			if s.process != nil {
				_ = s.process.Kill()
			}
			s.stopErr = <-s.waitErr
		}
		_ = s.stdout.Close()
	})
	return s.stopErr
}

// normalizeStopErr treats the exit status of an interrupted ffmpeg as a
// clean shutdown.
func normalizeStopErr(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
