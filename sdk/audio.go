package sprintpilot

import (
	"context"
	"io"
)

// Capture stream encodings.
const (
	// EncodingPCM16 is little-endian signed 16-bit PCM, used by the
	// WebSocket transport and by playback sinks.
	EncodingPCM16 = "pcm_s16le"
	// EncodingOggOpus is an Ogg-framed Opus stream, used to feed the WebRTC
	// uplink track.
	EncodingOggOpus = "ogg_opus"
)

// CaptureFormat describes how the local microphone should be captured.
type CaptureFormat struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// CaptureSession is a live microphone capture stream. Closing it releases
// the underlying device.
type CaptureSession interface {
	io.ReadCloser
}

// AudioCapture opens microphone capture sessions. Implementations live in
// pkg/audio; a session holds at most one capture session at a time.
type AudioCapture interface {
	Start(ctx context.Context, format CaptureFormat) (CaptureSession, error)
}

// AudioSink plays remote audio. It is owned by exactly one realtime session
// for its lifetime: started on connect, closed on disconnect, never shared
// across session instances.
type AudioSink interface {
	Start(format CaptureFormat) error
	Write(pcm []byte) (int, error)
	// Flush discards buffered audio immediately (response cancelled or
	// session torn down mid-playback).
	Flush()
	Close() error
}
