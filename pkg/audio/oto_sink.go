package audio

import (
	"fmt"
	"sync"

	"github.com/ebitengine/oto/v3"

	sprintpilot "github.com/vango-go/sprintpilot/sdk"
)

// OtoSink plays PCM16 audio through the system speaker. A sink belongs to
// one session: Start once, Write from the transport, Close on disconnect.
type OtoSink struct {
	mu      sync.Mutex
	cond    *sync.Cond
	otoCtx  *oto.Context
	player  *oto.Player
	buf     []byte
	playing bool
	started bool
	closed  bool
}

func NewOtoSink() *OtoSink {
	s := &OtoSink{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *OtoSink) Start(format sprintpilot.CaptureFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if format.Encoding != sprintpilot.EncodingPCM16 {
		return fmt.Errorf("speaker sink plays %s only, not %s", sprintpilot.EncodingPCM16, format.Encoding)
	}

	// ~100ms buffer keeps latency low at the cost of glitch headroom.
	opts := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   format.SampleRate / 5,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s.otoCtx = otoCtx
	s.buf = make([]byte, 0, format.SampleRate*4)
	s.started = true
	return nil
}

func (s *OtoSink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return 0, fmt.Errorf("speaker sink not started")
	}

	s.buf = append(s.buf, pcm...)

	// The player pulls from Read; create it lazily on first audio.
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return len(pcm), nil
}

// Read feeds the oto player. Silence is returned after close so oto can
// drain gracefully.
func (s *OtoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}

	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush discards buffered audio and stops the current playback so the next
// response starts clean.
func (s *OtoSink) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player != nil && s.playing {
		player := s.player
		s.player = nil
		s.playing = false
		s.mu.Unlock()

		player.Pause()
		player.Close()
		return
	}
	s.mu.Unlock()
}

func (s *OtoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.player = nil
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
