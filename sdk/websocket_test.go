package sprintpilot

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/sprintpilot/pkg/core"
	"github.com/vango-go/sprintpilot/pkg/core/types"
)

// stubCapture hands out pipe-backed capture sessions. Data written through
// feed flows out of the session's Read.
type stubCapture struct {
	mu sync.Mutex
	w  *io.PipeWriter
}

func (c *stubCapture) Start(_ context.Context, _ CaptureFormat) (CaptureSession, error) {
	r, w := io.Pipe()
	c.mu.Lock()
	c.w = w
	c.mu.Unlock()
	return pipeSession{r: r, w: w}, nil
}

func (c *stubCapture) feed(data []byte) {
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w != nil {
		_, _ = w.Write(data)
	}
}

type pipeSession struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (s pipeSession) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s pipeSession) Close() error {
	_ = s.w.Close()
	return s.r.Close()
}

// recordingSink collects the PCM handed to it.
type recordingSink struct {
	mu      sync.Mutex
	started bool
	pcm     []byte
}

func (s *recordingSink) Start(CaptureFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *recordingSink) Write(pcm []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcm = append(s.pcm, pcm...)
	return len(pcm), nil
}

func (s *recordingSink) Flush()       {}
func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pcm...)
}

func newRealtimeWebsocketTestServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) (string, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn, r)
	}))
	return server.URL, server.Close
}

func TestWebSocketTransport_SessionConfigAndTranscript(t *testing.T) {
	t.Parallel()

	gotAuth := make(chan string, 1)
	firstEvent := make(chan map[string]any, 1)

	serverURL, closeServer := newRealtimeWebsocketTestServer(t, func(conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		gotAuth <- r.Header.Get("Authorization")

		var event map[string]any
		if err := conn.ReadJSON(&event); err != nil {
			return
		}
		firstEvent <- event

		_ = conn.WriteJSON(map[string]any{
			"type":       "response.audio_transcript.done",
			"transcript": "welcome to the sprint",
		})
		// Hold the connection open until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	messages := make(chan types.Message, 1)
	client := NewClient(WithAPIKey("test-key"), WithRealtimeBaseURL(serverURL))
	session := client.Realtime.NewSession(types.SessionConfig{
		Instructions: "guide the team",
		Voice:        types.VoiceAlloy,
		Temperature:  0.7,
	}, RealtimeCallbacks{
		OnMessage: func(msg types.Message) { messages <- msg },
	}, WithWebSocketTransport(), WithCapture(&stubCapture{}))
	defer session.Disconnect()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if auth := <-gotAuth; auth != "Bearer test-key" {
		t.Errorf("Authorization = %q", auth)
	}
	event := <-firstEvent
	if event["type"] != "session.update" {
		t.Errorf("first event type = %v, want session.update", event["type"])
	}
	sessionBody, _ := event["session"].(map[string]any)
	if sessionBody["instructions"] != "guide the team" {
		t.Errorf("instructions = %v", sessionBody["instructions"])
	}

	select {
	case msg := <-messages:
		if msg.Role != types.RoleAssistant || msg.Content != "welcome to the sprint" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("transcript event never dispatched")
	}
}

func TestWebSocketTransport_RecordingStreamsAppendEvents(t *testing.T) {
	t.Parallel()

	appendAudio := make(chan string, 1)
	serverURL, closeServer := newRealtimeWebsocketTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		defer conn.Close()
		for {
			var event map[string]any
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			if event["type"] == "input_audio_buffer.append" {
				if audio, ok := event["audio"].(string); ok {
					select {
					case appendAudio <- audio:
					default:
					}
				}
			}
		}
	})
	defer closeServer()

	capture := &stubCapture{}
	client := NewClient(WithAPIKey("test-key"), WithRealtimeBaseURL(serverURL))
	session := client.Realtime.NewSession(types.SessionConfig{}, RealtimeCallbacks{},
		WithWebSocketTransport(), WithCapture(capture))
	defer session.Disconnect()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	session.StartRecording()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	capture.feed(pcm)

	select {
	case audio := <-appendAudio:
		decoded, err := base64.StdEncoding.DecodeString(audio)
		if err != nil {
			t.Fatalf("append audio not base64: %v", err)
		}
		if len(decoded) == 0 {
			t.Fatal("append event carried no audio")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no append event while recording")
	}
}

func TestWebSocketTransport_AudioDeltaFeedsSink(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x10, 0x20, 0x30, 0x40}
	serverURL, closeServer := newRealtimeWebsocketTestServer(t, func(conn *websocket.Conn, _ *http.Request) {
		defer conn.Close()
		var event map[string]any
		if err := conn.ReadJSON(&event); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"type":  "response.audio.delta",
			"delta": base64.StdEncoding.EncodeToString(pcm),
		})
		_ = conn.WriteJSON(map[string]any{"type": "response.audio.done"})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	sink := &recordingSink{}
	audioEnded := make(chan struct{}, 1)
	client := NewClient(WithAPIKey("test-key"), WithRealtimeBaseURL(serverURL))
	session := client.Realtime.NewSession(types.SessionConfig{}, RealtimeCallbacks{
		OnAudioEnd: func() { audioEnded <- struct{}{} },
	}, WithWebSocketTransport(), WithCapture(&stubCapture{}), WithSink(sink))
	defer session.Disconnect()

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	select {
	case <-audioEnded:
	case <-time.After(3 * time.Second):
		t.Fatal("audio done never dispatched")
	}
	got := sink.bytes()
	if string(got) != string(pcm) {
		t.Errorf("sink received %v, want %v", got, pcm)
	}
}

func TestWebSocketTransport_DialRejectionSurfacesStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(WithAPIKey("bad-key"), WithRealtimeBaseURL(server.URL))
	session := client.Realtime.NewSession(types.SessionConfig{}, RealtimeCallbacks{},
		WithWebSocketTransport(), WithCapture(&stubCapture{}))

	err := session.Connect(context.Background())
	if err == nil {
		t.Fatal("expected dial rejection")
	}
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrSignaling {
		t.Fatalf("error = %v, want signaling error", err)
	}
	if coreErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", coreErr.StatusCode)
	}
	if session.Status() != types.StatusError {
		t.Errorf("status = %v, want error", session.Status())
	}
}
