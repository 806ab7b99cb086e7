package sprintpilot

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/vango-go/sprintpilot/pkg/core"
	"github.com/vango-go/sprintpilot/pkg/realtime/protocol"
)

// websocketTransport speaks the same event protocol as the WebRTC data
// channel, with audio carried inside the event stream: PCM16 capture frames
// go out as input_audio_buffer.append, assistant audio arrives as base64
// PCM in response.audio.delta events.
type websocketTransport struct {
	session *RealtimeSession

	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  atomic.Bool

	closeOnce sync.Once
}

func newWebSocketTransport(s *RealtimeSession) sessionTransport {
	return &websocketTransport{session: s}
}

// wsSampleRate is the PCM16 sample rate the realtime endpoint expects on
// the WebSocket transport.
const wsSampleRate = 24000

func (t *websocketTransport) Connect(ctx context.Context) error {
	capture, err := t.session.acquireCapture(ctx, CaptureFormat{
		Encoding:   EncodingPCM16,
		SampleRate: wsSampleRate,
		Channels:   1,
	})
	if err != nil {
		return err
	}

	client := t.session.client
	url := websocketURL(client.realtimeBaseURL) + "?model=" + t.session.Config().Model
	header := http.Header{}
	header.Set("Authorization", "Bearer "+client.apiKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return core.NewSignalingError("websocket dial rejected: "+err.Error(), resp.StatusCode)
		}
		return &TransportError{Op: "dial", URL: url, Err: err}
	}
	t.writeMu.Lock()
	t.conn = conn
	t.writeMu.Unlock()

	t.session.mu.Lock()
	sink := t.session.sink
	t.session.mu.Unlock()
	if sink != nil {
		if err := sink.Start(CaptureFormat{Encoding: EncodingPCM16, SampleRate: wsSampleRate, Channels: 1}); err != nil {
			t.session.logger.Warn("audio sink start failed", "error", err)
		}
	}

	t.session.handleChannelOpen()

	go t.readLoop(conn)
	go t.streamCapture(capture)
	return nil
}

// websocketURL rewrites the HTTP realtime base URL to its websocket scheme.
func websocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (t *websocketTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !t.closed.Load() {
				t.session.handleTransportFailure(&TransportError{Op: "read", Err: err})
			}
			return
		}
		t.session.handleServerEvent(data)
	}
}

// streamCapture reads PCM16 frames from the microphone continuously and
// forwards them as append events while the session is recording.
func (t *websocketTransport) streamCapture(capture CaptureSession) {
	buf := make([]byte, 4096)
	for {
		n, err := capture.Read(buf)
		if n > 0 && t.session.isStreamingAudio() {
			event := protocol.NewAudioAppend(base64.StdEncoding.EncodeToString(buf[:n]))
			if err := t.Send(event); err != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (t *websocketTransport) Send(event any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.conn == nil {
		return core.NewChannelError("event channel not open")
	}
	return t.conn.WriteJSON(event)
}

func (t *websocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.writeMu.Lock()
		conn := t.conn
		t.writeMu.Unlock()
		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		t.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}
