package sprintpilot

import (
	"context"
	"encoding/base64"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/sprintpilot/pkg/core"
	"github.com/vango-go/sprintpilot/pkg/core/types"
	"github.com/vango-go/sprintpilot/pkg/realtime/protocol"
)

// DefaultConnectTimeout bounds the whole connection attempt: signaling,
// transport establishment and event channel open.
const DefaultConnectTimeout = 10 * time.Second

// RealtimeService creates peer connected voice sessions against the
// realtime API.
type RealtimeService struct {
	client *Client
}

// RealtimeCallbacks receives session lifecycle and conversation events.
// Every field is optional. Callbacks are invoked from the transport's read
// goroutine in arrival order and must not block for long.
type RealtimeCallbacks struct {
	// OnStatusChange fires on every connection status transition.
	OnStatusChange func(status types.ConnectionStatus)
	// OnMessage fires when a completed message is appended to the session
	// transcript, for both the local user and the remote assistant.
	OnMessage func(msg types.Message)
	// OnTranscription fires with live transcription text. final is true for
	// the completed user utterance, false for streaming assistant deltas.
	OnTranscription func(text string, final bool)
	// OnAudioStart and OnAudioEnd bracket assistant audio playback.
	OnAudioStart func()
	OnAudioEnd   func()
	// OnSpeechStart and OnSpeechEnd track server-side voice activity
	// detection of the local user.
	OnSpeechStart func()
	OnSpeechEnd   func()
	// OnError fires for remote error events, channel failures and transport
	// loss. The session does not reconnect on its own.
	OnError func(err error)
}

// sessionTransport carries media and the JSON event channel. Connect blocks
// until the event channel is open or the context is done; after that the
// transport feeds inbound events back into the session from its own read
// goroutine.
type sessionTransport interface {
	Connect(ctx context.Context) error
	Send(event any) error
	Close() error
}

type transportFactory func(s *RealtimeSession) sessionTransport

// SessionOption configures a realtime session at construction.
type SessionOption func(*RealtimeSession)

// WithConnectTimeout overrides the default connection timeout.
func WithConnectTimeout(d time.Duration) SessionOption {
	return func(s *RealtimeSession) {
		if d > 0 {
			s.connectTimeout = d
		}
	}
}

// WithCapture sets the microphone source for the session.
func WithCapture(capture AudioCapture) SessionOption {
	return func(s *RealtimeSession) {
		s.capture = capture
	}
}

// WithSink sets the playback sink for remote audio. The session takes
// ownership and closes the sink on disconnect.
func WithSink(sink AudioSink) SessionOption {
	return func(s *RealtimeSession) {
		s.sink = sink
	}
}

// WithWebSocketTransport switches the session from the default WebRTC
// transport to the WebSocket transport. Audio then travels as base64 PCM
// inside the event stream instead of on media tracks.
func WithWebSocketTransport() SessionOption {
	return func(s *RealtimeSession) {
		s.newTransport = newWebSocketTransport
	}
}

func withTransportFactory(f transportFactory) SessionOption {
	return func(s *RealtimeSession) {
		s.newTransport = f
	}
}

// RealtimeSession is a single voice conversation. Sessions are one-shot:
// after Disconnect a new session must be created to reconnect.
type RealtimeSession struct {
	client *Client
	logger *slog.Logger

	connectTimeout time.Duration
	newTransport   transportFactory
	capture        AudioCapture
	sink           AudioSink

	mu             sync.Mutex
	cfg            types.SessionConfig
	callbacks      RealtimeCallbacks
	status         types.ConnectionStatus
	transport      sessionTransport
	captureSession CaptureSession
	channelOpen    bool
	recording      bool
	audioPlaying   bool
	messages       []types.Message
}

// NewSession builds a session for the given configuration. The session does
// not touch the network until Connect.
func (svc *RealtimeService) NewSession(cfg types.SessionConfig, callbacks RealtimeCallbacks, opts ...SessionOption) *RealtimeSession {
	if cfg.Model == "" {
		cfg.Model = DefaultRealtimeModel
	}
	if cfg.Voice == "" {
		cfg.Voice = types.VoiceAlloy
	}
	s := &RealtimeSession{
		client:         svc.client,
		logger:         svc.client.logger,
		connectTimeout: DefaultConnectTimeout,
		newTransport:   newWebRTCTransport,
		cfg:            cfg,
		callbacks:      callbacks,
		status:         types.StatusDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes the session: signaling, media, event channel. It
// blocks until the event channel is open or the attempt fails. The whole
// attempt is bounded by the connect timeout; on failure the status moves to
// StatusError and all partial resources are released.
func (s *RealtimeSession) Connect(ctx context.Context) error {
	if !s.client.HasAPIKey() {
		err := core.NewAuthenticationError("no API key configured")
		s.setStatus(types.StatusError)
		s.emitError(err)
		return err
	}

	s.mu.Lock()
	if s.status == types.StatusConnecting || s.status == types.StatusConnected {
		s.mu.Unlock()
		return nil
	}
	transport := s.newTransport(s)
	s.transport = transport
	model := s.cfg.Model
	s.mu.Unlock()

	s.setStatus(types.StatusConnecting)

	ctx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	ctx, span := s.client.tracer.Start(ctx, "realtime.connect",
		trace.WithAttributes(attribute.String("realtime.model", model)))
	defer span.End()

	if err := transport.Connect(ctx); err != nil {
		s.logger.Error("realtime connect failed", "error", err)
		s.releaseTransport()
		s.setStatus(types.StatusError)
		s.emitError(err)
		return err
	}

	s.setStatus(types.StatusConnected)
	return nil
}

// Disconnect tears the session down: stops capture, closes the transport
// and the sink, emits a final disconnected status and then detaches every
// callback. Safe to call repeatedly and from any state.
func (s *RealtimeSession) Disconnect() {
	s.mu.Lock()
	transport := s.transport
	captureSession := s.captureSession
	sink := s.sink
	s.transport = nil
	s.captureSession = nil
	s.sink = nil
	s.channelOpen = false
	s.recording = false
	s.audioPlaying = false
	s.mu.Unlock()

	if captureSession != nil {
		_ = captureSession.Close()
	}
	if transport != nil {
		_ = transport.Close()
	}
	if sink != nil {
		sink.Flush()
		_ = sink.Close()
	}

	s.setStatus(types.StatusDisconnected)

	s.mu.Lock()
	s.callbacks = RealtimeCallbacks{}
	s.mu.Unlock()
}

// StartRecording begins streaming microphone audio to the remote peer.
// A no-op while already recording.
func (s *RealtimeSession) StartRecording() {
	s.mu.Lock()
	if s.recording || s.status != types.StatusConnected {
		s.mu.Unlock()
		return
	}
	s.recording = true
	s.mu.Unlock()
}

// StopRecording stops streaming microphone audio, commits the input buffer
// and asks the remote peer to respond. A no-op while not recording.
func (s *RealtimeSession) StopRecording() {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return
	}
	s.recording = false
	s.mu.Unlock()

	s.send(protocol.Control{Type: protocol.TypeInputAudioBufferCommit})
	s.send(protocol.Control{Type: protocol.TypeResponseCreate})
}

// IsRecording reports whether microphone audio is being streamed.
func (s *RealtimeSession) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// SendText injects a typed message into the voice conversation and requests
// a response. The message is recorded locally like any other turn. A no-op
// while the event channel is not open.
func (s *RealtimeSession) SendText(text string) {
	s.mu.Lock()
	open := s.channelOpen
	s.mu.Unlock()
	if !open {
		return
	}

	s.send(protocol.NewUserTextItem(text))
	s.send(protocol.Control{Type: protocol.TypeResponseCreate})
	s.addMessage(types.RoleUser, text)
}

// CancelResponse interrupts the in-progress assistant response.
func (s *RealtimeSession) CancelResponse() {
	s.send(protocol.Control{Type: protocol.TypeResponseCancel})
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink.Flush()
	}
}

// UpdateInstructions replaces the system instructions mid-session without
// resetting the connection or the transcript.
func (s *RealtimeSession) UpdateInstructions(instructions string) {
	s.mu.Lock()
	s.cfg.Instructions = instructions
	s.mu.Unlock()
	s.send(protocol.NewInstructionsUpdate(instructions))
}

// ClearMessages drops the local transcript. The remote conversation state
// is unaffected.
func (s *RealtimeSession) ClearMessages() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()
}

// Messages returns a copy of the session transcript in arrival order.
func (s *RealtimeSession) Messages() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Status returns the current connection status.
func (s *RealtimeSession) Status() types.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsConnected reports whether the session is fully established.
func (s *RealtimeSession) IsConnected() bool {
	return s.Status() == types.StatusConnected
}

// Config returns the session configuration, including any instruction
// updates applied since construction.
func (s *RealtimeSession) Config() types.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// acquireCapture opens the configured microphone in the format the
// transport needs. The capture session is owned by the realtime session and
// closed on disconnect, so it must outlive the bounded connect context:
// captures that tie a subprocess or device to their start context would die
// the moment the connect deadline is released.
func (s *RealtimeSession) acquireCapture(ctx context.Context, format CaptureFormat) (CaptureSession, error) {
	s.mu.Lock()
	capture := s.capture
	s.mu.Unlock()
	if capture == nil {
		return nil, core.NewPermissionError("no audio capture configured")
	}
	cs, err := capture.Start(context.WithoutCancel(ctx), format)
	if err != nil {
		return nil, core.NewPermissionError("audio capture unavailable: " + err.Error())
	}
	s.mu.Lock()
	s.captureSession = cs
	s.mu.Unlock()
	return cs, nil
}

// isStreamingAudio reports whether microphone frames should go out right
// now. Transports keep reading the device regardless so the stream position
// stays live, and drop frames while this is false.
func (s *RealtimeSession) isStreamingAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording && s.channelOpen
}

// handleChannelOpen runs when the transport's event channel opens. The
// session configuration goes out first so everything after it happens under
// the right instructions.
func (s *RealtimeSession) handleChannelOpen() {
	s.mu.Lock()
	s.channelOpen = true
	cfg := s.cfg
	s.mu.Unlock()

	s.send(protocol.NewSessionUpdate(cfg.Instructions, cfg.Voice, cfg.Temperature))
	s.logger.Debug("realtime event channel open", "model", cfg.Model, "voice", cfg.Voice)
}

// handleTransportFailure runs when an established transport is lost.
func (s *RealtimeSession) handleTransportFailure(err error) {
	s.mu.Lock()
	wasLive := s.status == types.StatusConnected || s.status == types.StatusConnecting
	s.channelOpen = false
	s.mu.Unlock()
	if !wasLive {
		return
	}
	s.logger.Warn("realtime transport lost", "error", err)
	s.setStatus(types.StatusError)
	s.emitError(err)
}

// handleServerEvent decodes and dispatches one inbound event. Undecodable
// payloads and unknown event kinds are logged and dropped; they never tear
// down the session.
func (s *RealtimeSession) handleServerEvent(data []byte) {
	event, err := protocol.Decode(data)
	if err != nil {
		s.logger.Debug("dropping undecodable realtime event", "error", err)
		return
	}

	switch e := event.(type) {
	case protocol.SessionCreatedEvent:
		s.logger.Debug("realtime session created")
	case protocol.SpeechStartedEvent:
		s.emit(func(cb RealtimeCallbacks) {
			if cb.OnSpeechStart != nil {
				cb.OnSpeechStart()
			}
		})
	case protocol.SpeechStoppedEvent:
		s.emit(func(cb RealtimeCallbacks) {
			if cb.OnSpeechEnd != nil {
				cb.OnSpeechEnd()
			}
		})
	case protocol.InputTranscriptionCompletedEvent:
		s.emit(func(cb RealtimeCallbacks) {
			if cb.OnTranscription != nil {
				cb.OnTranscription(e.Transcript, true)
			}
		})
		s.addMessage(types.RoleUser, e.Transcript)
	case protocol.AudioTranscriptDeltaEvent:
		s.emit(func(cb RealtimeCallbacks) {
			if cb.OnTranscription != nil {
				cb.OnTranscription(e.Delta, false)
			}
		})
	case protocol.AudioTranscriptDoneEvent:
		s.addMessage(types.RoleAssistant, e.Transcript)
	case protocol.AudioDeltaEvent:
		s.handleAudioDelta(e.Delta)
	case protocol.AudioDoneEvent:
		s.mu.Lock()
		s.audioPlaying = false
		s.mu.Unlock()
		s.emit(func(cb RealtimeCallbacks) {
			if cb.OnAudioEnd != nil {
				cb.OnAudioEnd()
			}
		})
	case protocol.ErrorEvent:
		msg := e.Message
		if msg == "" {
			msg = "unknown realtime error"
		}
		s.emitError(core.NewRemoteError(msg, e.Code))
	case protocol.UnknownEvent:
		s.logger.Debug("ignoring realtime event", "type", e.Type)
	}
}

func (s *RealtimeSession) handleAudioDelta(delta string) {
	s.mu.Lock()
	first := !s.audioPlaying
	s.audioPlaying = true
	sink := s.sink
	s.mu.Unlock()

	if first {
		s.emit(func(cb RealtimeCallbacks) {
			if cb.OnAudioStart != nil {
				cb.OnAudioStart()
			}
		})
	}
	if delta == "" || sink == nil {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		s.logger.Debug("dropping malformed audio delta", "error", err)
		return
	}
	if _, err := sink.Write(pcm); err != nil {
		s.logger.Warn("audio sink write failed", "error", err)
	}
}

func (s *RealtimeSession) addMessage(role types.Role, content string) {
	if content == "" {
		return
	}
	msg := types.NewMessage(role, content, true)
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()
	s.emit(func(cb RealtimeCallbacks) {
		if cb.OnMessage != nil {
			cb.OnMessage(msg)
		}
	})
}

func (s *RealtimeSession) setStatus(status types.ConnectionStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()
	if !changed {
		return
	}
	s.emit(func(cb RealtimeCallbacks) {
		if cb.OnStatusChange != nil {
			cb.OnStatusChange(status)
		}
	})
}

func (s *RealtimeSession) emitError(err error) {
	s.emit(func(cb RealtimeCallbacks) {
		if cb.OnError != nil {
			cb.OnError(err)
		}
	})
}

// emit snapshots the callbacks under the lock and invokes them outside it,
// so a callback may call back into the session.
func (s *RealtimeSession) emit(fn func(cb RealtimeCallbacks)) {
	s.mu.Lock()
	cb := s.callbacks
	s.mu.Unlock()
	fn(cb)
}

func (s *RealtimeSession) send(event any) {
	s.mu.Lock()
	transport := s.transport
	open := s.channelOpen
	s.mu.Unlock()
	if transport == nil || !open {
		return
	}
	if err := transport.Send(event); err != nil {
		s.logger.Warn("realtime send failed", "error", err)
		s.emitError(core.NewChannelError("send failed: " + err.Error()))
	}
}

func (s *RealtimeSession) releaseTransport() {
	s.mu.Lock()
	transport := s.transport
	captureSession := s.captureSession
	s.transport = nil
	s.captureSession = nil
	s.channelOpen = false
	s.mu.Unlock()
	if captureSession != nil {
		_ = captureSession.Close()
	}
	if transport != nil {
		_ = transport.Close()
	}
}
