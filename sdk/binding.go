package sprintpilot

import (
	"context"
	"sync"

	"github.com/vango-go/sprintpilot/pkg/core"
	"github.com/vango-go/sprintpilot/pkg/core/types"
)

// RealtimeState is the observable snapshot of a bound voice session. A new
// snapshot is published to the binding's observer after every change.
type RealtimeState struct {
	Status       types.ConnectionStatus
	IsConnected  bool
	IsConnecting bool
	IsRecording  bool
	// IsSpeaking is true while assistant audio is playing.
	IsSpeaking bool
	// IsListening is true while server-side voice activity detection hears
	// the local user.
	IsListening bool
	// Transcription holds the live partial assistant transcript; it clears
	// once the completed message lands in Messages.
	Transcription string
	Messages      []types.Message
	Err           error
}

// BindingOption configures a RealtimeBinding.
type BindingOption func(*RealtimeBinding)

// WithSessionOptions sets the options applied to every session the binding
// constructs.
func WithSessionOptions(opts ...SessionOption) BindingOption {
	return func(b *RealtimeBinding) {
		b.sessionOpts = opts
	}
}

// RealtimeBinding owns a voice session's lifecycle and republishes its
// events as state snapshots. Reconfiguration with the same model, voice and
// temperature patches the live session; changing any of those tears the
// session down so the next Connect builds a fresh one. Close is mandatory
// and disconnects whatever is live.
type RealtimeBinding struct {
	client      *Client
	onChange    func(RealtimeState)
	sessionOpts []SessionOption

	mu      sync.Mutex
	cfg     types.SessionConfig
	session *RealtimeSession
	state   RealtimeState
	closed  bool
}

// NewRealtimeBinding creates a binding for the given configuration.
// onChange may be nil; state is then only observable through State.
func NewRealtimeBinding(client *Client, cfg types.SessionConfig, onChange func(RealtimeState), opts ...BindingOption) *RealtimeBinding {
	b := &RealtimeBinding{
		client:   client,
		onChange: onChange,
		cfg:      cfg,
		state:    RealtimeState{Status: types.StatusDisconnected},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State returns the current snapshot.
func (b *RealtimeBinding) State() RealtimeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetConfig applies a new session configuration. An instructions-only
// change patches the live session in place. A change of model, voice or
// temperature disconnects the current session; the caller reconnects when
// ready.
func (b *RealtimeBinding) SetConfig(cfg types.SessionConfig) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	prev := b.cfg
	session := b.session
	b.cfg = cfg
	sameInstance := prev.SameInstance(cfg)
	b.mu.Unlock()

	if session == nil {
		return
	}
	if sameInstance {
		if prev.Instructions != cfg.Instructions {
			session.UpdateInstructions(cfg.Instructions)
		}
		return
	}

	session.Disconnect()
	b.mu.Lock()
	b.session = nil
	b.mu.Unlock()
}

// Connect establishes the session for the current configuration. It fails
// fast without touching the network when no API key is configured.
func (b *RealtimeBinding) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return core.NewInvalidRequestError("binding is closed")
	}
	if !b.client.HasAPIKey() {
		b.mu.Unlock()
		err := core.NewAuthenticationError("no API key configured")
		b.publish(func(st *RealtimeState) {
			st.Status = types.StatusError
			st.Err = err
		})
		return err
	}
	session := b.session
	if session == nil {
		session = b.client.Realtime.NewSession(b.cfg, b.callbacks(), b.sessionOpts...)
		b.session = session
	}
	b.mu.Unlock()

	return session.Connect(ctx)
}

// Disconnect tears down the live session. The transcript survives so a
// later session starts with history intact in the published state.
func (b *RealtimeBinding) Disconnect() {
	b.mu.Lock()
	session := b.session
	b.session = nil
	b.mu.Unlock()
	if session != nil {
		session.Disconnect()
	}
	b.publish(func(st *RealtimeState) {
		st.Status = types.StatusDisconnected
		st.IsConnected = false
		st.IsConnecting = false
		st.IsRecording = false
		st.IsSpeaking = false
		st.IsListening = false
		st.Transcription = ""
	})
}

// Close disconnects and permanently retires the binding.
func (b *RealtimeBinding) Close() {
	b.Disconnect()
	b.mu.Lock()
	b.closed = true
	b.onChange = nil
	b.mu.Unlock()
}

// StartRecording begins streaming microphone audio.
func (b *RealtimeBinding) StartRecording() {
	if s := b.currentSession(); s != nil {
		s.StartRecording()
		b.publish(func(st *RealtimeState) { st.IsRecording = s.IsRecording() })
	}
}

// StopRecording stops streaming and requests a response.
func (b *RealtimeBinding) StopRecording() {
	if s := b.currentSession(); s != nil {
		s.StopRecording()
		b.publish(func(st *RealtimeState) { st.IsRecording = false })
	}
}

// SendText injects a typed message into the voice conversation.
func (b *RealtimeBinding) SendText(text string) {
	if s := b.currentSession(); s != nil {
		s.SendText(text)
	}
}

// CancelResponse interrupts the in-progress assistant response.
func (b *RealtimeBinding) CancelResponse() {
	if s := b.currentSession(); s != nil {
		s.CancelResponse()
	}
}

// UpdateInstructions patches the live session's instructions.
func (b *RealtimeBinding) UpdateInstructions(instructions string) {
	b.mu.Lock()
	b.cfg.Instructions = instructions
	session := b.session
	b.mu.Unlock()
	if session != nil {
		session.UpdateInstructions(instructions)
	}
}

// ClearMessages drops the transcript from the session and the state.
func (b *RealtimeBinding) ClearMessages() {
	if s := b.currentSession(); s != nil {
		s.ClearMessages()
	}
	b.publish(func(st *RealtimeState) {
		st.Messages = nil
		st.Transcription = ""
	})
}

// ClearError clears the published error without touching the connection.
func (b *RealtimeBinding) ClearError() {
	b.publish(func(st *RealtimeState) { st.Err = nil })
}

func (b *RealtimeBinding) currentSession() *RealtimeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

func (b *RealtimeBinding) callbacks() RealtimeCallbacks {
	return RealtimeCallbacks{
		OnStatusChange: func(status types.ConnectionStatus) {
			b.publish(func(st *RealtimeState) {
				st.Status = status
				st.IsConnected = status == types.StatusConnected
				st.IsConnecting = status == types.StatusConnecting
				if !st.IsConnected {
					st.IsRecording = false
					st.IsSpeaking = false
					st.IsListening = false
				}
			})
		},
		OnMessage: func(msg types.Message) {
			b.publish(func(st *RealtimeState) {
				st.Messages = append(st.Messages, msg)
				if msg.Role == types.RoleAssistant {
					st.Transcription = ""
				}
			})
		},
		OnTranscription: func(text string, final bool) {
			b.publish(func(st *RealtimeState) {
				if final {
					st.Transcription = ""
				} else {
					st.Transcription += text
				}
			})
		},
		OnAudioStart: func() {
			b.publish(func(st *RealtimeState) { st.IsSpeaking = true })
		},
		OnAudioEnd: func() {
			b.publish(func(st *RealtimeState) { st.IsSpeaking = false })
		},
		OnSpeechStart: func() {
			b.publish(func(st *RealtimeState) { st.IsListening = true })
		},
		OnSpeechEnd: func() {
			b.publish(func(st *RealtimeState) { st.IsListening = false })
		},
		OnError: func(err error) {
			b.publish(func(st *RealtimeState) { st.Err = err })
		},
	}
}

// publish mutates the state under the lock and delivers the snapshot to
// the observer outside it.
func (b *RealtimeBinding) publish(mutate func(st *RealtimeState)) {
	b.mu.Lock()
	mutate(&b.state)
	snapshot := b.state
	onChange := b.onChange
	b.mu.Unlock()
	if onChange != nil {
		onChange(snapshot)
	}
}
