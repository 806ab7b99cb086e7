package sprintpilot

import (
	"context"
	"strings"
	"sync"

	"github.com/vango-go/sprintpilot/pkg/core"
	"github.com/vango-go/sprintpilot/pkg/core/types"
)

// ErrTurnInFlight is returned by Send while a streamed reply is still in
// progress. Finish or cancel the current turn first.
var ErrTurnInFlight = core.NewInvalidRequestError("a reply is already streaming")

// ChatMode selects which backend a sent message goes to.
type ChatMode string

const (
	ModeText  ChatMode = "text"
	ModeVoice ChatMode = "voice"
)

// ChatState is the observable snapshot of an orchestrated conversation.
type ChatState struct {
	Mode      ChatMode
	Messages  []types.Message
	Streaming bool
	// Partial holds the accumulated streamed reply of the in-flight text
	// turn. It is transient and never stored in Messages.
	Partial string
	Voice   RealtimeState
	Err     error
}

// ChatConfig configures a chat session.
type ChatConfig struct {
	// ChatModel is the completion model for text turns. Defaults to
	// DefaultChatModel.
	ChatModel string
	// Realtime is the voice session configuration. Instructions are derived
	// by the session and overwrite whatever is set here.
	Realtime types.SessionConfig
	// Temperature and MaxTokens apply to text turns.
	Temperature float64
	MaxTokens   int

	User    *types.User
	Phase   types.Phase
	Problem string
	// UpdateProblem is invoked when the user's first message defines the
	// sprint challenge.
	UpdateProblem func(problem string)
	// OnChange receives a snapshot after every state change.
	OnChange func(ChatState)
	// SessionOptions are applied to the voice sessions the chat constructs.
	SessionOptions []SessionOption
}

// ChatSession merges streamed text completions and realtime voice events
// into one ordered, deduplicated transcript scoped to the current sprint
// phase.
type ChatSession struct {
	client      *Client
	chatModel   string
	temperature float64
	maxTokens   int

	updateProblem func(string)
	onChange      func(ChatState)
	sessionOpts   []SessionOption

	mu        sync.Mutex
	mode      ChatMode
	user      *types.User
	phase     types.Phase
	problem   string
	realtime  types.SessionConfig
	binding   *RealtimeBinding
	messages  []types.Message
	seen      map[string]bool
	streaming bool
	partial   string
	voice     RealtimeState
	err       error
	closed    bool
}

// NewChatSession creates an orchestrated conversation starting in text mode.
func NewChatSession(client *Client, cfg ChatConfig) *ChatSession {
	if cfg.ChatModel == "" {
		cfg.ChatModel = DefaultChatModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Problem == "" {
		cfg.Problem = types.DefaultSprintProblem
	}
	return &ChatSession{
		client:        client,
		chatModel:     cfg.ChatModel,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		updateProblem: cfg.UpdateProblem,
		onChange:      cfg.OnChange,
		sessionOpts:   cfg.SessionOptions,
		mode:          ModeText,
		user:          cfg.User,
		phase:         cfg.Phase,
		problem:       cfg.Problem,
		realtime:      cfg.Realtime,
		seen:          make(map[string]bool),
		voice:         RealtimeState{Status: types.StatusDisconnected},
	}
}

// Mode returns the active backend.
func (c *ChatSession) Mode() ChatMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Messages returns a copy of the unified transcript.
func (c *ChatSession) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// IsStreaming reports whether a text reply is in flight.
func (c *ChatSession) IsStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// PartialResponse returns the accumulated streamed reply of the in-flight
// text turn, or "" when no turn is streaming.
func (c *ChatSession) PartialResponse() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.partial
}

// Welcome derives the greeting shown while the transcript is empty: a
// setup prompt without an API key, a challenge-elicitation prompt while
// the sprint problem is still the placeholder, a phase welcome otherwise.
// It returns "" once the transcript has entries.
func (c *ChatSession) Welcome() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) > 0 {
		return ""
	}
	voiceConnected := c.mode == ModeVoice && c.voice.IsConnected
	return WelcomeMessage(c.client.HasAPIKey(), c.user, c.problem, c.phase, voiceConnected)
}

// Instructions renders the system instruction string for the next turn,
// including the current transcript as context.
func (c *ChatSession) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructionsLocked()
}

func (c *ChatSession) instructionsLocked() string {
	return BuildInstructions(c.user, c.problem, c.phase, c.messages)
}

// SetPhase moves the sprint to a new phase. A real change (by name) clears
// the transcript on both backends; setting the same phase again is a
// no-op. An open voice connection survives the transition.
func (c *ChatSession) SetPhase(phase types.Phase) {
	c.mu.Lock()
	if c.phase.Name == phase.Name {
		c.phase = phase
		c.mu.Unlock()
		return
	}
	c.phase = phase
	c.messages = nil
	c.seen = make(map[string]bool)
	c.partial = ""
	binding := c.binding
	voice := c.mode == ModeVoice
	instructions := c.instructionsLocked()
	c.mu.Unlock()

	if binding != nil {
		if voice {
			binding.ClearMessages()
		}
		binding.UpdateInstructions(instructions)
	}
	c.publish()
}

// SetProblem replaces the sprint challenge and refreshes the instructions
// on an open voice session.
func (c *ChatSession) SetProblem(problem string) {
	c.mu.Lock()
	c.problem = problem
	binding := c.binding
	instructions := c.instructionsLocked()
	c.mu.Unlock()
	if binding != nil {
		binding.UpdateInstructions(instructions)
	}
	c.publish()
}

// Problem returns the current sprint challenge.
func (c *ChatSession) Problem() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.problem
}

// Sprint reports the sprint-wide state the conversation is scoped to.
func (c *ChatSession) Sprint() types.SprintState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sprintLocked()
}

func (c *ChatSession) sprintLocked() types.SprintState {
	st := types.SprintState{Problem: c.problem}
	for i, p := range types.DefaultPhases {
		if p.Name == c.phase.Name {
			st.Phase = i
			st.Day = i + 1
			break
		}
	}
	return st
}

// State returns the current orchestrated snapshot.
func (c *ChatSession) State() ChatState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := ChatState{
		Mode:      c.mode,
		Streaming: c.streaming,
		Partial:   c.partial,
		Voice:     c.voice,
		Err:       c.err,
	}
	state.Messages = make([]types.Message, len(c.messages))
	copy(state.Messages, c.messages)
	return state
}

// StartRecording begins streaming microphone audio in voice mode.
func (c *ChatSession) StartRecording() {
	if b := c.currentBinding(); b != nil {
		b.StartRecording()
	}
}

// StopRecording ends the spoken turn and requests a reply.
func (c *ChatSession) StopRecording() {
	if b := c.currentBinding(); b != nil {
		b.StopRecording()
	}
}

// CancelResponse interrupts the in-progress voice reply.
func (c *ChatSession) CancelResponse() {
	if b := c.currentBinding(); b != nil {
		b.CancelResponse()
	}
}

func (c *ChatSession) currentBinding() *RealtimeBinding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.binding
}

// EnterVoiceMode switches to the voice backend and connects. Voice
// messages merge into the same transcript text turns use.
func (c *ChatSession) EnterVoiceMode(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.NewInvalidRequestError("chat session is closed")
	}
	c.mode = ModeVoice
	if c.binding == nil {
		cfg := c.realtime
		cfg.Instructions = c.instructionsLocked()
		c.binding = NewRealtimeBinding(c.client, cfg, c.handleVoiceState, WithSessionOptions(c.sessionOpts...))
	}
	binding := c.binding
	c.mu.Unlock()

	c.publish()
	return binding.Connect(ctx)
}

// ExitVoiceMode switches back to the text backend and disconnects the
// voice session. The transcript is kept; continuity flows through the
// instruction context of the next text turn.
func (c *ChatSession) ExitVoiceMode() {
	c.mu.Lock()
	c.mode = ModeText
	binding := c.binding
	c.binding = nil
	c.mu.Unlock()
	if binding != nil {
		binding.Close()
	}
	c.publish()
}

// Send submits user text to the active backend. While the sprint challenge
// is still the placeholder, the first message's literal text becomes the
// challenge before the turn is dispatched. In text mode the reply streams;
// a second Send during that stream returns ErrTurnInFlight.
func (c *ChatSession) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.NewInvalidRequestError("empty message")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return core.NewInvalidRequestError("chat session is closed")
	}
	if c.streaming {
		c.mu.Unlock()
		return ErrTurnInFlight
	}

	firstChallenge := !c.sprintLocked().HasProblem()
	if firstChallenge {
		c.problem = text
	}
	updateProblem := c.updateProblem
	mode := c.mode
	binding := c.binding
	voiceLive := c.voice.IsConnected
	c.mu.Unlock()

	if firstChallenge {
		if updateProblem != nil {
			updateProblem(text)
		}
		if binding != nil {
			binding.UpdateInstructions(c.Instructions())
		}
	}

	if mode == ModeVoice && binding != nil && voiceLive {
		binding.SendText(text)
		return nil
	}
	return c.sendTextTurn(ctx, text)
}

// sendTextTurn runs one streamed completion turn: record the user message,
// stream the reply into Partial, then append the final assistant message.
// A failed stream discards the partial reply.
func (c *ChatSession) sendTextTurn(ctx context.Context, text string) error {
	c.mu.Lock()
	instructions := c.instructionsLocked()
	history := make([]types.Message, len(c.messages))
	copy(history, c.messages)

	userMsg := types.NewMessage(types.RoleUser, text, false)
	c.appendLocked(userMsg)
	c.streaming = true
	c.partial = ""
	c.mu.Unlock()
	c.publish()

	req := NewChatRequest(c.chatModel, instructions, append(history, userMsg))
	req.Temperature = c.temperature
	req.MaxTokens = c.maxTokens

	stream, err := c.client.Completions.StreamChat(ctx, req)
	if err != nil {
		c.finishTurn("", err)
		return err
	}
	defer stream.Close()

	for snapshot := range stream.Deltas() {
		c.mu.Lock()
		c.partial = snapshot
		c.mu.Unlock()
		c.publish()
	}

	reply := stream.Text()
	if err := stream.Err(); err != nil {
		c.finishTurn("", err)
		return err
	}
	c.finishTurn(reply, nil)
	return nil
}

func (c *ChatSession) finishTurn(reply string, err error) {
	c.mu.Lock()
	c.streaming = false
	c.partial = ""
	c.err = err
	if err == nil && reply != "" {
		c.appendLocked(types.NewMessage(types.RoleAssistant, reply, false))
	}
	c.mu.Unlock()
	if err != nil {
		c.client.logger.Error("text turn failed", "error", err)
	}
	c.publish()
}

// Close tears down the voice backend, if any, and retires the session.
func (c *ChatSession) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	binding := c.binding
	c.binding = nil
	c.onChange = nil
	c.mu.Unlock()
	if binding != nil {
		binding.Close()
	}
}

// handleVoiceState merges voice transcript entries into the unified
// transcript by message ID, so replayed snapshots never duplicate entries.
func (c *ChatSession) handleVoiceState(st RealtimeState) {
	c.mu.Lock()
	c.voice = st
	if st.Err != nil {
		c.err = st.Err
	}
	for _, msg := range st.Messages {
		if !c.seen[msg.ID] {
			c.appendLocked(msg)
		}
	}
	c.mu.Unlock()
	c.publish()
}

// appendLocked adds a message to the transcript, skipping IDs already
// merged. Callers hold c.mu.
func (c *ChatSession) appendLocked(msg types.Message) {
	if c.seen[msg.ID] {
		return
	}
	c.seen[msg.ID] = true
	c.messages = append(c.messages, msg)
}

func (c *ChatSession) publish() {
	c.mu.Lock()
	onChange := c.onChange
	state := ChatState{
		Mode:      c.mode,
		Streaming: c.streaming,
		Partial:   c.partial,
		Voice:     c.voice,
		Err:       c.err,
	}
	state.Messages = make([]types.Message, len(c.messages))
	copy(state.Messages, c.messages)
	c.mu.Unlock()
	if onChange != nil {
		onChange(state)
	}
}
