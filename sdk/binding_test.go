package sprintpilot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vango-go/sprintpilot/pkg/core"
	"github.com/vango-go/sprintpilot/pkg/core/types"
	"github.com/vango-go/sprintpilot/pkg/realtime/protocol"
)

// bindingHarness wires a binding to fake transports and records published
// snapshots.
type bindingHarness struct {
	mu        sync.Mutex
	states    []RealtimeState
	factories int
	transport *fakeTransport
}

func (h *bindingHarness) onChange(st RealtimeState) {
	h.mu.Lock()
	h.states = append(h.states, st)
	h.mu.Unlock()
}

func (h *bindingHarness) factory(s *RealtimeSession) sessionTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.factories++
	h.transport = &fakeTransport{session: s}
	return h.transport
}

func (h *bindingHarness) lastState(t *testing.T) RealtimeState {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.states) == 0 {
		t.Fatal("no state published")
	}
	return h.states[len(h.states)-1]
}

func newBindingHarness(t *testing.T, cfg types.SessionConfig) (*RealtimeBinding, *bindingHarness) {
	t.Helper()
	h := &bindingHarness{}
	client := NewClient(WithAPIKey("test-key"))
	binding := NewRealtimeBinding(client, cfg, h.onChange,
		WithSessionOptions(withTransportFactory(h.factory)))
	return binding, h
}

func TestRealtimeBinding_ConnectPublishesState(t *testing.T) {
	t.Parallel()
	binding, h := newBindingHarness(t, types.SessionConfig{Voice: types.VoiceAlloy})

	if err := binding.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	st := h.lastState(t)
	if !st.IsConnected || st.IsConnecting {
		t.Errorf("state = %+v, want connected", st)
	}
	if got := binding.State().Status; got != types.StatusConnected {
		t.Errorf("Status = %v, want connected", got)
	}
}

func TestRealtimeBinding_NoKeyFailsFast(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	h := &bindingHarness{}
	client := NewClient()
	binding := NewRealtimeBinding(client, types.SessionConfig{}, h.onChange,
		WithSessionOptions(withTransportFactory(h.factory)))

	err := binding.Connect(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrAuthentication {
		t.Fatalf("error = %v, want authentication error", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.factories != 0 {
		t.Error("transport constructed despite missing key")
	}
	if len(h.states) == 0 || h.states[len(h.states)-1].Err == nil {
		t.Error("error not published")
	}
}

func TestRealtimeBinding_InstructionOnlyChangePatchesLiveSession(t *testing.T) {
	t.Parallel()
	cfg := types.SessionConfig{Voice: types.VoiceAlloy, Temperature: 0.7, Instructions: "old"}
	binding, h := newBindingHarness(t, cfg)
	if err := binding.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	next := cfg
	next.Instructions = "new phase context"
	binding.SetConfig(next)

	h.mu.Lock()
	transport := h.transport
	factories := h.factories
	h.mu.Unlock()
	if factories != 1 {
		t.Fatalf("factory invoked %d times, want 1", factories)
	}

	sent := transport.sentEvents()
	last, ok := sent[len(sent)-1].(protocol.SessionUpdate)
	if !ok || last.Session.Instructions != "new phase context" {
		t.Errorf("last event = %v, want instruction patch", sent[len(sent)-1])
	}
	if !binding.State().IsConnected {
		t.Error("instruction change dropped the connection")
	}
}

func TestRealtimeBinding_InstanceChangeReconstructsSession(t *testing.T) {
	t.Parallel()
	cfg := types.SessionConfig{Voice: types.VoiceAlloy}
	binding, h := newBindingHarness(t, cfg)
	if err := binding.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	next := cfg
	next.Voice = types.VoiceEcho
	binding.SetConfig(next)

	h.mu.Lock()
	firstTransport := h.transport
	h.mu.Unlock()
	firstTransport.mu.Lock()
	closed := firstTransport.closed
	firstTransport.mu.Unlock()
	if closed == 0 {
		t.Error("old session not torn down on voice change")
	}

	if err := binding.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect error: %v", err)
	}
	h.mu.Lock()
	factories := h.factories
	h.mu.Unlock()
	if factories != 2 {
		t.Errorf("factory invoked %d times, want 2", factories)
	}
}

func TestRealtimeBinding_MessagesAndTranscriptionFlow(t *testing.T) {
	t.Parallel()
	binding, h := newBindingHarness(t, types.SessionConfig{})
	if err := binding.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	h.mu.Lock()
	transport := h.transport
	h.mu.Unlock()

	transport.deliver(`{"type":"response.audio_transcript.delta","delta":"Wor"}`)
	transport.deliver(`{"type":"response.audio_transcript.delta","delta":"king"}`)
	if got := binding.State().Transcription; got != "Working" {
		t.Errorf("Transcription = %q, want %q", got, "Working")
	}

	transport.deliver(`{"type":"response.audio_transcript.done","transcript":"Working on it"}`)
	st := binding.State()
	if st.Transcription != "" {
		t.Errorf("Transcription = %q, want cleared after completed message", st.Transcription)
	}
	if len(st.Messages) != 1 || st.Messages[0].Content != "Working on it" {
		t.Errorf("Messages = %+v", st.Messages)
	}
}

func TestRealtimeBinding_CloseDisconnects(t *testing.T) {
	t.Parallel()
	binding, h := newBindingHarness(t, types.SessionConfig{})
	if err := binding.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	binding.Close()

	h.mu.Lock()
	transport := h.transport
	h.mu.Unlock()
	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	if closed == 0 {
		t.Error("Close left the transport open")
	}
	if binding.State().Status != types.StatusDisconnected {
		t.Errorf("status = %v, want disconnected", binding.State().Status)
	}
	if err := binding.Connect(context.Background()); err == nil {
		t.Error("Connect after Close succeeded")
	}
}

func TestRealtimeBinding_ClearError(t *testing.T) {
	t.Parallel()
	binding, h := newBindingHarness(t, types.SessionConfig{})
	if err := binding.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	h.mu.Lock()
	transport := h.transport
	h.mu.Unlock()

	transport.deliver(`{"type":"error","error":{"message":"boom"}}`)
	if binding.State().Err == nil {
		t.Fatal("error event not published")
	}
	binding.ClearError()
	if binding.State().Err != nil {
		t.Error("ClearError left the error in place")
	}
	if !binding.State().IsConnected {
		t.Error("ClearError touched the connection")
	}
}
