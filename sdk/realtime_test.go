package sprintpilot

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/sprintpilot/pkg/core"
	"github.com/vango-go/sprintpilot/pkg/core/types"
	"github.com/vango-go/sprintpilot/pkg/realtime/protocol"
)

// fakeTransport satisfies sessionTransport without any networking. It
// records outbound events and lets tests inject inbound ones.
type fakeTransport struct {
	session      *RealtimeSession
	blockConnect bool
	connectErr   error
	sendErr      error

	mu     sync.Mutex
	sent   []any
	closed int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.blockConnect {
		<-ctx.Done()
		return core.NewTransportError("event channel did not open: " + ctx.Err().Error())
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.session.handleChannelOpen()
	return nil
}

func (f *fakeTransport) Send(event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) sentEvents() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) deliver(raw string) {
	f.session.handleServerEvent([]byte(raw))
}

// callbackRecorder captures everything a session emits.
type callbackRecorder struct {
	mu             sync.Mutex
	statuses       []types.ConnectionStatus
	messages       []types.Message
	transcriptions []string
	finals         []bool
	errs           []error
	speechStarts   int
	speechEnds     int
}

func (r *callbackRecorder) callbacks() RealtimeCallbacks {
	return RealtimeCallbacks{
		OnStatusChange: func(status types.ConnectionStatus) {
			r.mu.Lock()
			r.statuses = append(r.statuses, status)
			r.mu.Unlock()
		},
		OnMessage: func(msg types.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, msg)
			r.mu.Unlock()
		},
		OnTranscription: func(text string, final bool) {
			r.mu.Lock()
			r.transcriptions = append(r.transcriptions, text)
			r.finals = append(r.finals, final)
			r.mu.Unlock()
		},
		OnSpeechStart: func() {
			r.mu.Lock()
			r.speechStarts++
			r.mu.Unlock()
		},
		OnSpeechEnd: func() {
			r.mu.Lock()
			r.speechEnds++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func newFakeSession(t *testing.T, rec *callbackRecorder) (*RealtimeSession, *fakeTransport) {
	t.Helper()
	fake := &fakeTransport{}
	client := NewClient(WithAPIKey("test-key"))
	session := client.Realtime.NewSession(types.SessionConfig{
		Voice:        types.VoiceAlloy,
		Instructions: "facilitate the sprint",
		Temperature:  0.7,
	}, rec.callbacks(), withTransportFactory(func(s *RealtimeSession) sessionTransport {
		fake.session = s
		return fake
	}))
	return session, fake
}

func TestRealtimeSession_ConnectSendsSessionConfigFirst(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if !session.IsConnected() {
		t.Fatal("session not connected")
	}

	sent := fake.sentEvents()
	if len(sent) == 0 {
		t.Fatal("no events sent on channel open")
	}
	update, ok := sent[0].(protocol.SessionUpdate)
	if !ok {
		t.Fatalf("first event %T, want protocol.SessionUpdate", sent[0])
	}
	if update.Session.Instructions != "facilitate the sprint" {
		t.Errorf("instructions = %q", update.Session.Instructions)
	}
	if update.Session.Voice != types.VoiceAlloy {
		t.Errorf("voice = %q", update.Session.Voice)
	}
	if update.Session.InputAudioTranscription == nil || update.Session.InputAudioTranscription.Model != protocol.InputTranscriptionModel {
		t.Error("input transcription model not configured")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []types.ConnectionStatus{types.StatusConnecting, types.StatusConnected}
	if len(rec.statuses) != 2 || rec.statuses[0] != want[0] || rec.statuses[1] != want[1] {
		t.Errorf("statuses = %v, want %v", rec.statuses, want)
	}
}

func TestRealtimeSession_ConnectTimesOut(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	fake := &fakeTransport{blockConnect: true}
	client := NewClient(WithAPIKey("test-key"))
	session := client.Realtime.NewSession(types.SessionConfig{}, rec.callbacks(),
		WithConnectTimeout(50*time.Millisecond),
		withTransportFactory(func(s *RealtimeSession) sessionTransport {
			fake.session = s
			return fake
		}))

	start := time.Now()
	err := session.Connect(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("connect blocked for %v", elapsed)
	}
	if session.Status() != types.StatusError {
		t.Errorf("status = %v, want %v", session.Status(), types.StatusError)
	}
}

func TestRealtimeSession_ConnectWithoutKeyFails(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	client := NewClient()
	session := client.Realtime.NewSession(types.SessionConfig{}, RealtimeCallbacks{})

	err := session.Connect(context.Background())
	var coreErr *core.Error
	if !errors.As(err, &coreErr) || coreErr.Type != core.ErrAuthentication {
		t.Fatalf("error = %v, want authentication error", err)
	}
}

func TestRealtimeSession_DisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	session.Disconnect()
	session.Disconnect()
	session.Disconnect()

	if session.Status() != types.StatusDisconnected {
		t.Errorf("status = %v, want disconnected", session.Status())
	}
	fake.mu.Lock()
	closed := fake.closed
	fake.mu.Unlock()
	if closed != 1 {
		t.Errorf("transport closed %d times, want 1", closed)
	}

	// Callbacks are detached on disconnect; late events must be silent.
	fake.deliver(`{"type":"response.audio_transcript.done","transcript":"late"}`)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, msg := range rec.messages {
		if msg.Content == "late" {
			t.Error("message delivered after disconnect")
		}
	}
}

func TestRealtimeSession_DispatchesTranscriptEvents(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	fake.deliver(`{"type":"input_audio_buffer.speech_started"}`)
	fake.deliver(`{"type":"input_audio_buffer.speech_stopped"}`)
	fake.deliver(`{"type":"conversation.item.input_audio_transcription.completed","transcript":"we need a target"}`)
	fake.deliver(`{"type":"response.audio_transcript.delta","delta":"Let's "}`)
	fake.deliver(`{"type":"response.audio_transcript.delta","delta":"map it"}`)
	fake.deliver(`{"type":"response.audio_transcript.done","transcript":"Let's map it"}`)

	messages := session.Messages()
	if len(messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(messages))
	}
	if messages[0].Role != types.RoleUser || messages[0].Content != "we need a target" {
		t.Errorf("messages[0] = %+v", messages[0])
	}
	if messages[1].Role != types.RoleAssistant || messages[1].Content != "Let's map it" {
		t.Errorf("messages[1] = %+v", messages[1])
	}
	if messages[0].ID == messages[1].ID {
		t.Error("messages share an ID")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.speechStarts != 1 || rec.speechEnds != 1 {
		t.Errorf("speech events = %d/%d, want 1/1", rec.speechStarts, rec.speechEnds)
	}
	if len(rec.finals) != 3 || !rec.finals[0] || rec.finals[1] || rec.finals[2] {
		t.Errorf("transcription finals = %v, want [true false false]", rec.finals)
	}
}

func TestRealtimeSession_StopRecordingCommitsThenRequestsResponse(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	session.StartRecording()
	if !session.IsRecording() {
		t.Fatal("recording did not start")
	}
	session.StartRecording() // no-op
	session.StopRecording()
	session.StopRecording() // no-op

	var controls []string
	for _, event := range fake.sentEvents() {
		if ctrl, ok := event.(protocol.Control); ok {
			controls = append(controls, ctrl.Type)
		}
	}
	want := []string{protocol.TypeInputAudioBufferCommit, protocol.TypeResponseCreate}
	if len(controls) != 2 || controls[0] != want[0] || controls[1] != want[1] {
		t.Errorf("control events = %v, want %v", controls, want)
	}
}

func TestRealtimeSession_SendTextOrdersItemBeforeResponse(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	session.SendText("what phase are we in?")

	sent := fake.sentEvents()
	if len(sent) != 3 { // session.update, item.create, response.create
		t.Fatalf("got %d events %v, want 3", len(sent), sent)
	}
	item, ok := sent[1].(protocol.ItemCreate)
	if !ok {
		t.Fatalf("second event %T, want protocol.ItemCreate", sent[1])
	}
	if item.Item.Content[0].Text != "what phase are we in?" {
		t.Errorf("item text = %q", item.Item.Content[0].Text)
	}
	if ctrl, ok := sent[2].(protocol.Control); !ok || ctrl.Type != protocol.TypeResponseCreate {
		t.Errorf("third event = %v, want response.create", sent[2])
	}

	messages := session.Messages()
	if len(messages) != 1 || messages[0].Role != types.RoleUser {
		t.Fatalf("messages = %+v, want one local user entry", messages)
	}
}

func TestRealtimeSession_LateTranscriptAfterCancelStillLands(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	session.CancelResponse()
	fake.deliver(`{"type":"response.audio_transcript.done","transcript":"interrupted thought"}`)

	messages := session.Messages()
	if len(messages) != 1 || messages[0].Content != "interrupted thought" {
		t.Fatalf("messages = %+v, want the late transcript recorded", messages)
	}
}

func TestRealtimeSession_UnknownAndErrorEvents(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	fake.deliver(`{"type":"rate_limits.updated","rate_limits":[]}`)
	if !session.IsConnected() {
		t.Error("unknown event disturbed the session")
	}
	if got := session.Messages(); len(got) != 0 {
		t.Errorf("messages = %+v, want none", got)
	}

	fake.deliver(`{"type":"error","error":{"message":"session expired","code":"session_expired"}}`)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(rec.errs))
	}
	var coreErr *core.Error
	if !errors.As(rec.errs[0], &coreErr) || coreErr.Type != core.ErrRemote || coreErr.Code != "session_expired" {
		t.Errorf("error = %v, want remote error with code", rec.errs[0])
	}
}

func TestRealtimeSession_UpdateInstructionsPatchesLiveSession(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	session.UpdateInstructions("new phase context")

	sent := fake.sentEvents()
	last, ok := sent[len(sent)-1].(protocol.SessionUpdate)
	if !ok {
		t.Fatalf("last event %T, want protocol.SessionUpdate", sent[len(sent)-1])
	}
	if last.Session.Instructions != "new phase context" {
		t.Errorf("instructions = %q", last.Session.Instructions)
	}
	if last.Session.Voice != "" || last.Session.InputAudioTranscription != nil {
		t.Error("instruction patch carried full session config")
	}
	if session.Config().Instructions != "new phase context" {
		t.Error("stored configuration not updated")
	}
}

func TestRealtimeSession_EventChannelFailureSurfacesError(t *testing.T) {
	t.Parallel()
	rec := &callbackRecorder{}
	session, fake := newFakeSession(t, rec)
	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	fake.mu.Lock()
	fake.sendErr = errors.New("data channel torn down")
	fake.mu.Unlock()

	session.SendText("are we still live?")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) == 0 {
		t.Fatal("no error surfaced for the broken event channel")
	}
	var coreErr *core.Error
	if !errors.As(rec.errs[0], &coreErr) || coreErr.Type != core.ErrChannel {
		t.Errorf("error = %v, want channel error", rec.errs[0])
	}
	if session.Status() != types.StatusConnected {
		t.Error("channel failure must not tear the media session down")
	}
}

// ctxCapture records the context its capture session was started with.
type ctxCapture struct {
	mu  sync.Mutex
	ctx context.Context
}

func (c *ctxCapture) Start(ctx context.Context, format CaptureFormat) (CaptureSession, error) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	return io.NopCloser(strings.NewReader("")), nil
}

func (c *ctxCapture) startCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

// capturingTransport opens the session's microphone during Connect, the way
// the real transports do.
type capturingTransport struct {
	fakeTransport
}

func (c *capturingTransport) Connect(ctx context.Context) error {
	format := CaptureFormat{Encoding: EncodingPCM16, SampleRate: wsSampleRate, Channels: 1}
	if _, err := c.session.acquireCapture(ctx, format); err != nil {
		return err
	}
	c.session.handleChannelOpen()
	return nil
}

func TestRealtimeSession_CaptureOutlivesConnectDeadline(t *testing.T) {
	t.Parallel()
	mic := &ctxCapture{}
	fake := &capturingTransport{}
	client := NewClient(WithAPIKey("test-key"))
	session := client.Realtime.NewSession(types.SessionConfig{
		Voice: types.VoiceAlloy,
	}, RealtimeCallbacks{},
		WithCapture(mic),
		withTransportFactory(func(s *RealtimeSession) sessionTransport {
			fake.session = s
			return fake
		}))

	if err := session.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer session.Disconnect()

	ctx := mic.startCtx()
	if ctx == nil {
		t.Fatal("capture never started")
	}
	if err := ctx.Err(); err != nil {
		t.Fatalf("capture context cancelled after successful connect: %v", err)
	}
	if _, ok := ctx.Deadline(); ok {
		t.Error("capture context carries the connect deadline")
	}
}
