// Package protocol defines the JSON events exchanged with the realtime voice
// endpoint over the session event channel. Both transports (WebRTC data
// channel and WebSocket) speak this protocol unchanged.
package protocol

// Outbound event type tags.
const (
	TypeSessionUpdate          = "session.update"
	TypeInputAudioBufferCommit = "input_audio_buffer.commit"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
	TypeConversationItemCreate = "conversation.item.create"
)

// InputTranscriptionModel is the transcription model requested for user audio.
const InputTranscriptionModel = "whisper-1"

// SessionUpdate patches the remote session configuration. The initial update
// after channel open carries the full configuration; later updates may carry
// only the instructions.
type SessionUpdate struct {
	Type    string       `json:"type"`
	Session SessionPatch `json:"session"`
}

// SessionPatch is the body of a session.update event.
type SessionPatch struct {
	Instructions            string               `json:"instructions"`
	Voice                   string               `json:"voice,omitempty"`
	Modalities              []string             `json:"modalities,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	Temperature             *float64             `json:"temperature,omitempty"`
}

// TranscriptionConfig selects the model used to transcribe user audio.
type TranscriptionConfig struct {
	Model string `json:"model"`
}

// NewSessionUpdate builds the full initial session configuration event.
func NewSessionUpdate(instructions, voice string, temperature float64) SessionUpdate {
	return SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionPatch{
			Instructions:            instructions,
			Voice:                   voice,
			Modalities:              []string{"text", "audio"},
			InputAudioTranscription: &TranscriptionConfig{Model: InputTranscriptionModel},
			Temperature:             &temperature,
		},
	}
}

// NewInstructionsUpdate builds an instruction-only session patch.
func NewInstructionsUpdate(instructions string) SessionUpdate {
	return SessionUpdate{
		Type:    TypeSessionUpdate,
		Session: SessionPatch{Instructions: instructions},
	}
}

// Control is a bare typed event with no payload (buffer commit, response
// create/cancel).
type Control struct {
	Type string `json:"type"`
}

// AudioAppend carries one base64-encoded PCM16 capture frame. Only the
// WebSocket transport sends it; WebRTC delivers audio on the media track.
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// NewAudioAppend builds an input_audio_buffer.append event.
func NewAudioAppend(audioB64 string) AudioAppend {
	return AudioAppend{Type: TypeInputAudioBufferAppend, Audio: audioB64}
}

// ItemCreate submits a user conversation item.
type ItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

// Item is the conversation item body.
type Item struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []ItemContent `json:"content"`
}

// ItemContent is one content part of a conversation item.
type ItemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewUserTextItem builds a conversation.item.create event for typed user text.
func NewUserTextItem(text string) ItemCreate {
	return ItemCreate{
		Type: TypeConversationItemCreate,
		Item: Item{
			Type:    "message",
			Role:    "user",
			Content: []ItemContent{{Type: "input_text", Text: text}},
		},
	}
}
