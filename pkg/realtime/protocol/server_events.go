package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ServerEvent is a decoded inbound event from the realtime endpoint.
type ServerEvent interface {
	serverEventType() string
}

// SessionCreatedEvent confirms the remote session exists.
type SessionCreatedEvent struct {
	Session json.RawMessage
}

func (e SessionCreatedEvent) serverEventType() string { return "session.created" }

// SpeechStartedEvent signals that the endpoint detected user speech.
type SpeechStartedEvent struct{}

func (e SpeechStartedEvent) serverEventType() string { return "input_audio_buffer.speech_started" }

// SpeechStoppedEvent signals the end of detected user speech.
type SpeechStoppedEvent struct{}

func (e SpeechStoppedEvent) serverEventType() string { return "input_audio_buffer.speech_stopped" }

// InputTranscriptionCompletedEvent carries the finalized transcript of a
// spoken user utterance.
type InputTranscriptionCompletedEvent struct {
	Transcript string
}

func (e InputTranscriptionCompletedEvent) serverEventType() string {
	return "conversation.item.input_audio_transcription.completed"
}

// AudioTranscriptDeltaEvent carries an incremental fragment of the
// assistant's spoken-reply transcript.
type AudioTranscriptDeltaEvent struct {
	Delta string
}

func (e AudioTranscriptDeltaEvent) serverEventType() string { return "response.audio_transcript.delta" }

// AudioTranscriptDoneEvent carries the complete assistant reply transcript.
type AudioTranscriptDoneEvent struct {
	Transcript string
}

func (e AudioTranscriptDoneEvent) serverEventType() string { return "response.audio_transcript.done" }

// AudioDeltaEvent carries one base64 PCM16 playback chunk. The WebRTC
// transport receives audio on the media track instead and sees this event
// with an empty Delta.
type AudioDeltaEvent struct {
	Delta string
}

func (e AudioDeltaEvent) serverEventType() string { return "response.audio.delta" }

// AudioDoneEvent marks the end of assistant audio playback.
type AudioDoneEvent struct{}

func (e AudioDoneEvent) serverEventType() string { return "response.audio.done" }

// ErrorEvent carries an error reported by the endpoint.
type ErrorEvent struct {
	Message string
	Code    string
}

func (e ErrorEvent) serverEventType() string { return "error" }

// UnknownEvent preserves inbound event kinds this client does not handle.
// Callers log and ignore it; the wire protocol may emit server-internal
// events irrelevant to the client.
type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) serverEventType() string { return e.Type }

// Decode parses one inbound frame into its typed variant. Unrecognized event
// kinds decode to UnknownEvent; only a frame without a usable envelope is an
// error.
func Decode(data []byte) (ServerEvent, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, fmt.Errorf("event frame missing type")
	}

	switch typ {
	case "session.created":
		var frame struct {
			Session json.RawMessage `json:"session"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode session.created: %w", err)
		}
		return SessionCreatedEvent{Session: frame.Session}, nil
	case "input_audio_buffer.speech_started":
		return SpeechStartedEvent{}, nil
	case "input_audio_buffer.speech_stopped":
		return SpeechStoppedEvent{}, nil
	case "conversation.item.input_audio_transcription.completed":
		var frame struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode input transcription: %w", err)
		}
		return InputTranscriptionCompletedEvent{Transcript: frame.Transcript}, nil
	case "response.audio_transcript.delta":
		var frame struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode transcript delta: %w", err)
		}
		return AudioTranscriptDeltaEvent{Delta: frame.Delta}, nil
	case "response.audio_transcript.done":
		var frame struct {
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode transcript done: %w", err)
		}
		return AudioTranscriptDoneEvent{Transcript: frame.Transcript}, nil
	case "response.audio.delta":
		var frame struct {
			Delta string `json:"delta"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode audio delta: %w", err)
		}
		return AudioDeltaEvent{Delta: frame.Delta}, nil
	case "response.audio.done":
		return AudioDoneEvent{}, nil
	case "error":
		var frame struct {
			Error struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, fmt.Errorf("decode error event: %w", err)
		}
		return ErrorEvent{Message: frame.Error.Message, Code: frame.Error.Code}, nil
	default:
		return UnknownEvent{
			Type: typ,
			Raw:  append(json.RawMessage(nil), data...),
		}, nil
	}
}
