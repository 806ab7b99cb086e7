package types

// SessionConfig configures one realtime voice session.
type SessionConfig struct {
	Model        string  `json:"model"`
	Voice        string  `json:"voice"`
	Instructions string  `json:"instructions"`
	Temperature  float64 `json:"temperature"`
}

// Voices supported by the realtime endpoint.
const (
	VoiceAlloy   = "alloy"
	VoiceEcho    = "echo"
	VoiceFable   = "fable"
	VoiceOnyx    = "onyx"
	VoiceNova    = "nova"
	VoiceShimmer = "shimmer"
)

// SameInstance reports whether two configs describe the same stateful session
// instance. Instruction text is excluded: it can be patched on a live session,
// while model, voice, and temperature require a reconnect.
func (c SessionConfig) SameInstance(other SessionConfig) bool {
	return c.Model == other.Model &&
		c.Voice == other.Voice &&
		c.Temperature == other.Temperature
}

// ConnectionStatus describes the lifecycle of a realtime session. Exactly one
// status is active at a time; transitions are driven only by session
// lifecycle events.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)
