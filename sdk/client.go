// Package sprintpilot provides the client core of the design-sprint
// facilitator: a realtime voice session client, a streaming chat-completions
// client, a reactive binding for UI hosts, and the chat orchestrator that
// merges both backends into one conversation.
package sprintpilot

import (
	"log/slog"
	"net/http"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultAPIBaseURL      = "https://api.openai.com"
	defaultRealtimeBaseURL = "https://api.openai.com/v1/realtime"

	// DefaultChatModel serves streamed text-mode turns.
	DefaultChatModel = "gpt-4o-mini"
	// DefaultRealtimeModel serves voice sessions.
	DefaultRealtimeModel = "gpt-4o-realtime-preview-2024-12-17"
)

// Client is the main entry point for the facilitator core.
type Client struct {
	Realtime    *RealtimeService
	Completions *CompletionsService

	apiKey          string
	apiBaseURL      string
	realtimeBaseURL string
	httpClient      *http.Client
	logger          *slog.Logger
	tracer          trace.Tracer
}

// NewClient creates a client. The API key falls back to the OPENAI_API_KEY
// environment variable when not set explicitly; a client without a key can
// still be constructed (the binding fails fast on Connect instead).
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		apiBaseURL:      defaultAPIBaseURL,
		realtimeBaseURL: defaultRealtimeBaseURL,
		logger:          slog.Default(),
		tracer:          noop.NewTracerProvider().Tracer("sprintpilot"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.apiKey == "" {
		c.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}

	c.Realtime = &RealtimeService{client: c}
	c.Completions = &CompletionsService{client: c}
	return c
}

// HasAPIKey reports whether a bearer key is configured.
func (c *Client) HasAPIKey() bool {
	return c.apiKey != ""
}

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}
