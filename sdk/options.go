package sprintpilot

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the bearer API key used by both backends.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithBaseURL overrides the completions API base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.apiBaseURL = url
	}
}

// WithRealtimeBaseURL overrides the realtime signaling base URL.
func WithRealtimeBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.realtimeBaseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// WithTracer sets the OpenTelemetry tracer for the client.
func WithTracer(t trace.Tracer) ClientOption {
	return func(c *Client) {
		c.tracer = t
	}
}
