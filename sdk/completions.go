package sprintpilot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-go/sprintpilot/pkg/core"
	"github.com/vango-go/sprintpilot/pkg/core/types"
)

// CompletionsService streams chat completion turns over SSE.
type CompletionsService struct {
	client *Client
}

// ChatMessage is one turn of a completion request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes a streamed completion turn.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}

// NewChatRequest builds a request with a system prompt followed by the
// conversation history.
func NewChatRequest(model, system string, history []types.Message) ChatRequest {
	msgs := make([]ChatMessage, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, ChatMessage{Role: "system", Content: system})
	}
	for _, m := range history {
		msgs = append(msgs, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return ChatRequest{Model: model, Messages: msgs}
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// ChatStream is one in-flight streamed completion. Deltas delivers the
// accumulated text after each chunk; Text blocks until the stream ends and
// returns the full reply. A stream that fails mid-flight discards its
// partial output.
type ChatStream struct {
	body    io.ReadCloser
	span    trace.Span
	deltas  chan string
	done    chan struct{}
	quit    chan struct{}
	text    string
	err     error
	closed  atomic.Bool
}

// StreamChat starts a streamed completion turn. The returned stream must be
// closed by the caller.
func (svc *CompletionsService) StreamChat(ctx context.Context, req ChatRequest) (*ChatStream, error) {
	client := svc.client
	if !client.HasAPIKey() {
		return nil, core.NewAuthenticationError("no API key configured")
	}
	if len(req.Messages) == 0 {
		return nil, core.NewInvalidRequestError("chat request has no messages")
	}
	if req.Model == "" {
		req.Model = DefaultChatModel
	}
	req.Stream = true

	ctx, span := client.tracer.Start(ctx, "completions.stream",
		trace.WithAttributes(attribute.String("model", req.Model)))

	payload, err := json.Marshal(req)
	if err != nil {
		span.End()
		return nil, core.NewInvalidRequestError("encode request: " + err.Error())
	}

	url := client.apiBaseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		span.End()
		return nil, core.NewInvalidRequestError("build request: " + err.Error())
	}
	httpReq.Header.Set("Authorization", "Bearer "+client.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.httpClient.Do(httpReq)
	if err != nil {
		span.End()
		return nil, &TransportError{Op: "completions", URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		span.End()
		client.logger.Error("completion request rejected", "status", resp.StatusCode)
		return nil, core.NewStreamError(strings.TrimSpace(string(body)), resp.StatusCode)
	}

	s := &ChatStream{
		body:   resp.Body,
		span:   span,
		deltas: make(chan string),
		done:   make(chan struct{}),
		quit:   make(chan struct{}),
	}
	go s.read()
	return s, nil
}

// read consumes the SSE body until [DONE] or failure. Unparseable data
// lines are skipped; only transport-level failures abort the stream.
func (s *ChatStream) read() {
	defer close(s.done)
	defer close(s.deltas)
	defer s.span.End()

	reader := bufio.NewReader(s.body)
	var acc strings.Builder
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.finish(acc.String())
				return
			}
			if !s.closed.Load() {
				s.err = core.NewStreamError("stream interrupted: "+err.Error(), 0)
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			s.finish(acc.String())
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip unparseable chunks
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		acc.WriteString(delta)

		select {
		case s.deltas <- acc.String():
		case <-s.quit:
			return
		}
	}
}

func (s *ChatStream) finish(text string) {
	s.text = text
	if text == "" {
		s.err = core.NewStreamError("stream produced no content", 0)
	}
}

// Deltas returns the channel of accumulated snapshots. It is closed when
// the stream ends.
func (s *ChatStream) Deltas() <-chan string {
	return s.deltas
}

// Text blocks until the stream completes and returns the full reply, or ""
// if the stream failed.
func (s *ChatStream) Text() string {
	<-s.done
	return s.text
}

// Err reports the stream failure, if any, once the stream has ended.
func (s *ChatStream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close abandons the stream and releases the response body. The read
// goroutine exits even when nobody is draining Deltas.
func (s *ChatStream) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.quit)
		return s.body.Close()
	}
	return nil
}
