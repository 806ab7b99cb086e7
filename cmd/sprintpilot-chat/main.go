// Command sprintpilot-chat is a terminal front end for the design sprint
// facilitator: streamed text chat by default, with an optional voice mode
// over the realtime transport.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/vango-go/sprintpilot/internal/dotenv"
	"github.com/vango-go/sprintpilot/pkg/audio"
	"github.com/vango-go/sprintpilot/pkg/core/types"
	sprintpilot "github.com/vango-go/sprintpilot/sdk"
)

const defaultTurnTimeout = 90 * time.Second

type chatConfig struct {
	APIKey        string
	ChatModel     string
	RealtimeModel string
	Voice         string
	Temperature   float64
	MaxTokens     int
	Phase         string
	UserName      string
	UserRole      string
	UserOrg       string
	Problem       string
	UseWebSocket  bool
}

func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := chatConfig{}
	fs := flag.NewFlagSet("sprintpilot-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ChatModel, "model", sprintpilot.DefaultChatModel, "completion model for text turns")
	fs.StringVar(&cfg.RealtimeModel, "realtime-model", sprintpilot.DefaultRealtimeModel, "realtime model for voice mode")
	fs.StringVar(&cfg.Voice, "voice", types.VoiceAlloy, "assistant voice for voice mode")
	fs.Float64Var(&cfg.Temperature, "temperature", 0.7, "sampling temperature")
	fs.IntVar(&cfg.MaxTokens, "max-tokens", 500, "max output tokens per text turn")
	fs.StringVar(&cfg.Phase, "phase", "Understand", "starting sprint phase")
	fs.StringVar(&cfg.UserName, "name", "", "participant name")
	fs.StringVar(&cfg.UserRole, "role", "", "participant role")
	fs.StringVar(&cfg.UserOrg, "org", "", "participant organization")
	fs.StringVar(&cfg.Problem, "problem", "", "sprint challenge (leave empty to define it in chat)")
	fs.BoolVar(&cfg.UseWebSocket, "websocket", false, "use the websocket transport for voice mode")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}
	cfg.APIKey = strings.TrimSpace(getenv("OPENAI_API_KEY"))

	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func validateChatConfig(cfg chatConfig) error {
	if cfg.APIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.ChatModel) == "" {
		return errors.New("model must not be empty")
	}
	if cfg.MaxTokens <= 0 {
		return errors.New("max-tokens must be > 0")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return errors.New("temperature must be between 0 and 2")
	}
	if lookupPhase(cfg.Phase) == nil {
		names := make([]string, len(types.DefaultPhases))
		for i, p := range types.DefaultPhases {
			names[i] = p.Name
		}
		return fmt.Errorf("unknown phase %q (one of %s)", cfg.Phase, strings.Join(names, ", "))
	}
	return nil
}

func lookupPhase(name string) *types.Phase {
	for i := range types.DefaultPhases {
		if strings.EqualFold(types.DefaultPhases[i].Name, name) {
			return &types.DefaultPhases[i]
		}
	}
	return nil
}

func main() {
	_ = dotenv.Load()

	cfg, err := parseChatConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sprintpilot-chat: %v\n", err)
		os.Exit(2)
	}

	if err := run(context.Background(), cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "sprintpilot-chat: %v\n", err)
		os.Exit(1)
	}
}

// printer serializes terminal output from the chat callbacks and the input
// loop, and tracks the partial reply so streamed text prints as it grows.
type printer struct {
	mu          sync.Mutex
	out         io.Writer
	lastPartial string

	status *color.Color
	warn   *color.Color
	robot  *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:    out,
		status: color.New(color.FgCyan),
		warn:   color.New(color.FgYellow),
		robot:  color.New(color.FgGreen),
	}
}

func (p *printer) statusf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) warnf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warn.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) assistant(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.robot.Fprint(p.out, "assistant> ")
	fmt.Fprintln(p.out, text)
}

// streamPartial prints only the new suffix of the accumulated reply.
func (p *printer) streamPartial(partial string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if partial == "" {
		return
	}
	if p.lastPartial == "" {
		p.robot.Fprint(p.out, "assistant> ")
	}
	if strings.HasPrefix(partial, p.lastPartial) {
		fmt.Fprint(p.out, partial[len(p.lastPartial):])
	}
	p.lastPartial = partial
}

func (p *printer) endStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastPartial != "" {
		fmt.Fprintln(p.out)
		p.lastPartial = ""
	}
}

func run(ctx context.Context, cfg chatConfig, in io.Reader, out, errOut io.Writer) error {
	client := sprintpilot.NewClient(sprintpilot.WithAPIKey(cfg.APIKey))
	p := newPrinter(out)

	phase := *lookupPhase(cfg.Phase)
	var user *types.User
	if cfg.UserName != "" {
		user = &types.User{Name: cfg.UserName, Role: cfg.UserRole, Organization: cfg.UserOrg}
	}

	sessionOpts := []sprintpilot.SessionOption{
		sprintpilot.WithSink(audio.NewOtoSink()),
	}
	if cfg.UseWebSocket {
		sessionOpts = append(sessionOpts,
			sprintpilot.WithWebSocketTransport(),
			sprintpilot.WithCapture(audio.NewMalgoCapture()))
	} else {
		sessionOpts = append(sessionOpts,
			sprintpilot.WithCapture(audio.NewFFmpegCapture("")))
	}

	var streaming bool
	chat := sprintpilot.NewChatSession(client, sprintpilot.ChatConfig{
		ChatModel: cfg.ChatModel,
		Realtime: types.SessionConfig{
			Model:       cfg.RealtimeModel,
			Voice:       cfg.Voice,
			Temperature: cfg.Temperature,
		},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		User:        user,
		Phase:       phase,
		Problem:     cfg.Problem,
		UpdateProblem: func(problem string) {
			p.statusf("sprint challenge set: %s", problem)
		},
		OnChange: func(st sprintpilot.ChatState) {
			switch {
			case st.Streaming:
				streaming = true
				p.streamPartial(st.Partial)
			case streaming:
				streaming = false
				p.endStream()
			}
			if st.Voice.Err != nil {
				p.warnf("voice error: %v", st.Voice.Err)
			}
		},
		SessionOptions: sessionOpts,
	})
	defer chat.Close()

	if welcome := chat.Welcome(); welcome != "" {
		p.assistant(welcome)
	}
	p.statusf("commands: /phase:<name> /voice /text /record /status /quit")

	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "you> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, "you> ")
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if handled := handleCommand(ctx, line, chat, p); handled {
			fmt.Fprint(out, "you> ")
			continue
		}

		turnCtx, cancel := context.WithTimeout(ctx, defaultTurnTimeout)
		err := chat.Send(turnCtx, line)
		cancel()
		if err != nil {
			if errors.Is(err, sprintpilot.ErrTurnInFlight) {
				p.warnf("still replying, try again in a moment")
			} else {
				fmt.Fprintf(errOut, "send error: %v\n", err)
			}
		}
		fmt.Fprint(out, "you> ")
	}
	return scanner.Err()
}

func handleCommand(ctx context.Context, line string, chat *sprintpilot.ChatSession, p *printer) bool {
	switch {
	case strings.HasPrefix(line, "/phase:"):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/phase:"))
		phase := lookupPhase(name)
		if phase == nil {
			p.warnf("unknown phase %q", name)
			return true
		}
		chat.SetPhase(*phase)
		p.statusf("phase: %s - %s", phase.Name, phase.Description)
		p.assistant(sprintpilot.PhaseHelp(phase.Name))
		return true
	case line == "/voice":
		if err := chat.EnterVoiceMode(ctx); err != nil {
			p.warnf("voice mode failed: %v", err)
			return true
		}
		p.statusf("voice mode on, /record to talk")
		return true
	case line == "/text":
		chat.ExitVoiceMode()
		p.statusf("text mode")
		return true
	case line == "/record":
		st := chat.State()
		if !st.Voice.IsConnected {
			p.warnf("not in voice mode, /voice first")
			return true
		}
		if st.Voice.IsRecording {
			chat.StopRecording()
			p.statusf("stopped, waiting for the reply")
		} else {
			chat.StartRecording()
			p.statusf("recording, /record again to stop")
		}
		return true
	case line == "/status":
		sprint := chat.Sprint()
		p.statusf("mode=%s day=%d challenge=%v messages=%d streaming=%v",
			chat.Mode(), sprint.Day, sprint.HasProblem(), len(chat.Messages()), chat.IsStreaming())
		return true
	default:
		return false
	}
}
