package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"autochat/internal/dispatch"
	logx "autochat/pkg/logx"
)

const defaultSystemPrompt = `You are a participant in a group chat. Write the next message of the conversation.
Keep it short and natural, in the language of the chat. Reply with the message text only.`

// Config configures the OpenAI-compatible generator.
type Config struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
}

// completer is the subset of *openai.Client used here.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Generator writes the next chat message from recent history. It implements
// dispatch.Delegate: Trigger starts a completion in the background and
// Generated waits for its result.
type Generator struct {
	client  completer
	cfg     Config
	history *History
	box     *dispatch.InputBox
	log     logx.Logger
}

func New(cfg Config, history *History, log logx.Logger) *Generator {
	oc := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return newWithClient(openai.NewClientWithConfig(oc), cfg, history, log)
}

func newWithClient(c completer, cfg Config, history *History, log logx.Logger) *Generator {
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	if history == nil {
		history = NewHistory(0)
	}
	return &Generator{
		client:  c,
		cfg:     cfg,
		history: history,
		box:     dispatch.NewInputBox(),
		log:     log.With(logx.String("comp", "generate"), logx.String("model", cfg.Model)),
	}
}

func (g *Generator) History() *History { return g.history }

// Trigger starts generation bounded by ctx. hint is the rendered template;
// the model may use it as a topic nudge.
func (g *Generator) Trigger(ctx context.Context, hint string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	round := g.box.Reset()
	req := g.request(hint)
	go func() {
		text, err := g.complete(ctx, req)
		if err == nil && text == "" {
			err = dispatch.ErrNoContent
		}
		if err != nil {
			g.log.Warn("generation failed", logx.Err(err))
		}
		if !g.box.SetFor(round, text, err) {
			g.log.Debug("late generation result dropped", logx.Uint64("round", round))
		}
	}()
	return nil
}

// Generated waits for the triggered completion.
func (g *Generator) Generated(ctx context.Context) (string, error) {
	text, err := g.box.Wait(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", dispatch.ErrNoContent
	}
	return text, nil
}

func (g *Generator) request(hint string) openai.ChatCompletionRequest {
	var b strings.Builder
	lines := g.history.Lines()
	if len(lines) > 0 {
		b.WriteString("## Recent chat history\n")
		for _, l := range lines {
			from := l.From
			if l.IsBot {
				from += " (you)"
			}
			fmt.Fprintf(&b, "%s: %s\n", from, l.Text)
		}
		b.WriteString("\n")
	}
	if strings.TrimSpace(hint) != "" {
		fmt.Fprintf(&b, "## Suggested message\n%s\n\n", hint)
	}
	b.WriteString("Write the next message.")

	return openai.ChatCompletionRequest{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: b.String()},
		},
		Temperature: g.cfg.Temperature,
		MaxTokens:   g.cfg.MaxTokens,
	}
}

func (g *Generator) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
