// Package llm wraps the completion model behind a small client and prices
// its token usage deterministically.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/answerdesk/answerdesk/internal/log"
	"github.com/answerdesk/answerdesk/internal/prompt"
)

// ErrUpstreamTimeout is returned when the model does not answer within the
// configured deadline. Check with errors.Is.
var ErrUpstreamTimeout = errors.New("upstream model timed out")

// Usage is the token accounting of one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the result of one model call.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// ClientConfig holds model call parameters.
type ClientConfig struct {
	Model           string
	Temperature     float64
	MaxOutputTokens int
	Timeout         time.Duration
}

// Client produces completions through genkit. The provider behind the model
// name (OpenAI, Google AI, Ollama) is configured at genkit initialization.
type Client struct {
	g      *genkit.Genkit
	cfg    ClientConfig
	logger log.Logger
}

// NewClient creates a completion client.
func NewClient(g *genkit.Genkit, cfg ClientConfig, logger log.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		g:      g,
		cfg:    cfg,
		logger: logger.With("component", "llm"),
	}
}

// Complete sends the assembled messages to the model and returns its answer
// with token usage. Deadline overruns are reported as ErrUpstreamTimeout.
func (c *Client) Complete(ctx context.Context, msgs []prompt.Message) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	opts := []ai.GenerateOption{
		ai.WithModelName(c.cfg.Model),
		ai.WithConfig(&ai.GenerationCommonConfig{
			Temperature:     c.cfg.Temperature,
			MaxOutputTokens: c.cfg.MaxOutputTokens,
		}),
	}

	var userMsgs []*ai.Message
	for _, m := range msgs {
		switch m.Role {
		case prompt.RoleSystem:
			opts = append(opts, ai.WithSystem(m.Content))
		case prompt.RoleUser:
			userMsgs = append(userMsgs, ai.NewUserMessage(ai.NewTextPart(m.Content)))
		}
	}
	opts = append(opts, ai.WithMessages(userMsgs...))

	start := time.Now()
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, c.cfg.Timeout)
		}
		return nil, fmt.Errorf("generate completion: %w", err)
	}

	completion := &Completion{
		Text:  resp.Text(),
		Model: c.cfg.Model,
	}
	if resp.Usage != nil {
		completion.Usage = Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}

	c.logger.Debug("completion",
		"model", c.cfg.Model,
		"prompt_tokens", completion.Usage.PromptTokens,
		"completion_tokens", completion.Usage.CompletionTokens,
		"latency", time.Since(start))

	return completion, nil
}
