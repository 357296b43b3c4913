package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/cory-johannsen/farmstead/internal/config"
)

// Anthropic generates dialogue through the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
	model  anthropic.Model
	hasKey bool
}

// NewAnthropic creates an Anthropic backend. The SDK's automatic retries are
// disabled so a failing call degrades to a fallback line promptly.
//
// Postcondition: Returns a non-nil *Anthropic.
func NewAnthropic(cfg config.GenerationConfig) *Anthropic {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(cfg.Model),
		hasKey: cfg.APIKey != "",
	}
}

// Generate sends req as a Messages API call and joins the text blocks of the reply.
func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	if !a.hasKey {
		return "", ErrNoCredential
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.Turns))
	for _, t := range req.Turns {
		switch t.Role {
		case RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))
		case RoleAssistant:
			// The API requires the conversation to open with a user turn.
			if len(msgs) == 0 {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
		}
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("anthropic: no user turn to answer: %w", ErrMalformedResponse)
	}

	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   int64(req.MaxTokens),
		Messages:    msgs,
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("anthropic: empty content: %w", ErrMalformedResponse)
	}
	return text, nil
}
