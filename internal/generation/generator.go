// Package generation defines the text-generation collaborator used for NPC
// dialogue and its provider backends.
package generation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/farmstead/internal/config"
)

// ErrNoCredential reports that the provider credential is not configured.
// It is distinct from transient failures and is never retried.
var ErrNoCredential = errors.New("generation credential not configured")

// ErrMalformedResponse reports a provider response without usable text.
var ErrMalformedResponse = errors.New("malformed generation response")

// Role is the speaker of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role Role
	Text string
}

// Request is a single generation call.
type Request struct {
	// System is the system instruction.
	System string
	// Turns are the prior conversation turns, oldest first.
	Turns []Turn
	// MaxTokens caps the response length.
	MaxTokens int
	// Temperature is the sampling temperature.
	Temperature float64
}

// Generator produces NPC dialogue text.
type Generator interface {
	// Generate returns the generated text, or an error. Implementations return
	// ErrNoCredential (wrapped or bare) when no credential is configured.
	Generate(ctx context.Context, req Request) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, req Request) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Unconfigured is a Generator that always reports ErrNoCredential.
type Unconfigured struct{}

// Generate returns ErrNoCredential.
func (Unconfigured) Generate(context.Context, Request) (string, error) {
	return "", ErrNoCredential
}

// New builds the Generator selected by cfg.Provider.
//
// A missing API key is not a construction error: the returned Generator
// reports ErrNoCredential on every call so the failure surfaces per chat.
//
// Precondition: cfg must have passed config validation; logger must be non-nil.
func New(cfg config.GenerationConfig, logger *zap.Logger) (Generator, error) {
	if cfg.Provider != config.ProviderNone && cfg.APIKey == "" {
		logger.Warn("generation credential not configured; NPC dialogue will use fallback lines",
			zap.String("provider", cfg.Provider),
		)
		return Unconfigured{}, nil
	}

	switch cfg.Provider {
	case config.ProviderAnthropic:
		return NewAnthropic(cfg), nil
	case config.ProviderOpenAI:
		return NewOpenAI(cfg), nil
	case config.ProviderNone:
		return Unconfigured{}, nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}
