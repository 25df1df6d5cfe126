// Package llm is the model-provider layer: a small client interface with
// OpenAI and Google adapters, the supported model catalog, and the policy
// that turns a conversation's stored parameters into provider options and
// tool bindings.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tbourn/treebot/internal/domain"
)

// ErrUnsupportedAttachment is returned when a message carries a file part the
// target provider cannot accept, or one that was not inlined first.
var ErrUnsupportedAttachment = errors.New("unsupported attachment")

// EventType tags a streamed delta.
type EventType string

const (
	EventText      EventType = "text-delta"
	EventReasoning EventType = "reasoning-delta"
)

// Event is one incremental piece of assistant output.
type Event struct {
	Type  EventType
	Delta string
}

// Options are provider-specific generation knobs.
type Options struct {
	ReasoningEffort string // openai reasoning_effort
	ThinkingLevel   string // google thinkingConfig.thinkingLevel
}

// ToolSet selects hosted tools. The zero value binds nothing.
type ToolSet struct {
	WebSearch bool
}

// Request is one model invocation. Messages must already have attachments
// inlined as data URLs.
type Request struct {
	Model    string
	System   string
	Messages []domain.Message
	Options  Options
	Tools    ToolSet
}

// Result is the completed assistant output.
type Result struct {
	Parts []domain.Part
}

// Text returns the concatenated text parts.
func (r *Result) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range r.Parts {
		if p.Type == domain.PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Client talks to one provider with one credential.
type Client interface {
	// Stream runs a streaming completion, calling emit for every delta. It
	// stops early when ctx is cancelled or emit returns an error.
	Stream(ctx context.Context, req Request, emit func(Event) error) (*Result, error)
	// Generate runs a single non-streaming completion.
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Dialer creates a client for a provider and API key.
type Dialer interface {
	Dial(ctx context.Context, provider domain.Provider, apiKey string) (Client, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, provider domain.Provider, apiKey string) (Client, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, provider domain.Provider, apiKey string) (Client, error) {
	return f(ctx, provider, apiKey)
}

// Endpoints overrides provider base URLs; empty values use the SDK defaults.
type Endpoints struct {
	OpenAIBaseURL string
	GoogleBaseURL string
}

// NewDialer returns the production dialer.
func NewDialer(ep Endpoints) Dialer {
	return DialerFunc(func(ctx context.Context, provider domain.Provider, apiKey string) (Client, error) {
		switch provider {
		case domain.ProviderOpenAI:
			return NewOpenAI(apiKey, ep.OpenAIBaseURL), nil
		case domain.ProviderGoogle:
			return NewGoogle(ctx, apiKey, ep.GoogleBaseURL)
		default:
			return nil, fmt.Errorf("unknown provider %q", provider)
		}
	})
}

// accumulator folds deltas into final parts: reasoning first, then text.
type accumulator struct {
	reasoning strings.Builder
	text      strings.Builder
}

func (a *accumulator) add(ev Event) {
	switch ev.Type {
	case EventReasoning:
		a.reasoning.WriteString(ev.Delta)
	case EventText:
		a.text.WriteString(ev.Delta)
	}
}

func (a *accumulator) result() *Result {
	parts := make([]domain.Part, 0, 2)
	if a.reasoning.Len() > 0 {
		parts = append(parts, domain.Part{Type: domain.PartReasoning, Text: a.reasoning.String()})
	}
	if a.text.Len() > 0 {
		parts = append(parts, domain.Part{Type: domain.PartText, Text: a.text.String()})
	}
	return &Result{Parts: parts}
}
