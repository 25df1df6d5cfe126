package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tbourn/treebot/internal/domain"
)

// OpenAI adapts the chat completions API.
type OpenAI struct {
	client *openai.Client
}

// NewOpenAI builds an adapter; baseURL may be empty.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg)}
}

// Stream implements Client.
func (o *OpenAI) Stream(ctx context.Context, req Request, emit func(Event) error) (*Result, error) {
	creq, err := openAIRequest(req)
	if err != nil {
		return nil, err
	}
	creq.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var acc accumulator
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		for _, ev := range []Event{
			{Type: EventReasoning, Delta: delta.ReasoningContent},
			{Type: EventText, Delta: delta.Content},
		} {
			if ev.Delta == "" {
				continue
			}
			acc.add(ev)
			if err := emit(ev); err != nil {
				return nil, err
			}
		}
	}
	return acc.result(), nil
}

// Generate implements Client.
func (o *OpenAI) Generate(ctx context.Context, req Request) (*Result, error) {
	creq, err := openAIRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	var acc accumulator
	if len(resp.Choices) > 0 {
		msg := resp.Choices[0].Message
		acc.add(Event{Type: EventReasoning, Delta: msg.ReasoningContent})
		acc.add(Event{Type: EventText, Delta: msg.Content})
	}
	return acc.result(), nil
}

func openAIRequest(req Request) (openai.ChatCompletionRequest, error) {
	msgs, err := openAIMessages(req.System, req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	return openai.ChatCompletionRequest{
		Model:           req.Model,
		Messages:        msgs,
		ReasoningEffort: req.Options.ReasoningEffort,
	}, nil
}

// openAIMessages converts stored messages. Reasoning parts are not replayed.
// Images travel as data URLs; any other file type is rejected.
func openAIMessages(system string, in []domain.Message) ([]openai.ChatCompletionMessage, error) {
	out := make([]openai.ChatCompletionMessage, 0, len(in)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range in {
		switch m.Role {
		case domain.RoleUser:
			msg, err := openAIUserMessage(m)
			if err != nil {
				return nil, err
			}
			if msg.Content == "" && len(msg.MultiContent) == 0 {
				continue
			}
			out = append(out, msg)
		case domain.RoleAssistant:
			text := m.Text("\n")
			if text == "" {
				continue
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: text})
		case domain.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text("\n")})
		}
	}
	return out, nil
}

func openAIUserMessage(m domain.Message) (openai.ChatCompletionMessage, error) {
	hasFile := false
	for _, p := range m.Parts {
		if p.Type == domain.PartFile {
			hasFile = true
			break
		}
	}
	if !hasFile {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Text("\n")}, nil
	}

	parts := make([]openai.ChatMessagePart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case domain.PartText:
			if p.Text != "" {
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: p.Text})
			}
		case domain.PartFile:
			if !strings.HasPrefix(p.MediaType, "image/") || !strings.HasPrefix(p.URL, "data:") {
				return openai.ChatCompletionMessage{}, fmt.Errorf("%w: %s for openai", ErrUnsupportedAttachment, p.MediaType)
			}
			parts = append(parts, openai.ChatMessagePart{
				Type:     openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{URL: p.URL, Detail: openai.ImageURLDetailAuto},
			})
		}
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}, nil
}
