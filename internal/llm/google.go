package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/tbourn/treebot/internal/domain"
)

// Google adapts the Gemini API.
type Google struct {
	client *genai.Client
}

// NewGoogle builds an adapter bound to apiKey; baseURL may be empty.
func NewGoogle(ctx context.Context, apiKey, baseURL string) (*Google, error) {
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Google{client: c}, nil
}

// Stream implements Client.
func (g *Google) Stream(ctx context.Context, req Request, emit func(Event) error) (*Result, error) {
	contents, cfg, err := geminiRequest(req)
	if err != nil {
		return nil, err
	}
	var acc accumulator
	for resp, err := range g.client.Models.GenerateContentStream(ctx, req.Model, contents, cfg) {
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		for _, ev := range geminiEvents(resp) {
			acc.add(ev)
			if err := emit(ev); err != nil {
				return nil, err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return acc.result(), nil
}

// Generate implements Client.
func (g *Google) Generate(ctx context.Context, req Request) (*Result, error) {
	contents, cfg, err := geminiRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	var acc accumulator
	for _, ev := range geminiEvents(resp) {
		acc.add(ev)
	}
	return acc.result(), nil
}

func geminiEvents(resp *genai.GenerateContentResponse) []Event {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var out []Event
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Text == "" {
			continue
		}
		t := EventText
		if p.Thought {
			t = EventReasoning
		}
		out = append(out, Event{Type: t, Delta: p.Text})
	}
	return out
}

func geminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	contents, err := geminiContents(req.Messages)
	if err != nil {
		return nil, nil, err
	}
	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Options.ThinkingLevel != "" {
		cfg.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: true,
			ThinkingLevel:   genai.ThinkingLevel(req.Options.ThinkingLevel),
		}
	}
	if req.Tools.WebSearch {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return contents, cfg, nil
}

// geminiContents converts stored messages. Assistant turns become "model"
// turns; reasoning parts are not replayed; file parts must be data URLs.
func geminiContents(in []domain.Message) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(in))
	for _, m := range in {
		var role genai.Role
		switch m.Role {
		case domain.RoleUser:
			role = genai.RoleUser
		case domain.RoleAssistant:
			role = genai.RoleModel
		default:
			continue
		}
		parts := make([]*genai.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case domain.PartText:
				if p.Text != "" {
					parts = append(parts, genai.NewPartFromText(p.Text))
				}
			case domain.PartFile:
				if !strings.HasPrefix(p.URL, "data:") {
					return nil, fmt.Errorf("%w: %s was not inlined", ErrUnsupportedAttachment, p.Filename)
				}
				mt, data, err := DecodeDataURL(p.URL)
				if err != nil {
					return nil, err
				}
				if p.MediaType != "" {
					mt = p.MediaType
				}
				parts = append(parts, genai.NewPartFromBytes(data, mt))
			}
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, genai.NewContentFromParts(parts, role))
	}
	return out, nil
}
