package llm

import (
	"time"

	"github.com/tbourn/treebot/internal/domain"
)

// SystemPromptBase is the fixed assistant persona.
const SystemPromptBase = "You are a helpful assistant."

// SystemPrompt stamps the persona with the request time.
func SystemPrompt(now time.Time) string {
	return SystemPromptBase + " The current date and time is " + now.UTC().Format("Monday, 2 January 2006 15:04 MST") + "."
}

var googleThinkingLevels = map[string]string{
	"minimal": "MINIMAL",
	"low":     "LOW",
	"medium":  "MEDIUM",
	"high":    "HIGH",
}

// ProviderOptions maps a stored reasoning effort to provider options. An
// empty effort, or a Google effort with no thinking level, yields no options.
func ProviderOptions(provider domain.Provider, effort string) Options {
	if effort == "" {
		return Options{}
	}
	switch provider {
	case domain.ProviderGoogle:
		return Options{ThinkingLevel: googleThinkingLevels[effort]}
	case domain.ProviderOpenAI:
		return Options{ReasoningEffort: effort}
	}
	return Options{}
}

// toolsDisabled lists model/effort pairs that reject hosted tools.
var toolsDisabled = map[string]map[string]bool{
	"gemini-3-flash-preview": {"minimal": true},
}

// ToolsFor returns the hosted tools bound to a turn. Google models get
// search grounding except for the pairs in toolsDisabled. The OpenAI chat
// completions transport has no hosted search, so nothing is bound there.
func ToolsFor(provider domain.Provider, model, effort string) ToolSet {
	if provider != domain.ProviderGoogle {
		return ToolSet{}
	}
	if toolsDisabled[model][effort] {
		return ToolSet{}
	}
	return ToolSet{WebSearch: true}
}

// Title model selection.
const (
	GoogleTitleModel   = "gemini-3-flash-preview"
	GoogleTitleEffort  = "minimal"
	DefaultTitleEffort = "none"
)

// TitleModel picks the cheap model and effort used for title generation.
func TitleModel(provider domain.Provider, conversationModel string) (model, effort string) {
	if provider == domain.ProviderGoogle {
		return GoogleTitleModel, GoogleTitleEffort
	}
	return conversationModel, DefaultTitleEffort
}
