package llm

import (
	"fmt"
	"strings"

	"github.com/tbourn/treebot/internal/domain"
)

// ReasoningLevel is one selectable reasoning effort.
type ReasoningLevel struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Model describes a supported model.
type Model struct {
	ID                    string           `json:"id"`
	Name                  string           `json:"name"`
	Provider              domain.Provider  `json:"provider"`
	ProviderName          string           `json:"providerName"`
	Reasoning             bool             `json:"reasoning"`
	ReasoningLevels       []ReasoningLevel `json:"reasoningLevels"`
	DefaultReasoningLevel string           `json:"defaultReasoningLevel"`
}

var providerNames = map[domain.Provider]string{
	domain.ProviderGoogle: "Google",
	domain.ProviderOpenAI: "OpenAI",
}

var catalog = []Model{
	{
		ID: "gemini-3-flash-preview", Name: "Gemini 3 Flash Preview", Provider: domain.ProviderGoogle,
		ReasoningLevels: []ReasoningLevel{
			{"minimal", "Minimal"}, {"low", "Low"}, {"medium", "Medium"}, {"high", "High"},
		},
		DefaultReasoningLevel: "high",
	},
	{
		ID: "gemini-3-pro-preview", Name: "Gemini 3 Pro Preview", Provider: domain.ProviderGoogle,
		ReasoningLevels:       []ReasoningLevel{{"low", "Low"}, {"high", "High"}},
		DefaultReasoningLevel: "high",
	},
	{
		ID: "gpt-5.2", Name: "GPT-5.2", Provider: domain.ProviderOpenAI,
		ReasoningLevels: []ReasoningLevel{
			{"none", "None"}, {"low", "Low"}, {"medium", "Medium"}, {"high", "High"}, {"xhigh", "Extra high"},
		},
		DefaultReasoningLevel: "medium",
	},
}

func init() {
	for i := range catalog {
		catalog[i].ProviderName = providerNames[catalog[i].Provider]
		catalog[i].Reasoning = len(catalog[i].ReasoningLevels) > 0
	}
}

// Models returns a copy of the supported model catalog.
func Models() []Model {
	out := make([]Model, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds a catalog entry by provider and id.
func Lookup(provider domain.Provider, id string) (Model, bool) {
	for _, m := range catalog {
		if m.Provider == provider && m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}

// ValidateEffort rejects a reasoning effort the catalog does not list for a
// known model. Models outside the catalog accept any value.
func ValidateEffort(provider domain.Provider, model, effort string) error {
	effort = strings.TrimSpace(effort)
	if effort == "" {
		return nil
	}
	m, ok := Lookup(provider, model)
	if !ok {
		return nil
	}
	for _, l := range m.ReasoningLevels {
		if l.Value == effort {
			return nil
		}
	}
	return fmt.Errorf("reasoning effort %q is not supported by %s", effort, model)
}
