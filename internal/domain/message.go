package domain

import "strings"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Part types.
const (
	PartText      = "text"
	PartReasoning = "reasoning"
	PartFile      = "file"
)

// Part is one content fragment of a message.
type Part struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
	Filename  string `json:"filename,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Message is a single chat turn as stored in Conversation.Messages.
type Message struct {
	ID    string `json:"id,omitempty"`
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Text joins the message's text parts with sep.
func (m Message) Text(sep string) string {
	var b strings.Builder
	first := true
	for _, p := range m.Parts {
		if p.Type != PartText {
			continue
		}
		if !first {
			b.WriteString(sep)
		}
		b.WriteString(p.Text)
		first = false
	}
	return b.String()
}

// NewUserText builds a user message holding a single text part.
func NewUserText(id, text string) Message {
	return Message{ID: id, Role: RoleUser, Parts: []Part{{Type: PartText, Text: text}}}
}
