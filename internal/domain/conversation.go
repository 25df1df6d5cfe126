// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

// Provider identifies an upstream LLM platform.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderOpenAI Provider = "openai"
)

// Providers lists every supported platform in display order.
var Providers = []Provider{ProviderGoogle, ProviderOpenAI}

// Valid reports whether p is a supported platform.
func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderOpenAI:
		return true
	}
	return false
}

// ErrCorruptMessages is returned when a stored message column does not hold a
// JSON array.
var ErrCorruptMessages = errors.New("messages column is not an array")

// ModelParams carries per-conversation generation knobs. The zero value means
// "provider defaults".
type ModelParams struct {
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

// Conversation is one node in a user's forest of chat threads. Children are
// not stored; they are recovered by scanning ParentID across the user's rows.
type Conversation struct {
	ID          string                          `gorm:"primaryKey;type:TEXT" json:"id"`
	UserID      string                          `gorm:"type:TEXT;not null;index" json:"userId"`
	ParentID    *string                         `gorm:"type:TEXT;index" json:"parentId"`
	Provider    Provider                        `gorm:"type:TEXT;not null" json:"provider"`
	Model       string                          `gorm:"type:TEXT;not null" json:"model"`
	ModelParams datatypes.JSONType[ModelParams] `json:"modelParams"`
	Title       *string                         `gorm:"type:TEXT" json:"title"`
	Messages    datatypes.JSON                  `gorm:"not null" json:"messages" swaggertype:"array,object"`
	CreatedAt   time.Time                       `gorm:"not null;autoCreateTime:false" json:"createdAt"`
	UpdatedAt   time.Time                       `gorm:"not null;autoUpdateTime:false;index" json:"updatedAt"`
}

// TableName implements the GORM tabler interface.
func (Conversation) TableName() string { return "chats" }

// Params returns the decoded model parameters.
func (c *Conversation) Params() ModelParams { return c.ModelParams.Data() }

// DecodeMessages parses the stored message column. Anything other than a JSON
// array yields ErrCorruptMessages.
func (c *Conversation) DecodeMessages() ([]Message, error) {
	return DecodeMessages(c.Messages)
}

// IsFresh reports whether the conversation has never been written to since
// creation.
func (c *Conversation) IsFresh() bool { return c.CreatedAt.Equal(c.UpdatedAt) }

// DecodeMessages parses raw JSON into a message list.
func DecodeMessages(raw []byte) ([]Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, ErrCorruptMessages
	}
	var out []Message
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, ErrCorruptMessages
	}
	if out == nil {
		out = []Message{}
	}
	return out, nil
}

// EncodeMessages serializes a message list; nil encodes as an empty array.
func EncodeMessages(msgs []Message) (datatypes.JSON, error) {
	if msgs == nil {
		msgs = []Message{}
	}
	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// ConversationRow is the lightweight projection used for tree building.
type ConversationRow struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Title     *string   `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TitleInfo is the projection returned to title pollers.
type TitleInfo struct {
	Title     *string   `json:"title"`
	UpdatedAt time.Time `json:"updatedAt"`
}
