// Package services – ConversationService
//
// ConversationService owns the conversation lifecycle outside of model
// turns: creation (direct or draft-then-finalize for attachment uploads),
// reads, renames, the sidebar tree, attachment storage and cascade delete.
// Every read and write is scoped to the caller; a conversation owned by
// someone else is reported exactly like a missing one.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/chattree"
	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/repo"
)

// ConversationService provides conversation-level operations.
type ConversationService struct {
	DB          *gorm.DB
	Attachments *attachments.Store
	Titles      *TitleService
	Log         zerolog.Logger

	// TitleMaxLen caps user-supplied titles by rune length.
	TitleMaxLen int
}

// CreateInput is the payload for starting a conversation with a text prompt.
type CreateInput struct {
	Provider       string
	Model          string
	Message        string
	ReasoningLevel string
}

// DraftInput is the payload for reserving a conversation before uploads.
type DraftInput struct {
	Provider       string
	Model          string
	ReasoningLevel string
}

// AttachmentRef points at a file previously uploaded to the conversation.
type AttachmentRef struct {
	URL       string `json:"url"`
	MediaType string `json:"mediaType"`
	Filename  string `json:"filename,omitempty"`
}

// Tree is the caller's conversation forest with the values used for
// conditional responses.
type Tree struct {
	Roots     []*chattree.Node
	Count     int64
	UpdatedAt *time.Time
}

func (s *ConversationService) tracer() trace.Tracer {
	return otel.Tracer("services/ConversationService")
}

func validateModel(provider, model, effort string) (domain.Provider, domain.ModelParams, error) {
	p := domain.Provider(provider)
	if !p.Valid() {
		return "", domain.ModelParams{}, ErrInvalidProvider
	}
	if strings.TrimSpace(model) == "" {
		return "", domain.ModelParams{}, ErrModelRequired
	}
	if err := llm.ValidateEffort(p, model, effort); err != nil {
		return "", domain.ModelParams{}, ErrInvalidReasoning
	}
	return p, domain.ModelParams{ReasoningEffort: effort}, nil
}

// Create starts a conversation seeded with one user message and schedules a
// title from the prompt.
func (s *ConversationService) Create(ctx context.Context, userID string, in CreateInput) (*domain.Conversation, error) {
	ctx, span := s.tracer().Start(ctx, "Create", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("provider", in.Provider),
		attribute.String("model", in.Model),
	))
	defer span.End()

	if !domain.Provider(in.Provider).Valid() {
		return nil, ErrInvalidProvider
	}
	text := strings.TrimSpace(in.Message)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	provider, params, err := validateModel(in.Provider, in.Model, in.ReasoningLevel)
	if err != nil {
		return nil, err
	}

	msgs := []domain.Message{domain.NewUserText(uuid.NewString(), text)}
	c, err := repo.CreateConversation(ctx, s.DB, userID, provider, in.Model, msgs, params)
	if err != nil {
		return nil, err
	}
	s.Titles.FromPrompt(userID, c.ID, provider, c.Model, text)
	return c, nil
}

// CreateDraft reserves an empty conversation so attachments can be uploaded
// under its id before the first message is sent.
func (s *ConversationService) CreateDraft(ctx context.Context, userID string, in DraftInput) (*domain.Conversation, error) {
	ctx, span := s.tracer().Start(ctx, "CreateDraft", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	provider, params, err := validateModel(in.Provider, in.Model, in.ReasoningLevel)
	if err != nil {
		return nil, err
	}
	return repo.CreateConversation(ctx, s.DB, userID, provider, in.Model, []domain.Message{}, params)
}

// Finalize writes the opening message of a draft. Attachment parts come
// first, then the trimmed text when present.
func (s *ConversationService) Finalize(ctx context.Context, userID, chatID, message string, refs []AttachmentRef) (*domain.Conversation, error) {
	ctx, span := s.tracer().Start(ctx, "Finalize", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.Int("attachments", len(refs)),
	))
	defer span.End()

	c, err := s.get(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	existing, err := c.DecodeMessages()
	if err != nil || len(existing) > 0 {
		return nil, ErrAlreadyInitialized
	}

	text := strings.TrimSpace(message)
	if text == "" && len(refs) == 0 {
		return nil, ErrEmptyMessage
	}
	prefix := attachments.AddressPrefix(chatID)
	parts := make([]domain.Part, 0, len(refs)+1)
	for _, r := range refs {
		if !strings.HasPrefix(r.URL, prefix) {
			return nil, ErrInvalidAttachment
		}
		parts = append(parts, domain.Part{
			Type:      domain.PartFile,
			MediaType: r.MediaType,
			Filename:  r.Filename,
			URL:       r.URL,
		})
	}
	if text != "" {
		parts = append(parts, domain.Part{Type: domain.PartText, Text: text})
	}

	msgs := []domain.Message{{ID: uuid.NewString(), Role: domain.RoleUser, Parts: parts}}
	n, err := repo.UpdateMessages(ctx, s.DB, chatID, userID, msgs)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrConversationNotFound
	}
	if text != "" {
		s.Titles.FromPrompt(userID, chatID, c.Provider, c.Model, text)
	}
	return s.get(ctx, userID, chatID)
}

// Get returns the caller's conversation or ErrConversationNotFound.
func (s *ConversationService) Get(ctx context.Context, userID, chatID string) (*domain.Conversation, error) {
	ctx, span := s.tracer().Start(ctx, "Get", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()
	return s.get(ctx, userID, chatID)
}

func (s *ConversationService) get(ctx context.Context, userID, chatID string) (*domain.Conversation, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, ErrConversationNotFound
	}
	c, err := repo.GetConversation(ctx, s.DB, chatID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

// Title returns the title projection polled by clients after a turn.
func (s *ConversationService) Title(ctx context.Context, userID, chatID string) (*domain.TitleInfo, error) {
	info, err := repo.GetConversationTitle(ctx, s.DB, chatID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	return info, err
}

// Rename sets a user-chosen title. The title is NFC-normalized, whitespace
// is collapsed and the result is clipped to TitleMaxLen runes.
func (s *ConversationService) Rename(ctx context.Context, userID, chatID, title string) (string, error) {
	ctx, span := s.tracer().Start(ctx, "Rename", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	title = s.clip(normalizeTitle(title))
	if title == "" {
		return "", ErrTitleEmpty
	}
	n, err := repo.UpdateTitle(ctx, s.DB, chatID, userID, title)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrConversationNotFound
	}
	return title, nil
}

// Tree returns the caller's conversations as a forest, most recently updated
// first among siblings.
func (s *ConversationService) Tree(ctx context.Context, userID string) (*Tree, error) {
	ctx, span := s.tracer().Start(ctx, "Tree", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	count, latest, err := repo.ConversationsStats(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	rows, err := repo.ListConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	return &Tree{Roots: chattree.Build(rows), Count: count, UpdatedAt: latest}, nil
}

// Stats returns the values the tree ETag is derived from without loading
// the rows.
func (s *ConversationService) Stats(ctx context.Context, userID string) (int64, *time.Time, error) {
	return repo.ConversationsStats(ctx, s.DB, userID)
}

// Delete removes a conversation with all of its forks and reclaims their
// attachment directories. Storage cleanup failures are logged, not returned:
// the rows are already gone.
func (s *ConversationService) Delete(ctx context.Context, userID, chatID string) ([]string, error) {
	ctx, span := s.tracer().Start(ctx, "Delete", trace.WithAttributes(attribute.String("chat.id", chatID)))
	defer span.End()

	ids, err := repo.DeleteWithDescendants(ctx, s.DB, chatID, userID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrConversationNotFound
	}
	span.SetAttributes(attribute.Int("deleted", len(ids)))

	var g errgroup.Group
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.Attachments.DeleteAll(userID, id); err != nil {
				s.Log.Warn().Err(err).Str("chat_id", id).Msg("attachment cleanup failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return ids, nil
}

// Upload stores a file under the caller's conversation after checking it
// against the conversation provider's attachment policy.
func (s *ConversationService) Upload(ctx context.Context, userID, chatID, filename, mediaType string, data []byte) (*attachments.Stored, error) {
	ctx, span := s.tracer().Start(ctx, "Upload", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.String("media_type", mediaType),
		attribute.Int("size", len(data)),
	))
	defer span.End()

	c, err := s.get(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	return s.Attachments.Save(ctx, c.Provider, userID, chatID, filename, mediaType, data)
}

// AttachmentPath resolves a stored file of the caller's conversation to its
// on-disk path.
func (s *ConversationService) AttachmentPath(ctx context.Context, userID, chatID, filename string) (string, error) {
	if _, err := s.get(ctx, userID, chatID); err != nil {
		return "", err
	}
	if _, err := s.Attachments.Stat(userID, chatID, filename); err != nil {
		return "", err
	}
	return s.Attachments.Path(userID, chatID, filename), nil
}

// clip truncates a title to the configured maximum rune length.
func (s *ConversationService) clip(title string) string {
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		return strings.TrimSpace(string([]rune(title)[:s.TitleMaxLen]))
	}
	return title
}

// normalizeTitle applies NFC, trims whitespace and collapses runs of it to
// one space.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(norm.NFC.String(s)), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)
