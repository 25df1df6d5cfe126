// Package services – BranchService
//
// BranchService creates child conversations. A fork copies a prefix of the
// source's messages; a handoff starts the child from a single user message
// holding a summary the user accepted. Both keep the source as parent so the
// child shows up under it in the tree and is removed with it.
//
// Fork and handoff accept honor an optional idempotency key: a retried
// request with the same key returns the conversation created first.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/repo"
)

const defaultIdempotencyTTL = 24 * time.Hour

// Index is a message position as submitted by a client. Valid is false when
// the value was absent or not an integer.
type Index struct {
	Value int
	Valid bool
}

// ParseIndex accepts any JSON number with an integral value.
func ParseIndex(raw json.RawMessage) Index {
	raw = bytes.TrimSpace(raw)
	var f float64
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || json.Unmarshal(raw, &f) != nil {
		return Index{}
	}
	if f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return Index{}
	}
	return Index{Value: int(f), Valid: true}
}

// BranchResult identifies the conversation a branching request produced.
type BranchResult struct {
	ChatID   string `json:"chatId"`
	Replayed bool   `json:"-"`
}

// BranchService implements fork and handoff.
type BranchService struct {
	DB          *gorm.DB
	Dialer      llm.Dialer
	Keys        KeyResolver
	Attachments *attachments.Store
	Log         zerolog.Logger

	// IdempotencyTTL is how long a key replays its first result.
	IdempotencyTTL time.Duration
	// Now stamps the system prompt; defaults to time.Now.
	Now func() time.Time
}

func (s *BranchService) tracer() trace.Tracer {
	return otel.Tracer("services/BranchService")
}

// source loads the conversation and its messages, then checks idx against
// them. Checks run in a fixed order so clients see the first failing one.
func (s *BranchService) source(ctx context.Context, userID, chatID string, idx Index) (*domain.Conversation, []domain.Message, error) {
	c, err := repo.GetConversation(ctx, s.DB, chatID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if !idx.Valid {
		return nil, nil, ErrInvalidIndex
	}
	msgs, err := c.DecodeMessages()
	if err != nil {
		return nil, nil, ErrCorruptConversation
	}
	if idx.Value < 0 || idx.Value > len(msgs)-1 {
		return nil, nil, ErrIndexOutOfRange
	}
	return c, msgs, nil
}

// replay returns the conversation an earlier op request with key produced.
// A record whose conversation has since been deleted is dropped so the
// request runs again.
func (s *BranchService) replay(ctx context.Context, userID, chatID, op, key string) (*BranchResult, bool) {
	if key == "" {
		return nil, false
	}
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, chatID, op, key, time.Now().UTC())
	if err != nil {
		return nil, false
	}
	if _, err := repo.GetConversation(ctx, s.DB, rec.ResultID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			if err := repo.DeleteIdempotency(ctx, s.DB, userID, chatID, op, key); err != nil {
				s.Log.Warn().Err(err).Str("chat_id", chatID).Msg("drop stale idempotency key")
			}
		}
		return nil, false
	}
	return &BranchResult{ChatID: rec.ResultID, Replayed: true}, true
}

func (s *BranchService) remember(ctx context.Context, userID, chatID, op, key, resultID string) {
	if key == "" {
		return
	}
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	if _, err := repo.CreateIdempotency(ctx, s.DB, userID, chatID, op, key, resultID, http.StatusOK, ttl); err != nil && !errors.Is(err, repo.ErrDuplicate) {
		s.Log.Warn().Err(err).Str("chat_id", chatID).Msg("store idempotency key")
	}
}

// Fork creates a child of chatID holding messages [0, idx] and inheriting
// provider, model, parameters and title.
func (s *BranchService) Fork(ctx context.Context, userID, chatID string, idx Index, key string) (*BranchResult, error) {
	ctx, span := s.tracer().Start(ctx, "Fork", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.Int("index", idx.Value),
	))
	defer span.End()

	src, msgs, err := s.source(ctx, userID, chatID, idx)
	if err != nil {
		return nil, err
	}
	if r, ok := s.replay(ctx, userID, chatID, domain.OpFork, key); ok {
		return r, nil
	}

	prefix := append([]domain.Message(nil), msgs[:idx.Value+1]...)
	child, err := repo.CreateForkedConversation(ctx, s.DB, userID, src.ID,
		src.Provider, src.Model, prefix, src.Params(), src.Title)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, userID, chatID, domain.OpFork, key, child.ID)
	return &BranchResult{ChatID: child.ID}, nil
}

// HandoffAccept creates a child of chatID whose only message is a user
// message holding text verbatim. text is nil when the client sent no string.
func (s *BranchService) HandoffAccept(ctx context.Context, userID, chatID string, idx Index, text *string, key string) (*BranchResult, error) {
	ctx, span := s.tracer().Start(ctx, "HandoffAccept", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.Int("index", idx.Value),
	))
	defer span.End()

	src, msgs, err := s.source(ctx, userID, chatID, idx)
	if err != nil {
		return nil, err
	}
	if msgs[idx.Value].Role != domain.RoleAssistant {
		return nil, ErrNotAssistantMessage
	}
	if text == nil {
		return nil, ErrInvalidText
	}
	if strings.TrimSpace(*text) == "" {
		return nil, ErrEmptyText
	}
	if r, ok := s.replay(ctx, userID, chatID, domain.OpHandoff, key); ok {
		return r, nil
	}

	seed := []domain.Message{domain.NewUserText(uuid.NewString(), *text)}
	child, err := repo.CreateForkedConversation(ctx, s.DB, userID, src.ID,
		src.Provider, src.Model, seed, src.Params(), src.Title)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, userID, chatID, domain.OpHandoff, key, child.ID)
	return &BranchResult{ChatID: child.ID}, nil
}

// HandoffPreview asks the conversation's model, with tools disabled, to
// summarize msgs. msgs is the client-built transcript: history up to the
// target, the handoff instruction and any feedback rounds. msgs is nil when
// the client did not send an array. Nothing is persisted.
func (s *BranchService) HandoffPreview(ctx context.Context, userID, chatID string, idx Index, msgs []domain.Message) (*domain.Message, error) {
	ctx, span := s.tracer().Start(ctx, "HandoffPreview", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.Int("index", idx.Value),
		attribute.Int("messages", len(msgs)),
	))
	defer span.End()

	src, stored, err := s.source(ctx, userID, chatID, idx)
	if err != nil {
		return nil, err
	}
	if stored[idx.Value].Role != domain.RoleAssistant {
		return nil, ErrNotAssistantMessage
	}
	if msgs == nil {
		return nil, ErrInvalidMessages
	}

	key, err := s.Keys.Resolve(ctx, userID, src.Provider)
	if err != nil {
		return nil, err
	}
	lineage, err := repo.Lineage(ctx, s.DB, src.ID, userID)
	if err != nil {
		return nil, err
	}
	inlined, err := s.Attachments.Inline(ctx, userID, lineage, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrInvalidAttachment
	}
	client, err := s.Dialer.Dial(ctx, src.Provider, key)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	effort := src.Params().ReasoningEffort
	res, err := client.Generate(ctx, llm.Request{
		Model:    src.Model,
		System:   llm.SystemPrompt(now()),
		Messages: inlined,
		Options:  llm.ProviderOptions(src.Provider, effort),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UpstreamError{Err: err}
	}

	parts := make([]domain.Part, 0, len(res.Parts))
	for _, p := range res.Parts {
		if p.Type == domain.PartText || p.Type == domain.PartReasoning {
			parts = append(parts, p)
		}
	}
	return &domain.Message{ID: uuid.NewString(), Role: domain.RoleAssistant, Parts: parts}, nil
}
