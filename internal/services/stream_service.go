// Package services – StreamService
//
// StreamService runs one chat turn. Prepare checks every precondition
// (ownership, credential, attachment resolution) before any provider call is
// made; Turn.Run then streams the model output to the caller and commits the
// whole message list in a single write once the stream completes. An
// interrupted or failed stream writes nothing.
//
// Concurrent turns on the same conversation are not serialized: the last
// completed write wins.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/repo"
)

// StreamService prepares and runs chat turns.
type StreamService struct {
	DB          *gorm.DB
	Dialer      llm.Dialer
	Keys        KeyResolver
	Attachments *attachments.Store
	Titles      *TitleService
	Log         zerolog.Logger

	// Timeout bounds a whole turn; zero means no limit beyond the caller's.
	Timeout time.Duration
	// Now stamps the system prompt; defaults to time.Now.
	Now func() time.Time
}

// Turn is a prepared chat turn. It is used once.
type Turn struct {
	// MessageID is the id the assistant message will be stored under.
	MessageID string

	svc       *StreamService
	userID    string
	conv      *domain.Conversation
	submitted []domain.Message
	inlined   []domain.Message
	client    llm.Client
}

// Conversation returns the conversation as it was when the turn was prepared.
func (t *Turn) Conversation() *domain.Conversation { return t.conv }

// Prepare validates a turn request. msgs is the full candidate history as
// the client holds it, ending with the new user message; nil means the client
// sent no array. Every file part must resolve to an upload of this
// conversation or one of its ancestors.
func (s *StreamService) Prepare(ctx context.Context, userID, chatID string, msgs []domain.Message) (*Turn, error) {
	tr := otel.Tracer("services/StreamService")
	ctx, span := tr.Start(ctx, "Prepare", trace.WithAttributes(
		attribute.String("chat.id", chatID),
		attribute.String("user.id", userID),
		attribute.Int("messages", len(msgs)),
	))
	defer span.End()

	conv, err := repo.GetConversation(ctx, s.DB, chatID, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := conv.DecodeMessages(); err != nil {
		return nil, ErrCorruptConversation
	}
	if len(msgs) == 0 {
		return nil, ErrInvalidMessages
	}

	key, err := s.Keys.Resolve(ctx, userID, conv.Provider)
	if err != nil {
		return nil, err
	}

	lineage, err := repo.Lineage(ctx, s.DB, conv.ID, userID)
	if err != nil {
		return nil, err
	}
	inlined, err := s.Attachments.Inline(ctx, userID, lineage, msgs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.Log.Debug().Err(err).Str("chat_id", chatID).Msg("attachment inlining failed")
		return nil, ErrInvalidAttachment
	}

	client, err := s.Dialer.Dial(ctx, conv.Provider, key)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	return &Turn{
		MessageID: uuid.NewString(),
		svc:       s,
		userID:    userID,
		conv:      conv,
		submitted: msgs,
		inlined:   inlined,
		client:    client,
	}, nil
}

// Run streams the model output through emit and persists the completed turn.
// Cancelling ctx aborts the provider call; nothing is written in that case.
// The returned message is the stored assistant message.
func (t *Turn) Run(ctx context.Context, emit func(llm.Event) error) (*domain.Message, error) {
	s := t.svc
	tr := otel.Tracer("services/StreamService")
	ctx, span := tr.Start(ctx, "Run", trace.WithAttributes(
		attribute.String("chat.id", t.conv.ID),
		attribute.String("provider", string(t.conv.Provider)),
		attribute.String("model", t.conv.Model),
	))
	defer span.End()

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	effort := t.conv.Params().ReasoningEffort
	res, err := t.client.Stream(ctx, llm.Request{
		Model:    t.conv.Model,
		System:   llm.SystemPrompt(now()),
		Messages: t.inlined,
		Options:  llm.ProviderOptions(t.conv.Provider, effort),
		Tools:    llm.ToolsFor(t.conv.Provider, t.conv.Model, effort),
	}, emit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		if ctx.Err() != nil {
			turnsTotal.WithLabelValues(string(t.conv.Provider), "cancelled").Inc()
			return nil, ctx.Err()
		}
		turnsTotal.WithLabelValues(string(t.conv.Provider), "error").Inc()
		return nil, &UpstreamError{Err: err}
	}

	reply := domain.Message{ID: t.MessageID, Role: domain.RoleAssistant, Parts: res.Parts}
	if reply.Parts == nil {
		reply.Parts = []domain.Part{}
	}
	final := CompleteTurn(t.submitted, reply)

	// The turn is complete; a client that disconnects now must not lose it.
	wctx := context.WithoutCancel(ctx)
	n, err := repo.UpdateMessages(wctx, s.DB, t.conv.ID, t.userID, final)
	if err != nil {
		turnsTotal.WithLabelValues(string(t.conv.Provider), "error").Inc()
		return nil, err
	}
	if n == 0 {
		// Deleted while streaming.
		turnsTotal.WithLabelValues(string(t.conv.Provider), "error").Inc()
		return nil, ErrConversationNotFound
	}
	turnsTotal.WithLabelValues(string(t.conv.Provider), "ok").Inc()

	if mode := DecideTitleMode(t.conv); mode != TitleNone {
		s.Titles.Schedule(TitleRequest{
			UserID:   t.userID,
			ChatID:   t.conv.ID,
			Provider: t.conv.Provider,
			Model:    t.conv.Model,
			Mode:     mode,
			Messages: final,
		})
	}
	return &reply, nil
}

// CompleteTurn appends reply to the submitted history and gives every
// assistant message without an id a fresh one. Messages that already carry
// an id keep it. The input slice is not modified.
func CompleteTurn(submitted []domain.Message, reply domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(submitted)+1)
	for _, m := range submitted {
		if m.Role == domain.RoleAssistant && m.ID == "" {
			m.ID = uuid.NewString()
		}
		out = append(out, m)
	}
	if reply.ID == "" {
		reply.ID = uuid.NewString()
	}
	return append(out, reply)
}
