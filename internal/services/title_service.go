// Package services – TitleService
//
// TitleService produces short conversation titles in the background. A turn
// or a conversation creation schedules a job on the worker pool; the job
// builds a compact transcript, asks a cheap model for 2-6 words and writes
// the cleaned answer back. Every failure is logged and dropped: titling never
// affects the request that triggered it.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/repo"
	"github.com/tbourn/treebot/internal/worker"
)

// TitleMode selects how the transcript handed to the title model is built.
type TitleMode string

const (
	// TitleNone means the conversation is not eligible.
	TitleNone TitleMode = ""
	// TitleSummary titles an untitled conversation from its opening turns.
	TitleSummary TitleMode = "summary"
	// TitleHistory retitles a fresh fork from its recent history.
	TitleHistory TitleMode = "history"
)

const (
	summaryMessages  = 4
	summaryChars     = 200
	historyMessages  = 12
	historyChars     = 300
	summaryHeader    = "Generate a short title (2-6 words) for this conversation. Return ONLY the title, no quotes or punctuation."
	historyHeader    = "Generate a short title (2-6 words) for the following chat. Emphasize the user's most recent message. Return ONLY the title, no quotes or punctuation."
	titleJobName     = "title"
	defaultTitleWait = 30 * time.Second
)

// ErrNoTitle is returned by Generate when there was nothing to title or the
// model answered with an empty string.
var ErrNoTitle = errors.New("no title produced")

// DecideTitleMode evaluates the titling state machine against the state a
// conversation had when a turn started. Untitled conversations get a summary
// title; a fork that inherited its parent's title and has not completed a turn
// yet gets exactly one history retitle. Everything else keeps its title.
func DecideTitleMode(c *domain.Conversation) TitleMode {
	switch {
	case c.Title == nil:
		return TitleSummary
	case c.ParentID != nil && c.IsFresh():
		return TitleHistory
	default:
		return TitleNone
	}
}

// Scheduler accepts background jobs without blocking.
type Scheduler interface {
	Submit(name string, fn worker.Job) bool
}

// TitleRequest describes one titling attempt. Either Messages or Prompt is
// used; Messages wins when both are set.
type TitleRequest struct {
	UserID   string
	ChatID   string
	Provider domain.Provider
	Model    string
	Mode     TitleMode
	Messages []domain.Message
	Prompt   string
}

// TitleService generates and stores conversation titles.
type TitleService struct {
	DB      *gorm.DB
	Dialer  llm.Dialer
	Keys    KeyResolver
	Pool    Scheduler
	Log     zerolog.Logger
	Timeout time.Duration
}

// FromPrompt schedules a summary title from the first user prompt.
func (s *TitleService) FromPrompt(userID, chatID string, provider domain.Provider, model, prompt string) {
	s.Schedule(TitleRequest{
		UserID:   userID,
		ChatID:   chatID,
		Provider: provider,
		Model:    model,
		Mode:     TitleSummary,
		Prompt:   prompt,
	})
}

// Schedule queues req on the pool. It never blocks and never reports
// failure; a full queue drops the attempt.
func (s *TitleService) Schedule(req TitleRequest) {
	if s == nil || req.Mode == TitleNone {
		return
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = defaultTitleWait
	}
	ok := s.Pool.Submit(titleJobName, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		title, err := s.Generate(ctx, req)
		if err != nil {
			titleJobsTotal.WithLabelValues(string(req.Mode), "error").Inc()
			s.Log.Debug().Err(err).
				Str("chat_id", req.ChatID).
				Str("mode", string(req.Mode)).
				Msg("title generation skipped")
			return
		}
		titleJobsTotal.WithLabelValues(string(req.Mode), "ok").Inc()
		s.Log.Debug().Str("chat_id", req.ChatID).Str("title", title).Msg("title updated")
	})
	if !ok {
		titleJobsTotal.WithLabelValues(string(req.Mode), "dropped").Inc()
	}
}

// Generate runs one titling attempt synchronously and stores the result.
func (s *TitleService) Generate(ctx context.Context, req TitleRequest) (string, error) {
	tr := otel.Tracer("services/TitleService")
	ctx, span := tr.Start(ctx, "Generate", trace.WithAttributes(
		attribute.String("chat.id", req.ChatID),
		attribute.String("title.mode", string(req.Mode)),
	))
	defer span.End()

	var transcript string
	switch {
	case req.Messages != nil && req.Mode == TitleHistory:
		transcript = historyTranscript(req.Messages)
	case req.Messages != nil:
		transcript = summaryTranscript(req.Messages)
	default:
		transcript = promptTranscript(req.Prompt)
	}
	if transcript == "" {
		return "", ErrNoTitle
	}

	key, err := s.Keys.Resolve(ctx, req.UserID, req.Provider)
	if err != nil {
		return "", err
	}
	client, err := s.Dialer.Dial(ctx, req.Provider, key)
	if err != nil {
		return "", err
	}

	header := summaryHeader
	if req.Mode == TitleHistory {
		header = historyHeader
	}
	model, effort := llm.TitleModel(req.Provider, req.Model)
	res, err := client.Generate(ctx, llm.Request{
		Model:    model,
		Messages: []domain.Message{domain.NewUserText("", header+"\n\n"+transcript)},
		Options:  llm.ProviderOptions(req.Provider, effort),
		Tools:    llm.ToolsFor(req.Provider, model, effort),
	})
	if err != nil {
		return "", &UpstreamError{Err: err}
	}

	title := CleanTitle(res.Text())
	if title == "" {
		return "", ErrNoTitle
	}
	n, err := repo.UpdateTitle(ctx, s.DB, req.ChatID, req.UserID, title)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrConversationNotFound
	}
	return title, nil
}

// CleanTitle trims a model answer and strips one leading and one trailing
// quote character.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if s != "" && (s[0] == '"' || s[0] == '\'') {
		s = s[1:]
	}
	if n := len(s); n > 0 && (s[n-1] == '"' || s[n-1] == '\'') {
		s = s[:n-1]
	}
	return s
}

func conversational(msgs []domain.Message) []domain.Message {
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == domain.RoleUser || m.Role == domain.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func summaryTranscript(msgs []domain.Message) string {
	msgs = conversational(msgs)
	if len(msgs) > summaryMessages {
		msgs = msgs[:summaryMessages]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		lines = append(lines, m.Role+": "+clipRunes(m.Text(" "), summaryChars))
	}
	return strings.Join(lines, "\n")
}

func historyTranscript(msgs []domain.Message) string {
	msgs = conversational(msgs)
	if len(msgs) > historyMessages {
		msgs = msgs[len(msgs)-historyMessages:]
	}
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		text := clipRunes(m.Text(" "), historyChars)
		if text == "" {
			continue
		}
		label := "Assistant"
		if m.Role == domain.RoleUser {
			label = "User"
		}
		lines = append(lines, label+": "+text)
	}
	return strings.Join(lines, "\n")
}

func promptTranscript(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ""
	}
	return "user: " + clipRunes(prompt, summaryChars)
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
