package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/repo"
	"github.com/tbourn/treebot/internal/secrets"
	"github.com/tbourn/treebot/internal/worker"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// fakeClient records requests and replays scripted output.
type fakeClient struct {
	mu       sync.Mutex
	events   []llm.Event
	parts    []domain.Part
	err      error
	block    bool
	streams  []llm.Request
	generate []llm.Request
}

func (f *fakeClient) Stream(ctx context.Context, req llm.Request, emit func(llm.Event) error) (*llm.Result, error) {
	f.mu.Lock()
	f.streams = append(f.streams, req)
	f.mu.Unlock()
	for _, ev := range f.events {
		if err := emit(ev); err != nil {
			return nil, err
		}
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Parts: f.parts}, nil
}

func (f *fakeClient) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	f.mu.Lock()
	f.generate = append(f.generate, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Parts: f.parts}, nil
}

func (f *fakeClient) generated() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.generate...)
}

// fakeDialer hands out per-purpose clients: title requests go to title, the
// rest to chat.
type fakeDialer struct {
	chat  *fakeClient
	title *fakeClient
	keys  []string
}

func (d *fakeDialer) Dial(_ context.Context, _ domain.Provider, apiKey string) (llm.Client, error) {
	d.keys = append(d.keys, apiKey)
	return &routingClient{d: d}, nil
}

type routingClient struct{ d *fakeDialer }

func (r *routingClient) Stream(ctx context.Context, req llm.Request, emit func(llm.Event) error) (*llm.Result, error) {
	return r.d.chat.Stream(ctx, req, emit)
}

func (r *routingClient) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	if req.System == "" && r.d.title != nil {
		return r.d.title.Generate(ctx, req)
	}
	return r.d.chat.Generate(ctx, req)
}

// inlineScheduler runs jobs on the caller's goroutine.
type inlineScheduler struct{ ran int }

func (s *inlineScheduler) Submit(_ string, fn worker.Job) bool {
	s.ran++
	fn(context.Background())
	return true
}

type env struct {
	db       *gorm.DB
	store    *attachments.Store
	creds    *CredentialService
	titles   *TitleService
	convs    *ConversationService
	stream   *StreamService
	branch   *BranchService
	dialer   *fakeDialer
	sched    *inlineScheduler
	chat     *fakeClient
	titleLLM *fakeClient
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := newTestDB(t)
	sealer, err := secrets.NewSealerFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	e := &env{
		db:       db,
		store:    attachments.NewStore(t.TempDir()),
		chat:     &fakeClient{},
		titleLLM: &fakeClient{parts: []domain.Part{{Type: domain.PartText, Text: `"Recursion Basics"`}}},
		sched:    &inlineScheduler{},
	}
	e.dialer = &fakeDialer{chat: e.chat, title: e.titleLLM}
	e.creds = &CredentialService{DB: db, Sealer: sealer}
	e.titles = &TitleService{DB: db, Dialer: e.dialer, Keys: e.creds, Pool: e.sched, Log: zerolog.Nop()}
	e.convs = &ConversationService{DB: db, Attachments: e.store, Titles: e.titles, Log: zerolog.Nop(), TitleMaxLen: 100}
	e.stream = &StreamService{DB: db, Dialer: e.dialer, Keys: e.creds, Attachments: e.store, Titles: e.titles, Log: zerolog.Nop()}
	e.branch = &BranchService{DB: db, Dialer: e.dialer, Keys: e.creds, Attachments: e.store, Log: zerolog.Nop()}
	return e
}

func (e *env) setKey(t *testing.T, userID string, p domain.Provider) {
	t.Helper()
	if err := e.creds.Set(context.Background(), userID, p, "sk-"+userID); err != nil {
		t.Fatalf("set key: %v", err)
	}
}

func (e *env) seed(t *testing.T, userID string, msgs ...domain.Message) *domain.Conversation {
	t.Helper()
	c, err := repo.CreateConversation(context.Background(), e.db, userID, domain.ProviderOpenAI, "gpt-5.2", msgs, domain.ModelParams{ReasoningEffort: "low"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c
}

func (e *env) reload(t *testing.T, userID, id string) *domain.Conversation {
	t.Helper()
	c, err := repo.GetConversation(context.Background(), e.db, id, userID)
	if err != nil {
		t.Fatalf("reload %s: %v", id, err)
	}
	return c
}

func (e *env) count(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(&domain.Conversation{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func msg(id, role, text string) domain.Message {
	return domain.Message{ID: id, Role: role, Parts: []domain.Part{{Type: domain.PartText, Text: text}}}
}

func ptr(s string) *string { return &s }

var errBoom = errors.New("boom")
