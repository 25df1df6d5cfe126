package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/treebot/internal/attachments"
	"github.com/tbourn/treebot/internal/auth"
	"github.com/tbourn/treebot/internal/domain"
	"github.com/tbourn/treebot/internal/http/middleware"
	"github.com/tbourn/treebot/internal/llm"
	"github.com/tbourn/treebot/internal/repo"
	"github.com/tbourn/treebot/internal/secrets"
	"github.com/tbourn/treebot/internal/services"
	"github.com/tbourn/treebot/internal/worker"
)

const testKeyHex = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// ---------- test DB ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())

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
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// ---------- scripted model ----------

type scriptedClient struct {
	mu     sync.Mutex
	events []llm.Event
	parts  []domain.Part
	err    error
	calls  []llm.Request
}

func (s *scriptedClient) Stream(ctx context.Context, req llm.Request, emit func(llm.Event) error) (*llm.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	for _, ev := range s.events {
		if err := emit(ev); err != nil {
			return nil, err
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Result{Parts: s.parts}, nil
}

func (s *scriptedClient) Generate(ctx context.Context, req llm.Request) (*llm.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Result{Parts: s.parts}, nil
}

// dropScheduler discards title jobs so responses stay deterministic.
type dropScheduler struct{}

func (dropScheduler) Submit(string, worker.Job) bool { return false }

// ---------- wiring ----------

type testEnv struct {
	db     *gorm.DB
	store  *attachments.Store
	authn  *services.AuthService
	creds  *services.CredentialService
	convs  *services.ConversationService
	model  *scriptedClient
	h      *Handlers
	engine *gin.Engine
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	sealer, err := secrets.NewSealerFromHex(testKeyHex)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	tokens, err := auth.NewTokens([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}

	e := &testEnv{
		db:    db,
		store: attachments.NewStore(t.TempDir()),
		model: &scriptedClient{},
	}
	dialer := llm.DialerFunc(func(context.Context, domain.Provider, string) (llm.Client, error) {
		return e.model, nil
	})
	e.authn = &services.AuthService{DB: db, Tokens: tokens}
	e.creds = &services.CredentialService{DB: db, Sealer: sealer}
	titles := &services.TitleService{DB: db, Dialer: dialer, Keys: e.creds, Pool: dropScheduler{}, Log: zerolog.Nop()}
	e.convs = &services.ConversationService{DB: db, Attachments: e.store, Titles: titles, Log: zerolog.Nop(), TitleMaxLen: 100}

	e.h = New(Deps{
		Auth:           e.authn,
		Credentials:    e.creds,
		Conversations:  e.convs,
		Stream:         &services.StreamService{DB: db, Dialer: dialer, Keys: e.creds, Attachments: e.store, Titles: titles, Log: zerolog.Nop()},
		Branch:         &services.BranchService{DB: db, Dialer: dialer, Keys: e.creds, Attachments: e.store, Log: zerolog.Nop()},
		SessionTTL:     time.Hour,
		MaxUploadBytes: 1 << 20,
	})
	e.engine = mount(e.h, e.authn)
	return e
}

// mount registers every route the way the production router does, minus
// the cross-cutting middleware.
func mount(h *Handlers, a middleware.Authenticator) *gin.Engine {
	r := gin.New()
	r.GET("/auth/setup", h.SetupStatus)
	r.POST("/auth/setup", h.Setup)
	r.POST("/auth/login", h.Login)
	r.POST("/auth/logout", h.Logout)
	r.GET("/models", h.ListModels)

	g := r.Group("", middleware.RequireSession(a), middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	g.GET("/auth/me", h.Me)
	g.GET("/settings/api-keys", h.ListAPIKeys)
	g.PUT("/settings/api-keys", h.PutAPIKeys)
	g.POST("/chats", h.CreateChat)
	g.POST("/chats/draft", h.CreateDraft)
	g.GET("/chats", h.ListChats)
	g.GET("/chats/:id", h.GetChat)
	g.DELETE("/chats/:id", h.DeleteChat)
	g.POST("/chats/:id/finalize", h.FinalizeChat)
	g.GET("/chats/:id/title", h.GetChatTitle)
	g.PUT("/chats/:id/title", h.RenameChat)
	g.POST("/chats/:id/stream", h.StreamChat)
	g.POST("/chats/:id/fork", h.ForkChat)
	g.POST("/chats/:id/handoff/preview", h.HandoffPreview)
	g.POST("/chats/:id/handoff", h.HandoffAccept)
	g.POST("/chats/:id/attachments", h.UploadAttachment)
	g.GET("/chats/:id/attachments/:filename", h.DownloadAttachment)
	return r
}

// user creates an account and returns its id and bearer token.
func (e *testEnv) user(t *testing.T, name string) (string, string) {
	t.Helper()
	ctx := context.Background()
	var (
		s   *services.Session
		err error
	)
	if need, _ := e.authn.NeedsSetup(ctx); need {
		s, err = e.authn.Setup(ctx, name, "password123")
	} else {
		var hash string
		hash, err = auth.HashPassword("password123")
		if err == nil {
			_, err = repo.CreateUser(ctx, e.db, name, hash, false)
		}
		if err == nil {
			s, err = e.authn.Login(ctx, name, "password123")
		}
	}
	if err != nil {
		t.Fatalf("user %s: %v", name, err)
	}
	return s.User.ID, s.Token
}

func (e *testEnv) setKey(t *testing.T, userID string, p domain.Provider) {
	t.Helper()
	if err := e.creds.Set(context.Background(), userID, p, "sk-test"); err != nil {
		t.Fatalf("set key: %v", err)
	}
}

func (e *testEnv) seed(t *testing.T, userID string, msgs ...domain.Message) *domain.Conversation {
	t.Helper()
	c, err := repo.CreateConversation(context.Background(), e.db, userID, domain.ProviderOpenAI, "gpt-5.2", msgs, domain.ModelParams{ReasoningEffort: "low"})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return c
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("json: %v body=%s", err, w.Body.String())
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status=%d want %d body=%s", w.Code, status, w.Body.String())
	}
	if er := decode[ErrorResponse](t, w); er.Code != code {
		t.Fatalf("code=%q want %q", er.Code, code)
	}
}

func text(id, role, s string) domain.Message {
	return domain.Message{ID: id, Role: role, Parts: []domain.Part{{Type: domain.PartText, Text: s}}}
}
